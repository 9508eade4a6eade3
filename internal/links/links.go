// Package links mines URLs out of event descriptions and tags each one with
// what it is for (tickets, broadcast, info) using the taxonomy's heuristics.
package links

import (
	"net/url"
	"regexp"
	"sort"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"ecalsync/internal/classify"
	appLog "ecalsync/internal/log"
	"ecalsync/internal/model"
	"ecalsync/internal/taxonomy"
)

var urlRe = regexp.MustCompile(`https?://[^\s<>"']+`)

// trailing punctuation that belongs to the sentence, not the URL.
const trailingPunct = `.,;:!?)]}»”’`

type domainRule struct {
	domain string
	typ    model.LinkType
}

type keywordRule struct {
	re  *regexp.Regexp
	typ model.LinkType
}

// Extractor classifies links against one taxonomy. Safe for concurrent use.
type Extractor struct {
	domains  []domainRule // longest domain first
	keywords []keywordRule
}

// New compiles the link rules of t.
func New(t *taxonomy.Taxonomy) (*Extractor, error) {
	e := &Extractor{}
	for _, r := range t.Links {
		typ := model.LinkType(r.Type)
		for _, d := range r.Domains {
			d = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(d)), "www.")
			if d != "" {
				e.domains = append(e.domains, domainRule{domain: d, typ: typ})
			}
		}
		if len(r.Keywords) > 0 {
			re, err := classify.KeywordPattern(r.Keywords, nil)
			if err != nil {
				return nil, err
			}
			e.keywords = append(e.keywords, keywordRule{re: re, typ: typ})
		}
	}
	sort.SliceStable(e.domains, func(i, j int) bool { return len(e.domains[i].domain) > len(e.domains[j].domain) })
	return e, nil
}

// Extract returns the links found in the plain-text description followed by
// those in the HTML one, in source order, each URL at most once.
func (e *Extractor) Extract(text, html string) []model.Link {
	var out []model.Link
	seen := make(map[string]bool)
	add := func(l model.Link) {
		if seen[l.URL] {
			return
		}
		seen[l.URL] = true
		out = append(out, l)
	}

	lines := strings.Split(text, "\n")
	for i, line := range lines {
		prev := ""
		if i > 0 {
			prev = lines[i-1]
		}
		for _, raw := range urlRe.FindAllString(line, -1) {
			u := strings.TrimRight(raw, trailingPunct)
			if !validURL(u) {
				continue
			}
			ctx := strings.TrimSpace(strings.Replace(line, raw, "", 1))
			add(model.Link{URL: u, Type: e.typeOf(u, line, prev), Context: ctx})
		}
	}

	if strings.TrimSpace(html) != "" {
		doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
		if err != nil {
			appLog.Warn("links: html description unreadable", "err", err.Error())
			return out
		}
		doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
			href, _ := s.Attr("href")
			href = strings.TrimSpace(href)
			if !validURL(href) {
				return
			}
			anchor := strings.Join(strings.Fields(s.Text()), " ")
			add(model.Link{URL: href, Type: e.typeOf(href, anchor, ""), Context: anchor})
		})
	}
	return out
}

func validURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return false
	}
	return u.Scheme == "http" || u.Scheme == "https"
}

// typeOf: domain table first, then keywords on the URL's own line, then on
// the preceding line.
func (e *Extractor) typeOf(raw, line, prev string) model.LinkType {
	if u, err := url.Parse(raw); err == nil {
		host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
		for _, d := range e.domains {
			if host == d.domain || strings.HasSuffix(host, "."+d.domain) {
				return d.typ
			}
		}
	}
	for _, text := range []string{strings.Replace(line, raw, " ", 1), prev} {
		if strings.TrimSpace(text) == "" {
			continue
		}
		folded := taxonomy.Fold(text)
		for _, k := range e.keywords {
			if k.re.MatchString(folded) {
				return k.typ
			}
		}
	}
	return model.LinkGeneric
}
