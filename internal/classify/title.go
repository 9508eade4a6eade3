package classify

import (
	"regexp"
	"strconv"
	"strings"

	"ecalsync/internal/taxonomy"
)

var (
	// Title segments: "⚽ SL Benfica x Paços Ferreira | Equipa B | 📺 BTV",
	// "Futsal Feminino — Jornada 5: Benfica – Sporting".
	segmentSep = regexp.MustCompile(`\s*\|\s*|\s+—\s+|:\s+`)

	strongTeamSep = regexp.MustCompile(`(?i)\s+(?:x|vs\.?|v\.?|–)\s+`)
	weakTeamSep   = regexp.MustCompile(`\s+-\s+`)

	leadingJunk  = regexp.MustCompile(`^[^\p{L}\p{N}]+`)
	trailingJunk = regexp.MustCompile(`[^\p{L}\p{N}.)]+$`)
	spaces       = regexp.MustCompile(`\s+`)

	matchdayRe = regexp.MustCompile(`\b(?:jornada|matchday|ronda|round|j)\.?\s*(\d{1,3})\b`)
	seasonRe   = regexp.MustCompile(`^(\d{2}|\d{4})/(\d{2}|\d{4})$`)
	compLineRe = regexp.MustCompile(`^(.+?)\s+(\d{2}/\d{2}|\d{4}/\d{2,4})(?:\s*-\s*(.*))?$`)
)

// parsedTitle is the structural reading of an event title.
type parsedTitle struct {
	segments []string
	// sides holds the two parties in title order when a match segment was
	// found.
	sides    [2]string
	matchSeg int
	fixture  bool
}

func parseTitle(title string) parsedTitle {
	pt := parsedTitle{matchSeg: -1}
	for _, s := range segmentSep.Split(strings.TrimSpace(title), -1) {
		if s = strings.TrimSpace(s); s != "" {
			pt.segments = append(pt.segments, s)
		}
	}

	// Strong separators ("x", "vs", en dash) beat a bare hyphen, which also
	// shows up inside labels.
	for _, sep := range []*regexp.Regexp{strongTeamSep, weakTeamSep} {
		for i, seg := range pt.segments {
			loc := sep.FindStringIndex(seg)
			if loc == nil {
				continue
			}
			a, b := cleanSide(seg[:loc[0]]), cleanSide(seg[loc[1]:])
			if a == "" || b == "" {
				continue
			}
			pt.sides = [2]string{a, b}
			pt.matchSeg = i
			pt.fixture = true
			return pt
		}
	}
	return pt
}

func cleanSide(s string) string {
	s = leadingJunk.ReplaceAllString(s, "")
	s = trailingJunk.ReplaceAllString(s, "")
	s = spaces.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

// nameMatches reports whether a folded side name is alias, or alias followed
// only by squad, gender or sport qualifiers ("sl benfica b", "benfica
// feminino", "benfica sub 23"). "benfica e castelo branco" is a different club.
func (e *Engine) nameMatches(sideKey, aliasKey string) bool {
	if sideKey == "" || aliasKey == "" {
		return false
	}
	if sideKey == aliasKey {
		return true
	}
	if !strings.HasPrefix(sideKey, aliasKey+" ") {
		return false
	}
	return e.qualifiersOnly(sideKey[len(aliasKey)+1:])
}

// qualifiersOnly reports whether rest is made of qualifier words alone.
func (e *Engine) qualifiersOnly(rest string) bool {
	rest = e.squads.Strip(rest)
	rest = e.genders.Strip(rest)
	rest = e.sports.Strip(rest)
	for _, w := range strings.Fields(rest) {
		if w != "b" {
			return false
		}
	}
	return true
}

// compLine is the parsed competition line of a description, e.g.
// "Campeonato Nacional Masculino | 25/26 - Jornada 4".
type compLine struct {
	Name     string
	Season   string
	Matchday *int
}

func parseCompetitionLine(line string) compLine {
	var out compLine
	line = strings.TrimSpace(line)
	if line == "" {
		return out
	}

	if name, rest, ok := strings.Cut(line, "|"); ok {
		out.Name = strings.TrimSpace(name)
		rest = strings.TrimSpace(rest)
		if season, tail, ok := strings.Cut(rest, "-"); ok {
			out.Season = normalizeSeason(strings.TrimSpace(season))
			out.Matchday = findMatchday(tail)
		} else if seasonRe.MatchString(rest) {
			out.Season = normalizeSeason(rest)
		}
		return out
	}

	if m := compLineRe.FindStringSubmatch(line); m != nil {
		out.Name = strings.TrimSpace(m[1])
		out.Season = normalizeSeason(m[2])
		out.Matchday = findMatchday(m[3])
		return out
	}

	out.Name = line
	return out
}

// competitionLine picks the first description line that carries no URL.
func competitionLine(desc string) string {
	for _, l := range strings.Split(desc, "\n") {
		l = strings.TrimSpace(l)
		if l == "" || strings.Contains(l, "://") {
			continue
		}
		return l
	}
	return ""
}

func findMatchday(text string) *int {
	if text == "" {
		return nil
	}
	m := matchdayRe.FindStringSubmatch(taxonomy.Fold(text))
	if m == nil {
		return nil
	}
	n, err := strconv.Atoi(m[1])
	if err != nil || n <= 0 {
		return nil
	}
	return &n
}

// normalizeSeason turns "25/26", "2025/26" and "2025/2026" into "2025/26".
// Anything else is returned unchanged.
func normalizeSeason(s string) string {
	m := seasonRe.FindStringSubmatch(s)
	if m == nil {
		return s
	}
	start, end := m[1], m[2]
	if len(start) == 2 {
		start = "20" + start
	}
	if len(end) == 4 {
		end = end[2:]
	}
	return start + "/" + end
}
