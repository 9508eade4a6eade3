package normalize

import (
	"sort"
	"strings"

	"ecalsync/internal/model"
)

// MatchdayViolation is a fixture whose matchday is lower than the one of the
// fixture before it in the same competition and season.
type MatchdayViolation struct {
	Competition string `json:"competition"`
	Season      string `json:"season"`
	Group       string `json:"group"`

	PrevID       string `json:"prev_id"`
	PrevMatchday int    `json:"prev_matchday"`
	ID           string `json:"id"`
	Matchday     int    `json:"matchday"`
}

// matchdayGroup keys a league table: the same competition name is shared by
// several sections (men's and women's futsal both play a "Campeonato
// Nacional"), so sport, gender and squad are part of the key.
func matchdayGroup(e model.CatalogEntry) string {
	return strings.Join([]string{
		string(e.Sport), string(e.Gender), string(e.Squad),
		e.Competition.Name, e.Season,
	}, "|")
}

// CheckMatchdays walks every group in chronological order and reports each
// fixture whose matchday goes backwards. Removed entries and fixtures without
// a matchday are ignored.
func CheckMatchdays(entries []model.CatalogEntry) []MatchdayViolation {
	groups := make(map[string][]model.CatalogEntry)
	for _, e := range entries {
		if e.Kind != model.KindFixture || e.Matchday == nil || e.Status == model.StatusRemoved || e.Competition.Name == "" {
			continue
		}
		k := matchdayGroup(e)
		groups[k] = append(groups[k], e)
	}

	keys := make([]string, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var out []MatchdayViolation
	for _, k := range keys {
		g := groups[k]
		SortEntries(g)
		for i := 1; i < len(g); i++ {
			prev, cur := g[i-1], g[i]
			if *cur.Matchday < *prev.Matchday {
				out = append(out, MatchdayViolation{
					Competition:  cur.Competition.Name,
					Season:       cur.Season,
					Group:        k,
					PrevID:       prev.ID,
					PrevMatchday: *prev.Matchday,
					ID:           cur.ID,
					Matchday:     *cur.Matchday,
				})
			}
		}
	}
	return out
}

// MarkMatchdays recomputes the matchday_out_of_sequence flag on entries in
// place and returns the violations.
func MarkMatchdays(entries []model.CatalogEntry) []MatchdayViolation {
	violations := CheckMatchdays(entries)
	bad := make(map[string]bool, len(violations))
	for _, v := range violations {
		bad[v.ID] = true
	}
	for i := range entries {
		f := withoutFlag(entries[i].Flags, model.FlagMatchdayOutOfSequence)
		if bad[entries[i].ID] {
			f = f.With(model.FlagMatchdayOutOfSequence)
		}
		entries[i].Flags = f
	}
	return violations
}
