// Package normalize turns per-run classified events into catalog entries with
// a stable identity and reconciles them against the previous snapshot.
package normalize

import (
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"ecalsync/internal/model"
	"ecalsync/internal/taxonomy"
)

// namespace seeds the name-based (v5) identities of catalog entries.
var namespace = uuid.MustParse("6f1c3b0e-5a7d-5c4e-9b8a-2d1e0f3c4b5a")

// Observed is one classified event from the current fetch.
type Observed struct {
	Raw   model.RawEvent
	Class model.ClassifiedEvent
	ID    string
}

// IdentityKey is the composite key an entry's id is hashed from. Fixtures are
// keyed on what they are (sport, tier, opponent, day), so a change of source
// UID or kick-off time keeps the same identity. Anything else is keyed on its
// folded title and day.
func IdentityKey(c model.ClassifiedEvent, raw model.RawEvent) string {
	day := raw.Start.Format("2006-01-02")
	if c.Kind == model.KindFixture && c.Opponent != "" {
		return strings.Join([]string{
			string(c.Kind),
			string(c.Sport),
			string(c.Gender),
			string(c.Squad),
			taxonomy.FoldKey(c.Opponent),
			day,
		}, "|")
	}
	return strings.Join([]string{string(c.Kind), taxonomy.FoldKey(raw.Title), day}, "|")
}

// Identity hashes IdentityKey into a UUIDv5 string.
func Identity(c model.ClassifiedEvent, raw model.RawEvent) string {
	return uuid.NewSHA1(namespace, []byte(IdentityKey(c, raw))).String()
}

// AssignIdentities sets ID on every observation. Observations are ordered by
// (start, source id); when two share an identity the later ones get an
// ordinal suffix ("-2", "-3", ...), which keeps the assignment deterministic.
func AssignIdentities(obs []Observed) {
	sortObserved(obs)
	counts := make(map[string]int, len(obs))
	for i := range obs {
		id := Identity(obs[i].Class, obs[i].Raw)
		counts[id]++
		if n := counts[id]; n > 1 {
			id += "-" + strconv.Itoa(n)
		}
		obs[i].ID = id
	}
}

func sortObserved(obs []Observed) {
	sort.SliceStable(obs, func(i, j int) bool {
		a, b := obs[i].Raw, obs[j].Raw
		if !a.Start.Equal(b.Start) {
			return a.Start.Before(b.Start)
		}
		return a.SourceID < b.SourceID
	})
}
