package normalize

import (
	"reflect"
	"sort"
	"time"

	"ecalsync/internal/model"
)

// MergeOptions parameterizes a merge.
type MergeOptions struct {
	// Grace is the number of consecutive absent fetches before removal.
	Grace int
	Now   time.Time
	// Retention drops entries removed longer ago than this from the result.
	// Zero keeps them.
	Retention time.Duration
}

// MergeStats counts what a merge did.
type MergeStats struct {
	Inserted   int `json:"inserted"`
	Updated    int `json:"updated"`
	Unchanged  int `json:"unchanged"`
	Reattached int `json:"reattached"`
	Reappeared int `json:"reappeared"`
	Missing    int `json:"missing"`
	Removed    int `json:"removed"`
	Pruned     int `json:"pruned,omitempty"`
}

// MergeResult is the reconciled entry set, sorted by start then id.
type MergeResult struct {
	Entries []model.CatalogEntry
	Stats   MergeStats
}

// Merge reconciles the previous snapshot with this fetch's observations.
// Observations must carry their ID (see AssignIdentities).
//
// An observation whose identity is new but whose source id belonged to a
// previous entry that is not observed under its own identity this time (a
// rescheduled fixture, say) is re-attached to that entry, so the identity
// stays stable.
func Merge(prev []model.CatalogEntry, observed []Observed, opts MergeOptions) MergeResult {
	var res MergeResult

	prevByID := make(map[string]model.CatalogEntry, len(prev))
	prevBySource := make(map[string]string, len(prev))
	for _, e := range prev {
		prevByID[e.ID] = e
		if e.SourceID != "" {
			prevBySource[e.SourceID] = e.ID
		}
	}
	observedIDs := make(map[string]bool, len(observed))
	for _, o := range observed {
		observedIDs[o.ID] = true
	}

	obs := append([]Observed(nil), observed...)
	sortObserved(obs)

	matched := make(map[string]bool, len(obs))
	out := make([]model.CatalogEntry, 0, len(prev)+len(obs))

	for _, o := range obs {
		id := o.ID
		old, ok := prevByID[id]
		if !ok || matched[id] {
			if oldID, found := prevBySource[o.Raw.SourceID]; found && !observedIDs[oldID] && !matched[oldID] {
				id, old, ok = oldID, prevByID[oldID], true
				res.Stats.Reattached++
			}
		}
		if ok && matched[id] {
			// Same identity claimed twice; keep the first.
			continue
		}

		fresh := entryFrom(id, o)
		if !ok {
			fresh.FirstSeen = opts.Now
			fresh.UpdatedAt = opts.Now
			fresh = Advance(fresh, true, o.Raw.Cancelled, opts.Grace, opts.Now)
			res.Stats.Inserted++
			matched[id] = true
			out = append(out, fresh)
			continue
		}

		if old.Status == model.StatusRemoved || old.MissingCycles > 0 {
			res.Stats.Reappeared++
		}
		next := Advance(old, true, o.Raw.Cancelled, opts.Grace, opts.Now)
		fresh.FirstSeen = old.FirstSeen
		fresh.UpdatedAt = old.UpdatedAt
		fresh.Status, fresh.MissingCycles, fresh.RemovedAt, fresh.LastSeen = next.Status, next.MissingCycles, next.RemovedAt, next.LastSeen
		if sameContent(old, fresh) {
			res.Stats.Unchanged++
		} else {
			fresh.UpdatedAt = opts.Now
			res.Stats.Updated++
		}
		matched[id] = true
		out = append(out, fresh)
	}

	for _, e := range prev {
		if matched[e.ID] {
			continue
		}
		if expired(e, opts) {
			res.Stats.Pruned++
			continue
		}
		wasRemoved := e.Status == model.StatusRemoved
		next := Advance(e, false, false, opts.Grace, opts.Now)
		switch {
		case wasRemoved:
		case next.Status == model.StatusRemoved:
			next.UpdatedAt = opts.Now
			res.Stats.Removed++
		default:
			next.UpdatedAt = opts.Now
			res.Stats.Missing++
		}
		out = append(out, next)
	}

	SortEntries(out)
	res.Entries = out
	return res
}

func expired(e model.CatalogEntry, opts MergeOptions) bool {
	if opts.Retention <= 0 || e.Status != model.StatusRemoved || e.RemovedAt == nil {
		return false
	}
	return e.RemovedAt.Before(opts.Now.Add(-opts.Retention))
}

func entryFrom(id string, o Observed) model.CatalogEntry {
	return model.CatalogEntry{
		ID:              id,
		SourceID:        o.Raw.SourceID,
		Title:           o.Raw.Title,
		Start:           o.Raw.Start,
		End:             o.Raw.End,
		AllDay:          o.Raw.AllDay,
		ClassifiedEvent: o.Class,
	}
}

// sameContent compares what the catalog exposes, ignoring bookkeeping
// timestamps and the matchday flag, which is recomputed after every merge.
func sameContent(a, b model.CatalogEntry) bool {
	if a.SourceID != b.SourceID || a.Title != b.Title || a.AllDay != b.AllDay ||
		!a.Start.Equal(b.Start) || !a.End.Equal(b.End) ||
		a.Status != b.Status || a.MissingCycles != b.MissingCycles {
		return false
	}
	ac, bc := a.ClassifiedEvent, b.ClassifiedEvent
	ac.Flags, bc.Flags = withoutFlag(ac.Flags, model.FlagMatchdayOutOfSequence), withoutFlag(bc.Flags, model.FlagMatchdayOutOfSequence)
	return reflect.DeepEqual(normalizeEmpty(ac), normalizeEmpty(bc))
}

// normalizeEmpty maps empty slices to nil so a snapshot round trip compares
// equal to a fresh classification.
func normalizeEmpty(c model.ClassifiedEvent) model.ClassifiedEvent {
	if len(c.Flags) == 0 {
		c.Flags = nil
	}
	if len(c.Links) == 0 {
		c.Links = nil
	}
	if len(c.Broadcasters) == 0 {
		c.Broadcasters = nil
	}
	if len(c.Confidence) == 0 {
		c.Confidence = nil
	}
	return c
}

func withoutFlag(f model.Flags, flag model.Flag) model.Flags {
	if !f.Has(flag) {
		return f
	}
	out := make(model.Flags, 0, len(f)-1)
	for _, x := range f {
		if x != flag {
			out = append(out, x)
		}
	}
	return out
}

// SortEntries orders entries by start ascending, ties by id.
func SortEntries(entries []model.CatalogEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		if !entries[i].Start.Equal(entries[j].Start) {
			return entries[i].Start.Before(entries[j].Start)
		}
		return entries[i].ID < entries[j].ID
	})
}
