package normalize

import (
	"time"

	"ecalsync/internal/model"
)

// Advance applies one fetch outcome to an entry.
//
//	seen:     missing count resets, status follows the feed (active/cancelled)
//	not seen: missing count grows; at grace consecutive misses the entry is
//	          removed
//
// A removed entry that reappears becomes active (or cancelled) again.
func Advance(e model.CatalogEntry, seen, cancelled bool, grace int, now time.Time) model.CatalogEntry {
	if grace < 1 {
		grace = 1
	}
	if seen {
		e.MissingCycles = 0
		e.RemovedAt = nil
		e.LastSeen = now
		e.Status = model.StatusActive
		if cancelled {
			e.Status = model.StatusCancelled
		}
		return e
	}

	if e.Status == model.StatusRemoved {
		return e
	}
	e.MissingCycles++
	if e.MissingCycles >= grace {
		e.Status = model.StatusRemoved
		at := now
		e.RemovedAt = &at
	}
	return e
}
