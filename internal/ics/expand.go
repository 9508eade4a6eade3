package ics

import (
	"fmt"
	"sort"
	"time"

	"github.com/teambition/rrule-go"

	appLog "ecalsync/internal/log"
	"ecalsync/internal/model"
)

const (
	defaultMaxOccurrencesPerEvent = 500

	// occurrenceIDLayout is the UTC suffix of derived recurrence ids:
	// UID@20251108T180000Z.
	occurrenceIDLayout = "20060102T150405Z"
)

// OccurrenceID derives the source id of one recurrence instance from the
// series UID and the instance's original start.
func OccurrenceID(uid string, start time.Time) string {
	return uid + "@" + start.UTC().Format(occurrenceIDLayout)
}

// expandEvents turns parsed VEVENTs into raw events. Non-recurring events
// pass through regardless of the window; recurring series are expanded within
// [Now-Backfill, Now+Horizon] and overrides (RECURRENCE-ID) replace the
// instance they target.
func expandEvents(events []parsedEvent, opts ExtractOptions) ([]candidate, []string) {
	maxOcc := opts.MaxOccurrences
	if maxOcc <= 0 {
		maxOcc = defaultMaxOccurrencesPerEvent
	}
	rangeStart := opts.Now.Add(-opts.Backfill)
	rangeEnd := opts.Now.Add(opts.Horizon)
	loc := opts.Location

	// Group base events and overrides by UID.
	baseByUID := make(map[string][]parsedEvent)
	overridesByUID := make(map[string][]parsedEvent)
	uids := make([]string, 0)
	for _, ev := range events {
		if _, seen := baseByUID[ev.UID]; !seen {
			if _, seen := overridesByUID[ev.UID]; !seen {
				uids = append(uids, ev.UID)
			}
		}
		if ev.Recurrence != nil {
			overridesByUID[ev.UID] = append(overridesByUID[ev.UID], ev)
		} else {
			baseByUID[ev.UID] = append(baseByUID[ev.UID], ev)
		}
	}
	sort.Strings(uids)

	var (
		out      []candidate
		warnings []string
	)
	for _, uid := range uids {
		overrides := overridesByUID[uid]
		used := make(map[int]bool, len(overrides))

		for _, ev := range baseByUID[uid] {
			if ev.RawRRule == "" {
				out = append(out, candidate{ev: makeRawEvent(ev, uid, ev.Start, ev.End, loc), order: ev.order})
				continue
			}
			occ, truncated, err := expandRecurring(ev, overrides, used, rangeStart, rangeEnd, maxOcc, loc)
			if err != nil {
				// Keep the series' first instance rather than losing the event.
				warnings = append(warnings, fmt.Sprintf("uid %q: invalid RRULE %q: %v", uid, ev.RawRRule, err))
				appLog.Error("expand: failed to parse RRULE", err, "uid", uid, "rrule", ev.RawRRule)
				out = append(out, candidate{ev: makeRawEvent(ev, uid, ev.Start, ev.End, loc), order: ev.order})
				continue
			}
			if truncated {
				warnings = append(warnings, fmt.Sprintf("uid %q: expansion capped at %d occurrences", uid, maxOcc))
				appLog.Warn("expand: truncated occurrences for UID due to cap", "uid", uid, "cap", maxOcc)
			}
			out = append(out, occ...)
		}

		// Overrides whose series is missing or whose slot fell outside the
		// window still describe a real instance.
		for i, ov := range overrides {
			if used[i] || !inWindow(ov.Start, rangeStart, rangeEnd) {
				continue
			}
			out = append(out, candidate{ev: makeRawEvent(ov, OccurrenceID(uid, *ov.Recurrence), ov.Start, ov.End, loc), order: ov.order})
		}
	}
	return out, warnings
}

// expandRecurring expands in the zone of the series' DTSTART; occurrences are
// converted to loc only when they become raw events.
func expandRecurring(ev parsedEvent, overrides []parsedEvent, used map[int]bool, rangeStart, rangeEnd time.Time, maxOcc int, loc *time.Location) ([]candidate, bool, error) {
	r, err := rrule.StrToRRule(ev.RawRRule)
	if err != nil {
		return nil, false, err
	}
	// Ensure Dtstart is set to the event's DTSTART.
	r.DTStart(ev.Start)

	// Build a set so we can apply EXDATE.
	var set rrule.Set
	set.RRule(r)
	for _, ex := range ev.ExDates {
		set.ExDate(ex.In(ev.Start.Location()))
	}

	occTimes := set.Between(rangeStart.In(ev.Start.Location()), rangeEnd.In(ev.Start.Location()), true)
	truncated := false
	if len(occTimes) > maxOcc {
		occTimes = occTimes[:maxOcc]
		truncated = true
	}

	dur := ev.End.Sub(ev.Start)
	out := make([]candidate, 0, len(occTimes))
	for _, occStart := range occTimes {
		var occEnd time.Time
		if ev.AllDay {
			// All-day: [date 00:00, next day 00:00) in the event's zone.
			occStart = time.Date(occStart.Year(), occStart.Month(), occStart.Day(), 0, 0, 0, 0, occStart.Location())
			occEnd = occStart.AddDate(0, 0, 1)
		} else {
			occEnd = occStart.Add(dur)
		}

		id := OccurrenceID(ev.UID, occStart)
		if i, ok := findOverride(overrides, occStart); ok {
			used[i] = true
			o := overrides[i]
			out = append(out, candidate{ev: makeRawEvent(o, id, o.Start, o.End, loc), order: o.order})
			continue
		}
		out = append(out, candidate{ev: makeRawEvent(ev, id, occStart, occEnd, loc), order: ev.order})
	}
	return out, truncated, nil
}

// findOverride finds an override whose RECURRENCE-ID equals start.
func findOverride(overrides []parsedEvent, start time.Time) (int, bool) {
	for i, ov := range overrides {
		if ov.Recurrence != nil && ov.Recurrence.Equal(start) {
			return i, true
		}
	}
	return -1, false
}

func inWindow(t, start, end time.Time) bool {
	return !t.Before(start) && !t.After(end)
}

func makeRawEvent(ev parsedEvent, sourceID string, start, end time.Time, loc *time.Location) model.RawEvent {
	lastModified := ev.LastModified
	if !lastModified.IsZero() {
		lastModified = lastModified.In(loc)
	}
	return model.RawEvent{
		SourceID:        sourceID,
		Title:           ev.Summary,
		Description:     ev.Description,
		DescriptionHTML: ev.DescriptionHTML,
		Location:        ev.Location,
		AllDay:          ev.AllDay,
		Start:           start.In(loc),
		End:             end.In(loc),
		LastModified:    lastModified,
		Sequence:        ev.Seq,
		Cancelled:       ev.Cancelled,
	}
}
