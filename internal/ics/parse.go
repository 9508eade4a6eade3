package ics

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"
	"github.com/rotisserie/eris"

	appLog "ecalsync/internal/log"
	"ecalsync/internal/model"
)

// ExtractOptions controls time normalization and recurrence expansion.
type ExtractOptions struct {
	// Location is the zone every start/end is converted to. Floating times
	// are read in it. Defaults to UTC.
	Location *time.Location

	// Now anchors the expansion window [Now-Backfill, Now+Horizon].
	Now      time.Time
	Backfill time.Duration
	Horizon  time.Duration

	// MaxOccurrences caps instances per recurring event.
	MaxOccurrences int
}

// ExtractResult holds the extracted events, sorted by start then source id,
// and the per-event problems that were skipped over.
type ExtractResult struct {
	Events     []model.RawEvent
	Warnings   []string
	Duplicates int
}

// parsedEvent is a VEVENT before recurrence expansion.
type parsedEvent struct {
	UID string
	Seq int

	Summary         string
	Description     string
	DescriptionHTML string
	Location        string

	Start  time.Time
	End    time.Time
	AllDay bool

	LastModified time.Time
	Cancelled    bool

	RawRRule   string
	ExDates    []time.Time
	Recurrence *time.Time // RECURRENCE-ID (if present)

	// order is the position of the VEVENT in the document.
	order int
}

// Extract parses a calendar document into raw events.
//
//   - A document without BEGIN:VCALENDAR/END:VCALENDAR, or one the parser
//     rejects, fails with *ExtractError.
//   - A VEVENT without UID or with a missing/invalid DTSTART is skipped and
//     reported in Warnings.
//   - Recurring events are expanded within the configured window.
//   - Events sharing a source id collapse to the most recently modified one
//     (ties: higher SEQUENCE, then the later one in the document).
func Extract(body []byte, opts ExtractOptions) (ExtractResult, error) {
	var result ExtractResult
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Now.IsZero() {
		opts.Now = time.Now()
	}

	upper := bytes.ToUpper(body)
	if !bytes.Contains(upper, []byte("BEGIN:VCALENDAR")) || !bytes.Contains(upper, []byte("END:VCALENDAR")) {
		return result, &ExtractError{Reason: "document is not a VCALENDAR"}
	}

	cal, err := ical.ParseCalendar(bytes.NewReader(body))
	if err != nil {
		return result, &ExtractError{Reason: "malformed calendar", Err: eris.Wrap(err, "parse calendar")}
	}

	events := make([]parsedEvent, 0)
	for i, comp := range cal.Events() {
		ev, perr := parseVEvent(comp, opts.Location)
		if perr != nil {
			msg := fmt.Sprintf("vevent #%d skipped: %v", i+1, perr)
			result.Warnings = append(result.Warnings, msg)
			appLog.Warn("ics vevent skipped", "index", i+1, "reason", perr.Error())
			continue
		}
		ev.order = i
		events = append(events, ev)
	}

	expanded, warnings := expandEvents(events, opts)
	result.Warnings = append(result.Warnings, warnings...)

	result.Events, result.Duplicates = collapse(expanded)
	appLog.Info("ics parse completed",
		"vevents", len(cal.Events()),
		"events", len(result.Events),
		"duplicates", result.Duplicates,
		"warnings", len(result.Warnings),
	)
	return result, nil
}

func parseVEvent(ve *ical.VEvent, loc *time.Location) (parsedEvent, error) {
	var out parsedEvent

	uidProp := ve.GetProperty(ical.ComponentPropertyUniqueId)
	if uidProp == nil || strings.TrimSpace(uidProp.Value) == "" {
		return out, errors.New("missing UID")
	}
	out.UID = strings.TrimSpace(uidProp.Value)

	// SEQUENCE (optional, used for overrides/versioning)
	if seqProp := ve.GetProperty(ical.ComponentPropertySequence); seqProp != nil {
		if n, err := strconv.Atoi(strings.TrimSpace(seqProp.Value)); err == nil {
			out.Seq = n
		}
	}

	if p := ve.GetProperty(ical.ComponentPropertySummary); p != nil {
		out.Summary = unescapeText(p.Value)
	}
	if p := ve.GetProperty(ical.ComponentPropertyDescription); p != nil {
		out.Description = unescapeText(p.Value)
	}
	if p := ve.GetProperty(ical.ComponentPropertyLocation); p != nil {
		out.Location = unescapeText(p.Value)
	}
	// HTML rendition of the description, as published by Outlook-style
	// feeds. Use raw property name to avoid constant mismatch.
	if p := ve.GetProperty("X-ALT-DESC"); p != nil && isHTML(p) {
		out.DescriptionHTML = unescapeText(p.Value)
	}
	if p := ve.GetProperty(ical.ComponentPropertyStatus); p != nil {
		out.Cancelled = strings.EqualFold(strings.TrimSpace(p.Value), "CANCELLED")
	}

	dtStart := ve.GetProperty(ical.ComponentPropertyDtStart)
	if dtStart == nil {
		return out, fmt.Errorf("uid %q: missing DTSTART", out.UID)
	}
	start, allDay, err := parseDateProp(dtStart.Value, dtStart.ICalParameters, loc)
	if err != nil {
		return out, fmt.Errorf("uid %q: invalid DTSTART: %w", out.UID, err)
	}
	out.Start, out.AllDay = start, allDay

	out.End = start
	if allDay {
		out.End = start.AddDate(0, 0, 1)
	}
	if p := ve.GetProperty(ical.ComponentPropertyDtEnd); p != nil {
		if end, _, err := parseDateProp(p.Value, p.ICalParameters, loc); err == nil && !end.Before(start) {
			out.End = end
		}
	}

	for _, name := range []ical.ComponentProperty{ical.ComponentPropertyLastModified, ical.ComponentPropertyDtstamp} {
		if p := ve.GetProperty(name); p != nil {
			if t, _, err := parseDateProp(p.Value, p.ICalParameters, loc); err == nil {
				out.LastModified = t
				break
			}
		}
	}

	// RRULE (we only keep raw string here; expansion is in expand.go).
	if rruleProp := ve.GetProperty(ical.ComponentPropertyRrule); rruleProp != nil {
		out.RawRRule = strings.TrimSpace(rruleProp.Value)
	}

	// EXDATE (can appear multiple times, each possibly a list)
	for _, p := range ve.GetProperties(ical.ComponentPropertyExdate) {
		for _, part := range strings.Split(p.Value, ",") {
			if t, _, err := parseDateProp(part, p.ICalParameters, loc); err == nil {
				out.ExDates = append(out.ExDates, t)
			}
		}
	}

	// RECURRENCE-ID (overridden instance)
	// Use raw property name to avoid constant mismatch.
	if ridProp := ve.GetProperty("RECURRENCE-ID"); ridProp != nil {
		if t, _, err := parseDateProp(ridProp.Value, ridProp.ICalParameters, loc); err == nil {
			out.Recurrence = &t
		}
	}

	return out, nil
}

func isHTML(p *ical.IANAProperty) bool {
	for _, v := range p.ICalParameters["FMTTYPE"] {
		if strings.EqualFold(v, "text/html") {
			return true
		}
	}
	return false
}

var textUnescaper = strings.NewReplacer(`\\`, `\`, `\n`, "\n", `\N`, "\n", `\,`, ",", `\;`, ";")

// unescapeText undoes RFC 5545 TEXT escaping when the parser left it in place.
func unescapeText(v string) string {
	if !strings.Contains(v, `\`) {
		return v
	}
	return textUnescaper.Replace(v)
}

// parseDateProp parses a DATE or DATE-TIME value with its parameters. The
// result stays in its source zone (UTC for the Z form, the TZID zone when it
// loads) so recurrence rules expand on the event's own wall clock. Dates and
// floating times are read in loc.
func parseDateProp(v string, params map[string][]string, loc *time.Location) (time.Time, bool, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, false, errors.New("empty time value")
	}

	isDate := len(v) == 8
	if vs, ok := params["VALUE"]; ok && len(vs) > 0 && strings.EqualFold(vs[0], "DATE") {
		isDate = true
	}
	if isDate {
		t, err := time.ParseInLocation("20060102", v, loc)
		return t, true, err
	}

	// UTC form, e.g., 20250101T090000Z
	if strings.HasSuffix(v, "Z") {
		t, err := time.Parse("20060102T150405Z", v)
		return t, false, err
	}

	src := loc
	if tzs, ok := params["TZID"]; ok && len(tzs) > 0 {
		if tz, err := time.LoadLocation(strings.Trim(tzs[0], `"`)); err == nil {
			src = tz
		}
	}
	t, err := time.ParseInLocation("20060102T150405", v, src)
	return t, false, err
}

// candidate is an expanded event that still remembers where it came from.
type candidate struct {
	ev    model.RawEvent
	order int
}

// collapse keeps one event per source id and sorts the result.
func collapse(cands []candidate) ([]model.RawEvent, int) {
	best := make(map[string]candidate, len(cands))
	dups := 0
	for _, c := range cands {
		prev, ok := best[c.ev.SourceID]
		if !ok {
			best[c.ev.SourceID] = c
			continue
		}
		dups++
		if newer(c, prev) {
			best[c.ev.SourceID] = c
		}
	}

	out := make([]model.RawEvent, 0, len(best))
	for _, c := range best {
		out = append(out, c.ev)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Start.Equal(out[j].Start) {
			return out[i].Start.Before(out[j].Start)
		}
		return out[i].SourceID < out[j].SourceID
	})
	return out, dups
}

// newer: later LAST-MODIFIED, then higher SEQUENCE, then later in document.
func newer(a, b candidate) bool {
	if !a.ev.LastModified.Equal(b.ev.LastModified) {
		return a.ev.LastModified.After(b.ev.LastModified)
	}
	if a.ev.Sequence != b.ev.Sequence {
		return a.ev.Sequence > b.ev.Sequence
	}
	return a.order > b.order
}
