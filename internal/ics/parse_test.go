package ics

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func calendar(lines ...string) string {
	all := append([]string{"BEGIN:VCALENDAR", "VERSION:2.0", "PRODID:-//ecal//test//PT"}, lines...)
	all = append(all, "END:VCALENDAR")
	return strings.Join(all, "\r\n") + "\r\n"
}

var sampleCalendar = calendar(
	"BEGIN:VEVENT",
	"UID:evt-1@ecal",
	"DTSTAMP:20251101T100000Z",
	"DTSTART:20251108T180000Z",
	"DTEND:20251108T200000Z",
	`SUMMARY:Futsal Feminino — Jornada 5: Benfica – Sporting`,
	`LOCATION:Pavilhão No Sports Pavilion`,
	`DESCRIPTION:Campeonato Nacional Feminino | 25/26 - Jornada 5\nBilhetes: https://bilheteira.slbenfica.pt/futsal`,
	"END:VEVENT",
)

func lisbonZone(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("Europe/Lisbon")
	if err != nil {
		t.Fatalf("failed to load zone: %v", err)
	}
	return loc
}

func Test_Extract_SingleEvent(t *testing.T) {
	loc := lisbonZone(t)
	res, err := Extract([]byte(sampleCalendar), ExtractOptions{Location: loc})
	if err != nil {
		t.Fatalf("extract failed: %v", err)
	}
	if len(res.Events) != 1 {
		t.Fatalf("got %d events, want 1", len(res.Events))
	}
	ev := res.Events[0]
	if ev.SourceID != "evt-1@ecal" {
		t.Errorf("source id: got %q", ev.SourceID)
	}
	if ev.Start.Location() != loc || ev.Start.Hour() != 18 {
		t.Errorf("start not in Lisbon: %v", ev.Start)
	}
	if !strings.Contains(ev.Description, "\nBilhetes: https://bilheteira.slbenfica.pt/futsal") {
		t.Errorf("description not unescaped: %q", ev.Description)
	}
	if !ev.LastModified.Equal(time.Date(2025, 11, 1, 10, 0, 0, 0, time.UTC)) {
		t.Errorf("last modified should fall back to DTSTAMP, got %v", ev.LastModified)
	}
	if ev.End.Sub(ev.Start) != 2*time.Hour {
		t.Errorf("duration: got %v", ev.End.Sub(ev.Start))
	}
}

func Test_Extract_NotACalendar(t *testing.T) {
	for _, body := range []string{"", "<html>Service unavailable</html>", "BEGIN:VCALENDAR\r\nVERSION:2.0\r\n"} {
		_, err := Extract([]byte(body), ExtractOptions{})
		var ee *ExtractError
		if !errors.As(err, &ee) {
			t.Errorf("%q: expected *ExtractError, got %v", body, err)
		}
	}
}

func Test_Extract_SkipsBrokenEvents(t *testing.T) {
	body := calendar(
		"BEGIN:VEVENT",
		"DTSTART:20251108T180000Z",
		"SUMMARY:no uid",
		"END:VEVENT",
		"BEGIN:VEVENT",
		"UID:no-start",
		"SUMMARY:no start",
		"END:VEVENT",
		"BEGIN:VEVENT",
		"UID:bad-start",
		"DTSTART:tomorrow",
		"END:VEVENT",
		"BEGIN:VEVENT",
		"UID:ok",
		"DTSTART:20251108T180000Z",
		"SUMMARY:fine",
		"END:VEVENT",
	)
	res, err := Extract([]byte(body), ExtractOptions{})
	if err != nil {
		t.Fatalf("extract failed: %v", err)
	}
	if len(res.Events) != 1 || res.Events[0].SourceID != "ok" {
		t.Errorf("events: got %+v", res.Events)
	}
	if len(res.Warnings) != 3 {
		t.Errorf("warnings: got %d (%v), want 3", len(res.Warnings), res.Warnings)
	}
}

func Test_Extract_DuplicateUIDKeepsMostRecent(t *testing.T) {
	body := calendar(
		"BEGIN:VEVENT",
		"UID:dup",
		"LAST-MODIFIED:20251102T100000Z",
		"DTSTART:20251108T180000Z",
		"SUMMARY:newer",
		"END:VEVENT",
		"BEGIN:VEVENT",
		"UID:dup",
		"LAST-MODIFIED:20251101T100000Z",
		"DTSTART:20251108T180000Z",
		"SUMMARY:older",
		"END:VEVENT",
		"BEGIN:VEVENT",
		"UID:tie",
		"LAST-MODIFIED:20251101T100000Z",
		"SEQUENCE:2",
		"DTSTART:20251109T180000Z",
		"SUMMARY:seq two",
		"END:VEVENT",
		"BEGIN:VEVENT",
		"UID:tie",
		"LAST-MODIFIED:20251101T100000Z",
		"SEQUENCE:1",
		"DTSTART:20251109T180000Z",
		"SUMMARY:seq one",
		"END:VEVENT",
		"BEGIN:VEVENT",
		"UID:order",
		"DTSTART:20251110T180000Z",
		"SUMMARY:first",
		"END:VEVENT",
		"BEGIN:VEVENT",
		"UID:order",
		"DTSTART:20251110T180000Z",
		"SUMMARY:second",
		"END:VEVENT",
	)
	res, err := Extract([]byte(body), ExtractOptions{})
	if err != nil {
		t.Fatalf("extract failed: %v", err)
	}
	got := map[string]string{}
	for _, ev := range res.Events {
		if _, dup := got[ev.SourceID]; dup {
			t.Errorf("source id %q emitted twice", ev.SourceID)
		}
		got[ev.SourceID] = ev.Title
	}
	want := map[string]string{"dup": "newer", "tie": "seq two", "order": "second"}
	for id, title := range want {
		if got[id] != title {
			t.Errorf("%s: got %q, want %q", id, got[id], title)
		}
	}
	if res.Duplicates != 3 {
		t.Errorf("duplicates: got %d, want 3", res.Duplicates)
	}
}

func Test_Extract_ExpandsRecurrence(t *testing.T) {
	loc := lisbonZone(t)
	body := calendar(
		"BEGIN:VEVENT",
		"UID:museum-tour",
		"DTSTART;TZID=Europe/Lisbon:20251004T100000",
		"DTEND;TZID=Europe/Lisbon:20251004T113000",
		"RRULE:FREQ=WEEKLY;COUNT=4",
		"EXDATE;TZID=Europe/Lisbon:20251011T100000",
		"SUMMARY:Visita guiada ao Museu",
		"END:VEVENT",
		"BEGIN:VEVENT",
		"UID:museum-tour",
		"RECURRENCE-ID;TZID=Europe/Lisbon:20251018T100000",
		"DTSTART;TZID=Europe/Lisbon:20251018T150000",
		"DTEND;TZID=Europe/Lisbon:20251018T163000",
		"SUMMARY:Visita guiada ao Museu (tarde)",
		"END:VEVENT",
	)
	res, err := Extract([]byte(body), ExtractOptions{
		Location: loc,
		Now:      time.Date(2025, 10, 10, 0, 0, 0, 0, time.UTC),
		Backfill: 30 * 24 * time.Hour,
		Horizon:  365 * 24 * time.Hour,
	})
	if err != nil {
		t.Fatalf("extract failed: %v", err)
	}

	wantIDs := []string{
		"museum-tour@20251004T090000Z",
		"museum-tour@20251018T090000Z",
		"museum-tour@20251025T090000Z",
	}
	if len(res.Events) != len(wantIDs) {
		t.Fatalf("got %d events, want %d: %+v", len(res.Events), len(wantIDs), res.Events)
	}
	for i, id := range wantIDs {
		if res.Events[i].SourceID != id {
			t.Errorf("event %d: got id %q, want %q", i, res.Events[i].SourceID, id)
		}
	}
	moved := res.Events[1]
	if moved.Title != "Visita guiada ao Museu (tarde)" || moved.Start.Hour() != 15 {
		t.Errorf("override not applied: %+v", moved)
	}
}

func Test_Extract_UTCSeriesAcrossDSTChange(t *testing.T) {
	loc := lisbonZone(t)
	body := calendar(
		"BEGIN:VEVENT",
		"UID:s1",
		"DTSTART:20251018T180000Z",
		"DTEND:20251018T193000Z",
		"RRULE:FREQ=WEEKLY;COUNT=3",
		"SUMMARY:Treino",
		"END:VEVENT",
		"BEGIN:VEVENT",
		"UID:s1",
		"RECURRENCE-ID:20251101T180000Z",
		"DTSTART:20251101T200000Z",
		"DTEND:20251101T213000Z",
		"SUMMARY:Treino moved",
		"END:VEVENT",
	)
	res, err := Extract([]byte(body), ExtractOptions{
		Location: loc,
		Now:      time.Date(2025, 10, 10, 0, 0, 0, 0, time.UTC),
		Backfill: 30 * 24 * time.Hour,
		Horizon:  365 * 24 * time.Hour,
	})
	if err != nil {
		t.Fatalf("extract failed: %v", err)
	}

	wantIDs := []string{
		"s1@20251018T180000Z",
		"s1@20251025T180000Z",
		"s1@20251101T180000Z",
	}
	if len(res.Events) != len(wantIDs) {
		t.Fatalf("got %d events, want %d: %+v", len(res.Events), len(wantIDs), res.Events)
	}
	for i, id := range wantIDs {
		if res.Events[i].SourceID != id {
			t.Errorf("event %d: got id %q, want %q", i, res.Events[i].SourceID, id)
		}
		if res.Events[i].Start.Location() != loc {
			t.Errorf("event %d: start not in display zone: %v", i, res.Events[i].Start)
		}
	}
	// 18:00Z is 19:00 in Lisbon before 2025-10-26 and 18:00 after.
	if h := res.Events[0].Start.Hour(); h != 19 {
		t.Errorf("first instance starts at %d:00 local, want 19", h)
	}
	if !res.Events[1].Start.Equal(time.Date(2025, 10, 25, 18, 0, 0, 0, time.UTC)) {
		t.Errorf("second instance drifted: %v", res.Events[1].Start.UTC())
	}
	moved := res.Events[2]
	if moved.Title != "Treino moved" || !moved.Start.Equal(time.Date(2025, 11, 1, 20, 0, 0, 0, time.UTC)) {
		t.Errorf("override not applied: %+v", moved)
	}
}

func Test_Extract_CapsOccurrences(t *testing.T) {
	body := calendar(
		"BEGIN:VEVENT",
		"UID:daily",
		"DTSTART:20250101T100000Z",
		"RRULE:FREQ=DAILY",
		"SUMMARY:Museu aberto",
		"END:VEVENT",
	)
	res, err := Extract([]byte(body), ExtractOptions{
		Now:            time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC),
		Horizon:        365 * 24 * time.Hour,
		MaxOccurrences: 10,
	})
	if err != nil {
		t.Fatalf("extract failed: %v", err)
	}
	if len(res.Events) != 10 {
		t.Errorf("got %d events, want 10", len(res.Events))
	}
	if len(res.Warnings) != 1 {
		t.Errorf("expected a truncation warning, got %v", res.Warnings)
	}
}

func Test_Extract_CancelledAndHTML(t *testing.T) {
	body := calendar(
		"BEGIN:VEVENT",
		"UID:cancelled",
		"DTSTART;VALUE=DATE:20251220",
		"STATUS:CANCELLED",
		"SUMMARY:Gala",
		`X-ALT-DESC;FMTTYPE=text/html:<a href="https://www.slbenfica.pt/gala">Saiba mais</a>`,
		"END:VEVENT",
	)
	res, err := Extract([]byte(body), ExtractOptions{})
	if err != nil {
		t.Fatalf("extract failed: %v", err)
	}
	if len(res.Events) != 1 {
		t.Fatalf("got %d events", len(res.Events))
	}
	ev := res.Events[0]
	if !ev.Cancelled || !ev.AllDay {
		t.Errorf("got cancelled=%v allDay=%v", ev.Cancelled, ev.AllDay)
	}
	if ev.End.Sub(ev.Start) != 24*time.Hour {
		t.Errorf("all-day end: got %v", ev.End)
	}
	if !strings.Contains(ev.DescriptionHTML, `href="https://www.slbenfica.pt/gala"`) {
		t.Errorf("html description: got %q", ev.DescriptionHTML)
	}
}

func Test_OccurrenceID(t *testing.T) {
	loc := lisbonZone(t)
	got := OccurrenceID("abc", time.Date(2025, 7, 1, 20, 0, 0, 0, loc))
	if got != "abc@20250701T190000Z" {
		t.Errorf("got %q", got)
	}
}
