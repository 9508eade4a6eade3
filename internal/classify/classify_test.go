package classify

import (
	"reflect"
	"testing"
	"time"

	"ecalsync/internal/model"
	"ecalsync/internal/taxonomy"
)

func newEngine(t *testing.T) *Engine {
	t.Helper()
	tax, err := taxonomy.Default()
	if err != nil {
		t.Fatalf("failed to load default taxonomy: %v", err)
	}
	e, err := New(tax)
	if err != nil {
		t.Fatalf("failed to compile taxonomy: %v", err)
	}
	return e
}

func lisbon(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("Europe/Lisbon")
	if err != nil {
		t.Fatalf("failed to load zone: %v", err)
	}
	return loc
}

func Test_Classify_FutsalWomenHomeFixture(t *testing.T) {
	e := newEngine(t)
	raw := model.RawEvent{
		SourceID:    "futsal-5@ecal",
		Title:       "Futsal Feminino — Jornada 5: Benfica – Sporting",
		Location:    "Pavilhão No Sports Pavilion",
		Description: "Campeonato Nacional Feminino | 25/26 - Jornada 5\nBilhetes: https://bilheteira.slbenfica.pt/futsal",
		Start:       time.Date(2025, 11, 8, 18, 0, 0, 0, lisbon(t)),
	}
	c := e.Classify(raw)

	if c.Kind != model.KindFixture {
		t.Errorf("kind: got %q, want %q", c.Kind, model.KindFixture)
	}
	if c.Sport != model.SportFutsal {
		t.Errorf("sport: got %q, want %q", c.Sport, model.SportFutsal)
	}
	if c.Gender != model.GenderWomen {
		t.Errorf("gender: got %q, want %q", c.Gender, model.GenderWomen)
	}
	if c.Matchday == nil || *c.Matchday != 5 {
		t.Errorf("matchday: got %v, want 5", c.Matchday)
	}
	if c.Opponent != "Sporting" {
		t.Errorf("opponent: got %q, want %q", c.Opponent, "Sporting")
	}
	if c.HomeAway != model.Home {
		t.Errorf("home/away: got %q, want %q", c.HomeAway, model.Home)
	}
	if c.Confidence[model.DimHomeAway] != model.Matched {
		t.Errorf("home/away confidence: got %q, want %q", c.Confidence[model.DimHomeAway], model.Matched)
	}
	if !c.Venue.Known || !c.Venue.Home || c.Venue.Name != "Pavilhão No Sports" {
		t.Errorf("venue: got %+v", c.Venue)
	}
	if c.Competition.Name != "Campeonato Nacional Feminino" || c.Competition.Category != model.CompetitionMatched {
		t.Errorf("competition: got %+v", c.Competition)
	}
	if c.Season != "2025/26" {
		t.Errorf("season: got %q, want 2025/26", c.Season)
	}
	if c.Squad != model.SquadSenior || !c.Flags.Has(model.FlagSquadDefault) {
		t.Errorf("squad: got %q flags %v", c.Squad, c.Flags)
	}
	if c.Flags.Has(model.FlagSportUnknown) || c.Flags.Has(model.FlagHomeAwayUnknown) {
		t.Errorf("unexpected flags: %v", c.Flags)
	}
}

func Test_Classify_UnknownSportDegrades(t *testing.T) {
	e := newEngine(t)
	raw := model.RawEvent{
		SourceID: "chess@ecal",
		Title:    "Xadrez: Académica x Boavista",
		Start:    time.Date(2026, 2, 14, 15, 0, 0, 0, time.UTC),
	}
	c := e.Classify(raw)

	if c.Sport != model.SportUnknown {
		t.Errorf("sport: got %q, want %q", c.Sport, model.SportUnknown)
	}
	if c.Gender != model.GenderUnspecified {
		t.Errorf("gender: got %q, want %q", c.Gender, model.GenderUnspecified)
	}
	if c.HomeAway != model.HomeAwayUnknown {
		t.Errorf("home/away: got %q, want %q", c.HomeAway, model.HomeAwayUnknown)
	}
	for _, f := range []model.Flag{
		model.FlagSportUnknown,
		model.FlagGenderUnspecified,
		model.FlagHomeAwayUnknown,
		model.FlagOpponentUnknown,
		model.FlagVenueMissing,
		model.FlagCompetitionMissing,
	} {
		if !c.Flags.Has(f) {
			t.Errorf("missing flag %q in %v", f, c.Flags)
		}
	}
	if c.Season != "2025/26" {
		t.Errorf("season: got %q, want 2025/26", c.Season)
	}
}

func Test_Classify_AwayByVenueClub(t *testing.T) {
	e := newEngine(t)
	c := e.Classify(model.RawEvent{
		Title:       "⚽ FC Porto x SL Benfica | Liga Portugal Betclic | 📺 Sport TV",
		Location:    "Estádio do Dragão, Porto",
		Description: "Liga Portugal Betclic 25/26 - Jornada 12",
		Start:       time.Date(2025, 12, 7, 20, 30, 0, 0, time.UTC),
	})

	if c.HomeAway != model.Away || c.Confidence[model.DimHomeAway] != model.Matched {
		t.Errorf("home/away: got %q (%q), want away (matched)", c.HomeAway, c.Confidence[model.DimHomeAway])
	}
	if c.Opponent != "FC Porto" {
		t.Errorf("opponent: got %q", c.Opponent)
	}
	if c.Sport != model.SportFootball {
		t.Errorf("sport: got %q", c.Sport)
	}
	if c.Matchday == nil || *c.Matchday != 12 {
		t.Errorf("matchday: got %v, want 12", c.Matchday)
	}
	if c.Competition.Name != "Liga Portugal Betclic" {
		t.Errorf("competition: got %+v", c.Competition)
	}
	if !reflect.DeepEqual(c.Broadcasters, []string{"Sport TV"}) {
		t.Errorf("broadcasters: got %v", c.Broadcasters)
	}
}

func Test_Classify_TitleOrderFallback(t *testing.T) {
	e := newEngine(t)
	c := e.Classify(model.RawEvent{
		Title:    "🏀 Benfica vs Oliveirense",
		Location: "Pavilhão Municipal de Oliveira de Azeméis",
		Start:    time.Date(2026, 1, 10, 18, 0, 0, 0, time.UTC),
	})

	if c.HomeAway != model.Home {
		t.Errorf("home/away: got %q, want home", c.HomeAway)
	}
	if c.Confidence[model.DimHomeAway] != model.Inferred || !c.Flags.Has(model.FlagHomeAwayTitleOrder) {
		t.Errorf("expected inferred title-order resolution, got %q %v", c.Confidence[model.DimHomeAway], c.Flags)
	}
	if !c.Flags.Has(model.FlagVenueUnresolved) || c.Venue.Name != "Pavilhão Municipal de Oliveira de Azeméis" {
		t.Errorf("venue: got %+v flags %v", c.Venue, c.Flags)
	}
	if c.Sport != model.SportBasketball {
		t.Errorf("sport: got %q", c.Sport)
	}
}

func Test_Classify_HomeVenueNeverAway(t *testing.T) {
	e := newEngine(t)
	// Own club named second, but the venue is a home venue.
	c := e.Classify(model.RawEvent{
		Title:    "Futebol: Sporting CP x SL Benfica",
		Location: "Estádio da Luz",
		Start:    time.Date(2026, 3, 1, 20, 0, 0, 0, time.UTC),
	})
	if c.HomeAway != model.Home {
		t.Errorf("home/away: got %q, want home", c.HomeAway)
	}
}

func Test_Classify_TicketingKind(t *testing.T) {
	e := newEngine(t)
	c := e.Classify(model.RawEvent{
		Title:       "🎫 Bilhetes: SL Benfica x FC Porto",
		Description: "Critérios de venda\nhttps://bilheteira.slbenfica.pt/",
		Start:       time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
	})
	if c.Kind != model.KindTicketing {
		t.Errorf("kind: got %q, want ticketing", c.Kind)
	}
}

func Test_Classify_TicketSaleWithoutSegments(t *testing.T) {
	e := newEngine(t)
	c := e.Classify(model.RawEvent{
		Title: "🎫 Venda de bilhetes — SL Benfica x FC Porto",
		Start: time.Date(2026, 2, 20, 10, 0, 0, 0, time.UTC),
	})
	if c.Kind != model.KindTicketing {
		t.Errorf("kind: got %q, want ticketing", c.Kind)
	}

	// A segmented fixture title that happens to mention tickets stays a fixture.
	c = e.Classify(model.RawEvent{
		Title: "⚽ SL Benfica x FC Porto | Liga Portugal Betclic | Bilhetes esgotados",
		Start: time.Date(2026, 3, 1, 20, 30, 0, 0, time.UTC),
	})
	if c.Kind != model.KindFixture || c.Opponent != "FC Porto" {
		t.Errorf("got kind %q opponent %q, want fixture against FC Porto", c.Kind, c.Opponent)
	}
}

func Test_Classify_OpponentSharingClubName(t *testing.T) {
	e := newEngine(t)
	c := e.Classify(model.RawEvent{
		Title: "⚽ SL Benfica x Benfica e Castelo Branco | Taça de Portugal",
		Start: time.Date(2025, 10, 18, 18, 0, 0, 0, time.UTC),
	})
	if c.Opponent != "Benfica e Castelo Branco" || c.HomeAway != model.Home {
		t.Errorf("got opponent %q home/away %q", c.Opponent, c.HomeAway)
	}
	if c.Flags.Has(model.FlagOpponentUnknown) {
		t.Errorf("flags: got %v", c.Flags)
	}

	// Squad and gender qualifiers still mark the own club.
	for _, title := range []string{"⚽ Benfica Sub-23 x Sporting", "🏀 Benfica Feminino x Sporting"} {
		c = e.Classify(model.RawEvent{Title: title, Start: time.Date(2025, 10, 18, 18, 0, 0, 0, time.UTC)})
		if c.Opponent != "Sporting" || c.HomeAway != model.Home {
			t.Errorf("%q: got opponent %q home/away %q", title, c.Opponent, c.HomeAway)
		}
	}
}

func Test_Classify_ReserveSquadFromTitle(t *testing.T) {
	e := newEngine(t)
	c := e.Classify(model.RawEvent{
		Title: "⚽ SL Benfica B x Feirense",
		Start: time.Date(2025, 9, 20, 11, 0, 0, 0, time.UTC),
	})
	if c.Squad != model.SquadReserve {
		t.Errorf("squad: got %q, want reserve", c.Squad)
	}
	if c.Opponent != "Feirense" {
		t.Errorf("opponent: got %q", c.Opponent)
	}
}

func Test_Classify_GenderFromTeam(t *testing.T) {
	e := newEngine(t)
	c := e.Classify(model.RawEvent{
		Title: "⚽ Benfica x Damaiense",
		Start: time.Date(2025, 10, 4, 15, 0, 0, 0, time.UTC),
	})
	if c.Gender != model.GenderWomen || !c.Flags.Has(model.FlagGenderFromTeam) {
		t.Errorf("gender: got %q flags %v", c.Gender, c.Flags)
	}
	if c.Confidence[model.DimGender] != model.Inferred {
		t.Errorf("gender confidence: got %q", c.Confidence[model.DimGender])
	}
}

func Test_Classify_SportFromCompetition(t *testing.T) {
	e := newEngine(t)
	c := e.Classify(model.RawEvent{
		Title:       "Benfica x Sporting",
		Description: "Liga Placard | 25/26 - Jornada 3",
		Start:       time.Date(2025, 10, 4, 15, 0, 0, 0, time.UTC),
	})
	if c.Sport != model.SportFutsal || !c.Flags.Has(model.FlagSportFromCompetition) {
		t.Errorf("sport: got %q flags %v", c.Sport, c.Flags)
	}
	if c.Matchday == nil || *c.Matchday != 3 {
		t.Errorf("matchday: got %v, want 3", c.Matchday)
	}
}

func Test_Classify_CupRound(t *testing.T) {
	e := newEngine(t)
	c := e.Classify(model.RawEvent{
		Title:       "⚽ SL Benfica x SC Braga | Taça da Liga | Meias-finais",
		Description: "Taça da Liga | 25/26",
		Start:       time.Date(2026, 1, 6, 20, 0, 0, 0, time.UTC),
	})
	if c.Round != "Meias-finais" {
		t.Errorf("round: got %q", c.Round)
	}
	if c.Matchday != nil {
		t.Errorf("matchday: got %d, want none", *c.Matchday)
	}
	if !c.Competition.Cup || c.Competition.Name != "Taça da Liga" {
		t.Errorf("competition: got %+v", c.Competition)
	}
}

func Test_Classify_UnmatchedCompetitionKeepsRawName(t *testing.T) {
	e := newEngine(t)
	c := e.Classify(model.RawEvent{
		Title:       "⚽ SL Benfica x Ajax",
		Description: "Torneio Internacional do Algarve",
		Start:       time.Date(2025, 7, 20, 20, 0, 0, 0, time.UTC),
	})
	if c.Competition.Category != model.CompetitionOther || c.Competition.Name != "Torneio Internacional do Algarve" {
		t.Errorf("competition: got %+v", c.Competition)
	}
	if !c.Flags.Has(model.FlagCompetitionUnmatched) {
		t.Errorf("flags: got %v", c.Flags)
	}
}

func Test_Classify_IsDeterministic(t *testing.T) {
	e := newEngine(t)
	raw := model.RawEvent{
		Title:       "🏐 Voleibol Feminino: SL Benfica x FC Porto",
		Location:    "Pavilhão Fidelidade",
		Description: "Campeonato Nacional Feminino | 25/26 - Jornada 7",
		Start:       time.Date(2025, 11, 22, 17, 0, 0, 0, time.UTC),
	}
	first := e.Classify(raw)
	for i := 0; i < 10; i++ {
		if got := e.Classify(raw); !reflect.DeepEqual(got, first) {
			t.Fatalf("run %d differs:\n%+v\n!=\n%+v", i, got, first)
		}
	}
}

func Test_Classify_IsTotal(t *testing.T) {
	e := newEngine(t)
	inputs := []model.RawEvent{
		{},
		{Title: " "},
		{Title: "|||"},
		{Title: " x "},
		{Title: "— : —", Description: "\n\n|", Location: ","},
		{Title: "Visita ao Museu Benfica – Cosme Damião", Description: "https://museu.slbenfica.pt"},
	}
	for _, raw := range inputs {
		c := e.Classify(raw)
		if c.Sport == "" || c.Gender == "" || c.Squad == "" || c.HomeAway == "" || c.Kind == "" {
			t.Errorf("%q: dimension left empty: %+v", raw.Title, c)
		}
		if c.Sport == model.SportUnknown && !c.Flags.Has(model.FlagSportUnknown) {
			t.Errorf("%q: unknown sport without flag", raw.Title)
		}
		if c.HomeAway == model.HomeAwayUnknown && !c.Flags.Has(model.FlagHomeAwayUnknown) {
			t.Errorf("%q: unknown home/away without flag", raw.Title)
		}
	}
}

func Test_SeasonFor(t *testing.T) {
	cases := []struct {
		in   time.Time
		want string
	}{
		{time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC), "2025/26"},
		{time.Date(2025, 6, 30, 0, 0, 0, 0, time.UTC), "2024/25"},
		{time.Date(2099, 12, 31, 0, 0, 0, 0, time.UTC), "2099/00"},
		{time.Time{}, ""},
	}
	for _, tc := range cases {
		if got := SeasonFor(tc.in); got != tc.want {
			t.Errorf("SeasonFor(%v): got %q, want %q", tc.in, got, tc.want)
		}
	}
}
