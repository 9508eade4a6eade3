// Package classify derives structured attributes from free-text calendar
// entries using the taxonomy tables. Classification is a pure function of
// (RawEvent, taxonomy): it performs no I/O and never fails. Anything it cannot
// resolve degrades to an unknown value plus a flag.
package classify

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"ecalsync/internal/model"
	"ecalsync/internal/taxonomy"
)

type aliasEntry[T any] struct {
	key   string
	value T
}

type teamEntry struct {
	keys []string
	team taxonomy.Team
}

// Engine is a compiled taxonomy. It is safe for concurrent use.
type Engine struct {
	version string

	kinds        Matcher[model.Kind]
	sports       Matcher[model.Sport]
	genders      Matcher[model.Gender]
	squads       Matcher[model.Squad]
	rounds       Matcher[string]
	broadcasters Matcher[string]

	club         []string
	teams        []teamEntry
	competitions []aliasEntry[taxonomy.Competition]
	venues       []aliasEntry[taxonomy.Venue]
}

// New compiles t. The taxonomy must already be validated.
func New(t *taxonomy.Taxonomy) (*Engine, error) {
	e := &Engine{version: t.Version}
	var err error

	if e.kinds, err = compileRules("kinds", t.Kinds, func(r taxonomy.KeywordRule) model.Kind {
		return model.Kind(r.ID)
	}); err != nil {
		return nil, err
	}
	if e.sports, err = compileRules("sports", t.Sports, func(r taxonomy.KeywordRule) model.Sport {
		return model.Sport(r.ID)
	}); err != nil {
		return nil, err
	}
	if e.genders, err = compileRules("genders", t.Genders, func(r taxonomy.KeywordRule) model.Gender {
		return model.Gender(r.ID)
	}); err != nil {
		return nil, err
	}
	if e.squads, err = compileRules("squads", t.Squads, func(r taxonomy.KeywordRule) model.Squad {
		return model.Squad(r.ID)
	}); err != nil {
		return nil, err
	}
	label := func(r taxonomy.KeywordRule) string {
		if r.Label != "" {
			return r.Label
		}
		return r.ID
	}
	if e.rounds, err = compileRules("rounds", t.Rounds, label); err != nil {
		return nil, err
	}
	if e.broadcasters, err = compileRules("broadcasters", t.Broadcasters, label); err != nil {
		return nil, err
	}

	e.club = foldKeys(t.ClubNames())
	for _, tm := range t.Teams {
		e.teams = append(e.teams, teamEntry{
			keys: foldKeys(append([]string{tm.Name}, tm.Aliases...)),
			team: tm,
		})
	}
	for _, c := range t.Competitions {
		for _, k := range foldKeys(append([]string{c.Name}, c.Aliases...)) {
			e.competitions = append(e.competitions, aliasEntry[taxonomy.Competition]{key: k, value: c})
		}
	}
	for _, v := range t.Venues {
		for _, k := range foldKeys(append([]string{v.Name}, v.Aliases...)) {
			e.venues = append(e.venues, aliasEntry[taxonomy.Venue]{key: k, value: v})
		}
	}
	sortAliases(e.competitions)
	sortAliases(e.venues)

	if e.sports.Len() == 0 {
		return nil, fmt.Errorf("classify: taxonomy %s has no sport rules", t.Version)
	}
	return e, nil
}

// Version is the taxonomy version the engine was compiled from.
func (e *Engine) Version() string { return e.version }

func foldKeys(names []string) []string {
	seen := make(map[string]bool, len(names))
	out := make([]string, 0, len(names))
	for _, n := range names {
		k := taxonomy.FoldKey(n)
		if k == "" || seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, k)
	}
	return out
}

// sortAliases orders longest key first so the most specific alias wins.
func sortAliases[T any](a []aliasEntry[T]) {
	sort.SliceStable(a, func(i, j int) bool { return len(a[i].key) > len(a[j].key) })
}

// lookup returns the longest alias that occurs in text as a whole-word run.
func lookup[T any](table []aliasEntry[T], text string) (T, bool) {
	var zero T
	key := taxonomy.FoldKey(text)
	if key == "" {
		return zero, false
	}
	padded := " " + key + " "
	for _, a := range table {
		if strings.Contains(padded, " "+a.key+" ") {
			return a.value, true
		}
	}
	return zero, false
}

// Classify interprets one raw event.
func (e *Engine) Classify(raw model.RawEvent) model.ClassifiedEvent {
	c := model.ClassifiedEvent{
		Confidence: make(map[model.Dimension]model.Confidence, 9),
	}
	title := strings.TrimSpace(raw.Title)
	desc := raw.Description
	line := competitionLine(desc)
	pt := parseTitle(title)
	cl := parseCompetitionLine(line)

	// Kind.
	switch {
	case e.matchKind(title, line):
		c.Kind = model.KindTicketing
		c.Confidence[model.DimKind] = model.Matched
	case pt.fixture:
		c.Kind = model.KindFixture
		c.Confidence[model.DimKind] = model.Matched
	default:
		c.Kind = model.KindOther
		c.Confidence[model.DimKind] = model.Inferred
	}

	// Competition and season.
	comp, compFound := e.resolveCompetition(cl.Name, title, desc)
	switch {
	case compFound:
		c.Competition = model.Competition{Name: comp.Name, Category: model.CompetitionMatched, Cup: comp.Cup}
		c.Confidence[model.DimCompetition] = model.Matched
	case cl.Name != "":
		c.Competition = model.Competition{Name: cl.Name, Category: model.CompetitionOther}
		c.Confidence[model.DimCompetition] = model.Unresolved
		c.Flags = c.Flags.With(model.FlagCompetitionUnmatched)
	default:
		c.Competition = model.Competition{Category: model.CompetitionOther}
		c.Confidence[model.DimCompetition] = model.Unresolved
		c.Flags = c.Flags.With(model.FlagCompetitionMissing)
	}
	c.Season = cl.Season
	if c.Season == "" {
		c.Season = SeasonFor(raw.Start)
	}

	// Sport.
	if r, at, ok := e.sports.Match(title, desc); ok {
		c.Sport = r.Value
		c.Confidence[model.DimSport] = confidenceAt(at)
	} else if compFound && comp.Sport != "" {
		c.Sport = model.Sport(comp.Sport)
		c.Confidence[model.DimSport] = model.Inferred
		c.Flags = c.Flags.With(model.FlagSportFromCompetition)
	} else {
		c.Sport = model.SportUnknown
		c.Confidence[model.DimSport] = model.Unresolved
		c.Flags = c.Flags.With(model.FlagSportUnknown)
	}

	// Sides: which title party is the own club.
	own, opp := -1, -1
	var ownTeam, oppTeam *taxonomy.Team
	if pt.fixture {
		a, b := e.isOwn(pt.sides[0]), e.isOwn(pt.sides[1])
		switch {
		case a && !b:
			own, opp = 0, 1
		case b && !a:
			own, opp = 1, 0
		}
	}
	if own >= 0 {
		ownTeam = e.team(pt.sides[own])
		oppTeam = e.team(pt.sides[opp])
		c.Opponent = pt.sides[opp]
		c.Confidence[model.DimOpponent] = model.Matched
	} else {
		c.Confidence[model.DimOpponent] = model.Unresolved
		if c.Kind == model.KindFixture {
			c.Flags = c.Flags.With(model.FlagOpponentUnknown)
		}
	}

	// Gender.
	if r, _, ok := e.genders.Match(title); ok {
		c.Gender = r.Value
		c.Confidence[model.DimGender] = model.Matched
	} else if g := teamGender(ownTeam, oppTeam); g != "" {
		c.Gender = g
		c.Confidence[model.DimGender] = model.Inferred
		c.Flags = c.Flags.With(model.FlagGenderFromTeam)
	} else if r, _, ok := e.genders.Match(c.Competition.Name); ok {
		c.Gender = r.Value
		c.Confidence[model.DimGender] = model.Inferred
		c.Flags = c.Flags.With(model.FlagGenderFromCompetition)
	} else {
		c.Gender = model.GenderUnspecified
		c.Confidence[model.DimGender] = model.Unresolved
		c.Flags = c.Flags.With(model.FlagGenderUnspecified)
	}

	// Squad.
	if r, _, ok := e.squads.Match(title, line); ok {
		c.Squad = r.Value
		c.Confidence[model.DimSquad] = model.Matched
	} else if ownTeam != nil && ownTeam.Squad != "" {
		c.Squad = model.Squad(ownTeam.Squad)
		c.Confidence[model.DimSquad] = model.Inferred
	} else {
		c.Squad = model.SquadSenior
		c.Confidence[model.DimSquad] = model.Inferred
		c.Flags = c.Flags.With(model.FlagSquadDefault)
	}

	// Matchday and knockout round.
	c.Matchday = cl.Matchday
	if c.Matchday == nil {
		c.Matchday = findMatchday(title)
	}
	if c.Matchday == nil {
		c.Matchday = findMatchday(desc)
	}
	if c.Matchday != nil {
		c.Confidence[model.DimMatchday] = model.Matched
	}
	if r, _, ok := e.rounds.Match(title, line); ok {
		c.Round = r.Value
	}

	// Venue.
	loc := strings.TrimSpace(raw.Location)
	venue, venueFound := lookup(e.venues, loc)
	switch {
	case loc == "":
		c.Confidence[model.DimVenue] = model.Unresolved
		c.Flags = c.Flags.With(model.FlagVenueMissing)
	case venueFound:
		c.Venue = model.Venue{Name: venue.Name, Known: true, Home: venue.Home}
		c.Confidence[model.DimVenue] = model.Matched
	default:
		c.Venue = model.Venue{Name: spaces.ReplaceAllString(loc, " ")}
		c.Confidence[model.DimVenue] = model.Unresolved
		c.Flags = c.Flags.With(model.FlagVenueUnresolved)
	}

	// Home/away: venue first, then title order.
	switch {
	case venueFound && venue.Home:
		c.HomeAway = model.Home
		c.Confidence[model.DimHomeAway] = model.Matched
	case venueFound && venue.Club != "" && c.Opponent != "" && e.sameTeam(c.Opponent, oppTeam, venue.Club):
		c.HomeAway = model.Away
		c.Confidence[model.DimHomeAway] = model.Matched
	case own == 0:
		c.HomeAway = model.Home
		c.Confidence[model.DimHomeAway] = model.Inferred
		c.Flags = c.Flags.With(model.FlagHomeAwayTitleOrder)
	case own == 1:
		c.HomeAway = model.Away
		c.Confidence[model.DimHomeAway] = model.Inferred
		c.Flags = c.Flags.With(model.FlagHomeAwayTitleOrder)
	default:
		c.HomeAway = model.HomeAwayUnknown
		c.Confidence[model.DimHomeAway] = model.Unresolved
		c.Flags = c.Flags.With(model.FlagHomeAwayUnknown)
	}

	for _, r := range e.broadcasters.All(title) {
		c.Broadcasters = append(c.Broadcasters, r.Value)
	}
	return c
}

func (e *Engine) matchKind(title, line string) bool {
	r, _, ok := e.kinds.Match(title, line)
	return ok && r.Value == model.KindTicketing
}

func confidenceAt(textIndex int) model.Confidence {
	if textIndex == 0 {
		return model.Matched
	}
	return model.Inferred
}

func (e *Engine) resolveCompetition(name, title, desc string) (taxonomy.Competition, bool) {
	for _, text := range []string{name, title, desc} {
		if c, ok := lookup(e.competitions, text); ok {
			return c, true
		}
	}
	return taxonomy.Competition{}, false
}

func (e *Engine) isOwn(side string) bool {
	key := taxonomy.FoldKey(side)
	for _, k := range e.club {
		if e.nameMatches(key, k) {
			return true
		}
	}
	for _, t := range e.teams {
		if !t.team.Own {
			continue
		}
		for _, k := range t.keys {
			if e.nameMatches(key, k) {
				return true
			}
		}
	}
	return false
}

// team returns the known team with the longest alias matching side.
func (e *Engine) team(side string) *taxonomy.Team {
	key := taxonomy.FoldKey(side)
	var best *taxonomy.Team
	bestLen := 0
	for i := range e.teams {
		for _, k := range e.teams[i].keys {
			if e.nameMatches(key, k) && len(k) > bestLen {
				best, bestLen = &e.teams[i].team, len(k)
			}
		}
	}
	return best
}

// sameTeam reports whether the opponent named in the title is club.
func (e *Engine) sameTeam(opponent string, known *taxonomy.Team, club string) bool {
	if known != nil && known.Name == club {
		return true
	}
	return e.nameMatches(taxonomy.FoldKey(opponent), taxonomy.FoldKey(club))
}

func teamGender(own, opp *taxonomy.Team) model.Gender {
	for _, t := range []*taxonomy.Team{own, opp} {
		if t != nil && t.Gender != "" {
			return model.Gender(t.Gender)
		}
	}
	return ""
}

// SeasonFor derives the season label of a date; seasons start in July.
func SeasonFor(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	y := t.Year()
	if t.Month() < time.July {
		y--
	}
	return fmt.Sprintf("%d/%02d", y, (y+1)%100)
}
