package model

import (
	"sort"
	"time"
)

// RawEvent is one calendar entry as extracted from a single fetch, before any
// interpretation. Start/End are already in the configured zone.
type RawEvent struct {
	// SourceID is the iCalendar UID, or UID@<occurrence> for expanded
	// recurrences.
	SourceID string

	Title           string
	Description     string
	DescriptionHTML string
	Location        string

	AllDay bool
	Start  time.Time
	End    time.Time

	LastModified time.Time
	Sequence     int
	Cancelled    bool
}

// Kind separates real fixtures from the other things the club publishes on
// the same calendar.
type Kind string

const (
	KindFixture   Kind = "fixture"
	KindTicketing Kind = "ticketing"
	KindOther     Kind = "other"
)

// Sport values are taxonomy ids; SportUnknown is the explicit marker for an
// undetermined sport.
type Sport string

const (
	SportUnknown      Sport = "UNKNOWN"
	SportFootball     Sport = "football"
	SportFutsal       Sport = "futsal"
	SportHandball     Sport = "handball"
	SportBasketball   Sport = "basketball"
	SportVolleyball   Sport = "volleyball"
	SportRollerHockey Sport = "roller_hockey"
)

type Gender string

const (
	GenderMen         Gender = "men"
	GenderWomen       Gender = "women"
	GenderUnspecified Gender = "unspecified"
)

// Squad is a tier id from the taxonomy. SquadSenior is implied when no tier
// marker is present.
type Squad string

const (
	SquadSenior  Squad = "senior"
	SquadReserve Squad = "reserve"
	SquadU23     Squad = "under-23"
	SquadU19     Squad = "under-19"
	SquadU17     Squad = "under-17"
	SquadU15     Squad = "under-15"
)

type HomeAway string

const (
	Home            HomeAway = "home"
	Away            HomeAway = "away"
	HomeAwayUnknown HomeAway = "unknown"
)

// Competition categories.
const (
	CompetitionMatched = "matched"
	CompetitionOther   = "other"
)

type Competition struct {
	Name     string `json:"name"`
	Category string `json:"category"`
	Cup      bool   `json:"cup,omitempty"`
}

type Venue struct {
	Name  string `json:"name"`
	Known bool   `json:"known"`
	Home  bool   `json:"home"`
}

type LinkType string

const (
	LinkTickets   LinkType = "tickets"
	LinkBroadcast LinkType = "broadcast"
	LinkInfo      LinkType = "info"
	LinkGeneric   LinkType = "generic"
)

type Link struct {
	URL     string   `json:"url"`
	Type    LinkType `json:"type"`
	Context string   `json:"context,omitempty"`
}

// Dimension names a classified attribute in Confidence.
type Dimension string

const (
	DimKind        Dimension = "kind"
	DimSport       Dimension = "sport"
	DimGender      Dimension = "gender"
	DimSquad       Dimension = "squad"
	DimCompetition Dimension = "competition"
	DimMatchday    Dimension = "matchday"
	DimOpponent    Dimension = "opponent"
	DimHomeAway    Dimension = "home_away"
	DimVenue       Dimension = "venue"
)

// Confidence records how a dimension was resolved.
type Confidence string

const (
	Matched    Confidence = "matched"
	Inferred   Confidence = "inferred"
	Unresolved Confidence = "unresolved"
)

// Flag marks an ambiguity the operator may want to review.
type Flag string

const (
	FlagSportUnknown          Flag = "sport_unknown"
	FlagSportFromCompetition  Flag = "sport_from_competition"
	FlagGenderUnspecified     Flag = "gender_unspecified"
	FlagGenderFromTeam        Flag = "gender_from_team"
	FlagGenderFromCompetition Flag = "gender_from_competition"
	FlagSquadDefault          Flag = "squad_default"
	FlagCompetitionUnmatched  Flag = "competition_unmatched"
	FlagCompetitionMissing    Flag = "competition_missing"
	FlagOpponentUnknown       Flag = "opponent_unknown"
	FlagHomeAwayTitleOrder    Flag = "home_away_title_order"
	FlagHomeAwayUnknown       Flag = "home_away_unknown"
	FlagVenueUnresolved       Flag = "venue_unresolved"
	FlagVenueMissing          Flag = "venue_missing"
	FlagMatchdayOutOfSequence Flag = "matchday_out_of_sequence"
)

// Flags is a sorted, duplicate-free set.
type Flags []Flag

func (f Flags) Has(flag Flag) bool {
	for _, x := range f {
		if x == flag {
			return true
		}
	}
	return false
}

// With returns the set with flag added, keeping it sorted.
func (f Flags) With(flag Flag) Flags {
	if f.Has(flag) {
		return f
	}
	out := append(append(Flags(nil), f...), flag)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ClassifiedEvent is the derived view of a RawEvent against one taxonomy
// version. It never carries an error: unresolved dimensions degrade to their
// unknown value and a flag.
type ClassifiedEvent struct {
	Kind         Kind        `json:"kind"`
	Sport        Sport       `json:"sport"`
	Gender       Gender      `json:"gender"`
	Squad        Squad       `json:"squad"`
	Competition  Competition `json:"competition"`
	Season       string      `json:"season,omitempty"`
	Matchday     *int        `json:"matchday,omitempty"`
	Round        string      `json:"round,omitempty"`
	Opponent     string      `json:"opponent,omitempty"`
	HomeAway     HomeAway    `json:"home_away"`
	Venue        Venue       `json:"venue"`
	Broadcasters []string    `json:"broadcasters,omitempty"`
	Links        []Link      `json:"links,omitempty"`

	Confidence map[Dimension]Confidence `json:"confidence"`
	Flags      Flags                    `json:"flags,omitempty"`
}

// Status is the lifecycle state of a catalog entry.
type Status string

const (
	StatusActive    Status = "active"
	StatusCancelled Status = "cancelled"
	StatusRemoved   Status = "removed"
)

// CatalogEntry is a ClassifiedEvent with a stable identity and lifecycle.
// MissingCycles > 0 on a non-removed entry means "missing from the feed".
type CatalogEntry struct {
	ID       string `json:"id"`
	SourceID string `json:"source_id"`
	Title    string `json:"title"`

	Start  time.Time `json:"start"`
	End    time.Time `json:"end"`
	AllDay bool      `json:"all_day,omitempty"`

	ClassifiedEvent

	Status        Status     `json:"status"`
	MissingCycles int        `json:"missing_cycles,omitempty"`
	FirstSeen     time.Time  `json:"first_seen"`
	LastSeen      time.Time  `json:"-"`
	UpdatedAt     time.Time  `json:"updated_at"`
	RemovedAt     *time.Time `json:"removed_at,omitempty"`
}

// Missing reports whether the entry is in its grace period.
func (e CatalogEntry) Missing() bool {
	return e.Status != StatusRemoved && e.MissingCycles > 0
}
