package rule

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Kind selects which variant of Spec is populated.
type Kind string

const (
	KindInterval Kind = "interval"
	KindDaily    Kind = "daily"
	KindWeekly   Kind = "weekly"
	KindOneTime  Kind = "onetime"
)

// Unit is the step unit for interval rules.
type Unit string

const (
	UnitMinutes Unit = "minutes"
	UnitHours   Unit = "hours"
	UnitDays    Unit = "days"
	UnitWeeks   Unit = "weeks"
)

// Spec is a tagged union over the four trigger shapes. Exactly the fields
// belonging to Kind are meaningful; Validate enforces that.
//
//   - KindInterval: Every + EveryUnit
//   - KindDaily:    Hour + Minute
//   - KindWeekly:   Days + Hour + Minute
//   - KindOneTime:  Year/Month/Day + Hour + Minute
type Spec struct {
	Kind Kind `json:"kind"`

	Every     int  `json:"every,omitempty"`
	EveryUnit Unit `json:"every_unit,omitempty"`

	Hour   int `json:"hour,omitempty"`
	Minute int `json:"minute,omitempty"`

	Days DayMask `json:"days,omitempty"`

	Year  int        `json:"year,omitempty"`
	Month time.Month `json:"month,omitempty"`
	Day   int        `json:"day,omitempty"`
}

// Rule is a persisted trigger specification owned by a user.
type Rule struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"owner_id"`
	Spec      Spec      `json:"spec"`
	Enabled   bool      `json:"enabled"`
	CreatedAt time.Time `json:"created_at"`
}

// New creates an enabled rule with a fresh id after validating the spec.
func New(ownerID string, spec Spec) (Rule, error) {
	if err := spec.Validate(); err != nil {
		return Rule{}, err
	}
	return Rule{
		ID:        uuid.New().String(),
		OwnerID:   ownerID,
		Spec:      spec,
		Enabled:   true,
		CreatedAt: time.Now(),
	}, nil
}

// Interval builds an interval spec ("every N units").
func Interval(every int, unit Unit) Spec {
	return Spec{Kind: KindInterval, Every: every, EveryUnit: unit}
}

// Daily builds a fixed-time daily spec.
func Daily(hour, minute int) Spec {
	return Spec{Kind: KindDaily, Hour: hour, Minute: minute}
}

// Weekly builds a day-set weekly spec.
func Weekly(days DayMask, hour, minute int) Spec {
	return Spec{Kind: KindWeekly, Days: days, Hour: hour, Minute: minute}
}

// OneTime builds a single-shot calendar spec.
func OneTime(year int, month time.Month, day, hour, minute int) Spec {
	return Spec{Kind: KindOneTime, Year: year, Month: month, Day: day, Hour: hour, Minute: minute}
}

// Validate rejects malformed specs. Invalid specs must never be persisted.
func (s Spec) Validate() error {
	switch s.Kind {
	case KindInterval:
		if s.Every <= 0 {
			return fmt.Errorf("%w: interval must be positive, got %d", ErrInvalid, s.Every)
		}
		switch s.EveryUnit {
		case UnitMinutes, UnitHours, UnitDays, UnitWeeks:
		default:
			return fmt.Errorf("%w: unknown interval unit %q", ErrInvalid, s.EveryUnit)
		}
	case KindDaily:
		if err := validClock(s.Hour, s.Minute); err != nil {
			return err
		}
	case KindWeekly:
		if s.Days == 0 {
			return fmt.Errorf("%w: weekly day set is empty", ErrInvalid)
		}
		if s.Days > maskAll {
			return fmt.Errorf("%w: weekly day set has unknown bits", ErrInvalid)
		}
		if err := validClock(s.Hour, s.Minute); err != nil {
			return err
		}
	case KindOneTime:
		if s.Year <= 0 || s.Month < time.January || s.Month > time.December || s.Day < 1 || s.Day > 31 {
			return fmt.Errorf("%w: bad calendar date %04d-%02d-%02d", ErrInvalid, s.Year, int(s.Month), s.Day)
		}
		if err := validClock(s.Hour, s.Minute); err != nil {
			return err
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalid, s.Kind)
	}
	return nil
}

// Step returns the duration of one interval step. Zero for non-interval kinds.
func (s Spec) Step() time.Duration {
	if s.Kind != KindInterval {
		return 0
	}
	switch s.EveryUnit {
	case UnitMinutes:
		return time.Duration(s.Every) * time.Minute
	case UnitHours:
		return time.Duration(s.Every) * time.Hour
	case UnitDays:
		return time.Duration(s.Every) * 24 * time.Hour
	case UnitWeeks:
		return time.Duration(s.Every) * 7 * 24 * time.Hour
	default:
		return 0
	}
}

func validClock(hour, minute int) error {
	if hour < 0 || hour > 23 {
		return fmt.Errorf("%w: hour %d out of range", ErrInvalid, hour)
	}
	if minute < 0 || minute > 59 {
		return fmt.Errorf("%w: minute %d out of range", ErrInvalid, minute)
	}
	return nil
}
