package rule

import (
	"strings"
	"time"
)

// DayMask is a 7-bit weekday set: bit 0 = Monday ... bit 6 = Sunday.
type DayMask uint8

const (
	Monday DayMask = 1 << iota
	Tuesday
	Wednesday
	Thursday
	Friday
	Saturday
	Sunday

	maskAll DayMask = 1<<7 - 1
)

// MaskOf builds a DayMask from time.Weekday values.
func MaskOf(days ...time.Weekday) DayMask {
	var m DayMask
	for _, d := range days {
		m |= fromWeekday(d)
	}
	return m
}

// Has reports whether the mask contains the given weekday.
func (m DayMask) Has(d time.Weekday) bool {
	return m&fromWeekday(d) != 0
}

// Count returns the number of days in the set.
func (m DayMask) Count() int {
	n := 0
	for b := Monday; b <= Sunday; b <<= 1 {
		if m&b != 0 {
			n++
		}
	}
	return n
}

func (m DayMask) String() string {
	names := []string{"Mon", "Tue", "Wed", "Thu", "Fri", "Sat", "Sun"}
	parts := make([]string, 0, 7)
	for i, name := range names {
		if m&(1<<i) != 0 {
			parts = append(parts, name)
		}
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, ",")
}

// fromWeekday maps Go's Sunday-based weekday onto the Monday-based mask.
func fromWeekday(d time.Weekday) DayMask {
	if d == time.Sunday {
		return Sunday
	}
	return 1 << (int(d) - 1)
}
