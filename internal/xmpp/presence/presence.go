// Package presence defines presence availability values.
package presence

import "fmt"

// Show represents the presence show state. The empty value is plain
// availability and is not sent on the wire.
type Show string

const (
	ShowAvailable Show = ""
	ShowAway      Show = "away"
	ShowChat      Show = "chat"
	ShowDND       Show = "dnd"
	ShowXA        Show = "xa"
)

// Valid reports whether s is one of the defined show values.
func (s Show) Valid() bool {
	switch s {
	case ShowAvailable, ShowAway, ShowChat, ShowDND, ShowXA:
		return true
	}
	return false
}

// String converts a Show value to a human-readable string
func (s Show) String() string {
	if s == ShowAvailable {
		return "available"
	}
	return string(s)
}

// Parse converts user input or a <show/> value to a Show value.
func Parse(s string) (Show, error) {
	switch s {
	case "", "available", "online":
		return ShowAvailable, nil
	case "away":
		return ShowAway, nil
	case "chat":
		return ShowChat, nil
	case "dnd":
		return ShowDND, nil
	case "xa":
		return ShowXA, nil
	default:
		return ShowAvailable, fmt.Errorf("presence: unknown show value %q", s)
	}
}

// FromWire converts a received <show/> value, treating unknown values as
// plain availability.
func FromWire(s string) Show {
	show, err := Parse(s)
	if err != nil {
		return ShowAvailable
	}
	return show
}

// Status is the availability and status text of an entity.
type Status struct {
	Show   Show
	Status string
}
