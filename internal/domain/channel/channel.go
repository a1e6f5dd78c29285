// Package channel defines the logical broadcast channels of the gateway and
// the domain mutation events routed through them.
package channel

import (
	"errors"
	"fmt"
)

// Name identifies one of the fixed logical channels.
type Name string

const (
	Announcements Name = "announcements"
	Spaces        Name = "spaces"
	Bookings      Name = "bookings"
)

// all lists the channels in a stable order.
var all = []Name{Announcements, Spaces, Bookings}

// All returns every channel in a stable order. The slice is a copy.
func All() []Name {
	out := make([]Name, len(all))
	copy(out, all)
	return out
}

// Valid reports whether n is one of the known channels.
func (n Name) Valid() bool {
	switch n {
	case Announcements, Spaces, Bookings:
		return true
	}
	return false
}

func (n Name) String() string { return string(n) }

// ErrUnknownChannel is returned when a channel name is not recognized.
var ErrUnknownChannel = errors.New("unknown channel")

// Parse converts s into a channel name.
func Parse(s string) (Name, error) {
	n := Name(s)
	if !n.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownChannel, s)
	}
	return n, nil
}
