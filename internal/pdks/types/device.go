package types

import "time"

// Direction is the inferred movement of a punch. The zero value means the
// direction could not be determined.
type Direction string

const (
	DirectionIn   Direction = "in"
	DirectionOut  Direction = "out"
	DirectionBoth Direction = "both"
)

// Flip returns the opposite of an in/out direction. Anything else flips to in.
func (d Direction) Flip() Direction {
	if d == DirectionIn {
		return DirectionOut
	}
	return DirectionIn
}

type Device struct {
	ID           int64
	Name         string
	IPAddress    string
	Port         int
	Direction    Direction // in | out | both
	CommKey      string    // empty when the terminal has no communication key
	IsOnline     bool
	LastSyncAt   *time.Time
	LastOnlineAt *time.Time
	IsActive     bool
	LocationID   *int64
}

type Location struct {
	ID             int64
	Name           string
	WorkScheduleID *int64
}
