package types

import "time"

type CalculationMode string

const (
	ModeFirstLast CalculationMode = "firstLast"
	ModePaired    CalculationMode = "paired"
)

type WorkSchedule struct {
	ID               int64
	Name             string
	WorkStartTime    string // HH:MM
	WorkEndTime      string // HH:MM
	IsFlexible       bool
	FlexGraceMinutes int
	CalculationMode  CalculationMode
}

type Holiday struct {
	Date time.Time // local midnight
	Name string
}
