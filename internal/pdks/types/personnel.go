package types

import "time"

type Personnel struct {
	ID           int64
	FirstName    string
	LastName     string
	EmployeeNo   string
	Department   string
	CardNumber   string
	DeviceUserID int // numeric uid the terminals know this person by
	LocationID   *int64
	IsActive     bool
}

func (p Personnel) FullName() string {
	switch {
	case p.FirstName == "":
		return p.LastName
	case p.LastName == "":
		return p.FirstName
	}
	return p.FirstName + " " + p.LastName
}

type EnrollStatus string

const (
	EnrollPending  EnrollStatus = "pending"
	EnrollEnrolled EnrollStatus = "enrolled"
	EnrollFailed   EnrollStatus = "failed"
)

// PersonnelDevice is the current enrollment state of one person on one
// device. Re-attempts overwrite it.
type PersonnelDevice struct {
	PersonnelID  int64
	DeviceID     int64
	Status       EnrollStatus
	EnrolledBy   string
	ErrorMessage string
	EnrolledAt   *time.Time
	UpdatedAt    time.Time
}

type EnrollResult struct {
	PersonnelID int64  `json:"personnel_id"`
	DeviceID    int64  `json:"device_id"`
	Success     bool   `json:"success"`
	Error       string `json:"error,omitempty"`
}

type TempCardStatus string

const (
	TempCardActive  TempCardStatus = "active"
	TempCardExpired TempCardStatus = "expired"
	TempCardRevoked TempCardStatus = "revoked"
)

type TempCardAssignment struct {
	ID             int64
	PersonnelID    int64
	TempCardNumber string
	TempUID        int
	DeviceIDs      []int64
	ExpiresAt      time.Time
	Status         TempCardStatus
}
