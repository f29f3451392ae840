package types

import "time"

type AccessSource string

const (
	SourceSync   AccessSource = "sync"
	SourceManual AccessSource = "manual"
)

// AccessLog is one normalized punch. Unique on (DeviceID, DeviceUserID, EventTime).
type AccessLog struct {
	ID           int64
	PersonnelID  *int64 // nil when the punch could not be matched to a person
	DeviceID     int64
	LocationID   *int64
	EventTime    time.Time // UTC
	Direction    Direction // "" when undetermined
	Source       AccessSource
	DeviceUserID string
	RawData      string
}

type SyncStatus string

const (
	SyncSuccess SyncStatus = "success"
	SyncPartial SyncStatus = "partial"
	SyncFailed  SyncStatus = "failed"
	// SyncSkipped is only reported in results; it never reaches sync_history.
	SyncSkipped SyncStatus = "skipped"
)

type SyncHistory struct {
	ID            string
	DeviceID      int64
	SyncType      string // "manual" | "scheduled" | "fleet"
	Status        SyncStatus
	RecordsSynced int
	ErrorMessage  string
	StartedAt     time.Time
	CompletedAt   *time.Time
}

type SyncResult struct {
	DeviceID      int64      `json:"device_id"`
	DeviceName    string     `json:"device_name,omitempty"`
	HistoryID     string     `json:"history_id,omitempty"`
	Status        SyncStatus `json:"status"`
	RecordsPulled int        `json:"records_pulled"`
	RecordsSynced int        `json:"records_synced"`
	Failed        int        `json:"failed,omitempty"`
	Error         string     `json:"error,omitempty"`
	StartedAt     time.Time  `json:"started_at"`
	CompletedAt   time.Time  `json:"completed_at"`
}
