package store

import "time"

// Status is the lifecycle state of a ScheduleEntry.
//
// Transitions are monotonic: pending -> sent -> taken|missed.
// The store's conditional updates enforce the forward-only guard;
// nothing in the codebase writes a backward transition.
type Status string

const (
	StatusPending Status = "pending"
	StatusSent    Status = "sent"
	StatusTaken   Status = "taken"
	StatusMissed  Status = "missed"
)

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusSent, StatusTaken, StatusMissed:
		return true
	}
	return false
}

// Terminal reports whether s is a final acknowledgment state.
func (s Status) Terminal() bool { return s == StatusTaken || s == StatusMissed }

// Rank is the duplicate-resolution precedence: when several entries collide
// on the same (medication, date, time) slot, the highest rank survives.
// taken and missed are deliberately equal; ties keep the first encountered.
func (s Status) Rank() int {
	switch s {
	case StatusTaken, StatusMissed:
		return 3
	case StatusSent:
		return 2
	case StatusPending:
		return 1
	}
	return 0
}

// Medication is a patient's recurring prescription.
//
// Times holds "HH:MM" strings; TimesMinutes holds the matching precomputed
// minute-of-day offsets, positionally aligned with Times.
type Medication struct {
	ID           int64
	PatientID    int64
	Name         string
	Dosage       string
	Active       bool
	Times        []string
	TimesMinutes []int
}

// Patient is a reference target for medications and alerts.
// Its lifecycle (registration, activation) is owned elsewhere.
type Patient struct {
	ID         int64
	TelegramID int64
	Name       string
	Status     string // "pending" | "active"
	CreatedAt  time.Time
}

// ScheduleEntry is one concrete reminder slot for one medication on one day.
//
// UniqueID is deterministic (derived from medication, date and time), so
// re-generating a day can never produce a second row for the same slot:
// the store's unique index on it arbitrates concurrent writers.
type ScheduleEntry struct {
	ID               int64
	UniqueID         string
	ShortID          string
	MedicationID     int64
	PatientID        int64
	Date             string // YYYY-MM-DD
	ScheduledTime    string // HH:MM
	ScheduledMinutes int
	Status           Status
}
