package ledger

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound         = errors.New("message not found")
	ErrAlreadyCompleted = errors.New("message outcome already recorded")
)

// Outcome is the processing result recorded for a received message.
type Outcome string

const (
	OutcomeReceived  Outcome = "received"
	OutcomeProcessed Outcome = "processed"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeIgnored   Outcome = "ignored"
	OutcomeError     Outcome = "error"
)

// Valid reports whether o is a known outcome.
func (o Outcome) Valid() bool {
	switch o {
	case OutcomeReceived, OutcomeProcessed, OutcomeDuplicate, OutcomeIgnored, OutcomeError:
		return true
	}
	return false
}

// RawMessage is the audit row kept for every message received, including
// duplicates and messages that could not be parsed.
type RawMessage struct {
	ID             uuid.UUID  `db:"id" json:"id"`
	ControlID      string     `db:"control_id" json:"control_id"`
	MessageType    string     `db:"message_type" json:"message_type"`
	EventCode      string     `db:"event_code" json:"event_code"`
	Raw            string     `db:"raw" json:"raw"`
	Source         string     `db:"source" json:"source"`
	Outcome        Outcome    `db:"outcome" json:"outcome"`
	ErrorDetail    *string    `db:"error_detail" json:"error_detail,omitempty"`
	Warnings       []string   `db:"warnings" json:"warnings,omitempty"`
	VisitID        *string    `db:"visit_id" json:"visit_id,omitempty"`
	EncounterID    *uuid.UUID `db:"encounter_id" json:"encounter_id,omitempty"`
	DuplicateOf    *uuid.UUID `db:"duplicate_of" json:"duplicate_of,omitempty"`
	ReprocessCount int        `db:"reprocess_count" json:"reprocess_count"`
	ReceivedAt     time.Time  `db:"received_at" json:"received_at"`
	ProcessedAt    *time.Time `db:"processed_at" json:"processed_at,omitempty"`
}

// Result is the answer of RecordAndCheck.
type Result int

const (
	New Result = iota
	Duplicate
)

func (r Result) String() string {
	if r == Duplicate {
		return "duplicate"
	}
	return "new"
}

// Completion carries the final state written by Complete.
type Completion struct {
	Outcome     Outcome
	Detail      string
	Warnings    []string
	VisitID     string
	EncounterID *uuid.UUID
}

// Filter narrows List.
type Filter struct {
	Outcome   Outcome
	ControlID string
	VisitID   string
}
