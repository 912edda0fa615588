package packet

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/medcode/medcode/internal/domain/encounter"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrItemCompleted    = errors.New("work item already completed")
	ErrNotGenerated     = errors.New("encounter has no work items")
	ErrAssigneeRequired = errors.New("assignee is required")
)

// Work queues.
const (
	QueueCoding             = "coding"
	QueueProfessionalTriage = "professional_triage"
	QueueTriage             = "triage"
)

// Work item statuses.
const (
	ItemPending   = "pending"
	ItemAssigned  = "assigned"
	ItemCompleted = "completed"
)

// Snapshot reasons.
const (
	ReasonInitial = "initial"
	ReasonRefresh = "refresh"
)

// SnapshotData is the frozen aggregate a coder reviews. It is serialized
// once and never rewritten.
type SnapshotData struct {
	encounter.Record
	CapturedAt time.Time `json:"captured_at"`
}

// Snapshot is one version of an encounter's packet. Versions start at 1
// and increase by one per encounter.
type Snapshot struct {
	ID          uuid.UUID    `db:"id" json:"id"`
	EncounterID uuid.UUID    `db:"encounter_id" json:"encounter_id"`
	Version     int          `db:"version" json:"version"`
	Reason      string       `db:"reason" json:"reason"`
	Data        SnapshotData `db:"data" json:"data"`
	CreatedBy   string       `db:"created_by" json:"created_by"`
	CreatedAt   time.Time    `db:"created_at" json:"created_at"`
}

// WorkQueueItem is one billing component of an encounter awaiting coding.
// It references exactly one snapshot version at a time.
type WorkQueueItem struct {
	ID              uuid.UUID  `db:"id" json:"id"`
	EncounterID     uuid.UUID  `db:"encounter_id" json:"encounter_id"`
	VisitID         string     `db:"visit_id" json:"visit_id"`
	SnapshotID      uuid.UUID  `db:"snapshot_id" json:"snapshot_id"`
	SnapshotVersion int        `db:"snapshot_version" json:"snapshot_version"`
	Component       string     `db:"component" json:"component"`
	Queue           string     `db:"queue" json:"queue"`
	Status          string     `db:"status" json:"status"`
	ServiceLine     string     `db:"service_line" json:"service_line"`
	PayerID         *string    `db:"payer_id" json:"payer_id,omitempty"`
	Priority        int        `db:"priority" json:"priority"`
	RoutingReasons  []string   `db:"routing_reasons" json:"routing_reasons"`
	AssignedTo      *string    `db:"assigned_to" json:"assigned_to,omitempty"`
	AssignedAt      *time.Time `db:"assigned_at" json:"assigned_at,omitempty"`
	CompletedBy     *string    `db:"completed_by" json:"completed_by,omitempty"`
	CompletedAt     *time.Time `db:"completed_at" json:"completed_at,omitempty"`
	CreatedAt       time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time  `db:"updated_at" json:"updated_at"`
}

// Refreshable reports whether the item may be repointed at a newer
// snapshot.
func (w *WorkQueueItem) Refreshable() bool {
	return w.Status != ItemCompleted
}

// ItemFilter narrows work queue listings.
type ItemFilter struct {
	Status      string
	Queue       string
	Component   string
	ServiceLine string
	AssignedTo  string
}
