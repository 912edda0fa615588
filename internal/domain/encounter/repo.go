package encounter

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type Repository interface {
	// Patients
	GetPatient(ctx context.Context, id uuid.UUID) (*Patient, error)
	GetPatientByMRN(ctx context.Context, mrn string) (*Patient, error)
	CreatePatient(ctx context.Context, p *Patient) error
	UpdatePatient(ctx context.Context, p *Patient) error

	// Encounters
	Create(ctx context.Context, enc *Encounter) error
	GetByID(ctx context.Context, id uuid.UUID) (*Encounter, error)
	GetByVisit(ctx context.Context, visitID string) (*Encounter, error)
	Update(ctx context.Context, enc *Encounter) error
	List(ctx context.Context, f Filter, limit, offset int) ([]*Encounter, int, error)
	// ListStaleCandidates returns open or discharged encounters with no
	// activity since cutoff.
	ListStaleCandidates(ctx context.Context, cutoff time.Time, limit int) ([]*Encounter, error)
	ListWithUnlinkedResults(ctx context.Context, limit int) ([]*Encounter, error)

	// Status history
	AddStatusHistory(ctx context.Context, sh *StatusHistory) error
	GetStatusHistory(ctx context.Context, encounterID uuid.UUID) ([]*StatusHistory, error)

	// Line items. AddDiagnosis and AddProcedure report false when an
	// equivalent row already exists.
	AddDiagnosis(ctx context.Context, d *Diagnosis) (bool, error)
	AddProcedure(ctx context.Context, p *Procedure) (bool, error)
	AddOrder(ctx context.Context, o *Order) error
	UpdateOrder(ctx context.Context, o *Order) error
	FindOrder(ctx context.Context, encounterID uuid.UUID, fillerID, placerID string) (*Order, error)
	AddObservation(ctx context.Context, o *Observation) error
	LinkObservation(ctx context.Context, observationID, orderID uuid.UUID) error
	ListUnlinkedObservations(ctx context.Context, encounterID uuid.UUID) ([]*Observation, error)
	AddDocument(ctx context.Context, d *Document) error
	AddCharge(ctx context.Context, c *Charge) error

	// LoadRecord reads the encounter, its patient and every line item.
	LoadRecord(ctx context.Context, encounterID uuid.UUID) (*Record, error)
}
