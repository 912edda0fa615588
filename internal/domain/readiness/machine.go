package readiness

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/medcode/medcode/internal/domain/encounter"
	"github.com/medcode/medcode/internal/platform/metrics"
)

var (
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrReasonRequired    = errors.New("reason is required")
	// ErrAlreadyGenerated is returned by a PacketGenerator when the
	// encounter already has work items.
	ErrAlreadyGenerated = errors.New("packet already generated")
)

// Event drives a status transition.
type Event string

const (
	EventDischarge     Event = "discharge"
	EventTimeout       Event = "timeout"
	EventOperatorReady Event = "operator_ready"
	EventCancel        Event = "cancel"
	EventCoded         Event = "coded"
)

// transitions maps status and event to the next status. A discharge moves
// open to discharged and discharged straight on to ready_to_code. A stale
// encounter only advances through an operator.
var transitions = map[string]map[Event]string{
	encounter.StatusOpen: {
		EventDischarge:     encounter.StatusDischarged,
		EventTimeout:       encounter.StatusStale,
		EventOperatorReady: encounter.StatusReadyToCode,
		EventCancel:        encounter.StatusCancelled,
	},
	encounter.StatusDischarged: {
		EventDischarge:     encounter.StatusReadyToCode,
		EventTimeout:       encounter.StatusStale,
		EventOperatorReady: encounter.StatusReadyToCode,
		EventCancel:        encounter.StatusCancelled,
	},
	encounter.StatusStale: {
		EventOperatorReady: encounter.StatusReadyToCode,
		EventCancel:        encounter.StatusCancelled,
	},
	encounter.StatusReadyToCode: {
		EventCancel: encounter.StatusCancelled,
		EventCoded:  encounter.StatusCoded,
	},
}

// Next returns the status ev leads to from status.
func Next(status string, ev Event) (string, bool) {
	to, ok := transitions[status][ev]
	return to, ok
}

// PacketGenerator builds the snapshot and work items when an encounter
// enters ready_to_code. It runs inside the transition's transaction.
type PacketGenerator interface {
	Generate(ctx context.Context, enc *encounter.Encounter, actor string) error
}

// Machine owns encounter status. Every method except MarkReady expects to
// run under the encounter's Guard.
type Machine struct {
	repo    encounter.Repository
	packets PacketGenerator
	guard   *encounter.Guard
	logger  zerolog.Logger
}

func NewMachine(repo encounter.Repository, packets PacketGenerator, guard *encounter.Guard, logger zerolog.Logger) *Machine {
	return &Machine{
		repo:    repo,
		packets: packets,
		guard:   guard,
		logger:  logger.With().Str("component", "readiness").Logger(),
	}
}

// Apply performs one transition, records it in the status history and,
// on entering ready_to_code, generates the packet in the same unit.
func (m *Machine) Apply(ctx context.Context, enc *encounter.Encounter, ev Event, reason, actor string) error {
	to, ok := Next(enc.Status, ev)
	if !ok {
		return fmt.Errorf("%w: %s on %s", ErrInvalidTransition, ev, enc.Status)
	}
	from := enc.Status
	enc.Status = to
	if to == encounter.StatusReadyToCode {
		r := reason
		enc.ReadinessReason = &r
	}
	if err := m.repo.Update(ctx, enc); err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	if err := m.repo.AddStatusHistory(ctx, &encounter.StatusHistory{
		EncounterID: enc.ID,
		FromStatus:  from,
		ToStatus:    to,
		Reason:      reason,
		Actor:       actor,
	}); err != nil {
		return fmt.Errorf("record status history: %w", err)
	}
	metrics.RecordTransition(from, to)
	m.logger.Info().Str("visit_id", enc.VisitID).Str("from", from).Str("to", to).
		Str("event", string(ev)).Str("actor", actor).Msg("status changed")

	if to != encounter.StatusReadyToCode || m.packets == nil {
		return nil
	}
	err := m.packets.Generate(ctx, enc, actor)
	if errors.Is(err, ErrAlreadyGenerated) {
		m.logger.Warn().Str("visit_id", enc.VisitID).Msg("packet exists, not regenerated")
		return nil
	}
	if err != nil {
		return fmt.Errorf("generate packet: %w", err)
	}
	return nil
}

// Discharge feeds a discharge message to the machine. It advances open
// through discharged to ready_to_code; other statuses keep the recorded
// discharge fields without moving.
func (m *Machine) Discharge(ctx context.Context, enc *encounter.Encounter, actor string) error {
	if _, ok := Next(enc.Status, EventDischarge); !ok {
		m.logger.Info().Str("visit_id", enc.VisitID).Str("status", enc.Status).Msg("discharge does not advance")
		return nil
	}
	if enc.Status == encounter.StatusOpen {
		if err := m.Apply(ctx, enc, EventDischarge, "discharge received", actor); err != nil {
			return err
		}
	}
	return m.Apply(ctx, enc, EventDischarge, "discharged", actor)
}

// Cancel moves any non-terminal encounter to cancelled. Work items that
// already exist are left to the work queue.
func (m *Machine) Cancel(ctx context.Context, enc *encounter.Encounter, reason, actor string) error {
	if encounter.IsTerminal(enc.Status) {
		return nil
	}
	return m.Apply(ctx, enc, EventCancel, reason, actor)
}

// MarkReady is the operator override. It takes the encounter's Guard
// itself and requires a reason.
func (m *Machine) MarkReady(ctx context.Context, visitID, reason, actor string) (*encounter.Encounter, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, ErrReasonRequired
	}
	var enc *encounter.Encounter
	err := m.guard.Run(ctx, visitID, func(ctx context.Context) error {
		var err error
		enc, err = m.repo.GetByVisit(ctx, visitID)
		if err != nil {
			return err
		}
		return m.Apply(ctx, enc, EventOperatorReady, reason, actor)
	})
	if err != nil {
		return nil, err
	}
	return enc, nil
}

// MarkCoded closes an encounter once all of its work is complete.
func (m *Machine) MarkCoded(ctx context.Context, encounterID uuid.UUID, actor string) error {
	enc, err := m.repo.GetByID(ctx, encounterID)
	if err != nil {
		return err
	}
	if enc.Status == encounter.StatusCoded {
		return nil
	}
	return m.Apply(ctx, enc, EventCoded, "all work items completed", actor)
}
