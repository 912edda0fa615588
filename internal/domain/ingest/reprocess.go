package ingest

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/medcode/medcode/internal/domain/ledger"
	"github.com/medcode/medcode/internal/platform/hl7v2"
	"github.com/medcode/medcode/internal/platform/metrics"
)

// ErrNotReprocessable is returned for messages whose effects are already
// stored. Rerunning a processed message would insert its orders, results,
// documents and charges a second time.
var ErrNotReprocessable = errors.New("only failed, ignored or unfinished messages can be reprocessed")

// Reprocess reruns a stored message through the pipeline, bypassing the
// duplicate check, and overwrites its recorded outcome. Only messages with
// outcome received, error or ignored qualify.
func (s *Service) Reprocess(ctx context.Context, id uuid.UUID, actor string) (*Result, error) {
	start := time.Now()
	m, err := s.ledger.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !reprocessable(m.Outcome) {
		return nil, ErrNotReprocessable
	}

	res := &Result{MessageID: m.ID, ControlID: m.ControlID}
	var c ledger.Completion
	var infraErr error
	msg, err := hl7v2.Parse([]byte(m.Raw))
	if err != nil {
		c = ledger.Completion{Outcome: ledger.OutcomeError, Detail: err.Error()}
	} else {
		c, infraErr = s.run(ctx, m.ID, msg, res)
	}
	res.fill(c)

	if err := s.ledger.RecordReprocess(ctx, m.ID, c); err != nil {
		return res, &InfraError{MessageID: m.ID, Err: err}
	}
	metrics.RecordMessage(string(c.Outcome), string(res.Kind), time.Since(start))
	log := s.logger.With().
		Str("control_id", m.ControlID).
		Str("message_id", m.ID.String()).
		Str("actor", actor).
		Logger()
	s.logResult(log, *res)
	if infraErr != nil {
		return res, &InfraError{MessageID: m.ID, Err: infraErr}
	}
	return res, nil
}

func reprocessable(o ledger.Outcome) bool {
	switch o {
	case ledger.OutcomeReceived, ledger.OutcomeError, ledger.OutcomeIgnored:
		return true
	}
	return false
}
