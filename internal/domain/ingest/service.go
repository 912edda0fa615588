// Package ingest is the entry point for inbound HL7v2 traffic. It records
// every message in the ledger, fans a batch out by visit and drives the
// correlator and readiness machine for each message.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/medcode/medcode/internal/domain/classify"
	"github.com/medcode/medcode/internal/domain/encounter"
	"github.com/medcode/medcode/internal/domain/ledger"
	"github.com/medcode/medcode/internal/domain/readiness"
	"github.com/medcode/medcode/internal/platform/db"
	"github.com/medcode/medcode/internal/platform/hl7v2"
	"github.com/medcode/medcode/internal/platform/metrics"
)

// Ingestion channels, used as the batch metric label.
const (
	ChannelHTTP = "http"
	ChannelMLLP = "mllp"
	ChannelCLI  = "cli"
)

const DefaultWorkers = 8

// Result is the processing summary of one message.
type Result struct {
	Index       int            `json:"index"`
	MessageID   uuid.UUID      `json:"message_id"`
	ControlID   string         `json:"control_id,omitempty"`
	Kind        classify.Kind  `json:"kind,omitempty"`
	Outcome     ledger.Outcome `json:"outcome"`
	Detail      string         `json:"detail,omitempty"`
	Warnings    []string       `json:"warnings,omitempty"`
	VisitID     string         `json:"visit_id,omitempty"`
	EncounterID *uuid.UUID     `json:"encounter_id,omitempty"`
	Status      string         `json:"encounter_status,omitempty"`
}

// BatchResult summarizes a payload. Messages keep payload order.
type BatchResult struct {
	Source     string   `json:"source"`
	Total      int      `json:"total"`
	Processed  int      `json:"processed"`
	Duplicates int      `json:"duplicates"`
	Ignored    int      `json:"ignored"`
	Errors     int      `json:"errors"`
	Messages   []Result `json:"messages"`
}

func (b *BatchResult) count(r Result) {
	switch r.Outcome {
	case ledger.OutcomeProcessed:
		b.Processed++
	case ledger.OutcomeDuplicate:
		b.Duplicates++
	case ledger.OutcomeIgnored:
		b.Ignored++
	case ledger.OutcomeError:
		b.Errors++
	}
}

// InfraError marks a failure of the ledger or the store. The message was
// not processed and the caller may retry through the reprocess path.
type InfraError struct {
	MessageID uuid.UUID
	Err       error
}

func (e *InfraError) Error() string {
	return fmt.Sprintf("message %s: %v", e.MessageID, e.Err)
}

func (e *InfraError) Unwrap() error { return e.Err }

type Service struct {
	ledger        ledger.Repository
	correlator    *encounter.Correlator
	machine       *readiness.Machine
	guard         *encounter.Guard
	pool          *pgxpool.Pool
	defaultTenant string
	workers       int
	logger        zerolog.Logger
}

// NewService wires the pipeline. pool may be nil for the in-memory store;
// each partition otherwise runs on its own tenant connection.
func NewService(ledgerRepo ledger.Repository, correlator *encounter.Correlator, machine *readiness.Machine,
	guard *encounter.Guard, pool *pgxpool.Pool, defaultTenant string, workers int, logger zerolog.Logger) *Service {
	if workers < 1 {
		workers = DefaultWorkers
	}
	return &Service{
		ledger:        ledgerRepo,
		correlator:    correlator,
		machine:       machine,
		guard:         guard,
		pool:          pool,
		defaultTenant: defaultTenant,
		workers:       workers,
		logger:        logger.With().Str("component", "ingest").Logger(),
	}
}

func (s *Service) tenant(ctx context.Context) string {
	if t := db.TenantFromContext(ctx); t != "" {
		return t
	}
	return s.defaultTenant
}

// Ingest processes a payload holding one message or a batch. Messages for
// the same visit run in payload order on one worker; different visits run
// in parallel. Message-level problems are reported in the result. Only an
// infrastructure failure is returned as an error, alongside the partial
// result.
func (s *Service) Ingest(ctx context.Context, channel, source string, payload []byte) (*BatchResult, error) {
	start := time.Now()
	defer func() { metrics.RecordBatch(channel, time.Since(start)) }()

	tenant := s.tenant(ctx)
	entries := hl7v2.SplitBatch(payload)
	parts := partition(entries)
	results := make([]Result, len(entries))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)
	for _, part := range parts {
		part := part
		g.Go(func() error {
			return db.WithTenantConn(gctx, s.pool, tenant, func(ctx context.Context) error {
				for _, e := range part {
					r, err := s.process(ctx, e, source)
					results[e.Index] = r
					if err != nil {
						return err
					}
				}
				return nil
			})
		})
	}
	err := g.Wait()

	batch := &BatchResult{Source: source, Total: len(entries), Messages: results}
	for _, r := range results {
		batch.count(r)
	}
	s.logger.Info().
		Str("tenant", tenant).
		Str("source", source).
		Str("channel", channel).
		Int("total", batch.Total).
		Int("processed", batch.Processed).
		Int("duplicates", batch.Duplicates).
		Int("ignored", batch.Ignored).
		Int("errors", batch.Errors).
		Dur("elapsed", time.Since(start)).
		Msg("batch ingested")
	return batch, err
}

// partition groups entries by visit number, keeping payload order within
// each group. Unparseable entries and entries without a visit each form
// their own group.
func partition(entries []hl7v2.BatchEntry) [][]hl7v2.BatchEntry {
	var parts [][]hl7v2.BatchEntry
	byVisit := make(map[string]int)
	for _, e := range entries {
		visit := ""
		if e.Message != nil {
			visit = strings.TrimSpace(e.Message.VisitNumber())
		}
		if visit == "" {
			parts = append(parts, []hl7v2.BatchEntry{e})
			continue
		}
		i, ok := byVisit[visit]
		if !ok {
			i = len(parts)
			byVisit[visit] = i
			parts = append(parts, nil)
		}
		parts[i] = append(parts[i], e)
	}
	return parts
}

// process runs one batch entry through the ledger and the pipeline.
func (s *Service) process(ctx context.Context, e hl7v2.BatchEntry, source string) (Result, error) {
	start := time.Now()
	res := Result{Index: e.Index}
	raw := &ledger.RawMessage{Raw: e.Raw, Source: source}
	if e.Message != nil {
		raw.ControlID = e.Message.ControlID
		raw.MessageType = e.Message.Code
		raw.EventCode = e.Message.Event
		res.ControlID = e.Message.ControlID
	}

	seen, err := s.ledger.RecordAndCheck(ctx, raw)
	if err != nil {
		res.Outcome = ledger.OutcomeError
		res.Detail = err.Error()
		return res, &InfraError{MessageID: raw.ID, Err: err}
	}
	res.MessageID = raw.ID
	log := s.logger.With().
		Str("tenant", db.TenantFromContext(ctx)).
		Str("control_id", raw.ControlID).
		Str("message_id", raw.ID.String()).
		Logger()

	if seen == ledger.Duplicate {
		res.Outcome = ledger.OutcomeDuplicate
		metrics.RecordMessage(string(res.Outcome), "", time.Since(start))
		log.Info().Str("outcome", string(res.Outcome)).Msg("duplicate message skipped")
		return res, nil
	}

	var c ledger.Completion
	var infraErr error
	if e.Err != nil {
		c = ledger.Completion{Outcome: ledger.OutcomeError, Detail: e.Err.Error()}
	} else {
		c, infraErr = s.run(ctx, raw.ID, e.Message, &res)
	}
	res.fill(c)

	if err := s.ledger.Complete(ctx, raw.ID, c); err != nil {
		return res, &InfraError{MessageID: raw.ID, Err: fmt.Errorf("complete message: %w", err)}
	}
	metrics.RecordMessage(string(c.Outcome), string(res.Kind), time.Since(start))
	s.logResult(log, res)
	if infraErr != nil {
		return res, &InfraError{MessageID: raw.ID, Err: infraErr}
	}
	return res, nil
}

func (r *Result) fill(c ledger.Completion) {
	r.Outcome = c.Outcome
	r.Detail = c.Detail
	r.Warnings = c.Warnings
	r.VisitID = c.VisitID
	r.EncounterID = c.EncounterID
}

func (s *Service) logResult(log zerolog.Logger, r Result) {
	ev := log.Info()
	switch {
	case r.Outcome == ledger.OutcomeError:
		ev = log.Warn().Str("detail", r.Detail)
	case len(r.Warnings) > 0:
		ev = log.Warn().Strs("warnings", r.Warnings)
	}
	ev.Str("visit_id", r.VisitID).
		Str("kind", string(r.Kind)).
		Str("outcome", string(r.Outcome)).
		Msg("message processed")
}

// run classifies a parsed message and applies it under the visit's guard.
// It sets res.Kind and res.Status. The returned error is set only for
// infrastructure failures; message problems are reported through the
// completion.
func (s *Service) run(ctx context.Context, messageID uuid.UUID, msg *hl7v2.Message, res *Result) (ledger.Completion, error) {
	cls := classify.Classify(msg)
	res.Kind = cls.Kind
	if !cls.Kind.Handled() {
		return ledger.Completion{
			Outcome: ledger.OutcomeIgnored,
			Detail:  fmt.Sprintf("unhandled message type %s^%s", cls.MessageType, cls.EventCode),
		}, nil
	}

	x := encounter.ExtractMessage(msg)
	visit := strings.TrimSpace(x.Visit.VisitID)
	if visit == "" {
		return ledger.Completion{Outcome: ledger.OutcomeError, Detail: encounter.ErrNoVisit.Error(), Warnings: x.Warnings}, nil
	}

	actor := "hl7v2:" + msg.ControlID
	var out *encounter.Outcome
	err := s.guard.Run(ctx, visit, func(ctx context.Context) error {
		var err error
		out, err = s.correlator.Apply(ctx, encounter.Input{Kind: cls.Kind, RawMessageID: &messageID, Extract: x})
		if err != nil {
			return err
		}
		if out.Encounter == nil {
			return nil
		}
		if out.Discharged {
			if err := s.machine.Discharge(ctx, out.Encounter, actor); err != nil {
				return fmt.Errorf("discharge: %w", err)
			}
		}
		if out.Cancelled {
			if err := s.machine.Cancel(ctx, out.Encounter, "cancelled by "+msg.Type, actor); err != nil {
				return fmt.Errorf("cancel: %w", err)
			}
		}
		return nil
	})

	c := ledger.Completion{VisitID: visit}
	switch {
	case errors.Is(err, encounter.ErrNoVisit):
		c.Outcome, c.Detail = ledger.OutcomeError, err.Error()
		return c, nil
	case err != nil:
		c.Outcome, c.Detail = ledger.OutcomeError, err.Error()
		return c, err
	}
	c.Outcome = ledger.OutcomeProcessed
	c.Warnings = out.Warnings
	if out.Encounter != nil {
		id := out.Encounter.ID
		c.EncounterID = &id
		res.Status = out.Encounter.Status
	}
	return c, nil
}
