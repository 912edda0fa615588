package packet

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/medcode/medcode/internal/domain/encounter"
)

// CodedMarker closes an encounter once every work item is complete.
type CodedMarker interface {
	MarkCoded(ctx context.Context, encounterID uuid.UUID, actor string) error
}

// RefreshResult reports the snapshot a refresh created and the items now
// pointing at it.
type RefreshResult struct {
	SnapshotID      uuid.UUID        `json:"snapshot_id"`
	SnapshotVersion int              `json:"snapshot_version"`
	Items           []*WorkQueueItem `json:"items"`
}

// Service is the work queue: item lifecycle, snapshot reads and refresh.
type Service struct {
	repo       Repository
	encounters encounter.Repository
	gen        *Generator
	guard      *encounter.Guard
	coded      CodedMarker
	logger     zerolog.Logger
	clock      func() time.Time
	notifier   Notifier
}

func NewService(repo Repository, encounters encounter.Repository, gen *Generator, guard *encounter.Guard,
	coded CodedMarker, logger zerolog.Logger) *Service {
	return &Service{
		repo:       repo,
		encounters: encounters,
		gen:        gen,
		guard:      guard,
		coded:      coded,
		logger:     logger.With().Str("component", "workqueue").Logger(),
		clock:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) SetClock(fn func() time.Time) {
	s.clock = fn
}

// SetNotifier publishes item changes to n after their transaction commits.
func (s *Service) SetNotifier(n Notifier) {
	s.notifier = n
}

func (s *Service) ListItems(ctx context.Context, f ItemFilter, limit, offset int) ([]*WorkQueueItem, int, error) {
	return s.repo.ListItems(ctx, f, limit, offset)
}

func (s *Service) GetItem(ctx context.Context, id uuid.UUID) (*WorkQueueItem, error) {
	return s.repo.GetItem(ctx, id)
}

func (s *Service) ListSnapshots(ctx context.Context, visitID string) ([]*Snapshot, error) {
	enc, err := s.encounters.GetByVisit(ctx, visitID)
	if err != nil {
		return nil, err
	}
	return s.repo.ListSnapshots(ctx, enc.ID)
}

func (s *Service) GetSnapshot(ctx context.Context, visitID string, version int) (*Snapshot, error) {
	enc, err := s.encounters.GetByVisit(ctx, visitID)
	if err != nil {
		return nil, err
	}
	return s.repo.GetSnapshot(ctx, enc.ID, version)
}

// withItem loads the item to find its visit, then re-reads it under the
// visit's guard before calling fn.
func (s *Service) withItem(ctx context.Context, id uuid.UUID, fn func(ctx context.Context, item *WorkQueueItem) error) error {
	item, err := s.repo.GetItem(ctx, id)
	if err != nil {
		return err
	}
	return s.guard.Run(ctx, item.VisitID, func(ctx context.Context) error {
		cur, err := s.repo.GetItem(ctx, id)
		if err != nil {
			return err
		}
		return fn(ctx, cur)
	})
}

// Assign gives a pending or assigned item to a coder.
func (s *Service) Assign(ctx context.Context, id uuid.UUID, assignee, actor string) (*WorkQueueItem, error) {
	assignee = strings.TrimSpace(assignee)
	if assignee == "" {
		return nil, ErrAssigneeRequired
	}
	var out *WorkQueueItem
	err := s.withItem(ctx, id, func(ctx context.Context, item *WorkQueueItem) error {
		if item.Status == ItemCompleted {
			return ErrItemCompleted
		}
		now := s.clock()
		item.Status = ItemAssigned
		item.AssignedTo = &assignee
		item.AssignedAt = &now
		if err := s.repo.UpdateItem(ctx, item); err != nil {
			return err
		}
		notify(ctx, s.notifier, EventItemAssigned, item)
		out = item
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info().Str("item_id", id.String()).Str("assignee", assignee).Str("actor", actor).Msg("work item assigned")
	return out, nil
}

// Complete closes an item. Completing the encounter's last open item
// marks the encounter coded.
func (s *Service) Complete(ctx context.Context, id uuid.UUID, actor string) (*WorkQueueItem, error) {
	var out *WorkQueueItem
	err := s.withItem(ctx, id, func(ctx context.Context, item *WorkQueueItem) error {
		if item.Status == ItemCompleted {
			return ErrItemCompleted
		}
		now := s.clock()
		item.Status = ItemCompleted
		item.CompletedAt = &now
		item.CompletedBy = &actor
		if err := s.repo.UpdateItem(ctx, item); err != nil {
			return err
		}
		notify(ctx, s.notifier, EventItemCompleted, item)
		out = item

		items, err := s.repo.ListItemsByEncounter(ctx, item.EncounterID)
		if err != nil {
			return err
		}
		for _, it := range items {
			if it.Status != ItemCompleted {
				return nil
			}
		}
		enc, err := s.encounters.GetByID(ctx, item.EncounterID)
		if err != nil {
			return err
		}
		if enc.Status != encounter.StatusReadyToCode {
			return nil
		}
		return s.coded.MarkCoded(ctx, enc.ID, actor)
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info().Str("item_id", id.String()).Str("actor", actor).Msg("work item completed")
	return out, nil
}

// RefreshEncounter captures a new snapshot and repoints every item that
// is not completed. It clears the encounter's late data marker.
func (s *Service) RefreshEncounter(ctx context.Context, visitID, actor string) (*RefreshResult, error) {
	var res *RefreshResult
	err := s.guard.Run(ctx, visitID, func(ctx context.Context) error {
		enc, err := s.encounters.GetByVisit(ctx, visitID)
		if err != nil {
			return err
		}
		items, err := s.repo.ListItemsByEncounter(ctx, enc.ID)
		if err != nil {
			return err
		}
		if len(items) == 0 {
			return ErrNotGenerated
		}
		var targets []*WorkQueueItem
		for _, it := range items {
			if it.Refreshable() {
				targets = append(targets, it)
			}
		}
		if len(targets) == 0 {
			return ErrItemCompleted
		}
		if enc.LateDataAt != nil {
			enc.LateDataAt = nil
			if err := s.encounters.Update(ctx, enc); err != nil {
				return err
			}
		}
		res, err = s.refresh(ctx, enc.ID, targets, actor)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info().Str("visit_id", visitID).Int("snapshot_version", res.SnapshotVersion).
		Int("items", len(res.Items)).Msg("snapshot refreshed")
	return res, nil
}

// RefreshItem captures a new snapshot and repoints one item. The late data
// marker is cleared once every open item references a snapshot captured
// after the late data arrived.
func (s *Service) RefreshItem(ctx context.Context, id uuid.UUID, actor string) (*RefreshResult, error) {
	var res *RefreshResult
	err := s.withItem(ctx, id, func(ctx context.Context, item *WorkQueueItem) error {
		if !item.Refreshable() {
			return ErrItemCompleted
		}
		var err error
		if res, err = s.refresh(ctx, item.EncounterID, []*WorkQueueItem{item}, actor); err != nil {
			return err
		}
		enc, err := s.encounters.GetByID(ctx, item.EncounterID)
		if err != nil {
			return err
		}
		if enc.LateDataAt == nil {
			return nil
		}
		behind, err := s.anyItemBehind(ctx, item.EncounterID, *enc.LateDataAt)
		if err != nil || behind {
			return err
		}
		enc.LateDataAt = nil
		return s.encounters.Update(ctx, enc)
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// anyItemBehind reports whether an open item of the encounter still points
// at a snapshot captured at or before lateAt.
func (s *Service) anyItemBehind(ctx context.Context, encounterID uuid.UUID, lateAt time.Time) (bool, error) {
	items, err := s.repo.ListItemsByEncounter(ctx, encounterID)
	if err != nil {
		return false, err
	}
	current := make(map[int]bool)
	for _, it := range items {
		if !it.Refreshable() {
			continue
		}
		ok, seen := current[it.SnapshotVersion]
		if !seen {
			snap, err := s.repo.GetSnapshot(ctx, encounterID, it.SnapshotVersion)
			if err != nil {
				return false, err
			}
			ok = snap.Data.CapturedAt.After(lateAt)
			current[it.SnapshotVersion] = ok
		}
		if !ok {
			return true, nil
		}
	}
	return false, nil
}

func (s *Service) refresh(ctx context.Context, encounterID uuid.UUID, items []*WorkQueueItem, actor string) (*RefreshResult, error) {
	snap, err := s.gen.Capture(ctx, encounterID, ReasonRefresh, actor)
	if err != nil {
		return nil, err
	}
	for _, it := range items {
		it.SnapshotID = snap.ID
		it.SnapshotVersion = snap.Version
		if err := s.repo.UpdateItem(ctx, it); err != nil {
			return nil, fmt.Errorf("repoint item %s: %w", it.ID, err)
		}
		notify(ctx, s.notifier, EventItemRefreshed, it)
	}
	return &RefreshResult{SnapshotID: snap.ID, SnapshotVersion: snap.Version, Items: items}, nil
}
