package packet

import (
	"context"

	"github.com/google/uuid"
)

type Repository interface {
	// CreateSnapshot stores s as the next version for its encounter and
	// sets s.Version.
	CreateSnapshot(ctx context.Context, s *Snapshot) error
	GetSnapshot(ctx context.Context, encounterID uuid.UUID, version int) (*Snapshot, error)
	GetSnapshotByID(ctx context.Context, id uuid.UUID) (*Snapshot, error)
	ListSnapshots(ctx context.Context, encounterID uuid.UUID) ([]*Snapshot, error)

	CreateItem(ctx context.Context, item *WorkQueueItem) error
	GetItem(ctx context.Context, id uuid.UUID) (*WorkQueueItem, error)
	UpdateItem(ctx context.Context, item *WorkQueueItem) error
	ListItems(ctx context.Context, f ItemFilter, limit, offset int) ([]*WorkQueueItem, int, error)
	ListItemsByEncounter(ctx context.Context, encounterID uuid.UUID) ([]*WorkQueueItem, error)
}
