package ledger

import (
	"context"

	"github.com/google/uuid"
)

type Repository interface {
	// RecordAndCheck stores m and reports whether its control id was already
	// seen for the tenant. The check and the insert are one atomic step. A
	// duplicate is stored as its own row with outcome duplicate and
	// DuplicateOf set. Messages with a blank control id are always New.
	RecordAndCheck(ctx context.Context, m *RawMessage) (Result, error)
	// Complete sets the outcome of a received message. It fails with
	// ErrAlreadyCompleted when an outcome was already written.
	Complete(ctx context.Context, id uuid.UUID, c Completion) error
	// RecordReprocess overwrites the outcome after an explicit reprocess.
	RecordReprocess(ctx context.Context, id uuid.UUID, c Completion) error
	Get(ctx context.Context, id uuid.UUID) (*RawMessage, error)
	List(ctx context.Context, f Filter, limit, offset int) ([]*RawMessage, int, error)
}
