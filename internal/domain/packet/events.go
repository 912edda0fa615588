package packet

import (
	"context"

	"github.com/medcode/medcode/internal/domain/encounter"
)

// Work item events published to a Notifier.
const (
	EventItemCreated   = "item.created"
	EventItemAssigned  = "item.assigned"
	EventItemCompleted = "item.completed"
	EventItemRefreshed = "item.refreshed"
)

// Notifier receives work item changes after they commit.
type Notifier interface {
	Notify(ctx context.Context, event string, item *WorkQueueItem)
}

func notify(ctx context.Context, n Notifier, event string, item *WorkQueueItem) {
	if n == nil {
		return
	}
	cp := copyItem(item)
	encounter.AfterCommit(ctx, func() { n.Notify(ctx, event, cp) })
}
