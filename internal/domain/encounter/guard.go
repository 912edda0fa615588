package encounter

import (
	"context"

	"github.com/medcode/medcode/internal/platform/db"
	"github.com/medcode/medcode/internal/platform/keylock"
)

// Guard serializes every writer of one encounter. It holds the (tenant,
// visit) stripe for the whole transaction so the lock outlives the commit.
type Guard struct {
	locks *keylock.Striped
	tx    db.Transactor
}

func NewGuard(locks *keylock.Striped, tx db.Transactor) *Guard {
	if tx == nil {
		tx = db.NoopTransactor{}
	}
	return &Guard{locks: locks, tx: tx}
}

// Run executes fn inside a transaction while holding the visit's lock.
// Callbacks registered with AfterCommit run once the outermost Run has
// committed, still under the lock.
func (g *Guard) Run(ctx context.Context, visitID string, fn func(ctx context.Context) error) error {
	unlock := g.locks.Lock(keylock.Key(db.TenantFromContext(ctx), visitID))
	defer unlock()
	if _, nested := ctx.Value(commitHooksKey{}).(*commitHooks); nested {
		return g.tx.WithinTx(ctx, fn)
	}
	hooks := &commitHooks{}
	if err := g.tx.WithinTx(context.WithValue(ctx, commitHooksKey{}, hooks), fn); err != nil {
		return err
	}
	for _, f := range hooks.fns {
		f()
	}
	return nil
}

type commitHooksKey struct{}

type commitHooks struct {
	fns []func()
}

// AfterCommit defers fn until the enclosing Guard.Run commits. It is
// dropped on rollback. Outside a guard fn runs immediately.
func AfterCommit(ctx context.Context, fn func()) {
	if h, ok := ctx.Value(commitHooksKey{}).(*commitHooks); ok {
		h.fns = append(h.fns, fn)
		return
	}
	fn()
}
