package db

import (
	"context"
	"sync"

	"gorm.io/gorm"
)

// UnitOfWork is a transaction plus the callbacks to run once it commits.
type UnitOfWork struct {
	tx *gorm.DB

	mu          sync.Mutex
	afterCommit []func()
}

type uowKey struct{}

// Tx returns the transaction handle.
func (u *UnitOfWork) Tx() *gorm.DB {
	return u.tx
}

// AfterCommit queues fn to run after a successful commit. Queued callbacks
// are dropped on rollback.
func (u *UnitOfWork) AfterCommit(fn func()) {
	if fn == nil {
		return
	}
	u.mu.Lock()
	u.afterCommit = append(u.afterCommit, fn)
	u.mu.Unlock()
}

func (u *UnitOfWork) drain() []func() {
	u.mu.Lock()
	defer u.mu.Unlock()
	hooks := u.afterCommit
	u.afterCommit = nil
	return hooks
}

// UnitOfWorkFrom returns the unit of work bound to ctx, if any.
func UnitOfWorkFrom(ctx context.Context) (*UnitOfWork, bool) {
	if ctx == nil {
		return nil, false
	}
	uow, ok := ctx.Value(uowKey{}).(*UnitOfWork)
	return uow, ok && uow != nil
}

// WithUnitOfWork binds uow to ctx.
func WithUnitOfWork(ctx context.Context, uow *UnitOfWork) context.Context {
	return context.WithValue(ctx, uowKey{}, uow)
}

// InTx runs fn inside a unit of work. When ctx already carries one, fn joins
// it and commit hooks fire with the outermost commit.
func (c *Client) InTx(ctx context.Context, fn func(ctx context.Context, uow *UnitOfWork) error) error {
	if uow, ok := UnitOfWorkFrom(ctx); ok {
		return fn(ctx, uow)
	}

	uow := &UnitOfWork{}
	err := c.WithTx(ctx, func(tx *gorm.DB) error {
		uow.tx = tx
		return fn(WithUnitOfWork(ctx, uow), uow)
	})
	if err != nil {
		uow.drain()
		return err
	}

	for _, hook := range uow.drain() {
		hook()
	}
	return nil
}
