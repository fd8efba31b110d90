package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/angelmondragon/eventflow/pkg/logger"
)

// ErrExecutorClosed is returned by Submit once the executor stopped.
var ErrExecutorClosed = errors.New("executor closed")

// Task is one unit of deferred work.
type Task func(ctx context.Context)

// Executor runs deferred workflow handlers.
type Executor interface {
	Submit(task Task) error
}

// InlineExecutor runs each task on the caller's goroutine.
type InlineExecutor struct {
	ctx context.Context
}

func NewInlineExecutor(ctx context.Context) *InlineExecutor {
	if ctx == nil {
		ctx = context.Background()
	}
	return &InlineExecutor{ctx: ctx}
}

func (e *InlineExecutor) Submit(task Task) error {
	if task == nil {
		return nil
	}
	task(e.ctx)
	return nil
}

// PoolExecutor runs tasks on goroutines, at most workers at a time.
type PoolExecutor struct {
	ctx  context.Context
	sem  *semaphore.Weighted
	wg   sync.WaitGroup
	logg *logger.Logger
}

func NewPoolExecutor(ctx context.Context, workers int, logg *logger.Logger) *PoolExecutor {
	if ctx == nil {
		ctx = context.Background()
	}
	if workers <= 0 {
		workers = 1
	}
	if logg == nil {
		logg = logger.Nop()
	}
	return &PoolExecutor{
		ctx:  ctx,
		sem:  semaphore.NewWeighted(int64(workers)),
		logg: logg,
	}
}

// Submit queues task. Tasks run with the executor's context, not the
// submitter's, so they outlive the request that scheduled them.
func (e *PoolExecutor) Submit(task Task) error {
	if task == nil {
		return nil
	}
	if err := e.ctx.Err(); err != nil {
		return ErrExecutorClosed
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.sem.Acquire(e.ctx, 1); err != nil {
			e.logg.Warn(e.ctx, "workflow task dropped: executor stopping")
			return
		}
		defer e.sem.Release(1)
		defer func() {
			if rec := recover(); rec != nil {
				e.logg.Error(e.ctx, "workflow task panicked", fmt.Errorf("panic: %v", rec))
			}
		}()
		task(e.ctx)
	}()
	return nil
}

// Wait blocks until every submitted task returned.
func (e *PoolExecutor) Wait() {
	e.wg.Wait()
}
