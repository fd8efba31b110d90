package events

import (
	"context"
	"fmt"
	"runtime/debug"
)

// Registration binds a handler to an event name.
type Registration struct {
	id        string
	eventName string
	handler   HandlerFunc
	opts      RegistrationOptions
}

func (r *Registration) ID() string {
	return r.id
}

func (r *Registration) EventName() string {
	return r.eventName
}

func (r *Registration) Retries() int {
	return r.opts.Retries
}

// Accepts reports whether the When predicate passes. A panicking predicate
// rejects the event.
func (r *Registration) Accepts(evt Event) (ok bool) {
	if evt.EventName != r.eventName {
		return false
	}
	if r.opts.When == nil {
		return true
	}
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	return r.opts.When(evt)
}

// Deliver invokes the handler, retrying while the retry policy allows. It
// returns how many times the handler ran and the last error.
func (r *Registration) Deliver(ctx context.Context, evt Event) (int, error) {
	return r.DeliverWithin(ctx, evt, r.opts.Retries+1)
}

// DeliverWithin is Deliver with at most limit invocations. The registration's
// own Retries still bounds the loop; limit below 1 is treated as 1.
func (r *Registration) DeliverWithin(ctx context.Context, evt Event, limit int) (int, error) {
	limit = max(1, min(limit, r.opts.Retries+1))
	invocations := 0
	for {
		invocations++
		err := r.invoke(ctx, evt)
		if err == nil {
			return invocations, nil
		}
		if invocations >= limit || !r.ShouldRetry(err) {
			return invocations, err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return invocations, err
		}
	}
}

// NotifyDeadLetter calls the dead-letter callback, if any.
func (r *Registration) NotifyDeadLetter(ctx context.Context, evt Event, err error) {
	if r.opts.DeadLetter == nil {
		return
	}
	defer func() { _ = recover() }()
	r.opts.DeadLetter(ctx, evt, err)
}

// ShouldRetry applies RetryOn to err; without RetryOn every error is retried.
func (r *Registration) ShouldRetry(err error) bool {
	if r.opts.RetryOn == nil {
		return true
	}
	return r.opts.RetryOn(err)
}

func (r *Registration) invoke(ctx context.Context, evt Event) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = &PanicError{Value: rec, Stack: debug.Stack()}
		}
	}()
	return r.handler(ctx, evt)
}

// PanicError is a recovered handler panic.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("handler panicked: %v", e.Value)
}
