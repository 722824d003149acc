package async

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/platinummonkey/porter/pkg/observability"
)

// Go runs fn in its own goroutine. A panic is recovered and logged with its stack,
// and a returned error is logged, so a failing background task never takes the
// process down. The returned channel is closed once fn has finished.
//
// Example:
//
//	done := async.Go(ctx, logger, "catalog watcher", func(ctx context.Context) error {
//	    return watch(ctx)
//	})
func Go(ctx context.Context, logger *observability.Logger, task string, fn func(context.Context) error) <-chan struct{} {
	if logger == nil {
		logger = observability.NopLogger()
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := run(ctx, fn); err != nil {
			logger.WithError(err).WithField("task", task).Error("background task failed")
		}
	}()
	return done
}

// GoTimeout is Go with fn's context bounded by timeout
func GoTimeout(ctx context.Context, logger *observability.Logger, task string, timeout time.Duration, fn func(context.Context) error) <-chan struct{} {
	return Go(ctx, logger, task, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		return fn(ctx)
	})
}

// run converts a panic in fn into an error carrying the stack
func run(ctx context.Context, fn func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return fn(ctx)
}

// PanicError is reported when a task panicked
type PanicError struct {
	Value interface{}
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v\n%s", e.Value, e.Stack)
}
