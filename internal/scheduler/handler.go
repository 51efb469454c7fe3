package scheduler

import (
	"context"
	"errors"
	"fmt"

	"github.com/openjobspec/schedmq/internal/core"
)

// Handler processes the data of one execution. Returning true acknowledges
// the execution; false or an error leaves it for redelivery when it carries
// a retry policy.
type Handler func(ctx context.Context, data string) (bool, error)

// BoolFunc adapts a function with an immediate boolean result.
func BoolFunc(fn func(data string) bool) Handler {
	return func(_ context.Context, data string) (bool, error) {
		return fn(data), nil
	}
}

var errNoResult = errors.New("deferred handler returned no result channel")

// Deferred adapts a function whose boolean result arrives later. The
// dispatch loop waits for the value; a channel closed without a value is a
// failure.
func Deferred(fn func(ctx context.Context, data string) <-chan bool) Handler {
	return func(ctx context.Context, data string) (bool, error) {
		ch := fn(ctx, data)
		if ch == nil {
			return false, errNoResult
		}
		ok, received := <-ch
		return ok && received, nil
	}
}

type execKey struct{}

// ExecutionFromContext returns the execution a handler is running for.
func ExecutionFromContext(ctx context.Context) (*core.Execution, bool) {
	exec, ok := ctx.Value(execKey{}).(*core.Execution)
	return exec, ok
}

func invoke(ctx context.Context, h Handler, exec *core.Execution) (ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			ok, err = false, fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(context.WithValue(ctx, execKey{}, exec), exec.Data)
}
