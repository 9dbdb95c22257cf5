package sync

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// Settled is the outcome of one fan-out branch: either Value or Err is set.
type Settled[T any] struct {
	Value T
	Err   error
}

func Ok[T any](value T) Settled[T] {
	return Settled[T]{Value: value}
}

func Err[T any](err error) Settled[T] {
	return Settled[T]{Err: err}
}

func (s Settled[T]) IsOk() bool {
	return s.Err == nil
}

// Settle runs every fn concurrently and waits for all of them. Results keep
// the order of fns. A failing branch never cancels its siblings, and a panic
// becomes that branch's error. limit <= 0 means unbounded.
func Settle[T any](ctx context.Context, limit int, fns ...func(ctx context.Context) (T, error)) []Settled[T] {
	results := make([]Settled[T], len(fns))
	var group errgroup.Group
	if limit > 0 {
		group.SetLimit(limit)
	}
	for i, fn := range fns {
		group.Go(func() error {
			results[i] = settleOne(ctx, fn)
			return nil
		})
	}
	_ = group.Wait()
	return results
}

func settleOne[T any](ctx context.Context, fn func(ctx context.Context) (T, error)) (out Settled[T]) {
	defer func() {
		if recovered := recover(); recovered != nil {
			out = Err[T](fmt.Errorf("sync: task panicked: %v", recovered))
		}
	}()
	if fn == nil {
		return Err[T](fmt.Errorf("sync: task function is nil"))
	}
	value, err := fn(ctx)
	if err != nil {
		return Err[T](err)
	}
	return Ok(value)
}
