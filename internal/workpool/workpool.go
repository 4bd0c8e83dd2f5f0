// Package workpool runs independent units of work with a concurrency cap and
// hands back results in completion order.
package workpool

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Result is the outcome of one unit of work.
type Result[In, Out any] struct {
	Input In
	Value Out
	Err   error
}

// Run calls fn for every input with at most limit calls in flight and sends
// each result on the returned channel as soon as it completes. The first
// failure cancels the context passed to the remaining calls and stops new
// ones from starting. If ctx is cancelled before every input was started, a
// final result carrying ctx.Err() is sent. The channel is closed once all
// started calls have returned; callers must drain it.
func Run[In, Out any](ctx context.Context, limit int, inputs []In, fn func(context.Context, In) (Out, error)) <-chan Result[In, Out] {
	if limit < 1 {
		limit = 1
	}
	out := make(chan Result[In, Out])

	go func() {
		defer close(out)

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(limit)

		started := 0
		for _, in := range inputs {
			if gctx.Err() != nil {
				break
			}
			started++
			g.Go(func() error {
				v, err := fn(gctx, in)
				out <- Result[In, Out]{Input: in, Value: v, Err: err}
				return err
			})
		}
		_ = g.Wait()

		if started < len(inputs) && ctx.Err() != nil {
			out <- Result[In, Out]{Err: ctx.Err()}
		}
	}()

	return out
}
