package parallel

import (
	"context"
	"iter"

	"golang.org/x/sync/errgroup"
)

type pair[E, D any] struct {
	in  E
	out D
}

// Map applies fn to every item of a sequence with at most limit calls in
// flight. Items are yielded together with their results in completion
// order, items whose call fails are dropped. Leaving the loop early
// cancels the calls in flight.
//
//	for port, open := range parallel.NewMap(ctx, 16, probe).Zip(ports) {}
type Map[E, D any] struct {
	ctx   context.Context
	limit int
	fn    func(context.Context, E) (D, error)
}

func NewMap[E, D any](ctx context.Context, limit int, fn func(context.Context, E) (D, error)) *Map[E, D] {
	return &Map[E, D]{
		ctx:   ctx,
		limit: max(limit, 1),
		fn:    fn,
	}
}

func (m *Map[E, D]) Zip(seq iter.Seq[E]) iter.Seq2[E, D] {
	return func(yield func(E, D) bool) {
		ctx, cancel := context.WithCancel(m.ctx)
		defer cancel()

		g, gctx := errgroup.WithContext(ctx)
		// one extra slot for the feeding goroutine
		g.SetLimit(m.limit + 1)
		done := make(chan pair[E, D], m.limit)

		g.Go(func() error {
			for in := range seq {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				g.Go(func() error {
					out, err := m.fn(gctx, in)
					if err != nil {
						return nil
					}
					select {
					case done <- pair[E, D]{in: in, out: out}:
						return nil
					case <-gctx.Done():
						return gctx.Err()
					}
				})
			}
			return nil
		})
		go func() {
			_ = g.Wait()
			close(done)
		}()

		for p := range done {
			if !yield(p.in, p.out) {
				return
			}
		}
	}
}

// Slice maps items with at most limit calls in flight and keeps the input
// order. The first error cancels the remaining calls and is returned.
func Slice[E, D any](ctx context.Context, limit int, items []E, mapFunc func(context.Context, int, E) (D, error)) ([]D, error) {
	out := make([]D, len(items))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(limit, 1))
	for i, item := range items {
		g.Go(func() error {
			d, err := mapFunc(gctx, i, item)
			if err != nil {
				return err
			}
			out[i] = d
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
