package parallel_test

import (
	"context"
	"errors"
	"maps"
	"slices"
	"testing"
	"testing/synctest"
	"time"

	"github.com/CZERTAINLY/Legion/internal/parallel"
	"github.com/stretchr/testify/require"
)

func TestMapZip(t *testing.T) {
	t.Parallel()

	f := func(_ context.Context, d time.Duration) (int, error) {
		time.Sleep(d)
		return int(d / time.Second), nil
	}
	input := []time.Duration{1 * time.Second, 2 * time.Second, 5 * time.Second, 10 * time.Second}

	var testCases = []struct {
		scenario string
		given    int
		then     time.Duration
	}{
		{"limit 1", 1, 18 * time.Second},
		{"limit 2", 2, 12 * time.Second},
		{"limit 10", 10, 10 * time.Second},
	}

	for _, tt := range testCases {
		t.Run(tt.scenario, func(t *testing.T) {
			t.Parallel()
			synctest.Test(t, func(t *testing.T) {
				start := time.Now()
				got := maps.Collect(parallel.NewMap(t.Context(), tt.given, f).Zip(slices.Values(input)))
				require.Equal(t, map[time.Duration]int{
					1 * time.Second:  1,
					2 * time.Second:  2,
					5 * time.Second:  5,
					10 * time.Second: 10,
				}, got)
				require.Equal(t, tt.then, time.Since(start))
			})
		})
	}
}

func TestMapDropsFailures(t *testing.T) {
	t.Parallel()
	f := func(_ context.Context, n int) (int, error) {
		if n%2 == 1 {
			return 0, errors.New("odd")
		}
		return n * 10, nil
	}

	got := maps.Collect(parallel.NewMap(t.Context(), 3, f).Zip(slices.Values([]int{1, 2, 3, 4})))
	require.Equal(t, map[int]int{2: 20, 4: 40}, got)
}

func TestMapBreak(t *testing.T) {
	t.Parallel()
	synctest.Test(t, func(t *testing.T) {
		f := func(ctx context.Context, n int) (int, error) {
			if n == 0 {
				return n, nil
			}
			// everything else waits until canceled
			<-ctx.Done()
			return 0, ctx.Err()
		}
		var seen []int
		for n := range parallel.NewMap(t.Context(), 4, f).Zip(slices.Values([]int{0, 1, 2, 3, 4, 5})) {
			seen = append(seen, n)
			break
		}
		require.Equal(t, []int{0}, seen)
	})
}

func TestSlice(t *testing.T) {
	t.Parallel()
	synctest.Test(t, func(t *testing.T) {
		items := []time.Duration{3 * time.Second, 1 * time.Second, 2 * time.Second}
		start := time.Now()
		out, err := parallel.Slice(t.Context(), 3, items, func(_ context.Context, i int, d time.Duration) (int, error) {
			time.Sleep(d)
			return i, nil
		})
		require.NoError(t, err)
		require.Equal(t, []int{0, 1, 2}, out)
		require.Equal(t, 3*time.Second, time.Since(start))
	})
}

func TestSliceError(t *testing.T) {
	t.Parallel()
	errBad := errors.New("bad")
	_, err := parallel.Slice(t.Context(), 2, []int{1, 2, 3}, func(_ context.Context, _ int, n int) (int, error) {
		if n == 2 {
			return 0, errBad
		}
		return n, nil
	})
	require.ErrorIs(t, err, errBad)
}
