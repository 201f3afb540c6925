package clock

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"
)

// Quorum asks every source concurrently and reports the median of the
// answers once at least Min sources agree within Skew of that median.
// Each round is retried with exponential backoff until MaxElapsed.
type Quorum struct {
	Sources    []Clock
	Min        int
	Skew       time.Duration
	Timeout    time.Duration
	MaxElapsed time.Duration
}

func (q *Quorum) VerifiedTime(ctx context.Context) (time.Time, error) {
	if len(q.Sources) == 0 {
		return time.Time{}, fmt.Errorf("%w: no time sources configured", ErrClock)
	}

	var out time.Time
	round := func() error {
		t, err := q.round(ctx)
		if err != nil {
			return err
		}
		out = t
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxElapsedTime = q.MaxElapsed
	if b.MaxElapsedTime == 0 {
		b.MaxElapsedTime = 2 * time.Second
	}
	if err := backoff.Retry(round, backoff.WithContext(b, ctx)); err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", ErrClock, err)
	}
	return out, nil
}

func (q *Quorum) round(ctx context.Context) (time.Time, error) {
	timeout := q.Timeout
	if timeout <= 0 {
		timeout = time.Second
	}
	rctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var (
		mu      sync.Mutex
		samples []time.Time
	)
	g, gctx := errgroup.WithContext(rctx)
	for _, src := range q.Sources {
		g.Go(func() error {
			t, err := src.VerifiedTime(gctx)
			if err != nil {
				return nil // a silent source just doesn't vote
			}
			mu.Lock()
			samples = append(samples, t)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	need := q.Min
	if need <= 0 {
		need = len(q.Sources)/2 + 1
	}
	if len(samples) < need {
		return time.Time{}, fmt.Errorf("only %d of %d sources answered", len(samples), need)
	}

	slices.SortFunc(samples, func(a, b time.Time) int { return a.Compare(b) })
	median := samples[len(samples)/2]
	if q.Skew > 0 {
		agree := 0
		for _, s := range samples {
			d := s.Sub(median)
			if d < 0 {
				d = -d
			}
			if d <= q.Skew {
				agree++
			}
		}
		if agree < need {
			return time.Time{}, fmt.Errorf("only %d sources within %s of median", agree, q.Skew)
		}
	}
	return median.UTC(), nil
}
