package clock

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func TestNowFallsBackUnlessRequired(t *testing.T) {
	ctx := context.Background()
	broken := Fixed{Err: errors.New("no peers")}

	got, err := Now(ctx, broken, false)
	assert.ErrorIs(t, err, ErrClock)
	assert.False(t, got.IsZero(), "local time is used")

	_, err = Require(ctx, broken)
	assert.ErrorIs(t, err, ErrClock)

	got, err = Require(ctx, Fixed{T: epoch})
	require.NoError(t, err)
	assert.Equal(t, epoch, got)
}

func TestNowWrapsForeignErrors(t *testing.T) {
	c := Func(func(context.Context) (time.Time, error) { return time.Time{}, errors.New("dial") })
	_, err := Require(context.Background(), c)
	assert.ErrorIs(t, err, ErrClock)
}

func TestNowDefaultsToSystem(t *testing.T) {
	got, err := Now(context.Background(), nil, true)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now(), got, time.Second)
}

func TestQuorumMedian(t *testing.T) {
	q := &Quorum{
		Sources: []Clock{
			Fixed{T: epoch},
			Fixed{T: epoch.Add(100 * time.Millisecond)},
			Fixed{T: epoch.Add(200 * time.Millisecond)},
		},
		Skew: time.Second,
	}
	got, err := q.VerifiedTime(context.Background())
	require.NoError(t, err)
	assert.Equal(t, epoch.Add(100*time.Millisecond), got)
}

func TestQuorumToleratesMinority(t *testing.T) {
	q := &Quorum{
		Sources: []Clock{
			Fixed{T: epoch},
			Fixed{T: epoch},
			Fixed{Err: errors.New("down")},
		},
	}
	got, err := q.VerifiedTime(context.Background())
	require.NoError(t, err)
	assert.Equal(t, epoch, got)
}

func TestQuorumRetriesThenFails(t *testing.T) {
	var calls atomic.Int32
	flaky := Func(func(context.Context) (time.Time, error) {
		if calls.Add(1) < 3 {
			return time.Time{}, errors.New("not yet")
		}
		return epoch, nil
	})
	q := &Quorum{Sources: []Clock{flaky}, MaxElapsed: 5 * time.Second}
	got, err := q.VerifiedTime(context.Background())
	require.NoError(t, err)
	assert.Equal(t, epoch, got)

	q = &Quorum{Sources: []Clock{Fixed{Err: errors.New("down")}}, MaxElapsed: 200 * time.Millisecond}
	_, err = q.VerifiedTime(context.Background())
	assert.ErrorIs(t, err, ErrClock)
}

func TestQuorumRejectsDisagreement(t *testing.T) {
	q := &Quorum{
		Sources: []Clock{
			Fixed{T: epoch},
			Fixed{T: epoch.Add(time.Hour)},
			Fixed{T: epoch.Add(2 * time.Hour)},
		},
		Skew:       time.Second,
		MaxElapsed: 100 * time.Millisecond,
	}
	_, err := q.VerifiedTime(context.Background())
	assert.ErrorIs(t, err, ErrClock)

	_, err = (&Quorum{}).VerifiedTime(context.Background())
	assert.ErrorIs(t, err, ErrClock)
}
