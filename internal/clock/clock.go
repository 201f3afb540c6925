// Package clock supplies the verified time used when zome code asks for the
// current time. Verification failure is reported as ErrClock and is only
// fatal to callers that demand attestation.
package clock

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var ErrClock = errors.New("verified time unavailable")

// Clock returns an attested current time.
type Clock interface {
	VerifiedTime(ctx context.Context) (time.Time, error)
}

// System trusts the local clock.
type System struct{}

func (System) VerifiedTime(context.Context) (time.Time, error) {
	return time.Now().UTC(), nil
}

// Fixed always reports T, or Err when set.
type Fixed struct {
	T   time.Time
	Err error
}

func (f Fixed) VerifiedTime(context.Context) (time.Time, error) {
	if f.Err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", ErrClock, f.Err)
	}
	return f.T, nil
}

// Func adapts a function to Clock.
type Func func(ctx context.Context) (time.Time, error)

func (f Func) VerifiedTime(ctx context.Context) (time.Time, error) { return f(ctx) }

// Now asks c for verified time. When attestation is not required a clock
// failure falls back to local time and the error is returned alongside it
// so the caller can log it.
func Now(ctx context.Context, c Clock, requireAttested bool) (time.Time, error) {
	if c == nil {
		c = System{}
	}
	t, err := c.VerifiedTime(ctx)
	if err == nil {
		return t, nil
	}
	if !errors.Is(err, ErrClock) {
		err = fmt.Errorf("%w: %v", ErrClock, err)
	}
	if requireAttested {
		return time.Time{}, err
	}
	return time.Now().UTC(), err
}

// Require is Now with attestation demanded.
func Require(ctx context.Context, c Clock) (time.Time, error) {
	return Now(ctx, c, true)
}
