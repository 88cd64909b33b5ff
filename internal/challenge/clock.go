package challenge

import (
	"context"
	"time"
)

// Clock abstracts the poll delay so tests can run the full ceiling without
// waiting minutes of wall time.
type Clock interface {
	// Sleep waits for d or until the context is cancelled, whichever comes
	// first, returning the context error on cancellation.
	Sleep(ctx context.Context, d time.Duration) error
}

type realClock struct{}

// NewClock returns a wall-time clock.
func NewClock() Clock { return realClock{} }

func (realClock) Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
