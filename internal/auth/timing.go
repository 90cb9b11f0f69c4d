package auth

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"time"
)

// TimingDelay pads failed verifications to a floor so a wrong code and an
// unknown account take about the same time. Zero value never waits.
type TimingDelay struct {
	Base   time.Duration
	Jitter time.Duration
}

func NewTimingDelay(base, jitter time.Duration) *TimingDelay {
	return &TimingDelay{Base: base, Jitter: jitter}
}

// cryptoRandDuration returns a duration in [0, max) from crypto/rand
func cryptoRandDuration(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}

	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0
	}
	return time.Duration(binary.BigEndian.Uint64(b[:]) % uint64(max))
}

// WaitFrom sleeps until Base+jitter has elapsed since start. Successful
// verifications return immediately. Returns ctx.Err() if ctx ends first.
func (td *TimingDelay) WaitFrom(ctx context.Context, start time.Time, success bool) error {
	if td == nil || success || td.Base <= 0 {
		return nil
	}

	remaining := td.Base + cryptoRandDuration(td.Jitter) - time.Since(start)
	if remaining <= 0 {
		return nil
	}

	timer := time.NewTimer(remaining)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
