package auth

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"time"
)

// TimingConfig holds configuration for failure-timing equalisation
type TimingConfig struct {
	BaseDelayMs   int // Base delay in milliseconds
	RandomDelayMs int // Upper bound of the random extra delay
}

// TimingDelay pads failed logins to a randomised minimum duration so the
// response time does not reveal which check failed.
type TimingDelay struct {
	config TimingConfig
}

func NewTimingDelay(config TimingConfig) *TimingDelay {
	return &TimingDelay{config: config}
}

// cryptoRandIntn returns a uniform-enough value in [0, max) from crypto/rand.
func cryptoRandIntn(max int) (int, error) {
	if max <= 0 {
		return 0, nil
	}
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, err
	}
	return int(binary.BigEndian.Uint64(b[:]) % uint64(max)), nil
}

// Target is the total duration a failure should take.
func (td *TimingDelay) Target() time.Duration {
	d := time.Duration(td.config.BaseDelayMs) * time.Millisecond
	if td.config.RandomDelayMs > 0 {
		if n, err := cryptoRandIntn(td.config.RandomDelayMs); err == nil {
			d += time.Duration(n) * time.Millisecond
		}
	}
	return d
}

// WaitFrom sleeps until at least Target() has passed since start. It returns
// early if ctx is cancelled.
func (td *TimingDelay) WaitFrom(ctx context.Context, start time.Time) {
	remaining := td.Target() - time.Since(start)
	if remaining <= 0 {
		return
	}
	timer := time.NewTimer(remaining)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}
