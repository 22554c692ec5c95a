package auth_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/safetyworks/sitecore/internal/auth"
)

func TestTimingDelay_WaitFrom_PadsToBase(t *testing.T) {
	timing := auth.NewTimingDelay(auth.TimingConfig{BaseDelayMs: 100, RandomDelayMs: 50})
	start := time.Now()

	timing.WaitFrom(context.Background(), start)

	elapsed := time.Since(start)
	assert.GreaterOrEqual(t, elapsed, 100*time.Millisecond)
	assert.Less(t, elapsed, 400*time.Millisecond)
}

func TestTimingDelay_WaitFrom_AdjustsForElapsedTime(t *testing.T) {
	timing := auth.NewTimingDelay(auth.TimingConfig{BaseDelayMs: 100})
	start := time.Now()

	time.Sleep(50 * time.Millisecond)
	timing.WaitFrom(context.Background(), start)

	elapsed := time.Since(start)
	assert.GreaterOrEqual(t, elapsed, 100*time.Millisecond)
	assert.Less(t, elapsed, 300*time.Millisecond, "should not add the full base on top of work already done")
}

func TestTimingDelay_WaitFrom_AlreadyPastTarget(t *testing.T) {
	timing := auth.NewTimingDelay(auth.TimingConfig{BaseDelayMs: 10})
	start := time.Now().Add(-time.Second)

	before := time.Now()
	timing.WaitFrom(context.Background(), start)

	assert.Less(t, time.Since(before), 20*time.Millisecond)
}

func TestTimingDelay_WaitFrom_ContextCancelled(t *testing.T) {
	timing := auth.NewTimingDelay(auth.TimingConfig{BaseDelayMs: 5000})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	before := time.Now()
	timing.WaitFrom(ctx, time.Now())

	assert.Less(t, time.Since(before), 100*time.Millisecond)
}

func TestTimingDelay_Target_WithinRange(t *testing.T) {
	timing := auth.NewTimingDelay(auth.TimingConfig{BaseDelayMs: 200, RandomDelayMs: 100})

	for i := 0; i < 50; i++ {
		d := timing.Target()
		assert.GreaterOrEqual(t, d, 200*time.Millisecond)
		assert.Less(t, d, 300*time.Millisecond)
	}
}
