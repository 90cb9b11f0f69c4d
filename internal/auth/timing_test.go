package auth_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/BradenHooton/keystone/internal/auth"
)

func TestTimingDelay_WaitFrom_OnFailure(t *testing.T) {
	timing := auth.NewTimingDelay(100*time.Millisecond, 50*time.Millisecond)
	start := time.Now()

	assert.NoError(t, timing.WaitFrom(context.Background(), start, false))

	elapsed := time.Since(start)
	assert.GreaterOrEqual(t, elapsed, 100*time.Millisecond)
	assert.Less(t, elapsed, 300*time.Millisecond)
}

func TestTimingDelay_WaitFrom_OnSuccess_NoDelay(t *testing.T) {
	timing := auth.NewTimingDelay(100*time.Millisecond, 50*time.Millisecond)
	start := time.Now()

	assert.NoError(t, timing.WaitFrom(context.Background(), start, true))
	assert.Less(t, time.Since(start), 20*time.Millisecond)
}

func TestTimingDelay_WaitFrom_NoWaitIfAlreadyExceeded(t *testing.T) {
	timing := auth.NewTimingDelay(50*time.Millisecond, 0)
	start := time.Now().Add(-time.Second)

	before := time.Now()
	assert.NoError(t, timing.WaitFrom(context.Background(), start, false))
	assert.Less(t, time.Since(before), 20*time.Millisecond)
}

func TestTimingDelay_WaitFrom_ContextCancelled(t *testing.T) {
	timing := auth.NewTimingDelay(time.Second, 0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := timing.WaitFrom(ctx, time.Now(), false)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestTimingDelay_NilAndZeroNeverWait(t *testing.T) {
	var nilDelay *auth.TimingDelay
	assert.NoError(t, nilDelay.WaitFrom(context.Background(), time.Now(), false))
	assert.NoError(t, (&auth.TimingDelay{}).WaitFrom(context.Background(), time.Now(), false))
}
