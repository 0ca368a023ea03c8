package ingest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffDelayGrowsAndCaps(t *testing.T) {
	assert.Equal(t, minBackoff, backoffDelay(0))
	assert.Equal(t, minBackoff, backoffDelay(1))
	assert.Equal(t, 2*minBackoff, backoffDelay(2))
	assert.Equal(t, 8*minBackoff, backoffDelay(4))
	assert.Equal(t, maxBackoff, backoffDelay(50))
}

func TestSleepCtxStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.False(t, sleepCtx(ctx, time.Hour))
	assert.True(t, sleepCtx(context.Background(), time.Millisecond))
}
