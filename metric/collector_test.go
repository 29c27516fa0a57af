package metric

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/semgate/health"
	"github.com/c360/semgate/pkg/clock"
)

func TestCollector_WindowEvictsOldest(t *testing.T) {
	c := NewCollector(1000)

	for i := 0; i < 1000; i++ {
		done := c.Track()
		done(100)
	}
	assert.InDelta(t, 100.0, c.Average(), 1e-9)

	done := c.Track()
	done(1100)

	snap := c.Snapshot()
	assert.Equal(t, 1000, snap.Samples)
	assert.Equal(t, int64(1001), snap.TotalRequests)
	assert.InDelta(t, 101.0, snap.AvgResponseMs, 1e-9)
	assert.Equal(t, int64(0), snap.ActiveConnections)
}

func TestCollector_TrackEndsOnce(t *testing.T) {
	c := NewCollector(10)

	done := c.Track()
	assert.Equal(t, int64(1), c.Snapshot().ActiveConnections)

	done(5)
	done(5)
	snap := c.Snapshot()
	assert.Equal(t, int64(0), snap.ActiveConnections)
	assert.Equal(t, 1, snap.Samples)
}

func TestCollector_ConcurrentRequests(t *testing.T) {
	c := NewCollector(50)
	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			done := c.Track()
			defer done(10)
		}()
	}
	wg.Wait()

	snap := c.Snapshot()
	assert.Equal(t, int64(200), snap.TotalRequests)
	assert.Equal(t, int64(0), snap.ActiveConnections)
	assert.Equal(t, 50, snap.Samples)
	assert.InDelta(t, 10.0, snap.AvgResponseMs, 1e-9)
}

type staticSource map[string]health.Record

func (s staticSource) All() map[string]health.Record { return s }

func TestCollector_SnapshotAndReset(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	src := staticSource{"auth": {Service: "auth", Status: health.StateHealthy, Level: health.LevelOnline}}
	c := NewCollector(10, WithClock(clk), WithHealthSource(src), WithPrometheus(NewMetrics("test")))

	c.Track()(40)
	clk.Advance(90 * time.Second)

	snap := c.Snapshot()
	assert.Equal(t, 90.0, snap.UptimeSeconds)
	require.Contains(t, snap.Services, "auth")
	assert.Equal(t, health.LevelOnline, snap.Services["auth"].Level)

	c.Reset()
	snap = c.Snapshot()
	assert.Equal(t, int64(0), snap.TotalRequests)
	assert.Equal(t, 0, snap.Samples)
	assert.Zero(t, snap.AvgResponseMs)
	assert.Zero(t, snap.UptimeSeconds)
}
