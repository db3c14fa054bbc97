// ABOUTME: Tests for median-based clock synchronization
// ABOUTME: Tests round-trip math, median stability and server-to-local conversion
package sync

import (
	"math/rand"
	"testing"
	"time"

	"github.com/Resonate-Protocol/snapcast-go/internal/timeval"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSync(window int) (*ClockSync, *timeval.ManualClock) {
	clock := timeval.NewManualClock(timeval.Value{Sec: 1000})
	logger, _ := test.NewNullLogger()
	return NewClockSync(Config{Window: window, Clock: clock, Logger: logger}), clock
}

// addSample feeds an offset sample directly, skipping the round-trip math
func addSample(cs *ClockSync, sample timeval.Value) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.addLocked(sample)
}

func TestOffsetZeroBeforeSync(t *testing.T) {
	cs, _ := newTestSync(0)
	assert.False(t, cs.Synced())
	assert.True(t, cs.Offset().IsZero())
	assert.Equal(t, QualityLost, cs.CheckQuality())

	server := timeval.Value{Sec: 50, Usec: 1}
	assert.Equal(t, server, cs.ToLocalPlayout(server))
}

func TestRoundTripSample(t *testing.T) {
	cs, _ := newTestSync(0)

	// Server clock 2s ahead of ours, 4ms each way
	clientSent := timeval.Value{Sec: 10}
	serverRecv := clientSent.Add(timeval.FromMillis(2004))
	serverSent := serverRecv.Add(timeval.FromMillis(1))
	clientRecv := serverSent.Sub(timeval.FromMillis(2000)).Add(timeval.FromMillis(4))

	c2s := serverRecv.Sub(clientSent)
	offset := cs.ProcessTimeResponse(serverSent, c2s, clientRecv)

	// c2s = 2004ms, s2c = -1996ms
	assert.InDelta(t, 2000, offset.Millis(), 1)
	stats := cs.GetStats()
	assert.Equal(t, QualityGood, stats.Quality)
	assert.Equal(t, 1, stats.Samples)
	assert.InDelta(t, 8, stats.RTT.Millis(), 1)
}

func TestMedianOfThree(t *testing.T) {
	cs, _ := newTestSync(0)
	for _, ms := range []int64{10, 12, 9} {
		addSample(cs, timeval.FromMillis(ms))
	}
	assert.Equal(t, int64(10), cs.Offset().Millis())
}

func TestUpperMedianForEvenCount(t *testing.T) {
	cs, _ := newTestSync(0)
	for _, ms := range []int64{1, 2, 3, 4} {
		addSample(cs, timeval.FromMillis(ms))
	}
	assert.Equal(t, int64(3), cs.Offset().Millis())
}

func TestMedianConvergesUnderNoise(t *testing.T) {
	cs, _ := newTestSync(0)
	rng := rand.New(rand.NewSource(3))
	const trueOffset = 5000

	for i := 0; i < 40; i++ {
		jitter := int64(rng.Intn(401) - 200)
		addSample(cs, timeval.FromMillis(trueOffset + jitter))
	}
	assert.InDelta(t, trueOffset, cs.Offset().Millis(), 200)
}

func TestMedianIgnoresOutlier(t *testing.T) {
	cs, _ := newTestSync(0)
	for i := 0; i < 20; i++ {
		addSample(cs, timeval.FromMillis(100 + int64(i%3)))
	}
	before := cs.Offset()

	addSample(cs, timeval.FromMillis(90000))
	assert.Equal(t, before, cs.Offset())
}

func TestWindowOverwritesOldest(t *testing.T) {
	cs, _ := newTestSync(5)
	for i := 0; i < 5; i++ {
		addSample(cs, timeval.FromMillis(1000))
	}
	for i := 0; i < 5; i++ {
		addSample(cs, timeval.FromMillis(10))
	}
	assert.Equal(t, int64(10), cs.Offset().Millis())
	assert.Equal(t, 5, cs.GetStats().Samples)
	assert.Equal(t, uint64(10), cs.GetStats().Total)
}

func TestToLocalPlayout(t *testing.T) {
	cs, _ := newTestSync(0)
	addSample(cs, timeval.FromMillis(2500))
	cs.SetServerSettings(1000, 0)

	server := timeval.Value{Sec: 100}
	local := cs.ToLocalPlayout(server)
	// 100s - 2.5s + 1s
	assert.Equal(t, timeval.Value{Sec: 98, Usec: 500000}, local)
	assert.Equal(t, int32(1000), cs.BufferMs())
}

func TestQualityGoesStale(t *testing.T) {
	cs, clock := newTestSync(0)
	cs.ProcessTimeResponse(timeval.Value{Sec: 1}, timeval.FromMillis(2), timeval.Value{Sec: 1, Usec: 2000})
	assert.Equal(t, QualityGood, cs.CheckQuality())

	clock.Advance(6 * time.Second)
	assert.Equal(t, QualityLost, cs.CheckQuality())
}

func TestHighRTTDegrades(t *testing.T) {
	cs, _ := newTestSync(0)
	cs.ProcessTimeResponse(timeval.Value{Sec: 1}, timeval.FromMillis(60), timeval.Value{Sec: 1, Usec: 60000})
	assert.Equal(t, QualityDegraded, cs.GetStats().Quality)
}

func TestResetKeepsSettings(t *testing.T) {
	cs, _ := newTestSync(0)
	cs.SetServerSettings(800, 20)
	addSample(cs, timeval.FromMillis(42))
	require.True(t, cs.Synced())

	cs.Reset()
	assert.False(t, cs.Synced())
	assert.True(t, cs.Offset().IsZero())
	stats := cs.GetStats()
	assert.Equal(t, int32(800), stats.BufferMs)
	assert.Equal(t, int32(20), stats.Latency)
}

func TestInitialSyncLogged(t *testing.T) {
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	cs := NewClockSync(Config{Clock: timeval.NewManualClock(timeval.Value{}), Logger: logger})

	cs.ProcessTimeResponse(timeval.Value{Sec: 1}, timeval.FromMillis(3), timeval.Value{Sec: 1, Usec: 1000})

	var found bool
	for _, e := range hook.AllEntries() {
		if e.Message == "Initial sync" {
			found = true
			assert.Equal(t, logrus.InfoLevel, e.Level)
			assert.Contains(t, e.Data, "offset")
		}
	}
	assert.True(t, found)
}

func TestPlayoutTimeBeforeSync(t *testing.T) {
	cs, _ := newTestSync(0)
	cs.SetServerSettings(1000, 0)

	// Server uptime is a day, we started a few seconds ago
	arrival := timeval.Value{Sec: 100}
	first := cs.PlayoutTime(timeval.Value{Sec: 86400}, arrival)
	assert.Equal(t, timeval.Value{Sec: 101}, first)

	// Later chunks keep their server spacing, whenever they arrive
	second := cs.PlayoutTime(timeval.Value{Sec: 86400, Usec: 20000}, arrival.Add(timeval.FromMillis(3)))
	assert.Equal(t, timeval.Value{Sec: 101, Usec: 20000}, second)
	assert.False(t, cs.Synced())
}

func TestPlayoutTimeUsesMedianOnceSynced(t *testing.T) {
	cs, _ := newTestSync(0)
	cs.SetServerSettings(1000, 0)
	cs.PlayoutTime(timeval.Value{Sec: 86400}, timeval.Value{Sec: 100})

	addSample(cs, timeval.FromMillis(2500))
	server := timeval.Value{Sec: 100}
	assert.Equal(t, cs.ToLocalPlayout(server), cs.PlayoutTime(server, timeval.Value{Sec: 5}))
}

func TestResetDropsProvisionalOffset(t *testing.T) {
	cs, _ := newTestSync(0)
	cs.PlayoutTime(timeval.Value{Sec: 500}, timeval.Value{Sec: 10})
	cs.Reset()

	assert.Equal(t, timeval.Value{Sec: 20}, cs.PlayoutTime(timeval.Value{Sec: 900}, timeval.Value{Sec: 20}))
}
