package livesync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"outage-map/internal/source"
)

const waitFor = 2 * time.Second
const tick = 5 * time.Millisecond

type harness struct {
	c       *Controller
	fetcher *fakeFetcher
	feed    *fakeFeed
	tickers *tickerFactory
	render  *recorder
}

func newHarness(t *testing.T, withFetcher, withFeed bool) *harness {
	h := &harness{tickers: &tickerFactory{}, render: &recorder{}}
	opts := Options{Config: testConfig(), Renderer: h.render, NewTicker: h.tickers.New, Seed: 1}
	if withFetcher {
		h.fetcher = &fakeFetcher{}
		h.fetcher.set([]source.Row{row(10.0, 20.0, "Offline"), row(11.0, 21.0, "Offline")}, nil)
		opts.Fetcher = h.fetcher
	}
	if withFeed {
		h.feed = newFakeFeed()
		opts.Feed = h.feed
	}
	h.c = New(opts)
	t.Cleanup(func() { _ = h.c.Stop() })
	return h
}

func (h *harness) waitPhase(t *testing.T, p Phase) {
	t.Helper()
	require.Eventually(t, func() bool { return h.c.Status().Phase == p }, waitFor, tick, "phase %s, got %s", p, h.c.Status().Phase)
}

func (h *harness) waitSubscribe(t *testing.T) {
	t.Helper()
	select {
	case <-h.feed.ready:
	case <-time.After(waitFor):
		t.Fatal("no subscribe call")
	}
}

func TestControllerLiveAppliesEvents(t *testing.T) {
	h := newHarness(t, true, true)
	require.NoError(t, h.c.Start(context.Background()))
	h.waitSubscribe(t)
	h.feed.status(source.Subscribed)
	h.waitPhase(t, PhaseLive)
	assert.Equal(t, 2, h.c.Status().Count)
	assert.Empty(t, h.tickers.created(), "live mode creates no polling timer")

	h.feed.event(update(10, 20, "Online"))
	h.feed.event(source.ChangeEvent{Type: source.Insert, New: row(12.0, 22.0, "Offline")})
	h.feed.event(source.ChangeEvent{Type: source.Insert})
	h.feed.event(source.ChangeEvent{Type: source.Delete, Old: row(12.0, 22.0, "Offline")})
	require.Eventually(t, func() bool { return h.render.notifications() == 4 }, waitFor, tick)

	last := h.render.lastFeatures()
	require.Len(t, last, 1)
	assert.Equal(t, 11.0, last[0].Lng)
	st := h.c.Status()
	assert.Equal(t, 1, st.Count)
	assert.Equal(t, SyncLive, st.State)
	assert.False(t, st.Demo)
	assert.False(t, st.LastUpdated.IsZero())
	assert.Equal(t, []SyncState{SyncLoading, SyncLive}, h.render.stateLog())

	h.render.mu.Lock()
	assert.Equal(t, []int{2, 1, 2, 1}, h.render.counts)
	h.render.mu.Unlock()

	require.NoError(t, h.c.Stop())
	assert.EqualValues(t, 1, h.feed.unsubscribes.Load())
	assert.Equal(t, PhaseStopped, h.c.Status().Phase)
}

func TestControllerChannelErrorFallsBackToPollingOnce(t *testing.T) {
	h := newHarness(t, true, true)
	require.NoError(t, h.c.Start(context.Background()))
	h.waitSubscribe(t)
	h.feed.status(source.ChannelError)
	h.waitPhase(t, PhasePolling)

	tickers := h.tickers.created()
	require.Len(t, tickers, 1)
	assert.Equal(t, time.Minute, h.tickers.periods[0])
	require.Eventually(t, func() bool { return h.feed.unsubscribes.Load() == 1 }, waitFor, tick)
	assert.Equal(t, SyncPolling, h.c.Status().State)

	h.fetcher.set([]source.Row{row(1.0, 1.0, "Offline")}, nil)
	tickers[0].ch <- time.Now()
	require.Eventually(t, func() bool { return h.c.Status().Count == 1 }, waitFor, tick)
	assert.EqualValues(t, 2, h.fetcher.calls.Load())

	assert.Equal(t, 1, h.feed.count(), "no further subscription attempts")
	assert.Len(t, h.tickers.created(), 1)

	require.NoError(t, h.c.Stop())
	assert.True(t, tickers[0].stopped.Load())
	select {
	case tickers[0].ch <- time.Now():
		t.Fatal("tick consumed after stop")
	case <-time.After(50 * time.Millisecond):
	}
	assert.EqualValues(t, 2, h.fetcher.calls.Load())
	assert.EqualValues(t, 1, h.feed.unsubscribes.Load())
}

func TestControllerTimedOutStatusFallsBack(t *testing.T) {
	h := newHarness(t, true, true)
	require.NoError(t, h.c.Start(context.Background()))
	h.waitSubscribe(t)
	h.feed.status(source.TimedOut)
	h.waitPhase(t, PhasePolling)
	assert.Len(t, h.tickers.created(), 1)
}

func TestControllerSubscribeTimeout(t *testing.T) {
	h := newHarness(t, true, true)
	h.c.cfg.SubscribeTimeoutMs = 20
	require.NoError(t, h.c.Start(context.Background()))
	h.waitSubscribe(t)
	h.waitPhase(t, PhasePolling)
	assert.Len(t, h.tickers.created(), 1)
	require.Eventually(t, func() bool { return h.feed.unsubscribes.Load() == 1 }, waitFor, tick)
}

func TestControllerSubscribeError(t *testing.T) {
	h := newHarness(t, true, true)
	h.feed.err = errors.New("dial refused")
	require.NoError(t, h.c.Start(context.Background()))
	h.waitSubscribe(t)
	h.waitPhase(t, PhasePolling)
	assert.Equal(t, 1, h.feed.count())
	assert.Len(t, h.tickers.created(), 1)
}

func TestControllerLaterErrorWhileLive(t *testing.T) {
	h := newHarness(t, true, true)
	require.NoError(t, h.c.Start(context.Background()))
	h.waitSubscribe(t)
	h.feed.status(source.Subscribed)
	h.waitPhase(t, PhaseLive)
	h.feed.status(source.Closed)
	h.waitPhase(t, PhasePolling)
	assert.Equal(t, []SyncState{SyncLoading, SyncLive, SyncPolling}, h.render.stateLog())
}

func TestControllerUnconfiguredUsesDemoAndPolls(t *testing.T) {
	h := newHarness(t, false, false)
	require.NoError(t, h.c.Start(context.Background()))
	h.waitPhase(t, PhasePolling)
	st := h.c.Status()
	assert.True(t, st.Demo)
	assert.Equal(t, DemoPoints, st.Count)
	assert.Equal(t, SyncPolling, st.State)
	first := h.render.lastFeatures()

	tickers := h.tickers.created()
	require.Len(t, tickers, 1)
	tickers[0].ch <- time.Now()
	require.Eventually(t, func() bool { return h.render.notifications() == 2 }, waitFor, tick)
	second := h.render.lastFeatures()
	require.Len(t, second, DemoPoints)
	assert.Equal(t, first[0].Coordinates, second[0].Coordinates)
}

func TestControllerInitialFetchErrorUsesDemoThenSubscribes(t *testing.T) {
	h := newHarness(t, true, true)
	h.fetcher.set(nil, errBoom)
	require.NoError(t, h.c.Start(context.Background()))
	h.waitSubscribe(t)
	h.waitPhase(t, PhaseSubscribing)
	assert.True(t, h.c.Status().Demo)
	assert.Equal(t, DemoPoints, h.c.Status().Count)
}

func TestControllerInitialFetchErrorWithoutDemo(t *testing.T) {
	h := newHarness(t, true, false)
	off := false
	h.c.cfg.DemoFallback = &off
	h.fetcher.set(nil, errBoom)
	require.NoError(t, h.c.Start(context.Background()))
	h.waitPhase(t, PhasePolling)
	assert.Equal(t, SyncError, h.c.Status().State)
	assert.Equal(t, 0, h.render.notifications())

	h.fetcher.set([]source.Row{row(1.0, 1.0, "Offline")}, nil)
	h.tickers.created()[0].ch <- time.Now()
	require.Eventually(t, func() bool { return h.c.Status().State == SyncPolling }, waitFor, tick)
	assert.Equal(t, 1, h.c.Status().Count)
	assert.Equal(t, []SyncState{SyncLoading, SyncError, SyncPolling}, h.render.stateLog())
}

func TestControllerPollErrorKeepsStore(t *testing.T) {
	h := newHarness(t, true, false)
	require.NoError(t, h.c.Start(context.Background()))
	h.waitPhase(t, PhasePolling)
	require.Eventually(t, func() bool { return h.c.Status().Count == 2 }, waitFor, tick)

	h.fetcher.set(nil, errBoom)
	ticker := h.tickers.created()[0]
	ticker.ch <- time.Now()
	require.Eventually(t, func() bool { return h.fetcher.calls.Load() == 2 }, waitFor, tick)

	h.fetcher.set([]source.Row{row(3.0, 3.0, "Offline")}, nil)
	// 上一次查询结果可能尚未回到事件循环，tick 会被跳过，因此重复发送直到生效
	require.Eventually(t, func() bool {
		select {
		case ticker.ch <- time.Now():
		default:
		}
		return h.c.Status().Count == 1
	}, waitFor, tick)
	assert.False(t, h.c.Status().Demo)
	assert.Equal(t, SyncPolling, h.c.Status().State)
}

func TestControllerStopIsIdempotent(t *testing.T) {
	h := newHarness(t, true, true)
	require.NoError(t, h.c.Start(context.Background()))
	h.waitSubscribe(t)
	h.feed.status(source.Subscribed)
	h.waitPhase(t, PhaseLive)

	require.NoError(t, h.c.Stop())
	require.NoError(t, h.c.Stop())
	assert.EqualValues(t, 1, h.feed.unsubscribes.Load())
	select {
	case <-h.c.Done():
	default:
		t.Fatal("done not closed")
	}
	assert.Error(t, h.c.Start(context.Background()))
}

func TestControllerStopBeforeStart(t *testing.T) {
	h := newHarness(t, true, true)
	require.NoError(t, h.c.Stop())
	require.NoError(t, h.c.Stop())
	assert.Equal(t, PhaseStopped, h.c.Status().Phase)
	assert.Error(t, h.c.Start(context.Background()))
	assert.EqualValues(t, 0, h.fetcher.calls.Load())
}

func TestControllerNoMutationAfterStop(t *testing.T) {
	h := newHarness(t, true, true)
	require.NoError(t, h.c.Start(context.Background()))
	h.waitSubscribe(t)
	h.feed.status(source.Subscribed)
	h.waitPhase(t, PhaseLive)
	before := h.render.notifications()

	require.NoError(t, h.c.Stop())
	h.feed.event(source.ChangeEvent{Type: source.Insert, New: row(50.0, 50.0, "Offline")})
	assert.Equal(t, before, h.render.notifications())
	assert.Equal(t, 2, h.c.Status().Count)
}

func TestControllerStopDoesNotWaitForFetch(t *testing.T) {
	fetcher := newBlockingFetcher(row(10.0, 20.0, "Offline"))
	render := &recorder{}
	c := New(Options{Config: testConfig(), Fetcher: fetcher, Feed: newFakeFeed(), Renderer: render, NewTicker: (&tickerFactory{}).New, Seed: 1})
	require.NoError(t, c.Start(context.Background()))
	select {
	case <-fetcher.entered:
	case <-time.After(waitFor):
		t.Fatal("snapshot fetch never started")
	}

	stopped := make(chan struct{})
	go func() {
		_ = c.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(500 * time.Millisecond):
		close(fetcher.release)
		t.Fatal("Stop blocked on an in-flight fetch")
	}
	assert.Equal(t, PhaseStopped, c.Status().Phase)

	close(fetcher.release)
	<-fetcher.returned
	assert.Never(t, func() bool { return render.notifications() > 0 }, 100*time.Millisecond, tick)
	assert.Equal(t, 0, c.Status().Count)
}

func TestControllerSessionsAreIndependent(t *testing.T) {
	a := newHarness(t, true, false)
	b := newHarness(t, false, false)
	require.NoError(t, a.c.Start(context.Background()))
	require.NoError(t, b.c.Start(context.Background()))
	a.waitPhase(t, PhasePolling)
	b.waitPhase(t, PhasePolling)
	require.Eventually(t, func() bool { return a.c.Status().Count == 2 }, waitFor, tick)
	assert.Equal(t, DemoPoints, b.c.Status().Count)
	assert.NotEqual(t, a.c.Session(), b.c.Session())
}
