package livesync

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"outage-map/internal/feature"
	"outage-map/internal/source"
	"outage-map/internal/tenant"
)

func testConfig() *tenant.Config {
	c := tenant.Default("test")
	c.Source.Kind = tenant.KindSupabase
	c.Source.Supabase.URL = "https://example.supabase.co"
	c.Source.Supabase.AnonKey = "anon"
	return c
}

func row(lng, lat any, status string) source.Row {
	return source.Row{"longitude": lng, "latitude": lat, "status": status, "updated_at": "2024-05-01T00:00:00Z"}
}

// fakeFetcher：返回固定行或错误，计数调用次数
type fakeFetcher struct {
	mu    sync.Mutex
	rows  []source.Row
	err   error
	calls atomic.Int32
	last  source.Query
}

func (f *fakeFetcher) set(rows []source.Row, err error) {
	f.mu.Lock()
	f.rows, f.err = rows, err
	f.mu.Unlock()
}

func (f *fakeFetcher) Fetch(ctx context.Context, q source.Query) ([]source.Row, error) {
	f.calls.Add(1)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.last = q
	return f.rows, f.err
}

func (f *fakeFetcher) Count(ctx context.Context, q source.Query) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(f.rows)), f.err
}

// fakeFeed：记录订阅次数，测试通过 status/event 主动推送
type fakeFeed struct {
	mu           sync.Mutex
	subscribes   int
	unsubscribes atomic.Int32
	err          error
	onEvent      func(source.ChangeEvent)
	onStatus     func(source.ChannelStatus)
	ready        chan struct{}
}

func newFakeFeed() *fakeFeed { return &fakeFeed{ready: make(chan struct{}, 4)} }

func (f *fakeFeed) Subscribe(ctx context.Context, req source.SubscribeRequest, onEvent func(source.ChangeEvent), onStatus func(source.ChannelStatus)) (source.Subscription, error) {
	f.mu.Lock()
	f.subscribes++
	f.onEvent, f.onStatus = onEvent, onStatus
	err := f.err
	f.mu.Unlock()
	f.ready <- struct{}{}
	if err != nil {
		return nil, err
	}
	return fakeSub{f: f}, nil
}

func (f *fakeFeed) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subscribes
}

func (f *fakeFeed) status(st source.ChannelStatus) {
	f.mu.Lock()
	fn := f.onStatus
	f.mu.Unlock()
	fn(st)
}

func (f *fakeFeed) event(ev source.ChangeEvent) {
	f.mu.Lock()
	fn := f.onEvent
	f.mu.Unlock()
	fn(ev)
}

type fakeSub struct{ f *fakeFeed }

func (s fakeSub) Unsubscribe() error {
	s.f.unsubscribes.Add(1)
	return nil
}

// fakeTicker：由测试手动发送 tick
type fakeTicker struct {
	ch      chan time.Time
	stopped atomic.Bool
}

func (t *fakeTicker) C() <-chan time.Time { return t.ch }
func (t *fakeTicker) Stop()               { t.stopped.Store(true) }

type tickerFactory struct {
	mu      sync.Mutex
	tickers []*fakeTicker
	periods []time.Duration
}

func (tf *tickerFactory) New(d time.Duration) Ticker {
	tf.mu.Lock()
	defer tf.mu.Unlock()
	t := &fakeTicker{ch: make(chan time.Time)}
	tf.tickers = append(tf.tickers, t)
	tf.periods = append(tf.periods, d)
	return t
}

func (tf *tickerFactory) created() []*fakeTicker {
	tf.mu.Lock()
	defer tf.mu.Unlock()
	return append([]*fakeTicker(nil), tf.tickers...)
}

// recorder：记录渲染回调
type recorder struct {
	mu       sync.Mutex
	features [][]feature.Record
	counts   []int
	states   []SyncState
}

func (r *recorder) OnFeaturesChanged(s []feature.Record) {
	r.mu.Lock()
	r.features = append(r.features, s)
	r.mu.Unlock()
}

func (r *recorder) OnCountChanged(n int) {
	r.mu.Lock()
	r.counts = append(r.counts, n)
	r.mu.Unlock()
}

func (r *recorder) OnSyncStateChanged(s SyncState) {
	r.mu.Lock()
	r.states = append(r.states, s)
	r.mu.Unlock()
}

func (r *recorder) lastFeatures() []feature.Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.features) == 0 {
		return nil
	}
	return r.features[len(r.features)-1]
}

func (r *recorder) stateLog() []SyncState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]SyncState(nil), r.states...)
}

func (r *recorder) notifications() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.features)
}

var errBoom = errors.New("boom")

// blockingFetcher：忽略 ctx，直到 release 关闭才返回
type blockingFetcher struct {
	rows     []source.Row
	entered  chan struct{}
	release  chan struct{}
	returned chan struct{}
}

func newBlockingFetcher(rows ...source.Row) *blockingFetcher {
	return &blockingFetcher{rows: rows, entered: make(chan struct{}, 1), release: make(chan struct{}), returned: make(chan struct{})}
}

func (f *blockingFetcher) Fetch(ctx context.Context, q source.Query) ([]source.Row, error) {
	f.entered <- struct{}{}
	<-f.release
	defer close(f.returned)
	return f.rows, nil
}

func (f *blockingFetcher) Count(ctx context.Context, q source.Query) (int64, error) {
	return int64(len(f.rows)), nil
}
