package livesync

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"outage-map/internal/feature"
	"outage-map/internal/logger"
	"outage-map/internal/metrics"
	"outage-map/internal/source"
	"outage-map/internal/tenant"
)

// Phase：控制器状态机
type Phase string

const (
	PhaseInit            Phase = "init"
	PhaseSnapshotLoading Phase = "snapshot_loading"
	PhaseSubscribing     Phase = "subscribing"
	PhaseLive            Phase = "live"
	PhasePolling         Phase = "polling"
	PhaseStopped         Phase = "stopped"
)

var allPhases = []string{
	string(PhaseInit), string(PhaseSnapshotLoading), string(PhaseSubscribing),
	string(PhaseLive), string(PhasePolling), string(PhaseStopped),
}

// Status：控制器对外可读的状态快照，任意协程可调用
type Status struct {
	Tenant      string    `json:"tenant"`
	Session     string    `json:"session"`
	Phase       Phase     `json:"phase"`
	State       SyncState `json:"state"`
	Count       int       `json:"count"`
	Demo        bool      `json:"demo"`
	LastUpdated time.Time `json:"lastUpdated"`
}

// Options：Fetcher 为空视为数据源未配置；Feed 为空表示没有推送能力
type Options struct {
	Config    *tenant.Config
	Fetcher   source.Fetcher
	Feed      source.Feed
	Renderer  Renderer
	Log       *slog.Logger
	NewTicker func(time.Duration) Ticker
	Now       func() time.Time
	Seed      int64
}

// Controller：一个租户会话的同步控制器
// 背景：所有触发源（快照结果、推送事件、订阅状态、定时器）都投递到同一个 inbox，由单个事件循环串行处理
// 约束：Store 只在事件循环内修改；Stop 返回后不再有任何修改与渲染回调
type Controller struct {
	cfg       *tenant.Config
	fetcher   source.Fetcher
	feed      source.Feed
	renderer  Renderer
	log       *slog.Logger
	newTicker func(time.Duration) Ticker
	now       func() time.Time
	seed      int64
	session   string
	mapping   Mapping
	loader    *Loader

	inbox  chan any
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	// 只跟踪订阅协程；快照查询协程不等待，Stop 之后完成的结果经 post 丢弃
	subWG sync.WaitGroup

	startOnce sync.Once
	stopOnce  sync.Once

	mu     sync.RWMutex
	status Status

	// 以下字段只由事件循环访问
	store        *feature.Store
	phase        Phase
	state        SyncState
	sub          source.Subscription
	subDone      chan struct{}
	subTimeout   <-chan time.Time
	ticker       Ticker
	tickC        <-chan time.Time
	fetching     bool
	reportedSize int
	demo         bool
}

type snapshotResult struct {
	initial bool
	recs    []feature.Record
	err     error
}

type feedEvent struct{ ev source.ChangeEvent }

type feedStatus struct{ st source.ChannelStatus }

type subscribeResult struct {
	sub  source.Subscription
	done chan struct{}
	err  error
}

func New(opts Options) *Controller {
	cfg := opts.Config
	if cfg == nil {
		cfg = tenant.Default("")
	}
	c := &Controller{
		cfg:          cfg,
		fetcher:      opts.Fetcher,
		feed:         opts.Feed,
		renderer:     opts.Renderer,
		newTicker:    opts.NewTicker,
		now:          opts.Now,
		seed:         opts.Seed,
		session:      uuid.NewString(),
		mapping:      MappingFor(cfg),
		inbox:        make(chan any),
		done:         make(chan struct{}),
		store:        feature.NewStore(),
		phase:        PhaseInit,
		state:        SyncLoading,
		reportedSize: -1,
	}
	if c.renderer == nil {
		c.renderer = nopRenderer{}
	}
	if c.newTicker == nil {
		c.newTicker = newStdTicker
	}
	if c.now == nil {
		c.now = time.Now
	}
	if c.seed == 0 {
		c.seed = time.Now().UnixNano()
	}
	c.log = logger.Or(opts.Log).With("tenant", cfg.Tenant.ID, "session", c.session)
	c.loader = &Loader{Fetcher: c.fetcher, Config: cfg, Log: c.log}
	c.status = Status{Tenant: cfg.Tenant.ID, Session: c.session, Phase: PhaseInit, State: SyncLoading}
	return c
}

func (c *Controller) Session() string { return c.session }

func (c *Controller) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

// Done：事件循环退出后关闭
func (c *Controller) Done() <-chan struct{} { return c.done }

// Stats：透传到数据源的计数查询
func (c *Controller) Stats(ctx context.Context) (int64, error) { return c.loader.Stats(ctx) }

// Start：启动事件循环并异步执行首次快照；只生效一次
func (c *Controller) Start(ctx context.Context) error {
	started := false
	c.startOnce.Do(func() {
		c.ctx, c.cancel = context.WithCancel(ctx)
		started = true
		c.log.Info("sync_start", "kind", c.cfg.Source.Kind, "configured", c.fetcher != nil, "push", c.feed != nil)
		go c.run()
	})
	if !started {
		return errors.New("controller already started")
	}
	return nil
}

// Stop：取消定时器与订阅并等待事件循环退出；可重复调用，未启动时也安全
// 约束：不等待进行中的快照查询，查询迟到的结果不会再修改 Store
func (c *Controller) Stop() error {
	c.stopOnce.Do(func() {
		c.startOnce.Do(func() {
			close(c.done)
			c.setPhase(PhaseStopped)
		})
		if c.cancel != nil {
			c.cancel()
		}
		<-c.done
		c.subWG.Wait()
		c.log.Info("sync_stopped")
	})
	return nil
}

// post：投递到事件循环；循环已退出时返回 false，结果被丢弃
func (c *Controller) post(m any) bool {
	select {
	case c.inbox <- m:
		return true
	case <-c.ctx.Done():
		return false
	}
}

func (c *Controller) run() {
	defer close(c.done)
	defer c.teardown()
	c.setPhase(PhaseSnapshotLoading)
	c.renderState(SyncLoading)
	c.beginSnapshot(true)
	for {
		select {
		case <-c.ctx.Done():
			return
		case m := <-c.inbox:
			c.handle(m)
		case <-c.tickC:
			c.onTick()
		case <-c.subTimeout:
			c.subTimeout = nil
			c.log.Warn("sync_subscribe_timeout", "after", c.cfg.SubscribeTimeout())
			c.fallback(&source.SubscriptionError{Status: source.TimedOut})
		}
	}
}

func (c *Controller) handle(m any) {
	switch m := m.(type) {
	case snapshotResult:
		c.fetching = false
		c.onSnapshot(m)
	case subscribeResult:
		c.onSubscribeResult(m)
	case feedStatus:
		c.onStatus(m.st)
	case feedEvent:
		c.onEvent(m.ev)
	}
}

// beginSnapshot：未配置数据源时同步装入演示数据，否则在协程中查询
func (c *Controller) beginSnapshot(initial bool) {
	if c.fetcher == nil {
		c.onSnapshot(snapshotResult{initial: initial, err: source.ErrNotConfigured})
		return
	}
	if c.fetching {
		c.log.Debug("sync_snapshot_in_flight")
		return
	}
	c.fetching = true
	go func() {
		recs, err := c.loader.Load(c.ctx)
		c.post(snapshotResult{initial: initial, recs: recs, err: err})
	}()
}

func (c *Controller) onSnapshot(r snapshotResult) {
	switch {
	case r.err == nil:
		c.demo = false
		c.install(r.recs)
		if !r.initial {
			c.renderState(SyncPolling)
		}
	case errors.Is(r.err, source.ErrNotConfigured):
		// 未配置：每次都重新装入演示数据（首次与轮询相同）
		c.installDemo(r.err)
	case r.initial:
		c.log.Error("sync_snapshot_error", "err", r.err)
		c.installDemo(r.err)
	default:
		// 轮询中的单次失败：记录后等待下一次 tick
		c.log.Warn("sync_poll_error", "err", r.err)
		return
	}
	if r.initial {
		c.afterInitialSnapshot()
	}
}

func (c *Controller) installDemo(cause error) {
	if !c.cfg.DemoEnabled() {
		c.log.Error("sync_no_data", "err", cause)
		c.renderState(SyncError)
		return
	}
	recs := Demo(c.cfg, c.seed, c.now())
	if !c.demo {
		c.log.Warn("sync_demo_data", "points", len(recs), "reason", cause)
	}
	c.demo = true
	metrics.SnapshotLoadsTotal.WithLabelValues(c.cfg.Tenant.ID, "demo").Inc()
	c.install(recs)
	if c.phase == PhasePolling && c.state != SyncPolling {
		c.renderState(SyncPolling)
	}
}

func (c *Controller) install(recs []feature.Record) {
	c.store.ReplaceAll(recs)
	c.changed()
}

// changed：通知渲染侧；count 只在变化时（以及首次）通知
func (c *Controller) changed() {
	n := c.store.Len()
	c.renderer.OnFeaturesChanged(c.store.Snapshot())
	if n != c.reportedSize {
		c.renderer.OnCountChanged(n)
		c.reportedSize = n
	}
	metrics.ActiveFeatures.WithLabelValues(c.cfg.Tenant.ID).Set(float64(n))
	c.mu.Lock()
	c.status.Count = n
	c.status.Demo = c.demo
	c.status.LastUpdated = c.now()
	c.mu.Unlock()
}

func (c *Controller) afterInitialSnapshot() {
	if c.feed == nil || c.fetcher == nil {
		c.log.Info("sync_no_push", "interval", c.cfg.RefreshInterval())
		c.startPolling()
		return
	}
	c.setPhase(PhaseSubscribing)
	done := make(chan struct{})
	c.subDone = done
	if d := c.cfg.SubscribeTimeout(); d > 0 {
		c.subTimeout = time.After(d)
	}
	onEvent := func(ev source.ChangeEvent) {
		select {
		case c.inbox <- feedEvent{ev: ev}:
		case <-done:
		case <-c.ctx.Done():
		}
	}
	onStatus := func(st source.ChannelStatus) {
		select {
		case c.inbox <- feedStatus{st: st}:
		case <-done:
		case <-c.ctx.Done():
		}
	}
	req := c.cfg.SubscribeRequest()
	c.log.Info("sync_subscribing", "table", req.Table, "filter", req.Filter)
	c.subWG.Add(1)
	go func() {
		defer c.subWG.Done()
		sub, err := c.feed.Subscribe(c.ctx, req, onEvent, onStatus)
		if !c.post(subscribeResult{sub: sub, done: done, err: err}) && sub != nil {
			_ = sub.Unsubscribe()
		}
	}()
}

func (c *Controller) onSubscribeResult(r subscribeResult) {
	if r.err != nil {
		if c.subDone == r.done {
			c.fallback(&source.SubscriptionError{Status: source.ChannelError, Err: r.err})
		}
		return
	}
	if c.subDone != r.done {
		// 订阅已被放弃（失败状态先于句柄到达）
		_ = r.sub.Unsubscribe()
		return
	}
	c.sub = r.sub
}

func (c *Controller) onStatus(st source.ChannelStatus) {
	metrics.SubscriptionStatusTotal.WithLabelValues(c.cfg.Tenant.ID, string(st)).Inc()
	switch st {
	case source.Subscribed:
		if c.phase != PhaseSubscribing {
			return
		}
		c.subTimeout = nil
		c.setPhase(PhaseLive)
		c.renderState(SyncLive)
		c.log.Info("sync_live")
	case source.ChannelError, source.TimedOut, source.Closed:
		if c.phase != PhaseSubscribing && c.phase != PhaseLive {
			return
		}
		c.fallback(&source.SubscriptionError{Status: st})
	}
}

func (c *Controller) onEvent(ev source.ChangeEvent) {
	if c.phase != PhaseLive && c.phase != PhaseSubscribing {
		return
	}
	id := c.cfg.Tenant.ID
	out, err := Apply(c.store, c.mapping, ev)
	if err != nil {
		reason := "malformed_record"
		var me *source.MalformedEventError
		if errors.As(err, &me) {
			reason = "malformed_event"
		}
		metrics.EventsRejectedTotal.WithLabelValues(id, reason).Inc()
		c.log.Warn("sync_event_ignored", "type", ev.Type, "err", err)
		return
	}
	metrics.EventsAppliedTotal.WithLabelValues(id, string(ev.Type), string(out.Action)).Inc()
	c.log.Debug("sync_event_applied", "type", ev.Type, "action", out.Action, "removed", out.Removed)
	if out.Mutated() {
		c.changed()
	}
}

// fallback：放弃推送订阅，转入轮询；会话内不再重新订阅
func (c *Controller) fallback(err error) {
	c.log.Warn("sync_fallback_polling", "err", err)
	c.dropSubscription()
	c.startPolling()
}

func (c *Controller) dropSubscription() {
	c.subTimeout = nil
	if c.subDone != nil {
		close(c.subDone)
		c.subDone = nil
	}
	if c.sub != nil {
		if err := c.sub.Unsubscribe(); err != nil {
			c.log.Debug("sync_unsubscribe_error", "err", err)
		}
		c.sub = nil
	}
}

func (c *Controller) startPolling() {
	if c.ticker != nil {
		return
	}
	d := c.cfg.RefreshInterval()
	c.ticker = c.newTicker(d)
	c.tickC = c.ticker.C()
	c.setPhase(PhasePolling)
	if c.state != SyncError {
		c.renderState(SyncPolling)
	}
	c.log.Info("sync_polling", "interval", d)
}

func (c *Controller) onTick() {
	metrics.PollTicksTotal.WithLabelValues(c.cfg.Tenant.ID).Inc()
	c.beginSnapshot(false)
}

// teardown：在事件循环退出前执行，释放定时器与订阅
func (c *Controller) teardown() {
	if c.ticker != nil {
		c.ticker.Stop()
		c.ticker = nil
		c.tickC = nil
	}
	c.dropSubscription()
	c.setPhase(PhaseStopped)
}

func (c *Controller) setPhase(p Phase) {
	c.phase = p
	metrics.SetSyncState(c.cfg.Tenant.ID, string(p), allPhases)
	c.mu.Lock()
	c.status.Phase = p
	c.mu.Unlock()
}

func (c *Controller) renderState(s SyncState) {
	if c.state == s && s != SyncLoading {
		return
	}
	c.state = s
	c.mu.Lock()
	c.status.State = s
	c.mu.Unlock()
	c.renderer.OnSyncStateChanged(s)
}
