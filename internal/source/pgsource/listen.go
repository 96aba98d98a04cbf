package pgsource

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"

	"outage-map/internal/logger"
	"outage-map/internal/source"
)

// Feed：基于 pq.Listener 的变更订阅
// 约束：断线即上报 CHANNEL_ERROR（期间的通知已丢失），由上层回退到全量轮询自愈
type Feed struct {
	DSN            string
	Channel        string
	MinReconnect   time.Duration
	MaxReconnect   time.Duration
	ConnectTimeout time.Duration
	PingInterval   time.Duration
	Log            *slog.Logger
}

func NewFeed(dsn, channel string) *Feed {
	return &Feed{
		DSN:            dsn,
		Channel:        channel,
		MinReconnect:   time.Second,
		MaxReconnect:   30 * time.Second,
		ConnectTimeout: 10 * time.Second,
		PingInterval:   90 * time.Second,
	}
}

type notifyPayload struct {
	Type      string         `json:"type"`
	Table     string         `json:"table"`
	Record    map[string]any `json:"record"`
	OldRecord map[string]any `json:"old_record"`
}

// DecodeNotification：解析触发器发出的 JSON
func DecodeNotification(payload string) (source.ChangeEvent, error) {
	dec := json.NewDecoder(bytes.NewReader([]byte(payload)))
	dec.UseNumber()
	var p notifyPayload
	if err := dec.Decode(&p); err != nil {
		return source.ChangeEvent{}, &source.MalformedEventError{Reason: err.Error()}
	}
	et, err := source.ParseEventType(p.Type)
	if err != nil {
		return source.ChangeEvent{}, err
	}
	ev := source.ChangeEvent{Type: et, Table: p.Table}
	if len(p.Record) > 0 {
		ev.New = source.Row(p.Record)
	}
	if len(p.OldRecord) > 0 {
		ev.Old = source.Row(p.OldRecord)
	}
	return ev, nil
}

// Subscribe：req.Table 仅用于过滤通知中的表名；req.Filter 不适用于 NOTIFY，由触发器侧决定范围
func (f *Feed) Subscribe(ctx context.Context, req source.SubscribeRequest, onEvent func(source.ChangeEvent), onStatus func(source.ChannelStatus)) (source.Subscription, error) {
	l := &listener{
		onEvent:  onEvent,
		onStatus: onStatus,
		log:      logger.Or(f.Log).With("channel", f.Channel),
		done:     make(chan struct{}),
		table:    bareTable(req.Table),
	}
	l.pl = pq.NewListener(f.DSN, f.MinReconnect, f.MaxReconnect, l.event)
	timeout := f.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	l.timer = time.AfterFunc(timeout, func() { l.emit(source.TimedOut) })
	l.wg.Add(2)
	go func() {
		defer l.wg.Done()
		if err := l.pl.Listen(f.Channel); err != nil {
			l.log.Error("pg_listen_error", "err", err)
			l.emit(source.ChannelError)
			return
		}
		l.log.Info("pg_listen_ok")
		l.emit(source.Subscribed)
	}()
	every := f.PingInterval
	if every <= 0 {
		every = 90 * time.Second
	}
	go l.loop(l.pl.Notify, every, l.pl.Ping)
	return l, nil
}

func bareTable(name string) string {
	if i := strings.LastIndex(name, "."); i >= 0 {
		return name[i+1:]
	}
	return name
}

type listener struct {
	pl       *pq.Listener
	table    string
	onEvent  func(source.ChangeEvent)
	onStatus func(source.ChannelStatus)
	log      *slog.Logger
	timer    *time.Timer

	mu       sync.Mutex
	joined   bool
	finished bool

	once sync.Once
	done chan struct{}
	wg   sync.WaitGroup
}

func (l *listener) event(ev pq.ListenerEventType, err error) {
	switch ev {
	case pq.ListenerEventConnectionAttemptFailed:
		l.log.Warn("pg_listener_connect_failed", "err", err)
		l.emit(source.ChannelError)
	case pq.ListenerEventDisconnected:
		l.log.Warn("pg_listener_disconnected", "err", err)
		l.emit(source.ChannelError)
	}
}

func (l *listener) emit(st source.ChannelStatus) {
	l.mu.Lock()
	if l.finished || (st == source.Subscribed && l.joined) {
		l.mu.Unlock()
		return
	}
	if st == source.Subscribed {
		l.joined = true
	} else {
		l.finished = true
	}
	l.timer.Stop()
	l.mu.Unlock()
	select {
	case <-l.done:
		return
	default:
	}
	if l.onStatus != nil {
		l.onStatus(st)
	}
}

// loop：ping 周期与通知到达无关，持续有通知时连接仍按时探活
func (l *listener) loop(notify <-chan *pq.Notification, every time.Duration, ping func() error) {
	defer l.wg.Done()
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-l.done:
			return
		case n, ok := <-notify:
			if !ok {
				return
			}
			if n == nil {
				continue
			}
			ev, err := DecodeNotification(n.Extra)
			if err != nil {
				l.log.Warn("pg_malformed_notification", "err", err)
				continue
			}
			if l.table != "" && ev.Table != "" && ev.Table != l.table {
				continue
			}
			select {
			case <-l.done:
				return
			default:
			}
			if l.onEvent != nil {
				l.onEvent(ev)
			}
		case <-t.C:
			go func() { _ = ping() }()
		}
	}
}

// Unsubscribe：关闭 Listener 会让阻塞中的 Listen 返回；可重复调用
func (l *listener) Unsubscribe() error {
	var err error
	l.once.Do(func() {
		l.mu.Lock()
		l.finished = true
		l.timer.Stop()
		l.mu.Unlock()
		close(l.done)
		err = l.pl.Close()
		l.wg.Wait()
	})
	return err
}
