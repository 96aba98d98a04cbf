// 包 realtime：Supabase Realtime 变更订阅（Phoenix channel over websocket）
package realtime

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"outage-map/internal/logger"
	"outage-map/internal/source"
)

const (
	DefaultHeartbeat   = 30 * time.Second
	DefaultJoinTimeout = 10 * time.Second
	writeTimeout       = 5 * time.Second
)

// Client：按表订阅 postgres_changes
// 约束：一个 Subscribe 对应一条独立 websocket 连接与一个 channel；断线不重连，由上层回退到轮询
type Client struct {
	URL         string
	Key         string
	Schema      string
	Heartbeat   time.Duration
	JoinTimeout time.Duration
	Dialer      *websocket.Dialer
	Log         *slog.Logger
}

func New(projectURL, key string) *Client {
	return &Client{
		URL:         projectURL,
		Key:         key,
		Schema:      "public",
		Heartbeat:   DefaultHeartbeat,
		JoinTimeout: DefaultJoinTimeout,
		Dialer:      websocket.DefaultDialer,
	}
}

// SocketURL：https → wss，http → ws，并附带 apikey 与协议版本
func (c *Client) SocketURL() (string, error) {
	u, err := url.Parse(strings.TrimRight(c.URL, "/"))
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https", "wss":
		u.Scheme = "wss"
	case "http", "ws":
		u.Scheme = "ws"
	default:
		return "", fmt.Errorf("unsupported realtime url scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/realtime/v1/websocket"
	q := url.Values{}
	q.Set("apikey", c.Key)
	q.Set("vsn", "1.0.0")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

type outbound struct {
	Topic   string `json:"topic"`
	Event   string `json:"event"`
	Payload any    `json:"payload"`
	Ref     string `json:"ref"`
	JoinRef string `json:"join_ref,omitempty"`
}

type inbound struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Ref     *string         `json:"ref"`
}

type replyPayload struct {
	Status   string          `json:"status"`
	Response json.RawMessage `json:"response"`
}

type changePayload struct {
	Data struct {
		Type      string         `json:"type"`
		Table     string         `json:"table"`
		Record    map[string]any `json:"record"`
		OldRecord map[string]any `json:"old_record"`
	} `json:"data"`
}

type systemPayload struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

type pgChange struct {
	Event  string `json:"event"`
	Schema string `json:"schema"`
	Table  string `json:"table"`
	Filter string `json:"filter,omitempty"`
}

func joinPayload(schema string, req source.SubscribeRequest, key string) map[string]any {
	return map[string]any{
		"config": map[string]any{
			"broadcast":        map[string]any{"ack": false, "self": false},
			"presence":         map[string]any{"key": ""},
			"postgres_changes": []pgChange{{Event: "*", Schema: schema, Table: req.Table, Filter: req.Filter}},
			"private":          false,
		},
		"access_token": key,
	}
}

// Subscribe：建立连接并发送 phx_join；确认结果通过 onStatus 异步送达
// 约束：拨号失败直接返回错误（不调用 onStatus）；加入超时上报 TIMED_OUT
func (c *Client) Subscribe(ctx context.Context, req source.SubscribeRequest, onEvent func(source.ChangeEvent), onStatus func(source.ChannelStatus)) (source.Subscription, error) {
	wsURL, err := c.SocketURL()
	if err != nil {
		return nil, err
	}
	dialer := c.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, _, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("realtime dial: %w", err)
	}
	schema := c.Schema
	if schema == "" {
		schema = "public"
	}
	hb := c.Heartbeat
	if hb <= 0 {
		hb = DefaultHeartbeat
	}
	jt := c.JoinTimeout
	if jt <= 0 {
		jt = DefaultJoinTimeout
	}
	ch := &channel{
		conn:     conn,
		topic:    "realtime:" + req.Table + "_changes",
		onEvent:  onEvent,
		onStatus: onStatus,
		log:      logger.Or(c.Log).With("table", req.Table),
		done:     make(chan struct{}),
	}
	ch.joinRef = ch.nextRef()
	if err := ch.send(ch.topic, "phx_join", joinPayload(schema, req, c.Key), ch.joinRef); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("realtime join: %w", err)
	}
	ch.joinTimer = time.AfterFunc(jt, func() {
		ch.log.Warn("realtime_join_timeout", "after", jt)
		ch.emit(source.TimedOut)
	})
	ch.wg.Add(2)
	go ch.readLoop()
	go ch.heartbeatLoop(hb)
	return ch, nil
}

// channel：一条订阅；emit 保证状态只在合法转换时上报
type channel struct {
	conn     *websocket.Conn
	topic    string
	joinRef  string
	onEvent  func(source.ChangeEvent)
	onStatus func(source.ChannelStatus)
	log      *slog.Logger

	writeMu sync.Mutex
	ref     int

	statusMu  sync.Mutex
	joined    bool
	finished  bool
	joinTimer *time.Timer

	closeOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

func (ch *channel) nextRef() string {
	ch.ref++
	return strconv.Itoa(ch.ref)
}

func (ch *channel) send(topic, event string, payload any, ref string) error {
	ch.writeMu.Lock()
	defer ch.writeMu.Unlock()
	msg := outbound{Topic: topic, Event: event, Payload: payload, Ref: ref}
	if topic == ch.topic {
		msg.JoinRef = ch.joinRef
	}
	_ = ch.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return ch.conn.WriteJSON(msg)
}

func (ch *channel) sendNext(topic, event string, payload any) error {
	ch.writeMu.Lock()
	ref := ch.nextRef()
	ch.writeMu.Unlock()
	return ch.send(topic, event, payload, ref)
}

func (ch *channel) emit(st source.ChannelStatus) {
	ch.statusMu.Lock()
	if ch.finished || (st == source.Subscribed && ch.joined) {
		ch.statusMu.Unlock()
		return
	}
	switch st {
	case source.Subscribed:
		ch.joined = true
	default:
		ch.finished = true
	}
	if ch.joinTimer != nil {
		ch.joinTimer.Stop()
	}
	ch.statusMu.Unlock()
	select {
	case <-ch.done:
		return
	default:
	}
	if ch.onStatus != nil {
		ch.onStatus(st)
	}
}

func (ch *channel) readLoop() {
	defer ch.wg.Done()
	for {
		_, data, err := ch.conn.ReadMessage()
		if err != nil {
			select {
			case <-ch.done:
			default:
				ch.log.Warn("realtime_read_error", "err", err)
				ch.emit(source.ChannelError)
			}
			return
		}
		ch.handle(data)
	}
}

func (ch *channel) handle(data []byte) {
	var msg inbound
	if err := json.Unmarshal(data, &msg); err != nil {
		ch.log.Warn("realtime_bad_frame", "err", err)
		return
	}
	if msg.Topic != ch.topic {
		return
	}
	switch msg.Event {
	case "phx_reply":
		if msg.Ref == nil || *msg.Ref != ch.joinRef {
			return
		}
		var rp replyPayload
		if err := json.Unmarshal(msg.Payload, &rp); err != nil || rp.Status != "ok" {
			ch.log.Error("realtime_join_rejected", "status", rp.Status, "response", string(rp.Response))
			ch.emit(source.ChannelError)
			return
		}
		ch.log.Info("realtime_subscribed", "topic", ch.topic)
		ch.emit(source.Subscribed)
	case "postgres_changes":
		ev, err := decodeChange(msg.Payload)
		if err != nil {
			ch.log.Warn("realtime_malformed_event", "err", err)
			return
		}
		select {
		case <-ch.done:
			return
		default:
		}
		if ch.onEvent != nil {
			ch.onEvent(ev)
		}
	case "system":
		var sp systemPayload
		if err := json.Unmarshal(msg.Payload, &sp); err == nil && sp.Status == "error" {
			ch.log.Error("realtime_system_error", "message", sp.Message)
			ch.emit(source.ChannelError)
		}
	case "phx_error":
		ch.log.Error("realtime_channel_error", "payload", string(msg.Payload))
		ch.emit(source.ChannelError)
	case "phx_close":
		ch.emit(source.Closed)
	}
}

// decodeChange：数字保持 json.Number，坐标解析交给对账层
func decodeChange(raw json.RawMessage) (source.ChangeEvent, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var p changePayload
	if err := dec.Decode(&p); err != nil {
		return source.ChangeEvent{}, &source.MalformedEventError{Reason: err.Error()}
	}
	et, err := source.ParseEventType(p.Data.Type)
	if err != nil {
		return source.ChangeEvent{}, err
	}
	ev := source.ChangeEvent{Type: et, Table: p.Data.Table}
	if len(p.Data.Record) > 0 {
		ev.New = source.Row(p.Data.Record)
	}
	if len(p.Data.OldRecord) > 0 {
		ev.Old = source.Row(p.Data.OldRecord)
	}
	return ev, nil
}

func (ch *channel) heartbeatLoop(every time.Duration) {
	defer ch.wg.Done()
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ch.done:
			return
		case <-t.C:
			if err := ch.sendNext("phoenix", "heartbeat", map[string]any{}); err != nil {
				ch.log.Warn("realtime_heartbeat_error", "err", err)
				return
			}
		}
	}
}

// Unsubscribe：发送 phx_leave 后关闭连接并等待读写协程退出；可重复调用
func (ch *channel) Unsubscribe() error {
	var err error
	ch.closeOnce.Do(func() {
		ch.statusMu.Lock()
		if ch.joinTimer != nil {
			ch.joinTimer.Stop()
		}
		ch.statusMu.Unlock()
		close(ch.done)
		if e := ch.sendNext(ch.topic, "phx_leave", map[string]any{}); e != nil && !errors.Is(e, websocket.ErrCloseSent) {
			ch.log.Debug("realtime_leave_error", "err", e)
		}
		ch.writeMu.Lock()
		_ = ch.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeTimeout))
		ch.writeMu.Unlock()
		err = ch.conn.Close()
		ch.wg.Wait()
	})
	return err
}
