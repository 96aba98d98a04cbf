package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"outage-map/internal/source"
)

// fakeServer：最小 Phoenix 端点，收到 phx_join 后按 script 回应
type fakeServer struct {
	t      *testing.T
	srv    *httptest.Server
	mu     sync.Mutex
	frames []map[string]any
	left   chan struct{}
}

func newFakeServer(t *testing.T, script func(conn *websocket.Conn, join map[string]any)) *fakeServer {
	fs := &fakeServer{t: t, left: make(chan struct{}, 1)}
	up := websocket.Upgrader{}
	fs.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/realtime/v1/websocket", r.URL.Path)
		assert.Equal(t, "anon", r.URL.Query().Get("apikey"))
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		joined := false
		for {
			var m map[string]any
			if err := conn.ReadJSON(&m); err != nil {
				return
			}
			fs.mu.Lock()
			fs.frames = append(fs.frames, m)
			fs.mu.Unlock()
			switch m["event"] {
			case "phx_join":
				if !joined {
					joined = true
					script(conn, m)
				}
			case "phx_leave":
				fs.left <- struct{}{}
			}
		}
	}))
	t.Cleanup(fs.srv.Close)
	return fs
}

func (fs *fakeServer) client() *Client {
	c := New(fs.srv.URL, "anon")
	c.JoinTimeout = 2 * time.Second
	return c
}

func reply(conn *websocket.Conn, join map[string]any, status string) {
	_ = conn.WriteJSON(map[string]any{
		"topic":   join["topic"],
		"event":   "phx_reply",
		"ref":     join["ref"],
		"payload": map[string]any{"status": status, "response": map[string]any{}},
	})
}

func change(conn *websocket.Conn, topic any, typ string, record, old map[string]any) {
	_ = conn.WriteJSON(map[string]any{
		"topic": topic,
		"event": "postgres_changes",
		"ref":   nil,
		"payload": map[string]any{
			"data": map[string]any{"type": typ, "table": "mfs", "schema": "public", "record": record, "old_record": old},
		},
	})
}

type recorder struct {
	mu       sync.Mutex
	events   []source.ChangeEvent
	statuses []source.ChannelStatus
	gotEvent chan struct{}
	gotState chan struct{}
}

func newRecorder() *recorder {
	return &recorder{gotEvent: make(chan struct{}, 16), gotState: make(chan struct{}, 16)}
}

func (r *recorder) onEvent(ev source.ChangeEvent) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	r.gotEvent <- struct{}{}
}

func (r *recorder) onStatus(st source.ChannelStatus) {
	r.mu.Lock()
	r.statuses = append(r.statuses, st)
	r.mu.Unlock()
	r.gotState <- struct{}{}
}

func wait(t *testing.T, ch chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for callback")
	}
}

func TestSocketURL(t *testing.T) {
	u, err := New("https://abc.supabase.co/", "k").SocketURL()
	require.NoError(t, err)
	assert.Equal(t, "wss://abc.supabase.co/realtime/v1/websocket?apikey=k&vsn=1.0.0", u)

	_, err = New("ftp://abc", "k").SocketURL()
	assert.Error(t, err)
}

func TestSubscribeDeliversEventsInOrder(t *testing.T) {
	fs := newFakeServer(t, func(conn *websocket.Conn, join map[string]any) {
		payload := join["payload"].(map[string]any)
		cfg := payload["config"].(map[string]any)
		pc := cfg["postgres_changes"].([]any)[0].(map[string]any)
		assert.Equal(t, "*", pc["event"])
		assert.Equal(t, "mfs", pc["table"])
		assert.Equal(t, "tenant_id=eq.jwec", pc["filter"])

		reply(conn, join, "ok")
		change(conn, join["topic"], "INSERT", map[string]any{"latitude": 34.1, "longitude": -87.9, "status": "Offline"}, nil)
		change(conn, join["topic"], "UPDATE", map[string]any{"latitude": 34.1, "longitude": -87.9, "status": "Online"}, map[string]any{"id": 1})
		change(conn, join["topic"], "DELETE", nil, map[string]any{"latitude": 34.1, "longitude": -87.9})
	})
	rec := newRecorder()
	sub, err := fs.client().Subscribe(context.Background(), source.SubscribeRequest{Table: "mfs", Filter: "tenant_id=eq.jwec"}, rec.onEvent, rec.onStatus)
	require.NoError(t, err)

	wait(t, rec.gotState)
	for i := 0; i < 3; i++ {
		wait(t, rec.gotEvent)
	}
	rec.mu.Lock()
	assert.Equal(t, []source.ChannelStatus{source.Subscribed}, rec.statuses)
	require.Len(t, rec.events, 3)
	assert.Equal(t, source.Insert, rec.events[0].Type)
	assert.Equal(t, source.Update, rec.events[1].Type)
	assert.Equal(t, "Online", rec.events[1].New.String("status"))
	assert.Equal(t, source.Delete, rec.events[2].Type)
	assert.Nil(t, rec.events[2].New)
	lat, err := rec.events[2].Old.Float("latitude")
	rec.mu.Unlock()
	require.NoError(t, err)
	assert.Equal(t, 34.1, lat)

	require.NoError(t, sub.Unsubscribe())
	wait(t, fs.left)
	assert.NoError(t, sub.Unsubscribe())
}

func TestSubscribeRejectedJoin(t *testing.T) {
	fs := newFakeServer(t, func(conn *websocket.Conn, join map[string]any) {
		reply(conn, join, "error")
	})
	rec := newRecorder()
	sub, err := fs.client().Subscribe(context.Background(), source.SubscribeRequest{Table: "mfs"}, rec.onEvent, rec.onStatus)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	wait(t, rec.gotState)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, []source.ChannelStatus{source.ChannelError}, rec.statuses)
}

func TestSubscribeJoinTimeout(t *testing.T) {
	fs := newFakeServer(t, func(conn *websocket.Conn, join map[string]any) {})
	c := fs.client()
	c.JoinTimeout = 50 * time.Millisecond
	rec := newRecorder()
	sub, err := c.Subscribe(context.Background(), source.SubscribeRequest{Table: "mfs"}, rec.onEvent, rec.onStatus)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	wait(t, rec.gotState)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, []source.ChannelStatus{source.TimedOut}, rec.statuses)
}

func TestSubscribeDialFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()
	rec := newRecorder()
	_, err := New(url, "anon").Subscribe(context.Background(), source.SubscribeRequest{Table: "mfs"}, rec.onEvent, rec.onStatus)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "realtime dial"))
	assert.Empty(t, rec.statuses)
}

func TestDecodeChangeRejectsUnknownType(t *testing.T) {
	raw, _ := json.Marshal(map[string]any{"data": map[string]any{"type": "TRUNCATE"}})
	_, err := decodeChange(raw)
	assert.Error(t, err)
}
