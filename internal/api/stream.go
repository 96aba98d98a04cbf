package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"outage-map/internal/logger"
	"outage-map/internal/metrics"
	"outage-map/internal/publish"
)

const (
	streamWriteTimeout = 10 * time.Second
	streamPingEvery    = 30 * time.Second
)

// streamMessage：每次快照变化推送一条
type streamMessage struct {
	Type    string                    `json:"type"`
	Version string                    `json:"version"`
	State   string                    `json:"state"`
	Count   int                       `json:"count"`
	Data    publish.FeatureCollection `json:"data"`
}

// Stream：websocket 推送最新快照；客户端只需渲染收到的集合
// 约束：客户端消息一律丢弃；读失败或写失败即断开
type Stream struct {
	Hub      *publish.Hub
	Log      *slog.Logger
	Upgrader websocket.Upgrader
	PingEach time.Duration
}

func (s *Stream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	log := logger.Or(s.Log)
	ws, err := s.Upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debug("stream_upgrade_error", "err", err)
		return
	}
	defer ws.Close()
	metrics.StreamClients.Inc()
	defer metrics.StreamClients.Dec()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		defer cancel()
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ch, unsubscribe := s.Hub.Subscribe()
	defer unsubscribe()
	ping := s.PingEach
	if ping <= 0 {
		ping = streamPingEvery
	}
	log.Debug("stream_open", "remote", r.RemoteAddr)
	for {
		select {
		case <-ctx.Done():
			log.Debug("stream_closed", "remote", r.RemoteAddr)
			return
		case snap, ok := <-ch:
			if !ok {
				return
			}
			msg := streamMessage{Type: "snapshot", Version: snap.Version, State: string(snap.State), Count: snap.Count, Data: publish.GeoJSON(snap.Features)}
			_ = ws.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
			if err := ws.WriteJSON(msg); err != nil {
				log.Debug("stream_write_error", "err", err)
				return
			}
		case <-time.After(ping):
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(streamWriteTimeout)); err != nil {
				return
			}
		}
	}
}
