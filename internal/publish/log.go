package publish

import (
	"log/slog"

	"outage-map/internal/feature"
	"outage-map/internal/livesync"
	"outage-map/internal/logger"
)

// LogRenderer：只记录状态变化与数量，用于无前端的 CLI 会话
type LogRenderer struct {
	Log *slog.Logger
}

func (l LogRenderer) OnFeaturesChanged([]feature.Record) {}

func (l LogRenderer) OnCountChanged(n int) {
	logger.Or(l.Log).Info("render_count", "count", n)
}

func (l LogRenderer) OnSyncStateChanged(s livesync.SyncState) {
	logger.Or(l.Log).Info("render_state", "state", s)
}
