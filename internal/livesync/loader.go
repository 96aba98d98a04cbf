// 包 livesync：单租户会话的同步核心（快照加载、事件对账、推送优先/轮询兜底的控制器）
package livesync

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"outage-map/internal/feature"
	"outage-map/internal/logger"
	"outage-map/internal/metrics"
	"outage-map/internal/source"
	"outage-map/internal/tenant"
)

// Mapping：从原始行提取点位所需的列映射与活跃状态值
type Mapping struct {
	Columns     tenant.Columns
	StatusField string
	ActiveValue string
}

func MappingFor(cfg *tenant.Config) Mapping {
	return Mapping{Columns: cfg.Columns, StatusField: cfg.Filters.StatusField, ActiveValue: cfg.Filters.ActiveValue}
}

// Active：状态列等于活跃值
func (m Mapping) Active(r source.Row) bool {
	return r.String(m.StatusField) == m.ActiveValue
}

// Record：解析坐标并做范围校验；失败返回 MalformedRecordError（Index 由调用方填）
func (m Mapping) Record(r source.Row) (feature.Record, error) {
	lat, err := r.Float(m.Columns.Latitude)
	if err != nil {
		return feature.Record{}, &source.MalformedRecordError{Index: -1, Reason: "latitude: " + err.Error(), Err: err}
	}
	lng, err := r.Float(m.Columns.Longitude)
	if err != nil {
		return feature.Record{}, &source.MalformedRecordError{Index: -1, Reason: "longitude: " + err.Error(), Err: err}
	}
	c := feature.Coordinates{Lng: lng, Lat: lat}
	if err := c.Validate(); err != nil {
		return feature.Record{}, &source.MalformedRecordError{Index: -1, Reason: err.Error() + " " + c.String(), Err: err}
	}
	return feature.Record{
		Coordinates: c,
		Status:      r.String(m.Columns.Status),
		UpdatedAt:   r.String(m.Columns.UpdatedAt),
	}, nil
}

// Convert：逐行转换，非法坐标与非活跃状态的行被丢弃，不影响其余行
// 约束：返回的错误列表只包含被丢弃的非法行
func (m Mapping) Convert(rows []source.Row) ([]feature.Record, []error) {
	out := make([]feature.Record, 0, len(rows))
	var dropped []error
	for i, r := range rows {
		if !m.Active(r) {
			continue
		}
		rec, err := m.Record(r)
		if err != nil {
			var me *source.MalformedRecordError
			if errors.As(err, &me) {
				me.Index = i
			}
			dropped = append(dropped, err)
			continue
		}
		out = append(out, rec)
	}
	return out, dropped
}

// Loader：一次全量快照
type Loader struct {
	Fetcher source.Fetcher
	Config  *tenant.Config
	Log     *slog.Logger
}

// Load：发起一次查询并转换；不直接修改 Store，由调用方 ReplaceAll
// 约束：Fetcher 为空返回 ErrNotConfigured；传输失败返回 *FetchError
func (l *Loader) Load(ctx context.Context) ([]feature.Record, error) {
	if l.Fetcher == nil {
		return nil, source.ErrNotConfigured
	}
	id := l.Config.Tenant.ID
	// 调用方传入的 Log 已带 tenant 属性
	log := l.Log
	if log == nil {
		log = logger.L().With("tenant", id)
	}
	q := l.Config.SnapshotQuery()
	start := time.Now()
	rows, err := l.Fetcher.Fetch(ctx, q)
	metrics.SnapshotDurationMs.WithLabelValues(id).Observe(float64(time.Since(start).Milliseconds()))
	if err != nil {
		var fe *source.FetchError
		if !errors.As(err, &fe) {
			err = &source.FetchError{Table: q.Table, Err: err}
		}
		metrics.SnapshotLoadsTotal.WithLabelValues(id, "error").Inc()
		return nil, err
	}
	recs, dropped := MappingFor(l.Config).Convert(rows)
	for _, d := range dropped {
		log.Warn("snapshot_row_dropped", "err", d)
	}
	if len(dropped) > 0 {
		metrics.RowsDroppedTotal.WithLabelValues(id).Add(float64(len(dropped)))
	}
	metrics.SnapshotLoadsTotal.WithLabelValues(id, "ok").Inc()
	log.Info("snapshot_loaded", "rows", len(rows), "kept", len(recs), "dropped", len(dropped), "ms", time.Since(start).Milliseconds())
	return recs, nil
}

// Stats：活跃记录总数（服务端计数，不受坐标校验影响）
func (l *Loader) Stats(ctx context.Context) (int64, error) {
	if l.Fetcher == nil {
		return 0, source.ErrNotConfigured
	}
	return l.Fetcher.Count(ctx, l.Config.SnapshotQuery())
}
