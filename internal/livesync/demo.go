package livesync

import (
	"math/rand"
	"time"

	"outage-map/internal/feature"
	"outage-map/internal/tenant"
)

const (
	DemoPoints = 25
	demoSpread = 0.2 // 中心 ±0.1 度，约 11km
)

// Demo：围绕地图中心生成演示点位，同一 seed 生成相同坐标
// 约束：结果落在合法经纬度范围内，状态为租户的活跃值
func Demo(cfg *tenant.Config, seed int64, now time.Time) []feature.Record {
	rng := rand.New(rand.NewSource(seed))
	center := cfg.Map.Center
	ts := now.UTC().Format(time.RFC3339Nano)
	out := make([]feature.Record, 0, DemoPoints)
	for i := 0; i < DemoPoints; i++ {
		lng := clamp(center[0]+(rng.Float64()-0.5)*demoSpread, -180, 180)
		lat := clamp(center[1]+(rng.Float64()-0.5)*demoSpread, -90, 90)
		out = append(out, feature.Record{
			Coordinates: feature.Coordinates{Lng: lng, Lat: lat},
			Status:      cfg.Filters.ActiveValue,
			UpdatedAt:   ts,
		})
	}
	return out
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
