// 包 publish：渲染侧输出（最新快照中心、GeoJSON 编码、Redis 扇出）
package publish

import (
	"outage-map/internal/feature"
)

type Geometry struct {
	Type        string     `json:"type"`
	Coordinates [2]float64 `json:"coordinates"`
}

type Properties struct {
	Status    string `json:"status"`
	UpdatedAt string `json:"updated_at"`
}

type Feature struct {
	Type       string     `json:"type"`
	Geometry   Geometry   `json:"geometry"`
	Properties Properties `json:"properties"`
}

type FeatureCollection struct {
	Type     string    `json:"type"`
	Features []Feature `json:"features"`
}

// GeoJSON：点位集合转为 FeatureCollection，坐标顺序 [lng, lat]
// 约束：空集合编码为 "features": [] 而不是 null
func GeoJSON(recs []feature.Record) FeatureCollection {
	fc := FeatureCollection{Type: "FeatureCollection", Features: make([]Feature, 0, len(recs))}
	for _, r := range recs {
		fc.Features = append(fc.Features, Feature{
			Type:       "Feature",
			Geometry:   Geometry{Type: "Point", Coordinates: [2]float64{r.Lng, r.Lat}},
			Properties: Properties{Status: r.Status, UpdatedAt: r.UpdatedAt},
		})
	}
	return fc
}
