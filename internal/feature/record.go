// 包 feature：离线点位的内存表示、坐标校验与按坐标索引的特征集合
package feature

import (
	"errors"
	"fmt"
	"math"
)

var (
	ErrNotFinite      = errors.New("coordinate is not a finite number")
	ErrLatitudeRange  = errors.New("latitude out of range [-90, 90]")
	ErrLongitudeRange = errors.New("longitude out of range [-180, 180]")
)

// Coordinates：WGS84 点坐标，顺序与 GeoJSON 一致（经度在前）
type Coordinates struct {
	Lng float64
	Lat float64
}

// Validate：经纬度必须有限且落在闭区间内；±90 与 ±180 本身合法
func (c Coordinates) Validate() error {
	if math.IsNaN(c.Lng) || math.IsNaN(c.Lat) || math.IsInf(c.Lng, 0) || math.IsInf(c.Lat, 0) {
		return ErrNotFinite
	}
	if c.Lat < -90 || c.Lat > 90 {
		return ErrLatitudeRange
	}
	if c.Lng < -180 || c.Lng > 180 {
		return ErrLongitudeRange
	}
	return nil
}

func (c Coordinates) String() string { return fmt.Sprintf("[%g, %g]", c.Lng, c.Lat) }

// Record：一个被跟踪的点位
// 约束：没有跨事件稳定的主键，身份即坐标；同坐标的两个真实用户无法区分
type Record struct {
	Coordinates
	Status    string
	UpdatedAt string
}

// KeyScale：坐标规范化精度，1e-7 度约 1.1cm
const KeyScale = 1e7

// Key：规范化后的坐标，作为集合内的身份键
// 背景：浮点解析路径不同（JSON number 与文本）会产生末位差异，取整后再比较
type Key struct {
	Lng int64
	Lat int64
}

// KeyOf：调用方需先保证坐标有限
func KeyOf(c Coordinates) Key {
	return Key{Lng: int64(math.Round(c.Lng * KeyScale)), Lat: int64(math.Round(c.Lat * KeyScale))}
}
