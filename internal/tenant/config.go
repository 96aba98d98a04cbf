// 包 tenant：租户配置模型、加载与校验；同一进程内每个租户会话只读持有一份
package tenant

import (
	"time"

	"outage-map/internal/source"
)

const (
	KindSupabase = "supabase"
	KindPostgres = "postgres"

	DefaultRefreshInterval  = 60 * time.Second
	DefaultSubscribeTimeout = 10 * time.Second
)

type Info struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Domain string `json:"domain"`
}

// MapSettings：地图初始视野；演示数据围绕 Center 生成
type MapSettings struct {
	Center [2]float64 `json:"center"` // [lng, lat]
	Zoom   float64    `json:"zoom"`
}

type Supabase struct {
	URL     string `json:"url"`
	AnonKey string `json:"anonKey"`
}

type Postgres struct {
	DSN           string `json:"dsn"`
	NotifyChannel string `json:"notifyChannel"`
}

// SourceSettings：Kind 为空表示未配置数据源，仅运行演示数据
type SourceSettings struct {
	Kind     string   `json:"kind"`
	Supabase Supabase `json:"supabase"`
	Postgres Postgres `json:"postgres"`
	Realtime *bool    `json:"realtime,omitempty"`
}

type Columns struct {
	Latitude  string `json:"latitude"`
	Longitude string `json:"longitude"`
	Status    string `json:"status"`
	UpdatedAt string `json:"updatedAt"`
}

type Filters struct {
	StatusField        string            `json:"statusField"`
	ActiveValue        string            `json:"activeValue"`
	RequireCoordinates *bool             `json:"requireCoordinates,omitempty"`
	Extra              map[string]string `json:"extra,omitempty"`
}

type Config struct {
	Tenant             Info           `json:"tenant"`
	Map                MapSettings    `json:"map"`
	Source             SourceSettings `json:"source"`
	Table              string         `json:"table"`
	Columns            Columns        `json:"columns"`
	Filters            Filters        `json:"filters"`
	MultiTenant        bool           `json:"multiTenant"`
	RefreshIntervalMs  int            `json:"refreshIntervalMs"`
	SubscribeTimeoutMs int            `json:"subscribeTimeoutMs"`
	DemoFallback       *bool          `json:"demoFallback,omitempty"`
}

func boolOr(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}

// Default：内置兜底配置，对应无配置文件时的行为
func Default(id string) *Config {
	if id == "" {
		id = "default"
	}
	c := &Config{
		Tenant: Info{ID: id, Name: "Outage Map", Domain: "localhost"},
		Map:    MapSettings{Center: [2]float64{-87.9169, 34.0876}, Zoom: 8},
	}
	c.applyDefaults()
	return c
}

func (c *Config) applyDefaults() {
	if c.Table == "" {
		c.Table = "mfs"
	}
	if c.Columns.Latitude == "" {
		c.Columns.Latitude = "latitude"
	}
	if c.Columns.Longitude == "" {
		c.Columns.Longitude = "longitude"
	}
	if c.Columns.Status == "" {
		c.Columns.Status = "status"
	}
	if c.Columns.UpdatedAt == "" {
		c.Columns.UpdatedAt = "updated_at"
	}
	if c.Filters.StatusField == "" {
		c.Filters.StatusField = c.Columns.Status
	}
	if c.Filters.ActiveValue == "" {
		c.Filters.ActiveValue = "Offline"
	}
	if c.RefreshIntervalMs == 0 {
		c.RefreshIntervalMs = int(DefaultRefreshInterval / time.Millisecond)
	}
	if c.SubscribeTimeoutMs == 0 {
		c.SubscribeTimeoutMs = int(DefaultSubscribeTimeout / time.Millisecond)
	}
	if c.Source.Postgres.NotifyChannel == "" {
		c.Source.Postgres.NotifyChannel = c.Table + "_changes"
	}
}

func (c *Config) RefreshInterval() time.Duration {
	return time.Duration(c.RefreshIntervalMs) * time.Millisecond
}

func (c *Config) SubscribeTimeout() time.Duration {
	return time.Duration(c.SubscribeTimeoutMs) * time.Millisecond
}

func (c *Config) RequireCoordinates() bool { return boolOr(c.Filters.RequireCoordinates, true) }
func (c *Config) DemoEnabled() bool        { return boolOr(c.DemoFallback, true) }
func (c *Config) RealtimeEnabled() bool    { return boolOr(c.Source.Realtime, true) }

// Configured：数据源信息是否齐全
func (c *Config) Configured() bool {
	switch c.Source.Kind {
	case KindSupabase:
		return c.Source.Supabase.URL != "" && c.Source.Supabase.AnonKey != ""
	case KindPostgres:
		return c.Source.Postgres.DSN != ""
	}
	return false
}

// SnapshotQuery：活跃状态过滤 + 租户隔离 + 额外等值过滤 + 坐标非空
func (c *Config) SnapshotQuery() source.Query {
	q := source.Query{Table: c.Table}
	q.Equal = append(q.Equal, source.Filter{Column: c.Filters.StatusField, Value: c.Filters.ActiveValue})
	if c.MultiTenant {
		q.Equal = append(q.Equal, source.Filter{Column: "tenant_id", Value: c.Tenant.ID})
	}
	for _, k := range sortedKeys(c.Filters.Extra) {
		q.Equal = append(q.Equal, source.Filter{Column: k, Value: c.Filters.Extra[k]})
	}
	if c.RequireCoordinates() {
		q.NotNull = []string{c.Columns.Latitude, c.Columns.Longitude}
	}
	return q
}

// SubscribeRequest：订阅不按状态过滤，状态转换需要看到所有行变更
func (c *Config) SubscribeRequest() source.SubscribeRequest {
	req := source.SubscribeRequest{Table: c.Table}
	if c.MultiTenant {
		req.Filter = "tenant_id=eq." + c.Tenant.ID
	}
	return req
}
