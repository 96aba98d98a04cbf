package tenant

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// KeyClaims：匿名密钥中与部署安全相关的声明
type KeyClaims struct {
	Role      string
	Ref       string
	ExpiresAt time.Time
}

// InspectAnonKey：不校验签名地解析 Supabase 密钥
// 背景：客户端只持有匿名密钥，签名密钥在服务端；这里只检查角色与过期时间
func InspectAnonKey(key string) (*KeyClaims, error) {
	token, _, err := jwt.NewParser().ParseUnverified(key, jwt.MapClaims{})
	if err != nil {
		return nil, fmt.Errorf("anon key is not a jwt: %w", err)
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, errors.New("anon key has no claims")
	}
	kc := &KeyClaims{}
	if v, ok := claims["role"].(string); ok {
		kc.Role = v
	}
	if v, ok := claims["ref"].(string); ok {
		kc.Ref = v
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		kc.ExpiresAt = exp.Time
	}
	return kc, nil
}

// Validate：汇总全部问题一次返回（errors.Join），无问题时返回 nil
func Validate(c *Config, now time.Time) error {
	var errs []error
	req := func(v, field string) {
		if v == "" {
			errs = append(errs, fmt.Errorf("missing required field: %s", field))
		}
	}
	req(c.Tenant.ID, "tenant.id")
	req(c.Table, "table")
	req(c.Columns.Latitude, "columns.latitude")
	req(c.Columns.Longitude, "columns.longitude")
	req(c.Columns.Status, "columns.status")
	req(c.Filters.StatusField, "filters.statusField")
	req(c.Filters.ActiveValue, "filters.activeValue")
	if c.RefreshIntervalMs <= 0 {
		errs = append(errs, fmt.Errorf("refreshIntervalMs must be positive, got %d", c.RefreshIntervalMs))
	}
	if c.SubscribeTimeoutMs <= 0 {
		errs = append(errs, fmt.Errorf("subscribeTimeoutMs must be positive, got %d", c.SubscribeTimeoutMs))
	}
	if lng, lat := c.Map.Center[0], c.Map.Center[1]; lng < -180 || lng > 180 || lat < -90 || lat > 90 {
		errs = append(errs, fmt.Errorf("map.center out of range: [%g, %g]", lng, lat))
	}
	switch c.Source.Kind {
	case "":
		if !c.DemoEnabled() {
			errs = append(errs, errors.New("no data source configured and demoFallback disabled"))
		}
	case KindSupabase:
		req(c.Source.Supabase.URL, "source.supabase.url")
		req(c.Source.Supabase.AnonKey, "source.supabase.anonKey")
		if c.Source.Supabase.URL != "" {
			if u, err := url.Parse(c.Source.Supabase.URL); err != nil || u.Scheme == "" || u.Host == "" {
				errs = append(errs, fmt.Errorf("source.supabase.url is not an absolute url: %q", c.Source.Supabase.URL))
			}
		}
		if c.Source.Supabase.AnonKey != "" {
			kc, err := InspectAnonKey(c.Source.Supabase.AnonKey)
			switch {
			case err != nil:
				errs = append(errs, err)
			case kc.Role == "service_role":
				errs = append(errs, errors.New("source.supabase.anonKey is a service_role key"))
			case !kc.ExpiresAt.IsZero() && kc.ExpiresAt.Before(now):
				errs = append(errs, fmt.Errorf("source.supabase.anonKey expired at %s", kc.ExpiresAt.Format(time.RFC3339)))
			}
		}
	case KindPostgres:
		req(c.Source.Postgres.DSN, "source.postgres.dsn")
		req(c.Source.Postgres.NotifyChannel, "source.postgres.notifyChannel")
	default:
		errs = append(errs, fmt.Errorf("unknown source.kind %q", c.Source.Kind))
	}
	return errors.Join(errs...)
}
