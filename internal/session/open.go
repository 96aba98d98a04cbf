// 包 session：按租户配置装配数据源并启动同步会话，服务入口与 CLI 共用
package session

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"outage-map/internal/livesync"
	"outage-map/internal/logger"
	"outage-map/internal/source"
	"outage-map/internal/source/pgsource"
	"outage-map/internal/source/postgrest"
	"outage-map/internal/source/realtime"
	"outage-map/internal/tenant"
	"outage-map/internal/utils"
)

// Sources：Fetcher/Feed 可能为空（未配置或关闭实时推送）
type Sources struct {
	Fetcher source.Fetcher
	Feed    source.Feed
	close   func() error
}

func (s Sources) Close() error {
	if s.close == nil {
		return nil
	}
	return s.close()
}

// HTTPTimeout：PostgREST 单页请求超时
var HTTPTimeout = 30 * time.Second

// OpenSources：按 Kind 构造数据源
// 约束：未配置返回 source.ErrNotConfigured；Postgres 连接失败同样包装为 ErrNotConfigured，调用方回退到演示数据
func OpenSources(ctx context.Context, cfg *tenant.Config, l *slog.Logger) (Sources, error) {
	log := logger.Or(l).With("tenant", cfg.Tenant.ID)
	if !cfg.Configured() {
		return Sources{}, source.ErrNotConfigured
	}
	switch cfg.Source.Kind {
	case tenant.KindSupabase:
		s := Sources{Fetcher: postgrest.New(cfg.Source.Supabase.URL, cfg.Source.Supabase.AnonKey, &http.Client{Timeout: HTTPTimeout})}
		if cfg.RealtimeEnabled() {
			rt := realtime.New(cfg.Source.Supabase.URL, cfg.Source.Supabase.AnonKey)
			rt.JoinTimeout = cfg.SubscribeTimeout()
			rt.Log = log
			s.Feed = rt
		}
		log.Info("source_supabase", "url", cfg.Source.Supabase.URL, "realtime", s.Feed != nil)
		return s, nil
	case tenant.KindPostgres:
		db, err := utils.OpenPostgres(ctx, cfg.Source.Postgres.DSN)
		if err != nil {
			return Sources{}, fmt.Errorf("%w: postgres: %v", source.ErrNotConfigured, err)
		}
		s := Sources{Fetcher: pgsource.AttachDB(db), close: db.Close}
		if cfg.RealtimeEnabled() {
			f := pgsource.NewFeed(cfg.Source.Postgres.DSN, cfg.Source.Postgres.NotifyChannel)
			f.ConnectTimeout = cfg.SubscribeTimeout()
			f.Log = log
			s.Feed = f
		}
		log.Info("source_postgres", "channel", cfg.Source.Postgres.NotifyChannel, "realtime", s.Feed != nil)
		return s, nil
	}
	return Sources{}, fmt.Errorf("%w: unknown source kind %q", source.ErrNotConfigured, cfg.Source.Kind)
}

// Session：一个租户会话（数据源 + 控制器）
type Session struct {
	Config     *tenant.Config
	Controller *livesync.Controller
	sources    Sources
}

// Start：装配数据源并启动控制器；数据源不可用时以未配置状态启动（演示数据 + 轮询）
func Start(ctx context.Context, cfg *tenant.Config, r livesync.Renderer, l *slog.Logger) (*Session, error) {
	log := logger.Or(l)
	src, err := OpenSources(ctx, cfg, log)
	if err != nil {
		log.Warn("source_unavailable", "tenant", cfg.Tenant.ID, "err", err)
		src = Sources{}
	}
	c := livesync.New(livesync.Options{
		Config:   cfg,
		Fetcher:  src.Fetcher,
		Feed:     src.Feed,
		Renderer: r,
		Log:      log,
	})
	if err := c.Start(ctx); err != nil {
		_ = src.Close()
		return nil, err
	}
	return &Session{Config: cfg, Controller: c, sources: src}, nil
}

// Stop：先停控制器（取消订阅与定时器），再关闭连接池
func (s *Session) Stop() error {
	if err := s.Controller.Stop(); err != nil {
		return err
	}
	return s.sources.Close()
}
