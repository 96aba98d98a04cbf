// 程序入口：仅负责读取配置、初始化依赖并启动服务；API 注册在 internal/api 以便扩展
package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"outage-map/internal/api"
	"outage-map/internal/logger"
	"outage-map/internal/metrics"
	"outage-map/internal/middleware"
	"outage-map/internal/publish"
	"outage-map/internal/session"
	"outage-map/internal/tenant"
	"outage-map/internal/utils"
)

// configJS：值以 JSON 字面量写出，租户来自主机名或环境变量，不可信
func configJS(apiBase, tenantID string) http.Handler {
	lit := func(v string) string {
		b, _ := json.Marshal(v)
		return string(b)
	}
	body := []byte("window.__API_BASE__=" + lit(apiBase) + "\nwindow.__TENANT__=" + lit(tenantID) + "\n")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("content-type", "application/javascript; charset=utf-8")
		w.Header().Set("cache-control", "no-store")
		_, _ = w.Write(body)
	})
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func main() {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(filepath.Join("data", "env", ".env"))
	l := logger.Setup()
	l.Debug("log_init_ok")

	apiBase := envOr("API_BASE", "/api")
	cfgDir := envOr("TENANT_CONFIG_DIR", filepath.Join("data", "tenants"))
	tenantID := os.Getenv("TENANT_ID")
	if tenantID == "" {
		host, _ := os.Hostname()
		tenantID = tenant.Detect(envOr("TENANT_HOST", host))
	}
	l.Debug("config_paths", "api_base", apiBase, "tenant_dir", cfgDir, "tenant", tenantID)

	cfg, err := tenant.Load(cfgDir, tenantID)
	if err != nil {
		l.Error("tenant_config_error", "tenant", tenantID, "err", err)
		os.Exit(1)
	}
	if err := tenant.Validate(cfg, time.Now()); err != nil {
		// 校验失败不阻断启动：缺少数据源时仍以演示数据运行
		l.Warn("tenant_config_invalid", "tenant", cfg.Tenant.ID, "err", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hub := publish.NewHub(cfg.Tenant.ID)
	if rc := utils.OpenRedisFromEnv(); rc == nil {
		l.Info("redis_disabled")
	} else if err := rc.Ping(ctx).Err(); err != nil {
		l.Error("redis_ping_error", "err", err)
		_ = rc.Close()
	} else {
		l.Info("redis_ping_ok")
		defer rc.Close()
		sink := &publish.RedisSink{RC: rc, Tenant: cfg.Tenant.ID, TTL: 2 * cfg.RefreshInterval(), Log: l}
		go sink.Run(ctx, hub)
	}

	sess, err := session.Start(ctx, cfg, publish.Fanout{hub, publish.LogRenderer{Log: l}}, l)
	if err != nil {
		l.Error("session_start_error", "err", err)
		os.Exit(1)
	}

	mux := http.NewServeMux()
	apiMux := api.BuildRoutes(hub, sess.Controller, cfg, l)
	mux.Handle(apiBase+"/", http.StripPrefix(apiBase, apiMux))
	mux.Handle(apiBase+"/metrics", middleware.AllowlistFromEnv("METRICS", l).Wrap(metrics.Handler()))
	if ui := envOr("UI_DIST", filepath.Join("ui", "dist")); ui != "" {
		mux.Handle("/", http.FileServer(http.Dir(ui)))
	}
	// 向前端暴露 API 基础路径与租户，避免硬编码
	mux.Handle("/config.js", configJS(apiBase, cfg.Tenant.ID))

	handler := logger.AccessMiddleware(l)(mux)
	handler = middleware.Wrap(handler)
	addr := envOr("ADDR", ":8080")
	s := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}

	errc := make(chan error, 1)
	go func() {
		if os.Getenv("TLS_ENABLE") == "true" {
			certPath := envOr("TLS_CERT_PATH", filepath.Join("data", "certs", "server.crt"))
			keyPath := envOr("TLS_KEY_PATH", filepath.Join("data", "certs", "server.key"))
			if err := utils.EnsureSelfSignedCert(certPath, keyPath, cfg.Tenant.Domain); err != nil {
				errc <- err
				return
			}
			l.Info("listening_tls", "addr", addr, "cert", certPath)
			errc <- s.ListenAndServeTLS(certPath, keyPath)
			return
		}
		l.Info("listening", "addr", addr)
		errc <- s.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		l.Info("shutdown_signal")
	case err := <-errc:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.Error("listen_error", "err", err)
		}
	}
	shCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = s.Shutdown(shCtx)
	if err := sess.Stop(); err != nil {
		l.Error("session_stop_error", "err", err)
	}
	l.Info("shutdown_done")
}
