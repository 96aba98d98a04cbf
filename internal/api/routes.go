// 包 api：集中注册 HTTP API 路由以解耦主入口，便于后续扩展与替换
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"outage-map/internal/livesync"
	"outage-map/internal/logger"
	"outage-map/internal/publish"
	"outage-map/internal/source"
	"outage-map/internal/tenant"
)

// Session：路由需要的会话能力，由 livesync.Controller 实现
type Session interface {
	Status() livesync.Status
	Stats(ctx context.Context) (int64, error)
}

// publicTenant：对外可见的租户信息，不含数据源凭据
type publicTenant struct {
	ID     string     `json:"id"`
	Name   string     `json:"name"`
	Center [2]float64 `json:"center"`
	Zoom   float64    `json:"zoom"`
}

type statusResponse struct {
	livesync.Status
	Version string       `json:"version"`
	Info    publicTenant `json:"tenantInfo"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json; charset=utf-8")
	w.Header().Set("cache-control", "no-store")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// etagMatches：If-None-Match 可带多个值或 *
func etagMatches(header, etag string) bool {
	if header == "" {
		return false
	}
	for _, v := range strings.Split(header, ",") {
		v = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(v), "W/"))
		if v == "*" || v == etag {
			return true
		}
	}
	return false
}

// BuildRoutes：独立 ServeMux 便于在主入口挂载到 API 前缀
func BuildRoutes(hub *publish.Hub, sess Session, cfg *tenant.Config, l *slog.Logger) *http.ServeMux {
	log := logger.Or(l)
	pt := publicTenant{ID: cfg.Tenant.ID, Name: cfg.Tenant.Name, Center: cfg.Map.Center, Zoom: cfg.Map.Zoom}
	mux := http.NewServeMux()

	mux.HandleFunc("/features", func(w http.ResponseWriter, r *http.Request) {
		snap, _ := hub.Latest()
		etag := `"` + snap.Version + `"`
		if snap.Version != "" {
			w.Header().Set("etag", etag)
			if etagMatches(r.Header.Get("if-none-match"), etag) {
				w.WriteHeader(http.StatusNotModified)
				return
			}
		}
		w.Header().Set("x-sync-state", string(snap.State))
		writeJSON(w, http.StatusOK, publish.GeoJSON(snap.Features))
	})

	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		snap, _ := hub.Latest()
		writeJSON(w, http.StatusOK, statusResponse{Status: sess.Status(), Version: snap.Version, Info: pt})
	})

	mux.HandleFunc("/tenant", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, pt)
	})

	mux.HandleFunc("/stats", func(w http.ResponseWriter, r *http.Request) {
		st := sess.Status()
		n, err := sess.Stats(r.Context())
		if err != nil {
			if errors.Is(err, source.ErrNotConfigured) {
				writeError(w, http.StatusServiceUnavailable, err.Error())
				return
			}
			log.Warn("stats_error", "tenant", cfg.Tenant.ID, "err", err)
			writeError(w, http.StatusBadGateway, "stats query failed")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"active": n, "displayed": st.Count, "state": st.State})
	})

	mux.HandleFunc("/export", func(w http.ResponseWriter, r *http.Request) {
		snap, _ := hub.Latest()
		format := strings.ToLower(r.URL.Query().Get("format"))
		switch format {
		case "", "json":
			w.Header().Set("content-type", "application/json; charset=utf-8")
			w.Header().Set("content-disposition", `attachment; filename="outages-`+cfg.Tenant.ID+`.json"`)
			_ = publish.WriteJSON(w, snap.Features)
		case "csv":
			w.Header().Set("content-type", "text/csv; charset=utf-8")
			w.Header().Set("content-disposition", `attachment; filename="outages-`+cfg.Tenant.ID+`.csv"`)
			_ = publish.WriteCSV(w, snap.Features)
		default:
			writeError(w, http.StatusBadRequest, "format must be json or csv")
		}
	})

	mux.Handle("/ws", &Stream{Hub: hub, Log: log})
	return mux
}
