package middleware

import (
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"

	"outage-map/internal/logger"
)

// 文档注释：来源地址白名单（单 IP + CIDR）
// 背景：/metrics 与运维接口只对内网采集器开放，公共地图接口不受影响。
// 约束：列表为空表示不启用；真实来源默认取 RemoteAddr，设置 RealIPHeader 后取该头的首个有效 IP。
type Allowlist struct {
	ips          map[string]struct{}
	cidrs        []*net.IPNet
	RealIPHeader string
	Log          *slog.Logger
}

// ParseAllowlist：逗号分隔，元素可为 IP 或 CIDR（v4/v6）；无法解析的元素被忽略并返回
func ParseAllowlist(list string) (*Allowlist, []string) {
	a := &Allowlist{ips: map[string]struct{}{}}
	var bad []string
	for _, p := range strings.Split(list, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if strings.Contains(p, "/") {
			if _, n, err := net.ParseCIDR(p); err == nil {
				a.cidrs = append(a.cidrs, n)
				continue
			}
		} else if ip := net.ParseIP(p); ip != nil {
			a.ips[ip.String()] = struct{}{}
			continue
		}
		bad = append(bad, p)
	}
	return a, bad
}

// AllowlistFromEnv：<prefix>_ALLOW 为名单，<prefix>_REAL_IP_HEADER 为真实来源头，<prefix>_ALLOW_LOCAL=true 放行回环地址
func AllowlistFromEnv(prefix string, l *slog.Logger) *Allowlist {
	list := os.Getenv(prefix + "_ALLOW")
	if os.Getenv(prefix+"_ALLOW_LOCAL") == "true" {
		list += ",127.0.0.1,::1"
	}
	a, bad := ParseAllowlist(list)
	a.RealIPHeader = strings.TrimSpace(os.Getenv(prefix + "_REAL_IP_HEADER"))
	a.Log = logger.Or(l)
	if len(bad) > 0 {
		a.Log.Warn("allowlist_bad_entries", "prefix", prefix, "entries", bad)
	}
	return a
}

func (a *Allowlist) Empty() bool { return len(a.ips) == 0 && len(a.cidrs) == 0 }

func (a *Allowlist) Allowed(ip net.IP) bool {
	if ip == nil {
		return false
	}
	if _, ok := a.ips[ip.String()]; ok {
		return true
	}
	for _, n := range a.cidrs {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

func (a *Allowlist) remoteIP(r *http.Request) net.IP {
	if a.RealIPHeader != "" {
		if raw := r.Header.Get(a.RealIPHeader); raw != "" {
			if ip := net.ParseIP(strings.TrimSpace(strings.Split(raw, ",")[0])); ip != nil {
				return ip
			}
		}
	}
	host := r.RemoteAddr
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	return net.ParseIP(host)
}

// Wrap：名单为空时原样返回 next
func (a *Allowlist) Wrap(next http.Handler) http.Handler {
	if a.Empty() {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := a.remoteIP(r)
		if !a.Allowed(ip) {
			logger.Or(a.Log).Debug("allowlist_block", "ip", ip.String(), "path", r.URL.Path)
			w.Header().Set("content-type", "application/json; charset=utf-8")
			w.WriteHeader(http.StatusForbidden)
			_, _ = w.Write([]byte(`{"error":"forbidden"}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}
