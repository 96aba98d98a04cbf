package middleware

import (
	"net"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseAllowlist(t *testing.T) {
	a, bad := ParseAllowlist(" 10.0.0.0/8, 192.168.1.7 ,fd00::/8,nope,300.1.1.1,")
	assert.Equal(t, []string{"nope", "300.1.1.1"}, bad)
	assert.True(t, a.Allowed(net.ParseIP("10.2.3.4")))
	assert.True(t, a.Allowed(net.ParseIP("192.168.1.7")))
	assert.True(t, a.Allowed(net.ParseIP("fd00::1")))
	assert.False(t, a.Allowed(net.ParseIP("192.168.1.8")))
	assert.False(t, a.Allowed(nil))

	empty, _ := ParseAllowlist("")
	assert.True(t, empty.Empty())
}

func TestAllowlistWrap(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) })
	a, _ := ParseAllowlist("10.0.0.0/8")
	h := a.Wrap(ok)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	req.RemoteAddr = "10.1.1.1:5000"
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusNoContent, rr.Code)

	req.RemoteAddr = "8.8.8.8:5000"
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusForbidden, rr.Code)

	a.RealIPHeader = "X-Forwarded-For"
	req.Header.Set("X-Forwarded-For", "10.9.9.9, 8.8.8.8")
	rr = httptest.NewRecorder()
	a.Wrap(ok).ServeHTTP(rr, req)
	assert.Equal(t, http.StatusNoContent, rr.Code)

	empty, _ := ParseAllowlist("")
	rr = httptest.NewRecorder()
	req.Header.Del("X-Forwarded-For")
	empty.Wrap(ok).ServeHTTP(rr, req)
	assert.Equal(t, http.StatusNoContent, rr.Code)
}

func TestAllowlistFromEnv(t *testing.T) {
	t.Setenv("METRICS_ALLOW", "")
	t.Setenv("METRICS_ALLOW_LOCAL", "true")
	t.Setenv("METRICS_REAL_IP_HEADER", "")
	a := AllowlistFromEnv("METRICS", nil)
	assert.True(t, a.Allowed(net.ParseIP("127.0.0.1")))
	assert.True(t, a.Allowed(net.ParseIP("::1")))
	assert.False(t, a.Allowed(net.ParseIP("10.0.0.1")))
}
