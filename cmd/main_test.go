package main

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConfigJSEscapesValues(t *testing.T) {
	rr := httptest.NewRecorder()
	configJS("/api", "x';alert(1);//</script>").ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/config.js", nil))

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "application/javascript; charset=utf-8", rr.Header().Get("content-type"))
	body := rr.Body.String()
	assert.Contains(t, body, `window.__API_BASE__="/api"`)
	assert.Contains(t, body, `window.__TENANT__="x';alert(1);//\u003c/script\u003e"`)
	assert.False(t, strings.Contains(body, "</script>"))
}
