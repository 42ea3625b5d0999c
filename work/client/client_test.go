package client

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kptv-relay/work/config"
)

func TestHeaderSettingClientStampsHeaders(t *testing.T) {
	headers := make(chan http.Header, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headers <- r.Header.Clone()
	}))
	defer srv.Close()

	cfg := config.Default()
	cfg.UserAgent = "relay-test"
	cfg.ReqOrigin = "https://player.example"
	cfg.ReqReferrer = "https://player.example/watch"

	hsc := NewHeaderSettingClient(cfg)
	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	require.NoError(t, err)
	resp, err := hsc.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	h := <-headers
	assert.Equal(t, "relay-test", h.Get("User-Agent"))
	assert.Equal(t, "https://player.example", h.Get("Origin"))
	assert.Equal(t, "https://player.example/watch", h.Get("Referer"))
	assert.Equal(t, "*/*", h.Get("Accept"))
	assert.Empty(t, req.Header.Get("User-Agent"), "the caller's request is not modified")
}

func TestCustomResponseWriter(t *testing.T) {
	rec := httptest.NewRecorder()
	crw := NewCustomResponseWriter(rec)

	_, err := crw.Write([]byte("ts"))
	require.NoError(t, err)
	crw.WriteHeader(http.StatusTeapot)
	crw.Flush()

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, http.StatusOK, crw.StatusCode())
	assert.Equal(t, "no-cache", rec.Header().Get("Cache-Control"))
	assert.True(t, rec.Flushed)
}
