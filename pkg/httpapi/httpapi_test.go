package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/webdunesurfer/lesocket/pkg/ipc"
)

type fakeProvider struct{}

func (fakeProvider) Status() ipc.Status { return ipc.Status{State: "connected", Transport: "tcp"} }
func (fakeProvider) Stats() ipc.Stats   { return ipc.Stats{Clients: 1, Elements: 5} }
func (fakeProvider) Clients() []string  { return []string{"sdc"} }
func (fakeProvider) Data() []string     { return []string{"1", "2"} }

func get(t *testing.T, h http.Handler, path string, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRoutes(t *testing.T) {
	h := New(Config{}, fakeProvider{}, nil, zap.NewNop()).Handler()

	rec := get(t, h, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	rec = get(t, h, "/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Status ipc.Status `json:"status"`
		Stats  ipc.Stats  `json:"stats"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "connected", body.Status.State)
	assert.Equal(t, 5, body.Stats.Elements)

	rec = get(t, h, "/clients", nil)
	assert.JSONEq(t, `["sdc"]`, rec.Body.String())

	rec = get(t, h, "/data", nil)
	assert.JSONEq(t, `["1","2"]`, rec.Body.String())

	rec = get(t, h, "/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// Without a WebSocket handler /ws does not exist.
	rec = get(t, h, "/ws", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestWebSocketRouteIsMounted(t *testing.T) {
	ws := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	h := New(Config{Rate: 1, Burst: 1}, fakeProvider{}, ws, zap.NewNop()).Handler()

	assert.Equal(t, http.StatusTeapot, get(t, h, "/ws", nil).Code)
	// The WebSocket endpoint is not rate limited.
	assert.Equal(t, http.StatusTeapot, get(t, h, "/ws", nil).Code)
}

func TestRateLimit(t *testing.T) {
	h := New(Config{Rate: 0.001, Burst: 2}, fakeProvider{}, nil, zap.NewNop()).Handler()

	assert.Equal(t, http.StatusOK, get(t, h, "/healthz", nil).Code)
	assert.Equal(t, http.StatusOK, get(t, h, "/healthz", nil).Code)
	assert.Equal(t, http.StatusTooManyRequests, get(t, h, "/healthz", nil).Code)
}

func TestCORS(t *testing.T) {
	h := New(Config{AllowedOrigins: []string{"http://dash.local"}}, fakeProvider{}, nil, zap.NewNop()).Handler()

	rec := get(t, h, "/status", http.Header{"Origin": {"http://dash.local"}})
	assert.Equal(t, "http://dash.local", rec.Header().Get("Access-Control-Allow-Origin"))

	rec = get(t, h, "/status", http.Header{"Origin": {"http://evil.local"}})
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestServe(t *testing.T) {
	s := New(Config{Addr: "127.0.0.1:0"}, fakeProvider{}, nil, zap.NewNop())
	require.NoError(t, s.Listen())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx) }()

	resp, err := http.Get("http://" + s.Addr().String() + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	assert.NoError(t, <-done)
}
