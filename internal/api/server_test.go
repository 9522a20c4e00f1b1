package api

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixture_server(t *testing.T, opts Options) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(NewHandler(opts))
	t.Cleanup(server.Close)
	return server
}

func TestDataEndpoint(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 30, 0, 0, time.UTC)
	server := fixture_server(t, Options{now: func() time.Time { return now }})

	resp, err := http.Get(server.URL + "/api/data")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var body DataResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "success", body.Status)
	assert.Equal(t, "01.03.2024, 12:30:00", body.Timestamp)
	assert.Equal(t, 5, body.Data.Count)
	assert.Len(t, body.Data.Items, 5)
}

func TestHealthEndpoint(t *testing.T) {
	server := fixture_server(t, Options{Environment: "test"})

	resp, err := http.Get(server.URL + "/api/health")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	var body HealthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "OK", body.Status)
	assert.Equal(t, "test", body.Environment)
}

func TestUnknownAPIRouteIsJSONError(t *testing.T) {
	server := fixture_server(t, Options{})

	resp, err := http.Get(server.URL + "/api/nope")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	var body ErrorResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "error", body.Status)
}

func TestRecoverJSON(t *testing.T) {
	handler := recoverJSON(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/data", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"status":"error","message":"boom"}`, rec.Body.String())
}

func TestDelayOnlyAppliesToAPIGets(t *testing.T) {
	const minDelay = 50 * time.Millisecond
	handler := delay(minDelay, 60*time.Millisecond, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	start := time.Now()
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/data", nil))
	assert.GreaterOrEqual(t, time.Since(start), minDelay)

	start = time.Now()
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/index.html", nil))
	assert.Less(t, time.Since(start), minDelay)

	start = time.Now()
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/api/data", nil))
	assert.Less(t, time.Since(start), minDelay)
}

func TestStaticFilesAreServedWithoutRedirect(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.html"), []byte("<html></html>"), 0644))
	server := fixture_server(t, Options{StaticDir: dir})

	client := &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }}
	for _, path := range []string{"/", "/index.html"} {
		resp, err := client.Get(server.URL + path)
		require.NoError(t, err)
		body, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()

		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
		assert.Equal(t, "<html></html>", string(body), path)
	}
}
