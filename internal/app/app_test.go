package app

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keygate/internal/config"
	"keygate/internal/license"
	"keygate/internal/lookup"
	customMiddleware "keygate/internal/middleware"
)

const adminToken = "operator-secret"

// createTestLogger creates a logger that discards output for testing
func createTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
}

// testConfig returns a configuration rooted in a temporary directory
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()

	cfg := config.Default()
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 0
	cfg.Paths.BaseDir = dir
	cfg.Paths.DataDir = filepath.Join(dir, "data")
	cfg.Paths.KeysFile = filepath.Join(dir, "data", "keys.json")
	cfg.Paths.WebDir = filepath.Join(dir, "public")
	cfg.Paths.LogsDir = filepath.Join(dir, "logs")
	cfg.Store.SQLitePath = filepath.Join(dir, "data", "keys.db")
	cfg.Lookup.BotToken = "test-token"
	cfg.Security.RateLimit.Enabled = false

	hash, err := customMiddleware.HashAdminToken(adminToken)
	require.NoError(t, err)
	cfg.Security.AdminTokenHash = hash
	return cfg
}

// countingGateway answers every lookup and counts upstream calls
type countingGateway struct {
	calls atomic.Int32
	fail  atomic.Bool
}

func (g *countingGateway) Lookup(ctx context.Context, subjectID string) (*lookup.Subject, error) {
	g.calls.Add(1)
	if g.fail.Load() {
		return nil, fmt.Errorf("upstream 503: %w", lookup.ErrTransient)
	}
	return &lookup.Subject{DisplayName: "user-" + subjectID, Discriminator: "0", RawID: subjectID}, nil
}

func newTestApp(t *testing.T, cfg *config.Config, gw lookup.Gateway) *Application {
	t.Helper()
	a, err := NewApplication(context.Background(), cfg, createTestLogger(), WithGateway(gw))
	require.NoError(t, err)
	t.Cleanup(func() { a.closeAll() })
	return a
}

func call(t *testing.T, srv *httptest.Server, method, path, body, token string) (int, map[string]interface{}) {
	t.Helper()
	req, err := http.NewRequest(method, srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	var decoded map[string]interface{}
	if len(raw) > 0 && strings.HasPrefix(resp.Header.Get("Content-Type"), "application/") &&
		strings.Contains(resp.Header.Get("Content-Type"), "json") {
		require.NoError(t, json.Unmarshal(raw, &decoded), string(raw))
	}
	return resp.StatusCode, decoded
}

// =============================================================================
// Wiring
// =============================================================================

func TestNewApplication(t *testing.T) {
	a := newTestApp(t, testConfig(t), &countingGateway{})

	assert.NotNil(t, a.Router)
	assert.NotNil(t, a.Server)
	assert.NotNil(t, a.Store)
	assert.NotNil(t, a.KeyService)
	assert.NotNil(t, a.HealthService)
	assert.NotNil(t, a.WebSocketHub)
	assert.Nil(t, a.RateLimiter)
	assert.Equal(t, "127.0.0.1:0", a.Server.Addr)

	_, err := os.Stat(a.Config.Paths.DataDir)
	assert.NoError(t, err)
}

func TestNewApplication_InvalidCatalog(t *testing.T) {
	cfg := testConfig(t)
	cfg.Entitlements.Limits = map[string]int{"booster": -5}

	_, err := NewApplication(context.Background(), cfg, createTestLogger(), WithGateway(&countingGateway{}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "entitlement catalog")
}

// =============================================================================
// End to end
// =============================================================================

func TestApplication_BoosterLifecycle(t *testing.T) {
	gw := &countingGateway{}
	a := newTestApp(t, testConfig(t), gw)
	srv := httptest.NewServer(a.Router)
	defer srv.Close()

	status, body := call(t, srv, http.MethodPost, "/api/generate-key", `{"duration":"booster"}`, "")
	require.Equal(t, http.StatusOK, status)
	key := body["key"].(string)
	require.NoError(t, license.ValidateFormat(key))

	status, body = call(t, srv, http.MethodPost, "/api/activate-key", `{"key":"`+key+`"}`, "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "booster", body["entitlement_class"])
	assert.Equal(t, float64(10), body["remaining"])

	scan := `{"subject_id":"1202310138388807743","key":"` + key + `"}`
	for want := 9; want >= 0; want-- {
		status, body = call(t, srv, http.MethodPost, "/api/scan", scan, "")
		require.Equal(t, http.StatusOK, status, body)
		assert.Equal(t, float64(want), body["remaining"])
		assert.Equal(t, true, body["flagged"])
		assert.Equal(t, float64(config.DefaultFlaggedCount), body["flagged_count"])
	}

	status, body = call(t, srv, http.MethodPost, "/api/scan", scan, "")
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, false, body["success"])
	assert.Equal(t, true, body["limit_reached"])
	assert.Equal(t, float64(0), body["remaining"])
	assert.Equal(t, int32(10), gw.calls.Load(), "rejected scan must not reach the gateway")

	// the persisted file reflects every committed unit
	data, err := os.ReadFile(a.Config.Paths.KeysFile)
	require.NoError(t, err)
	var records []license.KeyRecord
	require.NoError(t, json.Unmarshal(data, &records))
	require.Len(t, records, 1)
	assert.Equal(t, 10, records[0].UsageCount)
}

func TestApplication_LookupFailureKeepsQuota(t *testing.T) {
	gw := &countingGateway{}
	a := newTestApp(t, testConfig(t), gw)
	srv := httptest.NewServer(a.Router)
	defer srv.Close()

	_, body := call(t, srv, http.MethodPost, "/api/generate-key", `{"duration":"booster"}`, "")
	key := body["key"].(string)

	gw.fail.Store(true)
	status, body := call(t, srv, http.MethodPost, "/api/scan", `{"discordId":"42","apiKey":"`+key+`"}`, "")
	assert.Equal(t, http.StatusBadGateway, status)
	assert.Equal(t, license.ErrCodeLookupFailed, body["code"])

	_, body = call(t, srv, http.MethodPost, "/api/activate-key", `{"key":"`+key+`"}`, "")
	assert.Equal(t, float64(10), body["remaining"])
}

func TestApplication_UnknownKeyAndRoutes(t *testing.T) {
	a := newTestApp(t, testConfig(t), &countingGateway{})
	srv := httptest.NewServer(a.Router)
	defer srv.Close()

	tests := []struct {
		name       string
		method     string
		path       string
		body       string
		wantStatus int
		wantCode   string
	}{
		{"unknown key", http.MethodPost, "/api/activate-key", `{"key":"ECL-ABC-DEFG-booster"}`, http.StatusNotFound, license.ErrCodeInvalidKey},
		{"malformed key", http.MethodPost, "/api/scan", `{"subject_id":"1","key":"garbage"}`, http.StatusNotFound, license.ErrCodeInvalidKey},
		{"missing parameter", http.MethodPost, "/api/scan", `{"subject_id":"1"}`, http.StatusBadRequest, license.ErrCodeMissingParameter},
		{"unknown route", http.MethodGet, "/api/nothing-here", "", http.StatusNotFound, "NOT_FOUND"},
		{"wrong method", http.MethodGet, "/api/generate-key", "", http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := call(t, srv, tt.method, tt.path, tt.body, "")
			assert.Equal(t, tt.wantStatus, status)
			assert.Equal(t, tt.wantCode, body["code"])
			assert.Equal(t, false, body["success"])
		})
	}
}

func TestApplication_AdminRoutes(t *testing.T) {
	a := newTestApp(t, testConfig(t), &countingGateway{})
	srv := httptest.NewServer(a.Router)
	defer srv.Close()

	_, body := call(t, srv, http.MethodPost, "/api/generate-key", `{"duration":"lifetime"}`, "")
	key := body["key"].(string)

	tests := []struct {
		name       string
		token      string
		wantStatus int
	}{
		{"no token", "", http.StatusUnauthorized},
		{"wrong token", "nope", http.StatusForbidden},
		{"valid token", adminToken, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, _ := call(t, srv, http.MethodGet, "/api/admin/keys", "", tt.token)
			assert.Equal(t, tt.wantStatus, status)
		})
	}

	status, body := call(t, srv, http.MethodGet, "/api/admin/keys/"+key, "", adminToken)
	require.Equal(t, http.StatusOK, status)
	record := body["key"].(map[string]interface{})
	assert.Equal(t, key, record["key"])
	assert.Equal(t, true, record["unlimited"])

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/api/admin/keys/export?format=csv", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+adminToken)
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Disposition"), ".csv")
	csvBody, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(csvBody), key)
	assert.Contains(t, string(csvBody), "unlimited")
}

func TestApplication_AdminRoutesDisabledWithoutHash(t *testing.T) {
	cfg := testConfig(t)
	cfg.Security.AdminTokenHash = ""
	a := newTestApp(t, cfg, &countingGateway{})
	srv := httptest.NewServer(a.Router)
	defer srv.Close()

	status, _ := call(t, srv, http.MethodGet, "/api/admin/keys", "", adminToken)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestApplication_HealthAndMetrics(t *testing.T) {
	a := newTestApp(t, testConfig(t), &countingGateway{})
	srv := httptest.NewServer(a.Router)
	defer srv.Close()

	status, body := call(t, srv, http.MethodGet, config.HealthEndpoint, "", "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok", body["status"])

	resp, err := srv.Client().Get(srv.URL + config.MetricsEndpoint)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestApplication_StaticFiles(t *testing.T) {
	cfg := testConfig(t)
	require.NoError(t, os.MkdirAll(cfg.Paths.WebDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(cfg.Paths.WebDir, "index.html"), []byte("<html>keygate</html>"), 0o644))

	a := newTestApp(t, cfg, &countingGateway{})
	srv := httptest.NewServer(a.Router)
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL + "/")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	page, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(page), "keygate")
}

// =============================================================================
// Persistence
// =============================================================================

func TestApplication_SQLiteRestart(t *testing.T) {
	cfg := testConfig(t)
	cfg.Store.Driver = config.StoreDriverSQLite

	first := newTestApp(t, cfg, &countingGateway{})
	srv := httptest.NewServer(first.Router)
	_, body := call(t, srv, http.MethodPost, "/api/generate-key", `{"duration":"booster"}`, "")
	key := body["key"].(string)
	status, _ := call(t, srv, http.MethodPost, "/api/scan", `{"subject_id":"7","key":"`+key+`"}`, "")
	require.Equal(t, http.StatusOK, status)
	srv.Close()
	first.closeAll()

	second := newTestApp(t, cfg, &countingGateway{})
	srv = httptest.NewServer(second.Router)
	defer srv.Close()

	status, body = call(t, srv, http.MethodPost, "/api/activate-key", `{"key":"`+key+`"}`, "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(9), body["remaining"])
}

func TestApplication_FlagsFile(t *testing.T) {
	cfg := testConfig(t)
	cfg.Paths.FlagsFile = filepath.Join(cfg.Paths.BaseDir, "flags.yaml")
	require.NoError(t, os.WriteFile(cfg.Paths.FlagsFile, []byte("flagged:\n  - \"555\"\nsecondary:\n  - \"777\"\n"), 0o644))

	a := newTestApp(t, cfg, &countingGateway{})
	assert.True(t, a.Classifier.Classify("555").Flagged)
	assert.False(t, a.Classifier.Classify("1202310138388807743").Flagged)

	require.NoError(t, os.WriteFile(cfg.Paths.FlagsFile, []byte("flagged:\n  - \"999\"\n"), 0o644))
	srv := httptest.NewServer(a.Router)
	defer srv.Close()

	status, _ := call(t, srv, http.MethodPost, "/api/admin/flags/reload", "", adminToken)
	require.Equal(t, http.StatusOK, status)
	assert.True(t, a.Classifier.Classify("999").Flagged)
	assert.False(t, a.Classifier.Classify("777").SecondaryFlagged)
}

// =============================================================================
// Lifecycle
// =============================================================================

func TestApplication_RunStopsOnCancel(t *testing.T) {
	cfg := testConfig(t)
	cfg.Security.RateLimit.Enabled = true
	a := newTestApp(t, cfg, &countingGateway{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestApplication_ContentTypeRejected(t *testing.T) {
	a := newTestApp(t, testConfig(t), &countingGateway{})
	srv := httptest.NewServer(a.Router)
	defer srv.Close()

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/api/generate-key", bytes.NewBufferString("duration=booster"))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnsupportedMediaType, resp.StatusCode)
}
