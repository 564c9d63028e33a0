package sheets

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"

	"keygate/internal/config"
	"keygate/internal/license"
)

type appendCall struct {
	method string
	path   string
	query  string
	body   struct {
		Values [][]interface{} `json:"values"`
	}
}

func newTestMirror(t *testing.T, status int) (*Mirror, *[]appendCall) {
	t.Helper()
	var calls []appendCall

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c := appendCall{method: r.Method, path: r.URL.Path, query: r.URL.RawQuery}
		_ = json.NewDecoder(r.Body).Decode(&c.body)
		calls = append(calls, c)

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if status == http.StatusOK {
			io.WriteString(w, `{"spreadsheetId":"sheet-1","updates":{"updatedRows":1}}`)
			return
		}
		io.WriteString(w, `{"error":{"code":403,"message":"denied"}}`)
	}))
	t.Cleanup(srv.Close)

	m, err := NewMirror(context.Background(),
		config.SheetsConfig{SpreadsheetID: "sheet-1", Range: "Keys!A:E", Timeout: time.Second},
		slog.New(slog.NewTextHandler(io.Discard, nil)),
		option.WithEndpoint(srv.URL+"/"),
		option.WithHTTPClient(srv.Client()),
	)
	require.NoError(t, err)
	return m, &calls
}

// =============================================================================
// Mirror
// =============================================================================

func TestMirror_AppendKey(t *testing.T) {
	m, calls := newTestMirror(t, http.StatusOK)

	rec := license.KeyRecord{
		Key:              "ECL-ABC-DEFG-booster",
		EntitlementClass: "booster",
		UsageLimit:       10,
		CreatedAt:        time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	require.NoError(t, m.AppendKey(context.Background(), rec))

	require.Len(t, *calls, 1)
	call := (*calls)[0]
	assert.Equal(t, http.MethodPost, call.method)
	assert.True(t, strings.HasSuffix(call.path, ":append"), call.path)
	assert.Contains(t, call.path, "sheet-1")
	assert.Contains(t, call.query, "valueInputOption=RAW")

	require.Len(t, call.body.Values, 1)
	assert.Equal(t, []interface{}{"ECL-ABC-DEFG-booster", "booster", float64(10), "2025-03-01T12:00:00Z", "issued"}, call.body.Values[0])
}

func TestMirror_AppendKeyUnlimited(t *testing.T) {
	m, calls := newTestMirror(t, http.StatusOK)

	rec := license.KeyRecord{Key: "ECL-ABC-DEFG-lifetime", EntitlementClass: "lifetime", UsageLimit: license.Unlimited}
	require.NoError(t, m.AppendKey(context.Background(), rec))
	assert.Equal(t, "unlimited", (*calls)[0].body.Values[0][2])
}

func TestMirror_AppendKeyError(t *testing.T) {
	m, _ := newTestMirror(t, http.StatusForbidden)

	err := m.AppendKey(context.Background(), license.KeyRecord{Key: "ECL-ABC-DEFG-booster"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to append key to sheet")
}

func TestNewMirror_RequiresSpreadsheetID(t *testing.T) {
	_, err := NewMirror(context.Background(), config.SheetsConfig{}, nil)
	assert.Error(t, err)
}
