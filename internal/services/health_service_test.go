package services

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keygate/internal/lookup"
)

type fixedCounter int

func (c fixedCounter) ClientCount() int { return int(c) }

func TestHealthService_HealthCheck(t *testing.T) {
	f := newFixture(t, nil)
	f.issue(t, "booster")

	tests := []struct {
		name       string
		configured bool
		wantStatus string
	}{
		{"all ready", true, "ok"},
		{"lookup not configured", false, "degraded"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hs := NewHealthService(HealthDeps{
				Version:          "1.0.0",
				StoreDriver:      "json",
				LookupConfigured: tt.configured,
				Keys:             f.svc,
				Classifier:       lookup.NewClassifier(lookup.NewStaticSet("1", "2"), nil, lookup.Counts{}),
				Clients:          fixedCounter(3),
				Logger:           discardLogger(),
			})

			status := hs.HealthCheck(context.Background())
			assert.Equal(t, tt.wantStatus, status.Status)
			assert.Equal(t, "1.0.0", status.Version)

			store, ok := status.Services["store"].(ServiceHealth)
			require.True(t, ok)
			details := store.Details.(map[string]interface{})
			assert.Equal(t, "json", details["driver"])
			assert.Equal(t, 1, details["keys"].(KeyStats).Total)

			flags := status.Services["flags"].(ServiceHealth)
			assert.Equal(t, map[string]int{"flagged": 2, "secondary": 0}, flags.Details)

			ws := status.Services["websocket"].(ServiceHealth)
			assert.Equal(t, map[string]int{"clients": 3}, ws.Details)
		})
	}
}

func TestHealthService_MissingDependencies(t *testing.T) {
	hs := NewHealthService(HealthDeps{LookupConfigured: true})
	status := hs.HealthCheck(context.Background())
	assert.Equal(t, "degraded", status.Status)
	assert.Equal(t, "not_ready", status.Services["store"].(ServiceHealth).Status)

	live := hs.LivenessCheck(context.Background())
	assert.Equal(t, "alive", live.Status)
	assert.Contains(t, live.Runtime, "goroutines")
	assert.Contains(t, hs.Version(), "go_version")
}
