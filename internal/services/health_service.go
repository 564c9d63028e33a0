package services

import (
	"context"
	"log/slog"
	"runtime"
	"time"

	"keygate/internal/lookup"
)

// ClientCounter reports connected event feed clients
type ClientCounter interface {
	ClientCount() int
}

// HealthService provides health check functionality
type HealthService struct {
	version          string
	storeDriver      string
	lookupConfigured bool
	keys             KeyService
	classifier       *lookup.Classifier
	clients          ClientCounter
	startTime        time.Time
	logger           *slog.Logger
}

// HealthDeps holds what the health report inspects. Classifier and Clients
// may be nil.
type HealthDeps struct {
	Version          string
	StoreDriver      string
	LookupConfigured bool
	Keys             KeyService
	Classifier       *lookup.Classifier
	Clients          ClientCounter
	Logger           *slog.Logger
}

// HealthStatus represents the health status response
type HealthStatus struct {
	Status    string                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Version   string                 `json:"version"`
	Runtime   map[string]interface{} `json:"runtime,omitempty"`
	Services  map[string]interface{} `json:"services,omitempty"`
}

// ServiceHealth represents individual service health
type ServiceHealth struct {
	Status  string      `json:"status"`
	Message string      `json:"message,omitempty"`
	Details interface{} `json:"details,omitempty"`
}

// NewHealthService creates a new health service
func NewHealthService(deps HealthDeps) *HealthService {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &HealthService{
		version:          deps.Version,
		storeDriver:      deps.StoreDriver,
		lookupConfigured: deps.LookupConfigured,
		keys:             deps.Keys,
		classifier:       deps.Classifier,
		clients:          deps.Clients,
		startTime:        time.Now(),
		logger:           logger.With(slog.String("service", "health")),
	}
}

// HealthCheck reports each component. Overall status is "degraded" when the
// lookup gateway has no credentials, since scans cannot succeed.
func (hs *HealthService) HealthCheck(ctx context.Context) HealthStatus {
	status := HealthStatus{
		Status:    "ok",
		Timestamp: time.Now().UTC(),
		Version:   hs.version,
		Services:  make(map[string]interface{}),
	}

	status.Services["store"] = hs.checkStore(ctx)
	status.Services["lookup"] = hs.checkLookup()
	status.Services["flags"] = hs.checkFlags()
	status.Services["websocket"] = hs.checkWebSocket()

	for _, service := range status.Services {
		if sh, ok := service.(ServiceHealth); ok && sh.Status != "ready" {
			status.Status = "degraded"
			break
		}
	}

	hs.logger.DebugContext(ctx, "health check completed",
		slog.String("status", status.Status))
	return status
}

// LivenessCheck returns liveness status
func (hs *HealthService) LivenessCheck(ctx context.Context) HealthStatus {
	return HealthStatus{
		Status:    "alive",
		Timestamp: time.Now().UTC(),
		Version:   hs.version,
		Runtime: map[string]interface{}{
			"uptime":     time.Since(hs.startTime).Seconds(),
			"go_version": runtime.Version(),
			"goroutines": runtime.NumGoroutine(),
		},
	}
}

// Version returns version information
func (hs *HealthService) Version() map[string]interface{} {
	return map[string]interface{}{
		"version":    hs.version,
		"go_version": runtime.Version(),
		"os":         runtime.GOOS,
		"arch":       runtime.GOARCH,
		"uptime":     time.Since(hs.startTime).Seconds(),
		"start_time": hs.startTime.Format(time.RFC3339),
	}
}

func (hs *HealthService) checkStore(ctx context.Context) ServiceHealth {
	if hs.keys == nil {
		return ServiceHealth{Status: "not_ready", Message: "key service not initialized"}
	}
	return ServiceHealth{
		Status: "ready",
		Details: map[string]interface{}{
			"driver": hs.storeDriver,
			"keys":   hs.keys.Stats(ctx),
		},
	}
}

func (hs *HealthService) checkLookup() ServiceHealth {
	if !hs.lookupConfigured {
		return ServiceHealth{Status: "not_configured", Message: "lookup bot token is not set"}
	}
	return ServiceHealth{Status: "ready"}
}

func (hs *HealthService) checkFlags() ServiceHealth {
	if hs.classifier == nil {
		return ServiceHealth{Status: "ready", Message: "no flag sets loaded"}
	}
	flagged, secondary := hs.classifier.Sizes()
	return ServiceHealth{
		Status: "ready",
		Details: map[string]int{
			"flagged":   flagged,
			"secondary": secondary,
		},
	}
}

func (hs *HealthService) checkWebSocket() ServiceHealth {
	if hs.clients == nil {
		return ServiceHealth{Status: "ready", Message: "event feed disabled"}
	}
	return ServiceHealth{
		Status:  "ready",
		Details: map[string]int{"clients": hs.clients.ClientCount()},
	}
}
