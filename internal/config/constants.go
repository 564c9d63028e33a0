package config

import "time"

// Application constants
const (
	AppName    = "keygate"
	AppVersion = "1.0.0"

	// EnvPrefix namespaces every environment variable, e.g. KEYGATE_SERVER_PORT.
	EnvPrefix = "KEYGATE"

	DefaultPort           = 3000
	DefaultRequestTimeout = 30 * time.Second

	// Store drivers
	StoreDriverJSON   = "json"
	StoreDriverSQLite = "sqlite"

	// File Paths (relative to the base directory)
	DefaultDataDir    = "data"
	DefaultKeysFile   = "keys.json"
	DefaultSQLiteFile = "keys.db"
	DefaultWebDir     = "public"
	DefaultLogsDir    = "logs"

	// Lookup
	DefaultLookupBaseURL = "https://discord.com/api/v10"
	DefaultLookupTimeout = 10 * time.Second
	DefaultLookupRPS     = 5
	DefaultLookupBurst   = 5

	// Reported counts for flagged subjects
	DefaultFlaggedCount   = 12
	DefaultSecondaryCount = 1

	// Key generation retries when a fresh key collides with an existing one
	GenerateMaxAttempts = 5

	// Log Settings
	DefaultLogLevel  = "info"
	DefaultLogFormat = "json"

	// API Endpoints
	HealthEndpoint    = "/api/health"
	MetricsEndpoint   = "/metrics"
	WebSocketEndpoint = "/ws/events"
)

// Default membership sets.
var (
	DefaultFlaggedIDs   = []string{"1202310138388807743", "1052296368061960252"}
	DefaultSecondaryIDs = []string{"80351110224678912"}
)
