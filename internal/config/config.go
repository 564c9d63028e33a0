package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v2"
)

// Config represents the complete application configuration
type Config struct {
	Server       ServerConfig       `yaml:"server" envconfig:"SERVER"`
	Security     SecurityConfig     `yaml:"security" envconfig:"SECURITY"`
	Logging      LoggingConfig      `yaml:"logging" envconfig:"LOGGING"`
	Paths        PathsConfig        `yaml:"paths" envconfig:"PATHS"`
	Store        StoreConfig        `yaml:"store" envconfig:"STORE"`
	Lookup       LookupConfig       `yaml:"lookup" envconfig:"LOOKUP"`
	Flags        FlagsConfig        `yaml:"flags" envconfig:"FLAGS"`
	Entitlements EntitlementsConfig `yaml:"entitlements" envconfig:"ENTITLEMENTS"`
	Telemetry    TelemetryConfig    `yaml:"telemetry" envconfig:"TELEMETRY"`
	Sheets       SheetsConfig       `yaml:"sheets" envconfig:"SHEETS"`
	WebSocket    WebSocketConfig    `yaml:"websocket" envconfig:"WEBSOCKET"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Host            string        `yaml:"host" envconfig:"LISTEN_HOST"`
	Port            int           `yaml:"port" envconfig:"PORT"`
	ReadTimeout     time.Duration `yaml:"read_timeout" envconfig:"READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" envconfig:"WRITE_TIMEOUT"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" envconfig:"IDLE_TIMEOUT"`
	MaxHeaderBytes  int           `yaml:"max_header_bytes" envconfig:"MAX_HEADER_BYTES"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" envconfig:"SHUTDOWN_TIMEOUT"`
	RequestTimeout  time.Duration `yaml:"request_timeout" envconfig:"REQUEST_TIMEOUT"`
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// SecurityConfig contains security-related configuration
type SecurityConfig struct {
	AllowedOrigins []string        `yaml:"allowed_origins" envconfig:"ALLOWED_ORIGINS"`
	EnableCORS     bool            `yaml:"enable_cors" envconfig:"ENABLE_CORS"`
	RateLimit      RateLimitConfig `yaml:"rate_limit" envconfig:"RATE_LIMIT"`
	// AdminTokenHash is a bcrypt hash of the admin bearer token. Admin routes
	// are not mounted when it is empty.
	AdminTokenHash string `yaml:"admin_token_hash" envconfig:"ADMIN_TOKEN_HASH"`
}

// RateLimitConfig contains rate limiting configuration
type RateLimitConfig struct {
	Enabled bool    `yaml:"enabled" envconfig:"ENABLED"`
	RPS     float64 `yaml:"rps" envconfig:"RPS"`
	Burst   int     `yaml:"burst" envconfig:"BURST"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level    string `yaml:"level" envconfig:"LEVEL"`
	Format   string `yaml:"format" envconfig:"FORMAT"`
	Output   string `yaml:"output" envconfig:"OUTPUT"`
	FilePath string `yaml:"file_path" envconfig:"FILE_PATH"`
}

// PathsConfig contains file system paths configuration
type PathsConfig struct {
	BaseDir   string `yaml:"base_dir" envconfig:"BASE_DIR"`
	DataDir   string `yaml:"data_dir" envconfig:"DATA_DIR"`
	KeysFile  string `yaml:"keys_file" envconfig:"KEYS_FILE"`
	FlagsFile string `yaml:"flags_file" envconfig:"FLAGS_FILE"`
	WebDir    string `yaml:"web_dir" envconfig:"WEB_DIR"`
	LogsDir   string `yaml:"logs_dir" envconfig:"LOGS_DIR"`
}

// StoreConfig selects the key persistence backend
type StoreConfig struct {
	Driver     string `yaml:"driver" envconfig:"DRIVER"`
	SQLitePath string `yaml:"sqlite_path" envconfig:"SQLITE_PATH"`
}

// LookupConfig contains the identity provider configuration
type LookupConfig struct {
	BaseURL   string        `yaml:"base_url" envconfig:"BASE_URL"`
	BotToken  string        `yaml:"bot_token" envconfig:"BOT_TOKEN"`
	Timeout   time.Duration `yaml:"timeout" envconfig:"TIMEOUT"`
	RPS       float64       `yaml:"rps" envconfig:"RPS"`
	Burst     int           `yaml:"burst" envconfig:"BURST"`
	UserAgent string        `yaml:"user_agent" envconfig:"USER_AGENT"`
}

// FlagsConfig contains the inline membership sets and reported counts.
// Sets read from Paths.FlagsFile replace the inline ones.
type FlagsConfig struct {
	FlaggedIDs     []string `yaml:"flagged_ids" envconfig:"FLAGGED_IDS"`
	SecondaryIDs   []string `yaml:"secondary_ids" envconfig:"SECONDARY_IDS"`
	FlaggedCount   int      `yaml:"flagged_count" envconfig:"FLAGGED_COUNT"`
	SecondaryCount int      `yaml:"secondary_count" envconfig:"SECONDARY_COUNT"`
}

// EntitlementsConfig overrides the built-in class catalog
type EntitlementsConfig struct {
	Strict bool           `yaml:"strict" envconfig:"STRICT"`
	Limits map[string]int `yaml:"limits" envconfig:"LIMITS"`
}

// TelemetryConfig contains OpenTelemetry configuration
type TelemetryConfig struct {
	Enabled        bool   `yaml:"enabled" envconfig:"ENABLED"`
	ServiceName    string `yaml:"service_name" envconfig:"SERVICE_NAME"`
	MetricsPath    string `yaml:"metrics_path" envconfig:"METRICS_PATH"`
	TraceToStdout  bool   `yaml:"trace_to_stdout" envconfig:"TRACE_TO_STDOUT"`
	ServiceVersion string `yaml:"service_version" envconfig:"SERVICE_VERSION"`
}

// SheetsConfig configures the optional issuance mirror
type SheetsConfig struct {
	Enabled         bool          `yaml:"enabled" envconfig:"ENABLED"`
	CredentialsFile string        `yaml:"credentials_file" envconfig:"CREDENTIALS_FILE"`
	SpreadsheetID   string        `yaml:"spreadsheet_id" envconfig:"SPREADSHEET_ID"`
	Range           string        `yaml:"range" envconfig:"RANGE"`
	Timeout         time.Duration `yaml:"timeout" envconfig:"TIMEOUT"`
}

// WebSocketConfig contains WebSocket configuration
type WebSocketConfig struct {
	Enabled         bool          `yaml:"enabled" envconfig:"ENABLED"`
	ReadBufferSize  int           `yaml:"read_buffer_size" envconfig:"READ_BUFFER_SIZE"`
	WriteBufferSize int           `yaml:"write_buffer_size" envconfig:"WRITE_BUFFER_SIZE"`
	PingPeriod      time.Duration `yaml:"ping_period" envconfig:"PING_PERIOD"`
	PongWait        time.Duration `yaml:"pong_wait" envconfig:"PONG_WAIT"`
}

// Load loads configuration from defaults, the config file and environment
// variables, in increasing order of precedence.
func Load() (*Config, error) {
	return LoadFrom(getConfigFilePath())
}

// LoadFrom is Load with an explicit config file. An empty path skips the file.
func LoadFrom(configFile string) (*Config, error) {
	cfg := Default()

	if configFile != "" {
		if err := loadFromFile(configFile, cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	// fields without a matching variable keep their current value
	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	if err := cfg.resolvePaths(); err != nil {
		return nil, fmt.Errorf("failed to resolve paths: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// loadFromFile decodes a YAML file over cfg
func loadFromFile(filePath string, cfg *Config) error {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

// validate validates the configuration
func (c *Config) validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.Server.ReadTimeout <= 0 {
		return fmt.Errorf("server read timeout must be positive")
	}

	if c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("server write timeout must be positive")
	}

	if c.Security.EnableCORS && len(c.Security.AllowedOrigins) == 0 {
		return fmt.Errorf("at least one allowed origin must be specified")
	}

	if c.Security.RateLimit.Enabled && (c.Security.RateLimit.RPS <= 0 || c.Security.RateLimit.Burst <= 0) {
		return fmt.Errorf("rate limit rps and burst must be positive")
	}

	switch strings.ToLower(c.Store.Driver) {
	case StoreDriverJSON, StoreDriverSQLite:
		c.Store.Driver = strings.ToLower(c.Store.Driver)
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}

	if c.Lookup.Timeout <= 0 {
		return fmt.Errorf("lookup timeout must be positive")
	}

	if c.Flags.FlaggedCount < 0 || c.Flags.SecondaryCount < 0 {
		return fmt.Errorf("flag counts must not be negative")
	}

	for class, limit := range c.Entitlements.Limits {
		if strings.TrimSpace(class) == "" {
			return fmt.Errorf("entitlement class name must not be empty")
		}
		if limit < -1 {
			return fmt.Errorf("entitlement %q: limit %d is invalid", class, limit)
		}
	}

	if c.Sheets.Enabled && (c.Sheets.SpreadsheetID == "" || c.Sheets.CredentialsFile == "") {
		return fmt.Errorf("sheets mirror requires spreadsheet_id and credentials_file")
	}

	switch c.Logging.Output {
	case "console", "file", "both":
	default:
		c.Logging.Output = "console"
	}

	if c.Logging.Format != "text" {
		c.Logging.Format = "json"
	}

	return nil
}

// getConfigFilePath returns the path to the config file
func getConfigFilePath() string {
	if explicit := os.Getenv(EnvPrefix + "_CONFIG"); explicit != "" {
		return explicit
	}

	locations := []string{
		"config.yaml",
		"configs/config.yaml",
		"../configs/config.yaml",
	}

	for _, location := range locations {
		if _, err := os.Stat(location); err == nil {
			return location
		}
	}

	return "" // No config file found, use env vars only
}

// Default returns default configuration
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            DefaultPort,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    30 * time.Second,
			IdleTimeout:     60 * time.Second,
			MaxHeaderBytes:  1 << 20, // 1MB
			ShutdownTimeout: 30 * time.Second,
			RequestTimeout:  DefaultRequestTimeout,
		},
		Security: SecurityConfig{
			AllowedOrigins: []string{"*"},
			EnableCORS:     true,
			RateLimit: RateLimitConfig{
				Enabled: true,
				RPS:     20,
				Burst:   40,
			},
		},
		Logging: LoggingConfig{
			Level:    DefaultLogLevel,
			Format:   DefaultLogFormat,
			Output:   "console",
			FilePath: "keygate.log",
		},
		Paths: PathsConfig{
			DataDir:  DefaultDataDir,
			KeysFile: DefaultKeysFile,
			WebDir:   DefaultWebDir,
			LogsDir:  DefaultLogsDir,
		},
		Store: StoreConfig{
			Driver:     StoreDriverJSON,
			SQLitePath: DefaultSQLiteFile,
		},
		Lookup: LookupConfig{
			BaseURL: DefaultLookupBaseURL,
			Timeout: DefaultLookupTimeout,
			RPS:     DefaultLookupRPS,
			Burst:   DefaultLookupBurst,
		},
		Flags: FlagsConfig{
			FlaggedIDs:     append([]string(nil), DefaultFlaggedIDs...),
			SecondaryIDs:   append([]string(nil), DefaultSecondaryIDs...),
			FlaggedCount:   DefaultFlaggedCount,
			SecondaryCount: DefaultSecondaryCount,
		},
		Telemetry: TelemetryConfig{
			Enabled:        true,
			ServiceName:    AppName,
			ServiceVersion: AppVersion,
			MetricsPath:    MetricsEndpoint,
		},
		Sheets: SheetsConfig{
			Range:   "Keys!A:E",
			Timeout: 15 * time.Second,
		},
		WebSocket: WebSocketConfig{
			Enabled:         true,
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			PingPeriod:      30 * time.Second,
			PongWait:        60 * time.Second,
		},
	}
}
