package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// resolvePaths anchors relative paths at Paths.BaseDir, which defaults to
// the working directory.
func (c *Config) resolvePaths() error {
	if c.Paths.BaseDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("failed to get working directory: %w", err)
		}
		c.Paths.BaseDir = wd
	}

	base, err := filepath.Abs(c.Paths.BaseDir)
	if err != nil {
		return fmt.Errorf("failed to resolve base dir: %w", err)
	}
	c.Paths.BaseDir = base

	c.Paths.DataDir = c.resolve(c.Paths.DataDir)
	c.Paths.WebDir = c.resolve(c.Paths.WebDir)
	c.Paths.LogsDir = c.resolve(c.Paths.LogsDir)

	// key and database files live in the data directory unless absolute
	c.Paths.KeysFile = anchor(c.Paths.DataDir, c.Paths.KeysFile)
	c.Store.SQLitePath = anchor(c.Paths.DataDir, c.Store.SQLitePath)
	if c.Paths.FlagsFile != "" {
		c.Paths.FlagsFile = c.resolve(c.Paths.FlagsFile)
	}
	c.Logging.FilePath = anchor(c.Paths.LogsDir, c.Logging.FilePath)
	if c.Sheets.CredentialsFile != "" {
		c.Sheets.CredentialsFile = c.resolve(c.Sheets.CredentialsFile)
	}
	return nil
}

func (c *Config) resolve(p string) string {
	return anchor(c.Paths.BaseDir, p)
}

func anchor(dir, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(dir, p)
}

// EnsureDirectories creates the data and logs directories if they don't exist
func (c *Config) EnsureDirectories() error {
	dirs := []string{c.Paths.DataDir}
	if c.Logging.Output != "console" {
		dirs = append(dirs, c.Paths.LogsDir, filepath.Dir(c.Logging.FilePath))
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}

// KeysPath returns the persistence location for the configured store driver.
func (c *Config) KeysPath() string {
	if c.Store.Driver == StoreDriverSQLite {
		return c.Store.SQLitePath
	}
	return c.Paths.KeysFile
}

// WebDirExists reports whether the static web directory is present.
func (c *Config) WebDirExists() bool {
	info, err := os.Stat(c.Paths.WebDir)
	return err == nil && info.IsDir()
}

// LogPathResolution logs the resolved paths for debugging
func (c *Config) LogPathResolution(logger *slog.Logger) {
	logger.Info("resolved paths",
		slog.String("base_dir", c.Paths.BaseDir),
		slog.String("data_dir", c.Paths.DataDir),
		slog.String("keys", c.KeysPath()),
		slog.String("store_driver", c.Store.Driver),
		slog.String("flags_file", c.Paths.FlagsFile),
		slog.String("web_dir", c.Paths.WebDir),
		slog.String("logs_dir", c.Paths.LogsDir))
}
