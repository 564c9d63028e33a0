package license

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// FilePersister stores the collection as an indented JSON array.
//
// Save writes a temporary file in the same directory and renames it over the
// target, so a crash mid-write leaves the previous collection intact.
type FilePersister struct {
	path   string
	logger *slog.Logger
}

// NewFilePersister creates a persister for the JSON file at path.
func NewFilePersister(path string, logger *slog.Logger) *FilePersister {
	if logger == nil {
		logger = slog.Default()
	}
	return &FilePersister{
		path:   path,
		logger: logger.With(slog.String("component", "key_file")),
	}
}

// Path returns the target file path.
func (p *FilePersister) Path() string {
	return p.path
}

// Load reads the collection. A missing file yields an error wrapping
// fs.ErrNotExist; an empty file yields an empty collection.
func (p *FilePersister) Load(ctx context.Context) ([]KeyRecord, error) {
	data, err := os.ReadFile(p.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read key file %s: %w", p.path, err)
	}
	if len(data) == 0 {
		return nil, nil
	}

	var records []KeyRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("failed to parse key file %s: %w", p.path, err)
	}

	p.logger.DebugContext(ctx, "key file read",
		slog.String("path", p.path),
		slog.Int("records", len(records)),
		slog.Int("size_bytes", len(data)))
	return records, nil
}

// Save replaces the file with records.
func (p *FilePersister) Save(ctx context.Context, records []KeyRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if records == nil {
		records = []KeyRecord{}
	}

	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal keys: %w", err)
	}

	dir := filepath.Dir(p.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create key directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(p.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp key file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write temp key file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync temp key file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp key file: %w", err)
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return fmt.Errorf("failed to set key file permissions: %w", err)
	}
	if err := os.Rename(tmpName, p.path); err != nil {
		return fmt.Errorf("failed to replace key file %s: %w", p.path, err)
	}

	p.logger.DebugContext(ctx, "key file written",
		slog.String("path", p.path),
		slog.Int("records", len(records)),
		slog.Int("size_bytes", len(data)))
	return nil
}
