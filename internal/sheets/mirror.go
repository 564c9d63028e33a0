// Package sheets mirrors issued keys into a Google Sheets spreadsheet so
// operators can see the inventory without access to the service host.
package sheets

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"google.golang.org/api/option"
	sheetsapi "google.golang.org/api/sheets/v4"

	"keygate/internal/config"
	"keygate/internal/license"
)

// Mirror appends one row per issued key
type Mirror struct {
	service       *sheetsapi.Service
	spreadsheetID string
	writeRange    string
	timeout       time.Duration
	logger        *slog.Logger
}

// NewMirror creates a mirror from cfg. Extra client options are appended after
// the credentials file option, so tests can point the client elsewhere.
func NewMirror(ctx context.Context, cfg config.SheetsConfig, logger *slog.Logger, opts ...option.ClientOption) (*Mirror, error) {
	if cfg.SpreadsheetID == "" {
		return nil, fmt.Errorf("sheets mirror: spreadsheet id is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	clientOpts := make([]option.ClientOption, 0, len(opts)+1)
	if cfg.CredentialsFile != "" {
		clientOpts = append(clientOpts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	clientOpts = append(clientOpts, opts...)

	service, err := sheetsapi.NewService(ctx, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create sheets service: %w", err)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	writeRange := cfg.Range
	if writeRange == "" {
		writeRange = "Keys!A:E"
	}

	return &Mirror{
		service:       service,
		spreadsheetID: cfg.SpreadsheetID,
		writeRange:    writeRange,
		timeout:       timeout,
		logger:        logger.With(slog.String("component", "sheets_mirror")),
	}, nil
}

// AppendKey writes rec as a new row. The store stays the source of truth; a
// failed append is reported to the caller and never retried.
func (m *Mirror) AppendKey(ctx context.Context, rec license.KeyRecord) error {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	limit := interface{}(rec.UsageLimit)
	if rec.Unlimited() {
		limit = "unlimited"
	}
	row := []interface{}{
		rec.Key,
		rec.EntitlementClass,
		limit,
		rec.CreatedAt.UTC().Format(time.RFC3339),
		"issued",
	}

	_, err := m.service.Spreadsheets.Values.Append(m.spreadsheetID, m.writeRange, &sheetsapi.ValueRange{
		Values: [][]interface{}{row},
	}).ValueInputOption("RAW").InsertDataOption("INSERT_ROWS").Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("failed to append key to sheet: %w", err)
	}

	m.logger.DebugContext(ctx, "key mirrored to sheet",
		slog.String("key", license.MaskKey(rec.Key)),
		slog.String("entitlement_class", rec.EntitlementClass))
	return nil
}
