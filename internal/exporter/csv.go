package exporter

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"keygate/internal/license"
)

// Format selects the export encoding
type Format string

const (
	FormatCSV  Format = "csv"
	FormatXLSX Format = "xlsx"
)

// ParseFormat maps a query value onto a Format. Empty means XLSX.
func ParseFormat(s string) (Format, error) {
	switch Format(strings.ToLower(strings.TrimSpace(s))) {
	case "", FormatXLSX:
		return FormatXLSX, nil
	case FormatCSV:
		return FormatCSV, nil
	default:
		return "", fmt.Errorf("unsupported export format %q", s)
	}
}

// ContentType returns the MIME type for f
func (f Format) ContentType() string {
	if f == FormatCSV {
		return "text/csv; charset=utf-8"
	}
	return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
}

// FileName returns the attachment name for an export taken at t
func (f Format) FileName(t time.Time) string {
	return fmt.Sprintf("keys_%s.%s", t.UTC().Format("20060102_150405"), string(f))
}

// Options configures export rendering
type Options struct {
	// Mask hides the random groups of every key.
	Mask bool
	// BOMPrefix adds a UTF-8 BOM to CSV output for Excel compatibility.
	BOMPrefix bool
}

// Columns is the header row shared by every format
var Columns = []string{"key", "entitlement_class", "usage_count", "usage_limit", "remaining", "created_at"}

// Rows renders records in issuance order. Unlimited values print as "unlimited".
func Rows(records []license.KeyRecord, opts Options) [][]string {
	rows := make([][]string, 0, len(records))
	for _, rec := range records {
		key := rec.Key
		if opts.Mask {
			key = license.MaskKey(key)
		}
		rows = append(rows, []string{
			key,
			rec.EntitlementClass,
			strconv.Itoa(rec.UsageCount),
			limitString(rec.UsageLimit),
			limitString(rec.Remaining()),
			createdString(rec.CreatedAt),
		})
	}
	return rows
}

func limitString(n int) string {
	if n == license.Unlimited {
		return "unlimited"
	}
	return strconv.Itoa(n)
}

func createdString(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

// WriteCSV writes the header and one row per record to w
func WriteCSV(w io.Writer, records []license.KeyRecord, opts Options) error {
	if opts.BOMPrefix {
		if _, err := w.Write([]byte{0xEF, 0xBB, 0xBF}); err != nil {
			return fmt.Errorf("failed to write BOM: %w", err)
		}
	}

	writer := csv.NewWriter(w)
	if err := writer.Write(Columns); err != nil {
		return fmt.Errorf("failed to write headers: %w", err)
	}
	for i, row := range Rows(records, opts) {
		if err := writer.Write(row); err != nil {
			return fmt.Errorf("failed to write record %d: %w", i, err)
		}
	}

	writer.Flush()
	return writer.Error()
}

// Write encodes records to w in the given format
func Write(w io.Writer, format Format, records []license.KeyRecord, opts Options) error {
	switch format {
	case FormatCSV:
		return WriteCSV(w, records, opts)
	case FormatXLSX:
		return WriteXLSX(w, records, opts)
	default:
		return fmt.Errorf("unsupported export format %q", format)
	}
}
