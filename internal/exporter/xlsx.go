package exporter

import (
	"fmt"
	"io"

	"github.com/xuri/excelize/v2"

	"keygate/internal/license"
)

// SheetName is the worksheet holding the inventory
const SheetName = "Keys"

var columnWidths = []float64{34, 18, 12, 12, 12, 22}

// WriteXLSX writes the inventory as a single-sheet workbook. Counts are
// numeric cells; unlimited values are the string "unlimited".
func WriteXLSX(w io.Writer, records []license.KeyRecord, opts Options) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", SheetName); err != nil {
		return fmt.Errorf("failed to name sheet: %w", err)
	}

	sw, err := f.NewStreamWriter(SheetName)
	if err != nil {
		return fmt.Errorf("failed to create stream writer: %w", err)
	}

	for i, width := range columnWidths {
		if err := sw.SetColWidth(i+1, i+1, width); err != nil {
			return fmt.Errorf("failed to set column width: %w", err)
		}
	}

	headerStyle, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return fmt.Errorf("failed to create header style: %w", err)
	}

	header := make([]interface{}, len(Columns))
	for i, c := range Columns {
		header[i] = c
	}
	if err := sw.SetRow("A1", header, excelize.RowOpts{StyleID: headerStyle}); err != nil {
		return fmt.Errorf("failed to write header row: %w", err)
	}

	for i, rec := range records {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}

		key := rec.Key
		if opts.Mask {
			key = license.MaskKey(key)
		}
		row := []interface{}{
			key,
			rec.EntitlementClass,
			rec.UsageCount,
			limitCell(rec.UsageLimit),
			limitCell(rec.Remaining()),
			createdString(rec.CreatedAt),
		}
		if err := sw.SetRow(cell, row); err != nil {
			return fmt.Errorf("failed to write row %d: %w", i+2, err)
		}
	}

	if err := sw.Flush(); err != nil {
		return fmt.Errorf("failed to flush sheet: %w", err)
	}
	if err := f.Write(w); err != nil {
		return fmt.Errorf("failed to write workbook: %w", err)
	}
	return nil
}

func limitCell(n int) interface{} {
	if n == license.Unlimited {
		return "unlimited"
	}
	return n
}
