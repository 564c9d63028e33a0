// Package exporter writes key inventories for operators.
//
// Two formats are supported:
//
// CSV: plain rows with an optional UTF-8 BOM so spreadsheet tools detect the
// encoding.
//
// XLSX: a single "Keys" worksheet written through excelize's stream writer,
// with a bold header row and fixed column widths.
//
// Both formats share the same columns (see Columns) and the same row
// rendering, so a CSV and an XLSX export of the same snapshot hold identical
// values.
//
// Example usage:
//
//	records := store.Snapshot()
//	err := exporter.Write(w, exporter.FormatXLSX, records, exporter.Options{Mask: true})
package exporter
