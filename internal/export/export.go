// Package export writes classified clauses to JSON, CSV or XLSX files.
package export

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/kiranshivaraju/consentlens/pkg/models"
)

const (
	FormatJSON = "json"
	FormatCSV  = "csv"
	FormatXLSX = "xlsx"
)

const sheetName = "Clauses"

var ErrUnsupportedFormat = errors.New("unsupported output format")

var columns = []string{"text", "category", "confidence", "type", "element"}

// Formats lists the accepted output formats.
func Formats() []string {
	return []string{FormatJSON, FormatCSV, FormatXLSX}
}

// Supported reports whether format can be written.
func Supported(format string) bool {
	switch strings.ToLower(format) {
	case FormatJSON, FormatCSV, FormatXLSX:
		return true
	}
	return false
}

// Path returns the default output file for format under dir.
func Path(dir, format string) string {
	return filepath.Join(dir, "results."+strings.ToLower(format))
}

// Write saves clauses to path in format, creating parent directories.
func Write(path, format string, clauses []models.ClassifiedClause) error {
	format = strings.ToLower(format)
	if !Supported(format) {
		return fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}
	if clauses == nil {
		clauses = []models.ClassifiedClause{}
	}

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create output dir: %w", err)
		}
	}

	switch format {
	case FormatJSON:
		return writeJSON(path, clauses)
	case FormatCSV:
		return writeCSV(path, clauses)
	default:
		return writeXLSX(path, clauses)
	}
}

func writeJSON(path string, clauses []models.ClassifiedClause) error {
	data, err := json.MarshalIndent(clauses, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal results: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

func writeCSV(path string, clauses []models.ClassifiedClause) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write(columns); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}
	for _, c := range clauses {
		if err := w.Write(row(c)); err != nil {
			return fmt.Errorf("write csv row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("flush csv: %w", err)
	}
	return f.Close()
}

func writeXLSX(path string, clauses []models.ClassifiedClause) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", sheetName); err != nil {
		return fmt.Errorf("rename sheet: %w", err)
	}

	for i, h := range columns {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(sheetName, cell, h)
	}
	for r, c := range clauses {
		values := []any{c.Text, c.Category, c.Confidence, c.Type, c.Element}
		for col, v := range values {
			cell, _ := excelize.CoordinatesToCellName(col+1, r+2)
			_ = f.SetCellValue(sheetName, cell, v)
		}
	}
	_ = f.SetColWidth(sheetName, "A", "A", 60) // text
	_ = f.SetColWidth(sheetName, "B", "B", 18) // category

	if err := f.SaveAs(path); err != nil {
		return fmt.Errorf("save %s: %w", path, err)
	}
	return nil
}

func row(c models.ClassifiedClause) []string {
	return []string{
		c.Text,
		c.Category,
		strconv.FormatFloat(c.Confidence, 'f', -1, 64),
		c.Type,
		c.Element,
	}
}
