package connector

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/xuri/excelize/v2"
)

const defaultSheet = "Sheet1"

// ExcelDestination writes one workbook per batch. When OutputFilename names
// an existing workbook under dir it is used as the template.
type ExcelDestination struct {
	dir string
}

func NewExcelDestination(dir string) *ExcelDestination {
	return &ExcelDestination{dir: dir}
}

func (d *ExcelDestination) Write(_ context.Context, b Batch) (string, error) {
	if len(b.Rows) == 0 {
		return "", fmt.Errorf("excel: no rows for task %s", b.TaskID)
	}
	if err := os.MkdirAll(d.dir, 0o755); err != nil {
		return "", fmt.Errorf("excel: %w", err)
	}

	f, err := d.open(b.OutputFilename)
	if err != nil {
		return "", err
	}
	defer f.Close()

	sheet := b.DataLocation
	if sheet == "" {
		sheet = defaultSheet
	}
	if idx, _ := f.GetSheetIndex(sheet); idx == -1 {
		if _, err := f.NewSheet(sheet); err != nil {
			return "", fmt.Errorf("excel: new sheet %s: %w", sheet, err)
		}
	}
	idx, _ := f.GetSheetIndex(sheet)
	f.SetActiveSheet(idx)

	if len(b.ColumnLocations) > 0 {
		err = writeLocated(f, sheet, b)
	} else {
		err = writeTable(f, sheet, b.Rows)
	}
	if err != nil {
		return "", err
	}

	name := outputName(b)
	path := filepath.Join(d.dir, name)
	if err := f.SaveAs(path); err != nil {
		return "", fmt.Errorf("excel: save %s: %w", path, err)
	}
	return path, nil
}

func (d *ExcelDestination) open(template string) (*excelize.File, error) {
	if template == "" {
		return excelize.NewFile(), nil
	}
	p := filepath.Join(d.dir, filepath.Base(template))
	if _, err := os.Stat(p); err != nil {
		return excelize.NewFile(), nil
	}
	f, err := excelize.OpenFile(p)
	if err != nil {
		return nil, fmt.Errorf("excel: open template %s: %w", p, err)
	}
	return f, nil
}

// writeLocated places each column's values downward from its start cell.
func writeLocated(f *excelize.File, sheet string, b Batch) error {
	cols := make([]string, 0, len(b.ColumnLocations))
	for c := range b.ColumnLocations {
		cols = append(cols, c)
	}
	sort.Strings(cols)

	for _, column := range cols {
		start := b.ColumnLocations[column]
		x, y, err := excelize.CellNameToCoordinates(start)
		if err != nil {
			return fmt.Errorf("excel: column %s: bad start cell %q: %w", column, start, err)
		}
		for i, v := range ColumnValues(b.Rows, column) {
			cell, _ := excelize.CoordinatesToCellName(x, y+i)
			if err := f.SetCellValue(sheet, cell, v); err != nil {
				return fmt.Errorf("excel: set %s: %w", cell, err)
			}
		}
	}
	return nil
}

func writeTable(f *excelize.File, sheet string, rows []Row) error {
	cols := Columns(rows)
	for i, h := range cols {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		if err := f.SetCellValue(sheet, cell, h); err != nil {
			return err
		}
	}
	for r, row := range rows {
		for i, c := range cols {
			cell, _ := excelize.CoordinatesToCellName(i+1, r+2)
			if err := f.SetCellValue(sheet, cell, stringify(row.Values[c])); err != nil {
				return err
			}
		}
	}
	return nil
}

func outputName(b Batch) string {
	base := strings.TrimSuffix(filepath.Base(b.OutputFilename), filepath.Ext(b.OutputFilename))
	if base == "" || base == "." {
		base = b.TaskID
	}
	return fmt.Sprintf("%s_%d_%s.xlsx", base, b.SubItem, uuid.NewString()[:5])
}
