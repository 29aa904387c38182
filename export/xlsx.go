package export

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/xuri/excelize/v2"

	"keyharvest/domain"
)

const (
	sheetAll        = "All keys"
	sheetUnique     = "Unique"
	sheetDuplicates = "Duplicates"
)

// WriteXLSX writes the results table to path: every record on the first
// sheet (repeated keys highlighted), distinct keys on the second, and repeated
// keys with their occurrence counts on the third.
func WriteXLSX(path string, keys []domain.ExtractedKey) error {
	if strings.TrimSpace(path) == "" {
		return errors.New("output path is empty")
	}
	if len(keys) == 0 {
		return ErrNoKeys
	}

	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	defSheet := f.GetSheetName(0)
	if defSheet == "" {
		defSheet = "Sheet1"
	}
	_ = f.SetSheetName(defSheet, sheetAll)
	if _, err := f.NewSheet(sheetUnique); err != nil {
		return err
	}
	if _, err := f.NewSheet(sheetDuplicates); err != nil {
		return err
	}
	f.SetActiveSheet(0)

	// light red fill + dark red font
	redStyle, _ := f.NewStyle(&excelize.Style{
		Fill: excelize.Fill{Type: "pattern", Pattern: 1, Color: []string{"FFC7CE"}},
		Font: &excelize.Font{Color: "9C0006"},
	})
	headStyle, _ := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})

	counts := make(map[string]int, len(keys))
	for _, k := range keys {
		counts[k.Key]++
	}

	if err := writeAllSheet(f, keys, counts, headStyle, redStyle); err != nil {
		return err
	}
	if err := writeListSheet(f, sheetUnique, []string{"№", "Key"}, domain.UniqueKeys(keys), nil, headStyle, "No keys"); err != nil {
		return err
	}
	if err := writeListSheet(f, sheetDuplicates, []string{"№", "Key", "Count"}, domain.DuplicateKeys(keys), counts, headStyle, "No duplicates"); err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	out, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create workbook: %w", err)
	}
	defer out.Close()
	if _, err := f.WriteTo(out); err != nil {
		return fmt.Errorf("write workbook: %w", err)
	}
	return nil
}

func writeAllSheet(f *excelize.File, keys []domain.ExtractedKey, counts map[string]int, headStyle, redStyle int) error {
	sw, err := f.NewStreamWriter(sheetAll)
	if err != nil {
		return err
	}
	if err := sw.SetColWidth(2, 2, 40); err != nil {
		return err
	}
	header := []interface{}{
		excelize.Cell{Value: "№", StyleID: headStyle},
		excelize.Cell{Value: "Key", StyleID: headStyle},
		excelize.Cell{Value: "Order", StyleID: headStyle},
		excelize.Cell{Value: "Date", StyleID: headStyle},
	}
	if err := sw.SetRow(cellAxis(1, 1), header); err != nil {
		return err
	}
	for i, k := range keys {
		style := 0
		if counts[k.Key] > 1 {
			style = redStyle
		}
		row := []interface{}{
			excelize.Cell{Value: i + 1, StyleID: style},
			excelize.Cell{Value: safeCellValue(k.Key), StyleID: style},
			excelize.Cell{Value: safeCellValue(k.OrderID), StyleID: style},
			excelize.Cell{Value: safeCellValue(k.Date), StyleID: style},
		}
		if err := sw.SetRow(cellAxis(i+2, 1), row); err != nil {
			return err
		}
	}
	return sw.Flush()
}

func writeListSheet(f *excelize.File, sheet string, headers []string, values []string, counts map[string]int, headStyle int, emptyMsg string) error {
	sw, err := f.NewStreamWriter(sheet)
	if err != nil {
		return err
	}
	if len(values) == 0 {
		if err := sw.SetRow("A1", []interface{}{emptyMsg}); err != nil {
			return err
		}
		return sw.Flush()
	}
	if err := sw.SetColWidth(2, 2, 40); err != nil {
		return err
	}
	head := make([]interface{}, len(headers))
	for i, h := range headers {
		head[i] = excelize.Cell{Value: h, StyleID: headStyle}
	}
	if err := sw.SetRow(cellAxis(1, 1), head); err != nil {
		return err
	}
	for i, v := range values {
		row := []interface{}{i + 1, safeCellValue(v)}
		if counts != nil {
			row = append(row, counts[v])
		}
		if err := sw.SetRow(cellAxis(i+2, 1), row); err != nil {
			return err
		}
	}
	return sw.Flush()
}

func safeCellValue(v string) interface{} {
	s := strings.TrimSpace(v)
	if s == "" {
		return ""
	}
	return v
}

func cellAxis(row, col int) string {
	axis, _ := excelize.CoordinatesToCellName(col, row)
	return axis
}
