package report

import (
	"encoding/csv"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/xuri/excelize/v2"
)

// WriteCSV writes a header line and one record per row.
func WriteCSV(w io.Writer, rows []Row) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(Header); err != nil {
		return err
	}
	for _, r := range rows {
		if err := cw.Write(r.Cells()); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteTable writes an aligned console table.
func WriteTable(w io.Writer, rows []Row) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	headers := make([]string, len(Header))
	for i, h := range Header {
		headers[i] = strings.ToUpper(h)
	}
	if _, err := fmt.Fprintln(tw, strings.Join(headers, "\t")); err != nil {
		return err
	}
	for _, r := range rows {
		if _, err := fmt.Fprintln(tw, strings.Join(r.Cells(), "\t")); err != nil {
			return err
		}
	}
	return tw.Flush()
}

// SheetName is the worksheet written by WriteXLSX.
const SheetName = "Report"

// WriteXLSX writes the rows as a one-sheet workbook. Counts are numeric
// cells; percentages are numbers with one decimal.
func WriteXLSX(w io.Writer, rows []Row) error {
	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	if index, _ := f.GetSheetIndex(SheetName); index == -1 {
		if _, err := f.NewSheet(SheetName); err != nil {
			return err
		}
	}
	activeIndex, _ := f.GetSheetIndex(SheetName)
	f.SetActiveSheet(activeIndex)
	_ = f.DeleteSheet("Sheet1")

	for i, h := range Header {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(SheetName, cell, h)
	}

	for i, r := range rows {
		row := i + 2
		values := []any{
			r.FileType,
			r.Total,
			r.FailOpen,
			r.Tested,
			r.FailConvert,
			round1(r.Percent(r.FailConvert)),
			r.FailOpenConverted,
			round1(r.Percent(r.FailOpenConverted)),
			r.Succeeded,
			round1(r.Percent(r.Succeeded)),
		}
		for col, v := range values {
			cell, _ := excelize.CoordinatesToCellName(col+1, row)
			_ = f.SetCellValue(SheetName, cell, v)
		}
	}

	_ = f.SetColWidth(SheetName, "A", "A", 12)
	_ = f.SetColWidth(SheetName, "B", "J", 14)

	buf, err := f.WriteToBuffer()
	if err != nil {
		return fmt.Errorf("xlsx write: %w", err)
	}
	_, err = w.Write(buf.Bytes())
	return err
}

func round1(p float64) float64 {
	return float64(int64(p*10+0.5)) / 10
}
