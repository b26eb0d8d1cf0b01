package grades

import (
	"bytes"
	"fmt"

	"github.com/xuri/excelize/v2"
)

const gradebookSheet = "Gradebook"

var (
	gradebookHeaders = []string{"No", "Student code", "Full name", "Team", "Grade", "Source", "Comment"}
	gradebookWidths  = []float64{6, 14, 28, 16, 8, 12, 40}
)

// ExportGradebook renders a lab's gradebook as an .xlsx workbook: a merged
// title row, a header row and one row per student.
func ExportGradebook(labName string, rows []GradebookRow) (*bytes.Buffer, error) {
	f := excelize.NewFile()
	defer f.Close()

	idx, err := f.NewSheet(gradebookSheet)
	if err != nil {
		return nil, fmt.Errorf("create sheet: %w", err)
	}
	f.SetActiveSheet(idx)
	if err := f.DeleteSheet("Sheet1"); err != nil {
		return nil, fmt.Errorf("delete default sheet: %w", err)
	}

	for i, w := range gradebookWidths {
		col, err := excelize.ColumnNumberToName(i + 1)
		if err != nil {
			return nil, err
		}
		if err := f.SetColWidth(gradebookSheet, col, col, w); err != nil {
			return nil, fmt.Errorf("set width of column %s: %w", col, err)
		}
	}

	headerStyle, err := f.NewStyle(&excelize.Style{
		Font:      &excelize.Font{Bold: true, Size: 11},
		Fill:      excelize.Fill{Type: "pattern", Color: []string{"#D9E1F2"}, Pattern: 1},
		Alignment: &excelize.Alignment{Horizontal: "center", Vertical: "center"},
	})
	if err != nil {
		return nil, fmt.Errorf("create header style: %w", err)
	}

	lastTitle, err := excelize.CoordinatesToCellName(len(gradebookHeaders), 1)
	if err != nil {
		return nil, err
	}
	if err := f.SetCellValue(gradebookSheet, "A1", labName); err != nil {
		return nil, fmt.Errorf("write title: %w", err)
	}
	if err := f.MergeCell(gradebookSheet, "A1", lastTitle); err != nil {
		return nil, fmt.Errorf("merge title: %w", err)
	}
	if err := f.SetCellStyle(gradebookSheet, "A1", lastTitle, headerStyle); err != nil {
		return nil, fmt.Errorf("style title: %w", err)
	}

	headerCells := make([]any, len(gradebookHeaders))
	for i, h := range gradebookHeaders {
		headerCells[i] = h
	}
	if err := f.SetSheetRow(gradebookSheet, "A2", &headerCells); err != nil {
		return nil, fmt.Errorf("write headers: %w", err)
	}
	lastHeader, err := excelize.CoordinatesToCellName(len(gradebookHeaders), 2)
	if err != nil {
		return nil, err
	}
	if err := f.SetCellStyle(gradebookSheet, "A2", lastHeader, headerStyle); err != nil {
		return nil, fmt.Errorf("style headers: %w", err)
	}

	for i, r := range rows {
		var value any = "-"
		if r.Value != nil {
			value = *r.Value
		}
		values := []any{i + 1, r.StudentCode, r.FullName, r.TeamName, value, string(r.Source), r.Comment}

		start, err := excelize.CoordinatesToCellName(1, i+3)
		if err != nil {
			return nil, err
		}
		if err := f.SetSheetRow(gradebookSheet, start, &values); err != nil {
			return nil, fmt.Errorf("write row %d: %w", i+3, err)
		}
	}

	buf := new(bytes.Buffer)
	if err := f.Write(buf); err != nil {
		return nil, fmt.Errorf("write workbook: %w", err)
	}
	return buf, nil
}
