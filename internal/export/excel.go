package export

import (
	"fmt"
	"io"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/spigell/cv-matcher/internal/analysis"
)

const summarySheet = "Summary"

// WriteXLSX writes a workbook with a summary sheet and one sheet per category.
func WriteXLSX(w io.Writer, report *analysis.Report) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", summarySheet); err != nil {
		return fmt.Errorf("rename summary sheet: %w", err)
	}

	headerStyle, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true, Color: "FFFFFF"},
		Fill: excelize.Fill{Type: "pattern", Color: []string{"4472C4"}, Pattern: 1},
	})
	if err != nil {
		return fmt.Errorf("create header style: %w", err)
	}

	if err := writeSummary(f, report, headerStyle); err != nil {
		return fmt.Errorf("write summary sheet: %w", err)
	}

	for _, category := range analysis.Categories {
		if err := writeCategory(f, category, report.Entry(category), headerStyle); err != nil {
			return fmt.Errorf("write %s sheet: %w", category, err)
		}
	}

	if err := f.Write(w); err != nil {
		return fmt.Errorf("write workbook: %w", err)
	}

	return nil
}

func writeSummary(f *excelize.File, report *analysis.Report, headerStyle int) error {
	if err := writeRow(f, summarySheet, 1, "Category", "Matched", "Missing", "Extra"); err != nil {
		return err
	}
	if err := f.SetCellStyle(summarySheet, "A1", "D1", headerStyle); err != nil {
		return err
	}

	for i, category := range analysis.Categories {
		entry := report.Entry(category)
		if err := writeRow(f, summarySheet, i+2, string(category), len(entry.Matched), len(entry.Missing), len(entry.Extra)); err != nil {
			return err
		}
	}

	return f.SetColWidth(summarySheet, "A", "D", 16)
}

func writeCategory(f *excelize.File, category analysis.Category, entry analysis.Entry, headerStyle int) error {
	sheet := sheetName(category)
	if _, err := f.NewSheet(sheet); err != nil {
		return err
	}

	if err := writeRow(f, sheet, 1, "Status", "Requirement", "Candidate evidence", "Score"); err != nil {
		return err
	}
	if err := f.SetCellStyle(sheet, "A1", "D1", headerStyle); err != nil {
		return err
	}

	row := 2
	for _, m := range entry.Matched {
		if err := writeRow(f, sheet, row, "matched", m.Requirement, m.Evidence, m.Score); err != nil {
			return err
		}
		row++
	}
	for _, req := range entry.Missing {
		if err := writeRow(f, sheet, row, "missing", req, "", ""); err != nil {
			return err
		}
		row++
	}
	for _, extra := range entry.Extra {
		if err := writeRow(f, sheet, row, "extra", "", extra, ""); err != nil {
			return err
		}
		row++
	}

	if err := f.SetColWidth(sheet, "A", "A", 12); err != nil {
		return err
	}
	return f.SetColWidth(sheet, "B", "C", 45)
}

func writeRow(f *excelize.File, sheet string, row int, values ...any) error {
	cell, err := excelize.CoordinatesToCellName(1, row)
	if err != nil {
		return err
	}
	return f.SetSheetRow(sheet, cell, &values)
}

func sheetName(category analysis.Category) string {
	name := string(category)
	if name == "" {
		return name
	}
	return strings.ToUpper(name[:1]) + name[1:]
}
