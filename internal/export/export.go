// Package export writes reconciliation reports.
package export

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spigell/cv-matcher/internal/analysis"
)

type Format string

const (
	FormatJSON Format = "json"
	FormatXLSX Format = "xlsx"
)

func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case "", FormatJSON:
		return FormatJSON, nil
	case FormatXLSX:
		return FormatXLSX, nil
	default:
		return "", fmt.Errorf("unknown report format %q (want %q or %q)", s, FormatJSON, FormatXLSX)
	}
}

// Write renders the report in the given format.
func Write(w io.Writer, format Format, report *analysis.Report) error {
	if report == nil {
		return fmt.Errorf("report is required")
	}

	switch format {
	case FormatJSON, "":
		return WriteJSON(w, report)
	case FormatXLSX:
		return WriteXLSX(w, report)
	default:
		return fmt.Errorf("unknown report format %q", format)
	}
}

func WriteJSON(w io.Writer, report *analysis.Report) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	return nil
}
