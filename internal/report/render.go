package report

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"gopkg.in/yaml.v3"
)

// Format selects a summary renderer.
type Format string

const (
	FormatTable Format = "table"
	FormatJSON  Format = "json"
	FormatYAML  Format = "yaml"
)

// ParseFormat validates a --report flag value.
func ParseFormat(s string) (Format, error) {
	switch Format(s) {
	case FormatTable, FormatJSON, FormatYAML:
		return Format(s), nil
	case "":
		return FormatTable, nil
	default:
		return "", eris.Errorf("report: unknown format %q (valid: table, json, yaml)", s)
	}
}

// Write renders summaries to w in the given format.
func Write(w io.Writer, format Format, summaries []Summary) error {
	switch format {
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return eris.Wrap(enc.Encode(summaries), "report: encode json")
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(summaries); err != nil {
			return eris.Wrap(err, "report: encode yaml")
		}
		return eris.Wrap(enc.Close(), "report: close yaml encoder")
	default:
		return WriteTable(w, summaries)
	}
}

// WriteTable writes a human-readable summary per stage.
func WriteTable(out io.Writer, summaries []Summary) error {
	p := message.NewPrinter(language.English)
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)

	for i, s := range summaries {
		if i > 0 {
			_, _ = fmt.Fprintln(w)
		}
		_, _ = p.Fprintf(w, "STAGE %s\tpairs %d\n", s.Stage, s.Pairs)
		for _, o := range s.Outcomes {
			_, _ = p.Fprintf(w, "  %s\t%d\n", o.Name, o.Count)
		}
		if len(s.Errors) == 0 {
			_, _ = fmt.Fprintln(w, "  no errors")
			continue
		}
		_, _ = fmt.Fprintln(w, "  ERROR\tCOUNT\tTOP PRODUCTS\tTOP DATES")
		for _, c := range s.Errors {
			_, _ = p.Fprintf(w, "  %s\t%d\t%s\t%s\n", c.Name, c.Count, joinCounts(p, c.TopProducts), joinCounts(p, c.TopDates))
		}
	}
	return eris.Wrap(w.Flush(), "report: flush table")
}

func joinCounts(p *message.Printer, counts []Count) string {
	if len(counts) == 0 {
		return "-"
	}
	out := ""
	for i, c := range counts {
		if i > 0 {
			out += ", "
		}
		out += p.Sprintf("%s (%d)", c.Name, c.Count)
	}
	return out
}

// WriteXLSX exports summaries as a workbook with one sheet per stage.
func WriteXLSX(path string, summaries []Summary) error {
	f := xlsx.NewFile()
	for _, s := range summaries {
		sheet, err := f.AddSheet(sheetName(s.Stage))
		if err != nil {
			return eris.Wrapf(err, "report: add sheet %s", s.Stage)
		}
		addRow(sheet, "kind", "name", "count", "top products", "top dates")
		addRow(sheet, "pairs", s.Stage, s.Pairs)
		for _, o := range s.Outcomes {
			addRow(sheet, "outcome", o.Name, o.Count)
		}
		for _, c := range s.Errors {
			addRow(sheet, "error", c.Name, c.Count, plainCounts(c.TopProducts), plainCounts(c.TopDates))
		}
	}
	if err := f.Save(path); err != nil {
		return eris.Wrapf(err, "report: save %s", path)
	}
	return nil
}

func addRow(sheet *xlsx.Sheet, values ...any) {
	row := sheet.AddRow()
	for _, v := range values {
		cell := row.AddCell()
		switch x := v.(type) {
		case int:
			cell.SetInt(x)
		case string:
			cell.SetString(x)
		default:
			cell.SetString(fmt.Sprint(x))
		}
	}
}

func plainCounts(counts []Count) string {
	out := ""
	for i, c := range counts {
		if i > 0 {
			out += ", "
		}
		out += fmt.Sprintf("%s (%d)", c.Name, c.Count)
	}
	return out
}

// sheetName trims to the 31 character sheet name limit.
func sheetName(stage string) string {
	if stage == "" {
		return "stage"
	}
	if len(stage) > 31 {
		return stage[:31]
	}
	return stage
}
