package report

import (
	"bytes"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tealeg/xlsx/v2"
	"gopkg.in/yaml.v3"
)

func sampleSummaries() []Summary {
	lifecycle := NewTally("lifecycle")
	lifecycle.SetPairs(1200)
	lifecycle.Observe("valid")

	valuation := NewTally("valuation")
	valuation.SetPairs(3)
	valuation.Observe("final_value")
	valuation.Add("missing_credited_date", "weekly", "")
	valuation.Add("invalid_credited_date", "monthly", "2025-13-01")

	return []Summary{lifecycle.Summary(5), valuation.Summary(5)}
}

func TestParseFormat(t *testing.T) {
	tests := []struct {
		in      string
		want    Format
		wantErr bool
	}{
		{in: "", want: FormatTable},
		{in: "table", want: FormatTable},
		{in: "json", want: FormatJSON},
		{in: "yaml", want: FormatYAML},
		{in: "csv", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseFormat(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), "unknown format")
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestWriteTable(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, FormatTable, sampleSummaries()))
	out := buf.String()

	assert.Contains(t, out, "STAGE lifecycle")
	assert.Contains(t, out, "pairs 1,200")
	assert.Contains(t, out, "no errors")
	assert.Contains(t, out, "STAGE valuation")
	assert.Contains(t, out, "ERROR")
	assert.Contains(t, out, "invalid_credited_date")
	assert.Contains(t, out, "monthly (1)")
	assert.Contains(t, out, "2025-13-01 (1)")
}

func TestWriteJSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, FormatJSON, sampleSummaries()))

	var got []Summary
	require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
	assert.Equal(t, sampleSummaries(), got)
}

func TestWriteYAML(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, FormatYAML, sampleSummaries()))
	assert.Contains(t, buf.String(), "stage: valuation")

	var got []Summary
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &got))
	require.Len(t, got, 2)
	assert.Equal(t, 1200, got[0].Pairs)
}

func TestWriteXLSX(t *testing.T) {
	path := filepath.Join(t.TempDir(), "summary.xlsx")
	require.NoError(t, WriteXLSX(path, sampleSummaries()))

	f, err := xlsx.OpenFile(path)
	require.NoError(t, err)
	require.Len(t, f.Sheets, 2)

	sheet := f.Sheet["valuation"]
	require.NotNil(t, sheet)
	require.GreaterOrEqual(t, len(sheet.Rows), 5)
	assert.Equal(t, "kind", sheet.Rows[0].Cells[0].String())
	assert.Equal(t, "pairs", sheet.Rows[1].Cells[0].String())
	assert.Equal(t, "3", sheet.Rows[1].Cells[2].String())
	assert.Equal(t, "error", sheet.Rows[3].Cells[0].String())
}

func TestSheetName(t *testing.T) {
	assert.Equal(t, "stage", sheetName(""))
	assert.Equal(t, "pricing", sheetName("pricing"))
	assert.Len(t, sheetName("a_stage_name_that_is_far_too_long_for_excel"), 31)
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("disk full") }

func TestWriteTable_WriterError(t *testing.T) {
	err := Write(failingWriter{}, FormatTable, sampleSummaries()[1:])
	require.Error(t, err)
	assert.Contains(t, err.Error(), "flush table")
}
