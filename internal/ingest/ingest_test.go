package ingest

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/revenue-engine/internal/model"
	"github.com/sells-group/revenue-engine/internal/report"
)

func TestReadEventsCSV(t *testing.T) {
	input := `user_id,product_id,country,event_name,event_time,revenue
u1,p1,US,Trial started,2025-01-01T00:00:00Z,
u1,p1,US,Trial converted,2025-01-05 10:00:00,9.99
u2,p1,DE,Upgrade,2025-01-05,1
,p1,US,Renewal,2025-01-05,1
u3,p1,US,Initial purchase,not-a-date,abc
u4,p1,US,Cancellation,2025-02-01,-4.99
u5,p1
`
	events, tally, err := ReadEventsCSV(context.Background(), strings.NewReader(input))
	require.NoError(t, err)
	require.Len(t, events, 3)

	assert.Equal(t, model.EventTrialStarted, events[0].Name)
	assert.True(t, events[0].Revenue.IsZero())
	assert.Equal(t, "2025-01-05 10:00:00", events[1].RawTime)
	assert.Equal(t, "9.99", events[1].Revenue.String())
	assert.Equal(t, "-4.99", events[2].Revenue.String())

	assert.Equal(t, 7, tally.Pairs())
	assert.Equal(t, 3, tally.Outcomes("accepted"))
	assert.Equal(t, 1, tally.Errors(RejectUnknownEvent))
	assert.Equal(t, 1, tally.Errors(RejectMissingKey))
	assert.Equal(t, 1, tally.Errors(RejectInvalidRevenue))
	assert.Equal(t, 1, tally.Errors(RejectShortRow))
}

func TestReadEventsCSV_HeaderOrderAndCase(t *testing.T) {
	input := "\ufeffRevenue,Event_Time,Event_Name,Country,Product_ID,User_ID,extra\n4.99,2025-01-01,Initial purchase,US,p1,u1,x\n"
	events, _, err := ReadEventsCSV(context.Background(), strings.NewReader(input))
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "u1", events[0].UserID)
	assert.Equal(t, "4.99", events[0].Revenue.String())
}

func TestReadEventsCSV_MissingColumns(t *testing.T) {
	_, _, err := ReadEventsCSV(context.Background(), strings.NewReader("user_id,product_id\nu1,p1\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing required columns: country, event_name, event_time, revenue")
}

func TestReadEventsCSV_Empty(t *testing.T) {
	_, _, err := ReadEventsCSV(context.Background(), strings.NewReader(""))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "empty input")
}

func TestReadEventsCSV_MalformedInput(t *testing.T) {
	input := "user_id,product_id,country,event_name,event_time,revenue\nu1,\"p1,US\n"
	_, _, err := ReadEventsCSV(context.Background(), strings.NewReader(input))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ingest: import_events")
}

func TestReadRatesCSV(t *testing.T) {
	input := `user_id,product_id,trial_conversion_rate,trial_converted_to_refund_rate,initial_purchase_to_refund_rate
u1,p1,0.3,0.1,0.4
u2,p1,1.2,0.1,0.4
u3,p1,0.3,,0.4
`
	rates, tally, err := ReadRatesCSV(context.Background(), strings.NewReader(input))
	require.NoError(t, err)
	require.Len(t, rates, 1)
	assert.Equal(t, "0.3", rates[0].TrialConversionRate.String())
	assert.Equal(t, "0.4", rates[0].PurchaseRefundRate.String())
	assert.Equal(t, 2, tally.Errors(RejectInvalidRate))
	assert.Equal(t, []string{"p1"}, names(tally.Summary(5).Errors[0].TopProducts))
}

func TestReadPairsCSV(t *testing.T) {
	input := `# credited dates for the March backfill
user_id,product_id,credited_date
u1,p1,2025-01-01
u2,p1,
u3,p1,01/02/2025
`
	dates, tally, err := ReadPairsCSV(context.Background(), strings.NewReader(input))
	require.NoError(t, err)
	require.Len(t, dates, 2)
	assert.Equal(t, "2025-01-01", dates[0].Date)
	assert.Equal(t, "01/02/2025", dates[1].Date, "kept as given")
	assert.Equal(t, 1, tally.Errors(RejectMissingDate))
}

func TestReadEventsFile_XLSX(t *testing.T) {
	f := xlsx.NewFile()
	sheet, err := f.AddSheet("events")
	require.NoError(t, err)
	for _, r := range [][]string{
		{"user_id", "product_id", "country", "event_name", "event_time", "revenue"},
		{"u1", "p1", "US", "Initial purchase", "2025-01-01", "4.99"},
	} {
		row := sheet.AddRow()
		for _, v := range r {
			row.AddCell().SetString(v)
		}
	}
	path := filepath.Join(t.TempDir(), "events.xlsx")
	require.NoError(t, f.Save(path))

	events, tally, err := ReadEventsFile(context.Background(), path)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, model.EventInitialPurchase, events[0].Name)
	assert.Equal(t, 1, tally.Outcomes("accepted"))
}

func TestReadRatesFile_Missing(t *testing.T) {
	_, _, err := ReadRatesFile(context.Background(), filepath.Join(t.TempDir(), "rates.csv"))
	require.Error(t, err)
}

func names(counts []report.Count) []string {
	out := make([]string, len(counts))
	for i, c := range counts {
		out[i] = c.Name
	}
	return out
}
