// Package ingest loads pre-staged event, credited date and rate exports.
// Malformed rows are rejected and tallied; only unreadable input or a
// missing required column fails the import.
package ingest

import (
	"context"
	"io"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/sells-group/revenue-engine/internal/fetcher"
	"github.com/sells-group/revenue-engine/internal/model"
	"github.com/sells-group/revenue-engine/internal/report"
)

// Rejection categories.
const (
	RejectMissingKey     = "missing_key"
	RejectUnknownEvent   = "unknown_event_name"
	RejectInvalidRevenue = "invalid_revenue"
	RejectInvalidRate    = "invalid_rate"
	RejectMissingDate    = "missing_credited_date"
	RejectShortRow       = "short_row"
)

// Tally stage names of the importers.
const (
	EventsImport   = "import_events"
	RatesImport    = "import_rates"
	CreditedImport = "import_credited"
)

var (
	eventColumns    = []string{"user_id", "product_id", "country", "event_name", "event_time", "revenue"}
	rateColumns     = []string{"user_id", "product_id", "trial_conversion_rate", "trial_converted_to_refund_rate", "initial_purchase_to_refund_rate"}
	creditedColumns = []string{"user_id", "product_id", "credited_date"}
)

var defaultOptions = fetcher.Options{TrimSpace: true, Comment: '#'}

// record is a data row addressed by header name.
type record struct {
	fields []string
	index  map[string]int
}

func (r record) get(col string) string {
	i, ok := r.index[col]
	if !ok || i >= len(r.fields) {
		return ""
	}
	return r.fields[i]
}

// readTable consumes a row stream whose first row is the header. fn returns
// a rejection category, or "" to accept the row.
func readTable(ctx context.Context, rowCh <-chan fetcher.Row, errCh <-chan error, required []string, tally *report.Tally, fn func(record) (reason, product string)) error {
	log := zap.L().With(zap.String("component", "ingest"), zap.String("import", tally.Stage()))

	var index map[string]int
	var headerErr error
	rows := 0
	for row := range rowCh {
		if headerErr != nil {
			continue
		}
		if index == nil {
			index, headerErr = headerIndex(row.Fields, required)
			continue
		}
		rows++
		rec := record{fields: row.Fields, index: index}
		if len(row.Fields) < len(index) {
			tally.Add(RejectShortRow, "", "")
			log.Debug("row rejected", zap.Int("line", row.Line), zap.String("reason", RejectShortRow))
			continue
		}
		reason, product := fn(rec)
		if reason != "" {
			tally.Add(reason, product, "")
			log.Debug("row rejected", zap.Int("line", row.Line), zap.String("reason", reason))
			continue
		}
		tally.Observe("accepted")
	}
	for err := range errCh {
		if err != nil {
			return eris.Wrapf(err, "ingest: %s", tally.Stage())
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if headerErr != nil {
		return headerErr
	}
	if index == nil {
		return eris.Errorf("ingest: %s: empty input", tally.Stage())
	}
	tally.SetPairs(rows)
	return nil
}

func headerIndex(header, required []string) (map[string]int, error) {
	index := make(map[string]int, len(header))
	for i, h := range header {
		index[strings.ToLower(strings.TrimPrefix(h, "\ufeff"))] = i
	}
	var missing []string
	for _, col := range required {
		if _, ok := index[col]; !ok {
			missing = append(missing, col)
		}
	}
	if len(missing) > 0 {
		return nil, eris.Errorf("ingest: missing required columns: %s", strings.Join(missing, ", "))
	}
	return index, nil
}

func pairKey(rec record) (model.PairKey, bool) {
	k := model.PairKey{UserID: rec.get("user_id"), ProductID: rec.get("product_id")}
	return k, k.UserID != "" && k.ProductID != ""
}

// ReadEventsCSV parses an event export. Event times are kept exactly as
// delivered; an empty revenue is zero.
func ReadEventsCSV(ctx context.Context, r io.Reader) ([]model.Event, *report.Tally, error) {
	rowCh, errCh := fetcher.StreamCSV(ctx, r, defaultOptions)
	return readEvents(ctx, rowCh, errCh)
}

// ReadEventsFile parses an event export from a CSV or XLSX file.
func ReadEventsFile(ctx context.Context, path string) ([]model.Event, *report.Tally, error) {
	rowCh, errCh := fetcher.Open(ctx, path, defaultOptions)
	return readEvents(ctx, rowCh, errCh)
}

func readEvents(ctx context.Context, rowCh <-chan fetcher.Row, errCh <-chan error) ([]model.Event, *report.Tally, error) {
	tally := report.NewTally(EventsImport)
	var events []model.Event
	err := readTable(ctx, rowCh, errCh, eventColumns, tally, func(rec record) (string, string) {
		k, ok := pairKey(rec)
		if !ok {
			return RejectMissingKey, k.ProductID
		}
		name, err := model.ParseEventName(rec.get("event_name"))
		if err != nil {
			return RejectUnknownEvent, k.ProductID
		}
		revenue := decimal.Zero
		if raw := rec.get("revenue"); raw != "" {
			if revenue, err = decimal.NewFromString(raw); err != nil {
				return RejectInvalidRevenue, k.ProductID
			}
		}
		events = append(events, model.Event{
			UserID:    k.UserID,
			ProductID: k.ProductID,
			Country:   rec.get("country"),
			Name:      name,
			RawTime:   rec.get("event_time"),
			Revenue:   revenue,
		})
		return "", ""
	})
	if err != nil {
		return nil, nil, err
	}
	return events, tally, nil
}

// ReadRatesCSV parses a rate profile export. Every rate must be within [0,1].
func ReadRatesCSV(ctx context.Context, r io.Reader) ([]model.PairRates, *report.Tally, error) {
	rowCh, errCh := fetcher.StreamCSV(ctx, r, defaultOptions)
	return readRates(ctx, rowCh, errCh)
}

// ReadRatesFile parses a rate profile export from a CSV or XLSX file.
func ReadRatesFile(ctx context.Context, path string) ([]model.PairRates, *report.Tally, error) {
	rowCh, errCh := fetcher.Open(ctx, path, defaultOptions)
	return readRates(ctx, rowCh, errCh)
}

func readRates(ctx context.Context, rowCh <-chan fetcher.Row, errCh <-chan error) ([]model.PairRates, *report.Tally, error) {
	tally := report.NewTally(RatesImport)
	var rates []model.PairRates
	err := readTable(ctx, rowCh, errCh, rateColumns, tally, func(rec record) (string, string) {
		k, ok := pairKey(rec)
		if !ok {
			return RejectMissingKey, k.ProductID
		}
		var vals [3]decimal.Decimal
		for i, col := range rateColumns[2:] {
			v, err := decimal.NewFromString(rec.get(col))
			if err != nil {
				return RejectInvalidRate, k.ProductID
			}
			vals[i] = v
		}
		p := model.RateProfile{TrialConversionRate: vals[0], TrialRefundRate: vals[1], PurchaseRefundRate: vals[2]}
		if p.Validate() != nil {
			return RejectInvalidRate, k.ProductID
		}
		rates = append(rates, model.PairRates{PairKey: k, RateProfile: p})
		return "", ""
	})
	if err != nil {
		return nil, nil, err
	}
	return rates, tally, nil
}

// ReadPairsCSV parses a credited date export. Dates are stored as given;
// unparsable ones surface later as invalid credited dates.
func ReadPairsCSV(ctx context.Context, r io.Reader) ([]model.CreditedDate, *report.Tally, error) {
	rowCh, errCh := fetcher.StreamCSV(ctx, r, defaultOptions)
	return readPairs(ctx, rowCh, errCh)
}

// ReadPairsFile parses a credited date export from a CSV or XLSX file.
func ReadPairsFile(ctx context.Context, path string) ([]model.CreditedDate, *report.Tally, error) {
	rowCh, errCh := fetcher.Open(ctx, path, defaultOptions)
	return readPairs(ctx, rowCh, errCh)
}

func readPairs(ctx context.Context, rowCh <-chan fetcher.Row, errCh <-chan error) ([]model.CreditedDate, *report.Tally, error) {
	tally := report.NewTally(CreditedImport)
	var dates []model.CreditedDate
	err := readTable(ctx, rowCh, errCh, creditedColumns, tally, func(rec record) (string, string) {
		k, ok := pairKey(rec)
		if !ok {
			return RejectMissingKey, k.ProductID
		}
		d := rec.get("credited_date")
		if d == "" {
			return RejectMissingDate, k.ProductID
		}
		dates = append(dates, model.CreditedDate{PairKey: k, Date: d})
		return "", ""
	})
	if err != nil {
		return nil, nil, err
	}
	return dates, tally, nil
}
