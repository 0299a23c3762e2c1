package report

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTally_Counts(t *testing.T) {
	tally := NewTally("pricing")
	tally.SetPairs(4)
	tally.Observe("conversion")
	tally.Observe("conversion")
	tally.Observe("no_event")
	tally.Add("datetime_parse_error", "weekly", "2025-01-01")

	assert.Equal(t, "pricing", tally.Stage())
	assert.Equal(t, 4, tally.Pairs())
	assert.Equal(t, 2, tally.Outcomes("conversion"))
	assert.Equal(t, 0, tally.Outcomes("inherited_prior"))
	assert.Equal(t, 1, tally.Errors("datetime_parse_error"))
	assert.Equal(t, 1, tally.TotalErrors())
	assert.Equal(t, 4, tally.Total())
}

func TestTally_TopOrdering(t *testing.T) {
	tally := NewTally("valuation")
	for _, p := range []string{"monthly", "weekly", "weekly", "annual", "annual", "annual"} {
		tally.Add("missing_credited_date", p, "")
	}
	tally.Add("missing_credited_date", "", "")

	assert.Equal(t, []Count{{Name: "annual", Count: 3}, {Name: "weekly", Count: 2}}, tally.Summary(2).Errors[0].TopProducts)
	assert.Len(t, tally.Summary(0).Errors[0].TopProducts, 3)
	assert.Len(t, tally.Summary(5).Errors, 1)
	assert.Equal(t, 7, tally.Errors("missing_credited_date"))
}

func TestTally_TopTiesByName(t *testing.T) {
	tally := NewTally("lifecycle")
	tally.Add("trial_without_start", "b", "")
	tally.Add("trial_without_start", "a", "")

	assert.Equal(t, []Count{{Name: "a", Count: 1}, {Name: "b", Count: 1}}, tally.Summary(0).Errors[0].TopProducts)
}

func TestTally_Summary(t *testing.T) {
	tally := NewTally("valuation")
	tally.SetPairs(3)
	tally.Observe("final_value")
	tally.Add("invalid_credited_date", "weekly", "2025-13-01")
	tally.Add("invalid_credited_date", "weekly", "2025-13-01")
	tally.Add("no_subscription_start_event", "monthly", "")

	s := tally.Summary(1)
	assert.Equal(t, "valuation", s.Stage)
	assert.Equal(t, 3, s.Pairs)
	assert.Equal(t, []Count{{Name: "final_value", Count: 1}}, s.Outcomes)
	require.Len(t, s.Errors, 2)
	assert.Equal(t, "invalid_credited_date", s.Errors[0].Name)
	assert.Equal(t, 2, s.Errors[0].Count)
	assert.Equal(t, []Count{{Name: "weekly", Count: 2}}, s.Errors[0].TopProducts)
	assert.Equal(t, []Count{{Name: "2025-13-01", Count: 2}}, s.Errors[0].TopDates)
	assert.Nil(t, s.Errors[1].TopDates)
}

func TestTally_Merge(t *testing.T) {
	a := NewTally("pricing")
	a.SetPairs(2)
	a.Observe("conversion")
	a.Add("datetime_parse_error", "weekly", "")

	b := NewTally("pricing")
	b.SetPairs(3)
	b.Observe("conversion")
	b.Observe("no_event")
	b.Add("datetime_parse_error", "weekly", "2025-01-01")

	a.Merge(b)
	a.Merge(nil)
	a.Merge(a)

	assert.Equal(t, 5, a.Pairs())
	assert.Equal(t, 2, a.Outcomes("conversion"))
	assert.Equal(t, 1, a.Outcomes("no_event"))
	assert.Equal(t, 2, a.Errors("datetime_parse_error"))
	assert.Equal(t, []Count{{Name: "weekly", Count: 2}}, a.Summary(0).Errors[0].TopProducts)
	assert.Equal(t, []Count{{Name: "2025-01-01", Count: 1}}, a.Summary(0).Errors[0].TopDates)
}

func TestTally_Metadata(t *testing.T) {
	tally := NewTally("lifecycle")
	tally.SetPairs(2)
	tally.Observe("valid")
	tally.Add("trial_without_start", "weekly", "")

	md := tally.Metadata()
	assert.Equal(t, 2, md["pairs"])
	assert.Equal(t, map[string]int{"valid": 1}, md["outcomes"])
	assert.Equal(t, map[string]int{"trial_without_start": 1}, md["errors"])

	// The snapshot is detached from the tally.
	tally.Observe("valid")
	assert.Equal(t, map[string]int{"valid": 1}, md["outcomes"])
}

func TestTally_Concurrent(t *testing.T) {
	tally := NewTally("pricing")
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 100 {
				tally.Observe("conversion")
				tally.Add("datetime_parse_error", "weekly", "2025-01-01")
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 800, tally.Outcomes("conversion"))
	assert.Equal(t, 800, tally.Errors("datetime_parse_error"))
}
