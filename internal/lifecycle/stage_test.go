package lifecycle

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/revenue-engine/internal/model"
	"github.com/sells-group/revenue-engine/internal/report"
	"github.com/sells-group/revenue-engine/internal/store"
)

func pairEvent(user string, name model.EventName, at, revenue string) model.Event {
	e := ev(name, at, revenue)
	e.UserID = user
	return e
}

func TestNewPairs(t *testing.T) {
	hist := model.GroupByPair([]model.Event{
		pairEvent("u2", model.EventTrialStarted, "2025-01-01", ""),
		pairEvent("u1", model.EventInitialPurchase, "2025-01-01", "4.99"),
	})
	existing := []model.Pair{{PairKey: model.PairKey{UserID: "u1", ProductID: "p1"}}}

	fresh := NewPairs(hist, existing)
	require.Len(t, fresh, 1)
	assert.Equal(t, "u2", fresh[0].UserID)
	assert.Equal(t, "US", fresh[0].Country)
}

func TestStage_Classify(t *testing.T) {
	hist := model.GroupByPair([]model.Event{
		pairEvent("u1", model.EventTrialStarted, "2025-01-01", ""),
		pairEvent("u1", model.EventTrialConverted, "2025-01-05", "9.99"),
		pairEvent("u2", model.EventTrialStarted, "2025-01-01", ""),
		pairEvent("u2", model.EventTrialStarted, "2025-01-02", ""),
	})
	pairs := []model.Pair{
		{PairKey: model.PairKey{UserID: "u2", ProductID: "p1"}, CreditedDate: "2025-01-01"},
		{PairKey: model.PairKey{UserID: "u3", ProductID: "p1"}},
	}

	results, tally := NewStage(0).Classify(hist, pairs, now)
	require.Len(t, results, 3)
	assert.Equal(t, "u1", results[0].UserID)
	assert.True(t, results[0].Valid)
	assert.Equal(t, ReasonMultipleTrialStarts, results[1].Reason)
	assert.Equal(t, ReasonNoEvents, results[2].Reason)

	assert.Equal(t, 3, tally.Pairs())
	assert.Equal(t, 1, tally.Outcomes(OutcomeValid))
	assert.Equal(t, 1, tally.Errors(ReasonMultipleTrialStarts))
	assert.Equal(t, 1, tally.Errors(ReasonNoEvents))

	s := tally.Summary(5)
	require.Len(t, s.Errors, 2)
	for _, c := range s.Errors {
		if c.Name == ReasonMultipleTrialStarts {
			assert.Equal(t, []string{"2025-01-01"}, names(c.TopDates))
		}
	}
}

func names(counts []report.Count) []string {
	out := make([]string, len(counts))
	for i, c := range counts {
		out[i] = c.Name
	}
	return out
}

func TestStage_Run_SQLite(t *testing.T) {
	ctx := context.Background()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "lifecycle.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(ctx))

	_, err = st.InsertEvents(ctx, []model.Event{
		pairEvent("u1", model.EventTrialStarted, "2025-01-01", ""),
		pairEvent("u1", model.EventTrialConverted, "2025-01-05", "9.99"),
		pairEvent("u2", model.EventTrialConverted, "2025-01-05", "9.99"),
	})
	require.NoError(t, err)

	stage := NewStage(MaxTrialDays)
	assert.Equal(t, StageName, stage.Name())

	tally, err := stage.Run(ctx, st, now)
	require.NoError(t, err)
	assert.Equal(t, 2, tally.Pairs())

	first, err := st.ListPairs(ctx)
	require.NoError(t, err)
	require.Len(t, first, 2)
	assert.Equal(t, "US", first[0].Country)
	require.NotNil(t, first[0].ValidLifecycle)
	assert.True(t, *first[0].ValidLifecycle)
	assert.Equal(t, model.StatusTrialConverted, first[0].CurrentStatus)
	require.NotNil(t, first[1].ValidLifecycle)
	assert.False(t, *first[1].ValidLifecycle)
	assert.Equal(t, ReasonTrialConvertedWithoutStart, first[1].LifecycleReason)

	_, err = stage.Run(ctx, st, now)
	require.NoError(t, err)
	second, err := st.ListPairs(ctx)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}
