package pricing

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/revenue-engine/internal/model"
)

func tev(user, country string, name model.EventName, at, revenue string) model.Event {
	e := model.Event{UserID: user, ProductID: "p1", Country: country, Name: name, RawTime: at}
	if revenue != "" {
		e.Revenue = decimal.RequireFromString(revenue)
	}
	return e
}

func day(s string) time.Time {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return t
}

func marketEvents() []model.Event {
	return []model.Event{
		tev("u1", "US", model.EventTrialStarted, "2025-01-01", ""),
		tev("u1", "US", model.EventTrialConverted, "2025-01-05", "9.99"),
		tev("u2", "US", model.EventTrialStarted, "2025-01-02", ""),
		tev("u2", "US", model.EventTrialConverted, "2025-01-06", "10.49"),
		tev("u3", "US", model.EventTrialStarted, "2025-01-10", ""),
		tev("u4", "US", model.EventTrialStarted, "2025-01-01", ""),
		tev("u5", "US", model.EventInitialPurchase, "2025-01-02", "49.99"),
		tev("u6", "US", model.EventCancellation, "2025-01-03", ""),
		tev("u7", "DE", model.EventTrialStarted, "2025-01-01", ""),
		tev("u8", "US", model.EventTrialStarted, "not-a-time", ""),
	}
}

func TestAssign_EveryType(t *testing.T) {
	pairs := PrepareEvents(model.GroupByPair(marketEvents()), nil)
	require.Len(t, pairs, 8)

	got, tally, err := Assigner{Config: DefaultClusterConfig(), Workers: 2}.Assign(context.Background(), pairs)
	require.NoError(t, err)
	require.Len(t, got, 8)

	tc, ip := model.EventTrialConverted, model.EventInitialPurchase
	tests := []struct {
		user      string
		typ       model.AssignmentType
		bucket    string
		inherited *model.EventName
	}{
		{"u1", model.AssignConversion, "10.24", nil},
		{"u2", model.AssignConversion, "10.24", nil},
		{"u3", model.AssignInheritedPrior, "10.24", &tc},
		{"u4", model.AssignInheritedClosest, "49.99", &ip},
		{"u5", model.AssignConversion, "49.99", nil},
		{"u6", model.AssignNoEvent, "0", nil},
		{"u7", model.AssignNoConversionsEver, "0", nil},
		{"u8", model.AssignNoEvent, "0", nil},
	}
	for i, tt := range tests {
		t.Run(tt.user, func(t *testing.T) {
			a := got[i]
			assert.Equal(t, tt.user, a.UserID)
			assert.Equal(t, tt.typ, a.AssignmentType)
			assert.True(t, decimal.RequireFromString(tt.bucket).Equal(a.PriceBucket), "bucket %s", a.PriceBucket)
			assert.Equal(t, tt.inherited, a.InheritedFromEventType)
		})
	}

	assert.Equal(t, 8, tally.Pairs())
	assert.Equal(t, 3, tally.Outcomes(string(model.AssignConversion)))
	assert.Equal(t, 1, tally.Outcomes(string(model.AssignInheritedPrior)))
	assert.Equal(t, 1, tally.Outcomes(string(model.AssignInheritedClosest)))
	assert.Equal(t, 2, tally.Errors(string(model.AssignNoEvent)))
	assert.Equal(t, 1, tally.Errors(string(model.AssignNoConversionsEver)))
	assert.Equal(t, 1, tally.Errors(ErrDatetimeParse))
}

func TestAssign_PositiveBucketIffPositiveType(t *testing.T) {
	pairs := PrepareEvents(model.GroupByPair(marketEvents()), nil)
	got, _, err := Assigner{Config: DefaultClusterConfig()}.Assign(context.Background(), pairs)
	require.NoError(t, err)

	for _, a := range got {
		positive := a.AssignmentType == model.AssignConversion ||
			a.AssignmentType == model.AssignInheritedPrior ||
			a.AssignmentType == model.AssignInheritedClosest
		assert.Equal(t, positive, a.PriceBucket.IsPositive(), a.PairKey.String())
		assert.NotEqual(t, model.AssignNeedsPass2, a.AssignmentType)
		assert.Equal(t, a.AssignmentType == model.AssignInheritedPrior || a.AssignmentType == model.AssignInheritedClosest,
			a.InheritedFromEventType != nil)
	}
}

func TestAssign_Deterministic(t *testing.T) {
	pairs := PrepareEvents(model.GroupByPair(marketEvents()), nil)
	a := Assigner{Config: DefaultClusterConfig(), Workers: 4}
	first, _, err := a.Assign(context.Background(), pairs)
	require.NoError(t, err)
	second, _, err := a.Assign(context.Background(), pairs)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestAssign_OwnRefundIsNotAConversion(t *testing.T) {
	pairs := PrepareEvents(model.GroupByPair([]model.Event{
		tev("u1", "US", model.EventTrialStarted, "2025-01-01", ""),
		tev("u1", "US", model.EventTrialConverted, "2025-01-05", "-9.99"),
	}), nil)
	got, _, err := Assigner{Config: DefaultClusterConfig()}.Assign(context.Background(), pairs)
	require.NoError(t, err)
	assert.Equal(t, model.AssignNoConversionsEver, got[0].AssignmentType)
}

func TestAssign_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	pairs := PrepareEvents(model.GroupByPair(marketEvents()), nil)
	_, _, err := Assigner{Config: DefaultClusterConfig()}.Assign(ctx, pairs)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "build index")
}

func TestPrepareEvents_StoredCountryWins(t *testing.T) {
	hist := model.GroupByPair([]model.Event{
		tev("u1", "US", model.EventTrialConverted, "2025-01-05", "9.99"),
		tev("u1", "US", model.EventTrialStarted, "2025-01-01", ""),
	})
	stored := []model.Pair{
		{PairKey: model.PairKey{UserID: "u1", ProductID: "p1"}, Country: "DE", CreditedDate: "2025-01-01"},
		{PairKey: model.PairKey{UserID: "u0", ProductID: "p1"}, Country: "FR"},
	}

	got := PrepareEvents(hist, stored)
	require.Len(t, got, 2)
	assert.Equal(t, "u0", got[0].UserID)
	assert.Empty(t, got[0].Events)
	assert.Equal(t, "DE", got[1].Country)
	assert.Equal(t, "2025-01-01", got[1].CreditedDate)
	require.Len(t, got[1].Events, 2)
	assert.Equal(t, model.EventTrialStarted, got[1].Events[0].Name)
}

func TestIndex_PriorConvertedIsStrictlyBefore(t *testing.T) {
	pairs := PrepareEvents(model.GroupByPair([]model.Event{
		tev("u1", "US", model.EventTrialConverted, "2025-01-05", "9.99"),
		tev("u2", "US", model.EventTrialConverted, "2025-01-07", "12.99"),
		tev("u3", "US", model.EventInitialPurchase, "2025-01-06", "49.99"),
	}), nil)
	idx, err := BuildIndex(context.Background(), DefaultClusterConfig(), pairs, 1)
	require.NoError(t, err)
	gk := GroupKey{Country: "US", ProductID: "p1"}

	_, ok := idx.PriorConverted(gk, day("2025-01-05"))
	assert.False(t, ok)

	c, ok := idx.PriorConverted(gk, day("2025-01-07"))
	require.True(t, ok)
	assert.Equal(t, "u1", c.UserID, "Initial purchase is never a prior Trial converted")

	c, ok = idx.PriorConverted(gk, day("2025-02-01"))
	require.True(t, ok)
	assert.Equal(t, "u2", c.UserID)

	_, ok = idx.PriorConverted(GroupKey{Country: "DE", ProductID: "p1"}, day("2025-02-01"))
	assert.False(t, ok)
}

func TestIndex_ClosestTieGoesEarlier(t *testing.T) {
	pairs := PrepareEvents(model.GroupByPair([]model.Event{
		tev("u1", "US", model.EventTrialConverted, "2025-01-01", "9.99"),
		tev("u2", "US", model.EventInitialPurchase, "2025-01-05", "49.99"),
	}), nil)
	idx, err := BuildIndex(context.Background(), DefaultClusterConfig(), pairs, 0)
	require.NoError(t, err)
	gk := GroupKey{Country: "US", ProductID: "p1"}

	c, ok := idx.Closest(gk, day("2025-01-03"))
	require.True(t, ok)
	assert.Equal(t, "u1", c.UserID)

	c, ok = idx.Closest(gk, day("2025-01-04"))
	require.True(t, ok)
	assert.Equal(t, model.EventInitialPurchase, c.Name)

	_, ok = idx.Closest(GroupKey{Country: "US", ProductID: "p2"}, day("2025-01-03"))
	assert.False(t, ok)
}

func TestIndex_BucketsPerEventType(t *testing.T) {
	pairs := PrepareEvents(model.GroupByPair([]model.Event{
		tev("u1", "US", model.EventTrialConverted, "2025-01-01", "9.99"),
		tev("u2", "US", model.EventInitialPurchase, "2025-01-05", "10.49"),
	}), nil)
	idx, err := BuildIndex(context.Background(), DefaultClusterConfig(), pairs, 0)
	require.NoError(t, err)
	gk := GroupKey{Country: "US", ProductID: "p1"}

	require.Len(t, idx.Buckets(gk, model.EventTrialConverted), 1)
	require.Len(t, idx.Buckets(gk, model.EventInitialPurchase), 1)

	avg, ok := idx.BucketFor(gk, model.EventTrialConverted, decimal.RequireFromString("9.99"))
	require.True(t, ok)
	assert.Equal(t, "9.99", avg.String())

	_, ok = idx.BucketFor(gk, model.EventTrialConverted, decimal.RequireFromString("10.49"))
	assert.False(t, ok)
}
