package pricing

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/revenue-engine/internal/model"
	"github.com/sells-group/revenue-engine/internal/store"
)

func TestStage_Run_SQLite(t *testing.T) {
	ctx := context.Background()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "pricing.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(ctx))

	events := marketEvents()
	_, err = st.InsertEvents(ctx, events)
	require.NoError(t, err)

	var fresh []model.NewPair
	for _, k := range model.GroupByPair(events).Keys {
		fresh = append(fresh, model.NewPair{PairKey: k, Country: "US"})
	}
	fresh[6].Country = "DE"
	_, err = st.EnsurePairs(ctx, fresh)
	require.NoError(t, err)

	stage := NewStage(DefaultClusterConfig(), 2)
	assert.Equal(t, StageName, stage.Name())

	tally, err := stage.Run(ctx, st, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 8, tally.Pairs())

	first, err := st.ListPairs(ctx)
	require.NoError(t, err)
	require.Len(t, first, 8)
	assert.Equal(t, model.AssignConversion, first[0].AssignmentType)
	assert.Equal(t, "10.24", first[0].Bucket().String())
	assert.Equal(t, model.AssignInheritedPrior, first[2].AssignmentType)
	require.NotNil(t, first[2].InheritedFromEventType)
	assert.Equal(t, model.EventTrialConverted, *first[2].InheritedFromEventType)
	assert.Equal(t, model.AssignNoConversionsEver, first[6].AssignmentType)
	assert.True(t, first[6].Bucket().IsZero())

	_, err = stage.Run(ctx, st, time.Time{})
	require.NoError(t, err)
	second, err := st.ListPairs(ctx)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}
