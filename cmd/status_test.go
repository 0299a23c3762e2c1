package main

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/revenue-engine/internal/store"
)

func TestFormatStatusEntries(t *testing.T) {
	started := time.Date(2025, 6, 15, 10, 30, 0, 0, time.UTC)
	completed := started.Add(1500 * time.Millisecond)
	runs := []store.RunEntry{
		{
			ID:          "abc12345-6789-0000-0000-000000000000",
			Stage:       "pricing",
			Status:      store.RunComplete,
			StartedAt:   started,
			CompletedAt: &completed,
			Pairs:       42,
		},
		{
			ID:        "def12345-6789-0000-0000-000000000000",
			Stage:     "valuation",
			Status:    store.RunFailed,
			StartedAt: started.Add(time.Minute),
			Error:     "store: swap values: " + strings.Repeat("x", 80),
		},
	}

	var buf bytes.Buffer
	require.NoError(t, formatStatusEntries(&buf, runs))
	out := buf.String()

	assert.Contains(t, out, "STAGE")
	assert.Contains(t, out, "abc12345")
	assert.NotContains(t, out, "abc12345-6789")
	assert.Contains(t, out, "pricing")
	assert.Contains(t, out, "complete")
	assert.Contains(t, out, "1.5s")
	assert.Contains(t, out, "42")
	assert.Contains(t, out, "2025-06-15 10:30:00")
	assert.Contains(t, out, "failed")
	assert.Contains(t, out, "...")
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abcd...", truncate("abcdefghij", 7))
	assert.Equal(t, "ab", truncate("abcdef", 2))
}

func TestStatusCommand_SQLite(t *testing.T) {
	useSQLite(t)
	importFixtures(t)

	_, err := execute(t, "run", "--now", "2025-02-28", "--stages", "lifecycle")
	require.NoError(t, err)

	out, err := execute(t, "status", "--limit", "5")
	require.NoError(t, err)
	assert.Contains(t, out, "lifecycle")
	assert.Contains(t, out, "complete")
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("broken pipe") }

func TestFormatStatusEntries_WriterError(t *testing.T) {
	runs := []store.RunEntry{{ID: "abc12345", Stage: "lifecycle", Status: store.RunRunning, StartedAt: time.Now()}}
	err := formatStatusEntries(failingWriter{}, runs)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "flush table")
}
