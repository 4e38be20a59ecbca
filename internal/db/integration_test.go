//go:build integration

package db

import (
	"context"
	"testing"
	"time"

	"github.com/Harvey-AU/listing-harvester/internal/crawler"
	"github.com/Harvey-AU/listing-harvester/internal/scheduler"
	"github.com/Harvey-AU/listing-harvester/internal/testutil"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResultStoreRoundTrip(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	db, err := InitFromURLWithRetry(ctx, testutil.DatabaseURL(t), "test", true)
	require.NoError(t, err)
	defer db.Close()

	cycleID := uuid.NewString()
	pageURL := "https://listings.example.com/item/" + cycleID

	require.NoError(t, db.HandleSuccess(ctx, cycleID, crawler.Result{
		URL:         pageURL,
		Success:     true,
		StatusCode:  200,
		Body:        []byte("<html>listing</html>"),
		ContentType: "text/html",
		ProxyID:     "10.0.0.1:8080",
		Attempts:    1,
		Duration:    250 * time.Millisecond,
	}))
	require.NoError(t, db.HandleFailure(ctx, cycleID, crawler.Result{
		URL:      pageURL + "/missing",
		Attempts: 3,
		Failure:  crawler.FailureTimeout,
		Error:    "timeout",
		Tried:    []string{"10.0.0.1:8080", "10.0.0.2:8080", "10.0.0.3:8080"},
	}))

	started := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, db.RecordCycle(ctx, scheduler.CycleState{
		ID:         cycleID,
		Status:     scheduler.CycleCompleted,
		Stage:      1,
		Total:      2,
		Attempted:  2,
		Succeeded:  1,
		Failed:     1,
		StartedAt:  started,
		FinishedAt: started.Add(time.Minute),
	}))

	var bodySize int
	require.NoError(t, db.GetDB().QueryRowContext(ctx,
		`SELECT body_size FROM fetched_pages WHERE url = $1`, pageURL).Scan(&bodySize))
	assert.Equal(t, len("<html>listing</html>"), bodySize)

	counts, err := db.FailureCounts(ctx, cycleID)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[crawler.FailureTimeout])

	cycles, err := db.RecentCycles(ctx, 100)
	require.NoError(t, err)
	found := false
	for _, c := range cycles {
		if c.ID == cycleID {
			found = true
			assert.Equal(t, scheduler.CycleCompleted, c.Status)
			assert.InDelta(t, 100.0, c.Percentage, 0.001)
		}
	}
	assert.True(t, found, "recorded cycle should be listed")
}
