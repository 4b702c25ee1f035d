package history_test

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zjrosen/pestle/internal/history"
	"github.com/zjrosen/pestle/internal/testutil"
	"github.com/zjrosen/pestle/internal/tree"
)

func TestNewDB_CreatesDirectoryAndSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "history.db")

	db, err := history.NewDB(path)
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	// Schema applied: the runs table is queryable.
	_, err = db.Exec(`INSERT INTO runs (id, started_at) VALUES ('r1', CURRENT_TIMESTAMP)`)
	require.NoError(t, err)
}

func TestRunRepository_SaveAndLoad(t *testing.T) {
	repo := history.NewRunRepository(testutil.NewTestDB(t))

	started := time.Now().Add(-time.Minute)
	summary := tree.Summary{Total: 3, Passed: 1, Failed: 1, Skipped: 1, Duration: 120}
	results := map[tree.NodeID]tree.NodeResult{
		"f1.t1": {Status: tree.StatusPassed, Duration: 40},
		"f1.t2": {Status: tree.StatusFailed, Duration: 60, Message: "expected 4 got 5"},
		"f1.t3": {Status: tree.StatusSkipped, Duration: 20},
	}

	runID, err := repo.SaveRun(started, summary, results)
	require.NoError(t, err)
	require.NotEmpty(t, runID)

	runs, err := repo.RecentRuns(10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	require.Equal(t, runID, runs[0].ID)
	require.Equal(t, 3, runs[0].Total)
	require.Equal(t, 1, runs[0].Failed)
	require.Equal(t, 120.0, runs[0].Duration)

	saved, err := repo.ResultsForRun(runID)
	require.NoError(t, err)
	require.Len(t, saved, 3)

	byNode := make(map[string]history.ResultRecord)
	for _, rec := range saved {
		byNode[rec.NodeID] = rec
	}
	require.Equal(t, "failed", byNode["f1.t2"].Status)
	require.Equal(t, "expected 4 got 5", byNode["f1.t2"].Message)
}

func TestRunRepository_RecentRunsNewestFirst(t *testing.T) {
	repo := history.NewRunRepository(testutil.NewTestDB(t))

	base := time.Now().Add(-time.Hour)
	var ids []string
	for i := 0; i < 3; i++ {
		id, err := repo.SaveRun(base.Add(time.Duration(i)*time.Minute), tree.Summary{Total: 1}, nil)
		require.NoError(t, err)
		ids = append(ids, id)
	}

	runs, err := repo.RecentRuns(2)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	require.Equal(t, ids[2], runs[0].ID)
	require.Equal(t, ids[1], runs[1].ID)
}

func TestRunRepository_ResultsForUnknownRun(t *testing.T) {
	repo := history.NewRunRepository(testutil.NewTestDB(t))

	results, err := repo.ResultsForRun("no-such-run")
	require.NoError(t, err)
	require.Empty(t, results)
}
