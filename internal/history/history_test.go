package history_test

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glassline-ai/mcpscope/internal/history"
	"github.com/glassline-ai/mcpscope/internal/model"
)

func openStore(t *testing.T) *history.Store {
	t.Helper()
	store, err := history.Open(filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	require.NotNil(t, store)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func sampleResult() *model.WorkflowResult {
	return &model.WorkflowResult{
		FinalResponse: "the answer",
		Success:       true,
		Metadata: model.WorkflowMetadata{
			ToolsUsed:   []string{"search_documentation", "calculate"},
			TotalTimeMs: 420,
			PhaseTimings: model.PhaseTimings{
				Initialization: 10, Discovery: 20, Selection: 100, Execution: 200, Synthesis: 90,
			},
		},
	}
}

func TestSaveAndGetRoundTrip(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	id, err := store.Save(ctx, "what is the answer", sampleResult())
	require.NoError(t, err)
	require.NotEqual(t, uuid.Nil, id)

	run, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, id, run.ID)
	assert.Equal(t, "what is the answer", run.UserMessage)
	assert.Equal(t, "the answer", run.FinalResponse)
	assert.True(t, run.Success)
	assert.Empty(t, run.Error)
	assert.Equal(t, []string{"search_documentation", "calculate"}, run.ToolsUsed)
	assert.Equal(t, int64(420), run.TotalTimeMs)
	require.NotNil(t, run.PhaseTimings)
	assert.Equal(t, int64(100), run.PhaseTimings.Selection)
	assert.False(t, run.CreatedAt.IsZero())
}

func TestSaveFailedRun(t *testing.T) {
	store := openStore(t)

	id, err := store.Save(context.Background(), "q", &model.WorkflowResult{
		Success:  false,
		Error:    "connection error: dial refused",
		Metadata: model.WorkflowMetadata{ToolsUsed: []string{}},
	})
	require.NoError(t, err)

	run, err := store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.False(t, run.Success)
	assert.Equal(t, "connection error: dial refused", run.Error)
	assert.Empty(t, run.ToolsUsed)
}

func TestListReturnsNewestFirst(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	for _, msg := range []string{"first", "second", "third"} {
		_, err := store.Save(ctx, msg, sampleResult())
		require.NoError(t, err)
	}

	runs, err := store.List(ctx, 2)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "third", runs[0].UserMessage)
	assert.Equal(t, "second", runs[1].UserMessage)
}

func TestGetMissingRun(t *testing.T) {
	store := openStore(t)

	_, err := store.Get(context.Background(), uuid.New())
	assert.True(t, errors.Is(err, sql.ErrNoRows))
}

func TestNilStoreIsDisabled(t *testing.T) {
	store, err := history.Open("")
	require.NoError(t, err)
	require.Nil(t, store)

	// All operations are safe on the nil store. Save reports uuid.Nil so
	// callers never hand out a run ID that can't be looked up.
	ctx := context.Background()
	id, err := store.Save(ctx, "q", sampleResult())
	assert.NoError(t, err)
	assert.Equal(t, uuid.Nil, id)

	runs, err := store.List(ctx, 10)
	assert.NoError(t, err)
	assert.Empty(t, runs)

	_, err = store.Get(ctx, uuid.New())
	assert.True(t, errors.Is(err, sql.ErrNoRows))

	assert.NoError(t, store.Close())
}

func TestOpenIsIdempotentOnExistingDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runs.db")

	first, err := history.Open(path)
	require.NoError(t, err)
	_, err = first.Save(context.Background(), "persisted", sampleResult())
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second, err := history.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = second.Close() })

	runs, err := second.List(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "persisted", runs[0].UserMessage)
}
