package localbuild

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *HistoryStore {
	t.Helper()
	store, err := OpenHistory(filepath.Join(t.TempDir(), "state", "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func sampleBuild(id string, status Status, created time.Time) *Build {
	return &Build{
		ID:         id,
		Status:     status,
		ConfigPath: "cloudbuild.yaml",
		Steps:      []*StepResult{{Index: 0}, {Index: 1}},
		CreateTime: created,
		StartTime:  created,
		FinishTime: created.Add(90 * time.Second),
		LogPath:    "/tmp/log-" + id + ".txt",
	}
}

func TestHistoryRecordAndGet(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	build := sampleBuild("b-1", StatusSuccess, time.Now())
	require.NoError(t, store.RecordBuild(ctx, build))

	rec, err := store.GetBuild(ctx, "b-1")
	require.NoError(t, err)
	assert.Equal(t, "b-1", rec.ID)
	assert.Equal(t, StatusSuccess, rec.Status)
	assert.Equal(t, "cloudbuild.yaml", rec.ConfigPath)
	assert.Equal(t, 2, rec.StepCount)
	assert.Equal(t, int64(90000), rec.DurationMS)
	assert.Equal(t, "/tmp/log-b-1.txt", rec.LogPath)
	assert.Empty(t, rec.FailedStep)
}

func TestHistoryRecordsFailedStep(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	build := sampleBuild("b-fail", StatusFailure, time.Now())
	build.FailedStep = "test"
	require.NoError(t, store.RecordBuild(ctx, build))

	rec, err := store.GetBuild(ctx, "b-fail")
	require.NoError(t, err)
	assert.Equal(t, StatusFailure, rec.Status)
	assert.Equal(t, "test", rec.FailedStep)
}

func TestHistoryListNewestFirst(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		build := sampleBuild(fmt.Sprintf("b-%d", i), StatusSuccess, base.Add(time.Duration(i)*time.Minute))
		require.NoError(t, store.RecordBuild(ctx, build))
	}

	records, err := store.ListBuilds(ctx, 3)
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, "b-4", records[0].ID)
	assert.Equal(t, "b-3", records[1].ID)
	assert.Equal(t, "b-2", records[2].ID)
}

func TestHistoryListDefaultLimit(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.RecordBuild(ctx, sampleBuild("b-1", StatusSuccess, time.Now())))

	records, err := store.ListBuilds(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestHistoryListEmpty(t *testing.T) {
	store := newTestStore(t)
	records, err := store.ListBuilds(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestHistoryGetMissing(t *testing.T) {
	store := newTestStore(t)
	_, err := store.GetBuild(context.Background(), "nope")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestHistoryDuplicateID(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	build := sampleBuild("b-dup", StatusSuccess, time.Now())
	require.NoError(t, store.RecordBuild(ctx, build))
	assert.Error(t, store.RecordBuild(ctx, build))
}

func TestHistorySurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	ctx := context.Background()

	store, err := OpenHistory(path)
	require.NoError(t, err)
	require.NoError(t, store.RecordBuild(ctx, sampleBuild("b-1", StatusTimeout, time.Now())))
	require.NoError(t, store.Close())

	store, err = OpenHistory(path)
	require.NoError(t, err)
	defer store.Close()

	rec, err := store.GetBuild(ctx, "b-1")
	require.NoError(t, err)
	assert.Equal(t, StatusTimeout, rec.Status)
}
