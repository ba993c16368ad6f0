package persistence

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cadence/pkg/scheduler"
)

func openStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cadence.db")
	store, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store, path
}

func TestSnapshotRoundTrip(t *testing.T) {
	store, _ := openStore(t)

	missing, err := store.LoadSnapshot("s1")
	require.NoError(t, err)
	assert.Nil(t, missing, "absent snapshot is nil, nil")

	require.NoError(t, store.SaveSnapshot("s1", []byte(`{"v":1}`)))
	got, err := store.LoadSnapshot("s1")
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"v":1}`), got)

	// Upsert replaces in place.
	require.NoError(t, store.SaveSnapshot("s1", []byte(`{"v":2}`)))
	got, err = store.LoadSnapshot("s1")
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"v":2}`), got)

	require.NoError(t, store.DeleteSnapshot("s1"))
	gone, err := store.LoadSnapshot("s1")
	require.NoError(t, err)
	assert.Nil(t, gone)
}

func TestRequestLogRoundTrip(t *testing.T) {
	store, _ := openStore(t)

	store.RecordRequest(scheduler.RequestRecord{
		Key: "req-1", Model: "standard", Outcome: scheduler.OutcomeCompleted,
		Reserved: 500, Actual: 420, QueuedMs: 12, DurationMs: 900,
	})
	store.RecordRequest(scheduler.RequestRecord{
		Key: "req-2", Model: "standard", Outcome: scheduler.OutcomeFailed,
		ErrorClass: "overloaded", Reserved: 300, Actual: 300, Retries: 2, DurationMs: 1500,
	})
	store.RecordRequest(scheduler.RequestRecord{
		Key: "req-3", Model: "lite", Outcome: scheduler.OutcomeCanceled,
		ErrorClass: "canceled", Reserved: 100, Actual: 100, QueuedMs: 40,
	})

	entries, err := store.RecentRequests(2)
	require.NoError(t, err)
	require.Len(t, entries, 2, "limit applies")
	assert.Equal(t, "req-3", entries[0].AbortKey, "newest first")
	assert.Equal(t, "req-2", entries[1].AbortKey)

	assert.Equal(t, "lite", entries[0].Model)
	assert.Equal(t, scheduler.OutcomeCanceled, entries[0].Outcome)
	assert.Equal(t, "canceled", entries[0].ErrorClass)
	assert.Equal(t, 100, entries[0].Reserved)
	assert.Equal(t, int64(40), entries[0].QueuedMs)
	assert.False(t, entries[0].CreatedAt.IsZero())

	assert.Equal(t, 2, entries[1].Retries)
	assert.Equal(t, int64(1500), entries[1].DurationMs)
}

func TestReopenKeepsData(t *testing.T) {
	store, path := openStore(t)
	require.NoError(t, store.SaveSnapshot("s1", []byte("payload")))
	store.RecordRequest(scheduler.RequestRecord{
		Key: "req-1", Model: "standard", Outcome: scheduler.OutcomeCompleted,
	})
	require.NoError(t, store.Close())

	reopened, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = reopened.Close() })

	snap, err := reopened.LoadSnapshot("s1")
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), snap)

	entries, err := reopened.RecentRequests(10)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestOpenRejectsNewerSchema(t *testing.T) {
	store, path := openStore(t)
	_, err := store.db.Exec(`INSERT OR REPLACE INTO schema_version (version) VALUES (99)`)
	require.NoError(t, err)
	require.NoError(t, store.Close())

	_, err = Open(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "newer than supported")
}
