package reconcile

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSyncPopulatesEmptyState(t *testing.T) {
	e, gw := seededEngine(t, []Record{{"id": "1"}, {"id": "2"}})

	assert.Equal(t, []string{"1", "2"}, ids(e))
	assert.Equal(t, 1, gw.fetchCount())
	_, ok := e.ServerCopy("2")
	assert.True(t, ok)
}

func TestSyncRecordsDivergenceAsConflict(t *testing.T) {
	e, gw := seededEngine(t, []Record{{"id": "1", "name": "A"}})

	gw.mu.Lock()
	gw.records["1"]["name"] = "B"
	gw.mu.Unlock()

	require.NoError(t, e.SyncWithServer(context.Background()))
	c, ok := e.Conflict("1")
	require.True(t, ok)
	assert.Equal(t, []string{"name"}, c.ConflictedFields)
	local, _ := e.Get("1")
	assert.Equal(t, "A", local["name"])
}

func TestSyncSkipsEntitiesWithPendingOperations(t *testing.T) {
	tr := newFakeTransport(true)
	e, gw := seededEngine(t, []Record{{"id": "1", "name": "A"}}, withTransport(tr))
	tr.set(false)

	_, _, err := e.OptimisticUpdate(context.Background(), "1", Fields{"name": "mine"})
	require.NoError(t, err)

	gw.mu.Lock()
	gw.records["1"]["name"] = "theirs"
	gw.mu.Unlock()

	require.NoError(t, e.SyncWithServer(context.Background()))
	assert.Zero(t, e.ConflictCount())
	local, _ := e.Get("1")
	assert.Equal(t, "mine", local["name"])
}

func TestSyncRemovesEntitiesGoneFromServer(t *testing.T) {
	tr := newFakeTransport(true)
	e, gw := seededEngine(t, []Record{{"id": "1"}, {"id": "2"}}, withTransport(tr))
	tr.set(false)

	_, _, err := e.OptimisticCreate(context.Background(), Fields{"name": "new"})
	require.NoError(t, err)

	gw.mu.Lock()
	delete(gw.records, "2")
	gw.order = []string{"1"}
	gw.mu.Unlock()

	require.NoError(t, e.SyncWithServer(context.Background()))
	assert.Equal(t, []string{"1", "temp_1"}, ids(e), "unconfirmed creates survive")
}

func TestSyncDoesNotResurrectPendingDelete(t *testing.T) {
	tr := newFakeTransport(true)
	e, _ := seededEngine(t, []Record{{"id": "1"}, {"id": "2"}}, withTransport(tr))
	tr.set(false)

	_, err := e.OptimisticDelete(context.Background(), "2")
	require.NoError(t, err)

	require.NoError(t, e.SyncWithServer(context.Background()))
	assert.Equal(t, []string{"1"}, ids(e))
}

func TestSyncWithoutConflictDetectionReplaces(t *testing.T) {
	tr := newFakeTransport(true)
	e, gw := seededEngine(t, []Record{{"id": "1", "name": "A"}}, withTransport(tr),
		withConfig(func(c *Config) { c.ConflictDetection = false }))
	tr.set(false)

	_, _, err := e.OptimisticCreate(context.Background(), Fields{"name": "new"})
	require.NoError(t, err)

	gw.mu.Lock()
	gw.records["1"]["name"] = "B"
	gw.records["3"] = Record{"id": "3"}
	gw.order = append(gw.order, "3")
	gw.mu.Unlock()

	require.NoError(t, e.SyncWithServer(context.Background()))
	assert.Equal(t, []string{"1", "3", "temp_1"}, ids(e))
	local, _ := e.Get("1")
	assert.Equal(t, "B", local["name"])
	assert.Zero(t, e.ConflictCount())
}

func TestSyncFetchError(t *testing.T) {
	gw := newFakeGateway(Record{"id": "1"})
	gw.failNext("fetch", 1)
	e := setupEngine(t, gw)

	err := e.SyncWithServer(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, errBoom)
	assert.Empty(t, e.Local())
}

func TestSyncAfterClose(t *testing.T) {
	e, _ := seededEngine(t, nil)
	require.NoError(t, e.Close())
	assert.ErrorIs(t, e.SyncWithServer(context.Background()), ErrDisposed)
}
