package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/patleeman/pi-deck/internal/hub/model"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "hub.db")
	s, err := Open(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestAppendAndLoadLatest_NoSnapshotReplaysAllDeltas(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Append(ctx, 1, "ws-1", model.Mutation{Kind: model.KindWorkspaceCreate, WsID: "ws-1", Path: "/tmp/p"}))
	require.NoError(t, s.Append(ctx, 2, "ws-1", model.Mutation{Kind: model.KindSlotCreate, WsID: "ws-1", SlotID: "default"}))

	snapshot, deltas, err := s.LoadLatest(ctx)
	require.NoError(t, err)
	assert.Nil(t, snapshot)
	require.Len(t, deltas, 2)
	assert.Equal(t, uint64(1), deltas[0].Version)
	assert.Equal(t, model.KindSlotCreate, deltas[1].Mutation.Kind)
}

func TestAppend_DuplicateVersionRejected(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Append(ctx, 1, "ws-1", model.Mutation{Kind: model.KindWorkspaceCreate, WsID: "ws-1"}))
	err := s.Append(ctx, 1, "ws-1", model.Mutation{Kind: model.KindWorkspaceCreate, WsID: "ws-1"})
	require.Error(t, err)
}

func TestWriteSnapshot_LoadLatestReturnsSnapshotPlusTrailingDeltas(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Append(ctx, 1, "ws-1", model.Mutation{Kind: model.KindWorkspaceCreate, WsID: "ws-1"}))
	require.NoError(t, s.Append(ctx, 2, "ws-1", model.Mutation{Kind: model.KindSlotCreate, WsID: "ws-1", SlotID: "default"}))

	snapState := model.NewGlobalState()
	snapState.Version = 2
	require.NoError(t, s.WriteSnapshot(ctx, 2, snapState))

	require.NoError(t, s.Append(ctx, 3, "ws-1", model.Mutation{Kind: model.KindSlotCreate, WsID: "ws-1", SlotID: "secondary"}))

	snapshot, deltas, err := s.LoadLatest(ctx)
	require.NoError(t, err)
	require.NotNil(t, snapshot)
	assert.Equal(t, uint64(2), snapshot.Version)
	require.Len(t, deltas, 1)
	assert.Equal(t, uint64(3), deltas[0].Version)
}

func TestPruneDeltasBefore_RemovesOlderDeltasOnly(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for v := uint64(1); v <= 5; v++ {
		require.NoError(t, s.Append(ctx, v, "ws-1", model.Mutation{Kind: model.KindSlotCreate, WsID: "ws-1"}))
	}

	require.NoError(t, s.PruneDeltasBefore(ctx, 4))

	deltas, err := s.DeltasSince(ctx, 0, 0)
	require.NoError(t, err)
	require.Len(t, deltas, 2)
	assert.Equal(t, uint64(4), deltas[0].Version)
	assert.Equal(t, uint64(5), deltas[1].Version)
}

func TestClientAck_MinAckVersionTracksLowestAcrossClients(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, ok, err := s.MinAckVersion(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.ClientAck(ctx, "client-a", 10))
	require.NoError(t, s.ClientAck(ctx, "client-b", 3))

	min, ok, err := s.MinAckVersion(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(3), min)
}

func TestClientAck_IsMonotonic(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.ClientAck(ctx, "client-a", 10))
	require.NoError(t, s.ClientAck(ctx, "client-a", 5))

	min, ok, err := s.MinAckVersion(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(10), min)
}

func TestDeltasSince_RespectsLimit(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for v := uint64(1); v <= 5; v++ {
		require.NoError(t, s.Append(ctx, v, "ws-1", model.Mutation{Kind: model.KindSlotCreate, WsID: "ws-1"}))
	}

	deltas, err := s.DeltasSince(ctx, 0, 2)
	require.NoError(t, err)
	require.Len(t, deltas, 2)
	assert.Equal(t, uint64(1), deltas[0].Version)
	assert.Equal(t, uint64(2), deltas[1].Version)
}
