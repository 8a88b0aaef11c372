package sync

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/patleeman/pi-deck/internal/common/logger"
	"github.com/patleeman/pi-deck/internal/events/bus"
	"github.com/patleeman/pi-deck/internal/hub/adapter"
	"github.com/patleeman/pi-deck/internal/hub/model"
	"github.com/patleeman/pi-deck/internal/hub/protocol"
	"github.com/patleeman/pi-deck/internal/hub/registry"
	"github.com/patleeman/pi-deck/internal/hub/versionedlog"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)
	return log
}

type fakeSnapshotter struct{ state *model.GlobalState }

func (f *fakeSnapshotter) Snapshot() *model.GlobalState { return f.state }

type fakeLog struct {
	version  uint64
	degraded bool
}

func (f *fakeLog) CurrentVersion() uint64 { return f.version }
func (f *fakeLog) Degraded() bool         { return f.degraded }
func (f *fakeLog) Subscribe(handler func(workspaceID string, delta model.Delta)) (bus.Subscription, error) {
	return nil, errors.New("not used in these tests")
}
func (f *fakeLog) SubscribeDegraded(handler func(degraded bool)) (bus.Subscription, error) {
	return nil, errors.New("not used in these tests")
}

type fakeDeltaSource struct {
	deltas []model.Delta
	err    error
}

func (f *fakeDeltaSource) DeltasSince(ctx context.Context, version uint64, limit int) ([]model.Delta, error) {
	if f.err != nil {
		return nil, f.err
	}
	var out []model.Delta
	for _, d := range f.deltas {
		if d.Version > version {
			out = append(out, d)
		}
	}
	return out, nil
}

type fakeAckRecorder struct {
	acked map[string]uint64
}

func (f *fakeAckRecorder) ClientAck(ctx context.Context, clientID string, version uint64) error {
	if f.acked == nil {
		f.acked = map[string]uint64{}
	}
	f.acked[clientID] = version
	return nil
}

type fakeRegistry struct {
	openErr  error
	closeErr error
	adapters map[string]*adapter.Adapter
	adapterErr error
}

func (f *fakeRegistry) OpenWorkspace(ctx context.Context, path string) (string, error) {
	return "ws-1", f.openErr
}
func (f *fakeRegistry) CloseWorkspace(ctx context.Context, wsID string) error { return f.closeErr }
func (f *fakeRegistry) CreateSlot(ctx context.Context, wsID, slotID string) error { return nil }
func (f *fakeRegistry) DeleteSlot(ctx context.Context, wsID, slotID string) error { return nil }
func (f *fakeRegistry) Adapter(wsID, slotID string) (*adapter.Adapter, error) {
	if f.adapterErr != nil {
		return nil, f.adapterErr
	}
	a, ok := f.adapters[wsID+"/"+slotID]
	if !ok {
		return nil, &registry.UnknownWorkspaceError{WorkspaceID: wsID}
	}
	return a, nil
}

func newTestClient(t *testing.T, h *Hub) *Client {
	t.Helper()
	return newClient("client-1", nil, h, testLogger(t))
}

func decodeFrame(t *testing.T, raw []byte) protocol.Envelope {
	t.Helper()
	env, err := protocol.Decode(raw)
	require.NoError(t, err)
	return env
}

func TestHandleHello_RecentResumeGetsDeltaBatch(t *testing.T) {
	h := New(&fakeSnapshotter{state: model.NewGlobalState()}, &fakeLog{version: 10}, &fakeDeltaSource{deltas: []model.Delta{
		{Version: 8, Mutation: model.Mutation{Kind: model.KindSlotCreate}},
		{Version: 9, Mutation: model.Mutation{Kind: model.KindSlotCreate}},
		{Version: 10, Mutation: model.Mutation{Kind: model.KindSlotCreate}},
	}}, &fakeAckRecorder{}, &fakeRegistry{}, testLogger(t))
	c := newTestClient(t, h)

	resumeFrom := uint64(7)
	payload, err := json.Marshal(protocol.HelloPayload{ClientID: "client-1", ResumeFromVersion: &resumeFrom})
	require.NoError(t, err)
	h.handleHello(context.Background(), c, payload)

	raw := <-c.send
	env := decodeFrame(t, raw)
	assert.Equal(t, protocol.TypeDeltaBatch, env.Type)
	assert.Equal(t, uint64(10), c.lastSentVersion)
}

func TestHandleHello_FarBehindResumeFallsBackToSnapshot(t *testing.T) {
	h := New(&fakeSnapshotter{state: model.NewGlobalState()}, &fakeLog{version: 100000}, &fakeDeltaSource{}, &fakeAckRecorder{}, &fakeRegistry{}, testLogger(t))
	c := newTestClient(t, h)

	resumeFrom := uint64(1)
	payload, err := json.Marshal(protocol.HelloPayload{ClientID: "client-1", ResumeFromVersion: &resumeFrom})
	require.NoError(t, err)
	h.handleHello(context.Background(), c, payload)

	raw := <-c.send
	env := decodeFrame(t, raw)
	assert.Equal(t, protocol.TypeSnapshot, env.Type)
}

func TestHandleHello_NoResumeVersionGetsSnapshot(t *testing.T) {
	h := New(&fakeSnapshotter{state: model.NewGlobalState()}, &fakeLog{version: 5}, &fakeDeltaSource{}, &fakeAckRecorder{}, &fakeRegistry{}, testLogger(t))
	c := newTestClient(t, h)

	payload, err := json.Marshal(protocol.HelloPayload{ClientID: "client-1"})
	require.NoError(t, err)
	h.handleHello(context.Background(), c, payload)

	raw := <-c.send
	env := decodeFrame(t, raw)
	assert.Equal(t, protocol.TypeSnapshot, env.Type)
}

func TestHandleAck_PersistsMonotonicCursor(t *testing.T) {
	acks := &fakeAckRecorder{}
	h := New(&fakeSnapshotter{state: model.NewGlobalState()}, &fakeLog{}, &fakeDeltaSource{}, acks, &fakeRegistry{}, testLogger(t))
	c := newTestClient(t, h)

	payload, err := json.Marshal(protocol.AckPayload{Version: 5})
	require.NoError(t, err)
	h.handleAck(context.Background(), c, payload)
	assert.Equal(t, uint64(5), acks.acked["client-1"])

	// A lower ack must not move the cursor backwards.
	payload, err = json.Marshal(protocol.AckPayload{Version: 2})
	require.NoError(t, err)
	h.handleAck(context.Background(), c, payload)
	assert.Equal(t, uint64(5), acks.acked["client-1"])
}

func TestHandleOpenWorkspace_RoutesErrorAsWireCode(t *testing.T) {
	reg := &fakeRegistry{openErr: &registry.PathNotAllowedError{Path: "/etc"}}
	h := New(&fakeSnapshotter{state: model.NewGlobalState()}, &fakeLog{}, &fakeDeltaSource{}, &fakeAckRecorder{}, reg, testLogger(t))
	c := newTestClient(t, h)

	payload, err := json.Marshal(protocol.OpenWorkspacePayload{Path: "/etc"})
	require.NoError(t, err)
	h.handleOpenWorkspace(context.Background(), c, payload)

	raw := <-c.send
	env := decodeFrame(t, raw)
	assert.Equal(t, protocol.TypeError, env.Type)
	var errPayload protocol.ErrorPayload
	require.NoError(t, json.Unmarshal(env.Payload, &errPayload))
	assert.Equal(t, protocol.ErrCodePathNotAllowed, errPayload.Code)
}

func TestForwardScoped_UnknownSlotProducesUnknownSlotError(t *testing.T) {
	reg := &fakeRegistry{adapterErr: &registry.UnknownSlotError{WorkspaceID: "ws-1", SlotID: "missing"}}
	h := New(&fakeSnapshotter{state: model.NewGlobalState()}, &fakeLog{}, &fakeDeltaSource{}, &fakeAckRecorder{}, reg, testLogger(t))
	c := newTestClient(t, h)

	payload, err := json.Marshal(protocol.SlotScopedPayload{WorkspaceID: "ws-1", SlotID: "missing"})
	require.NoError(t, err)
	h.forwardScoped(context.Background(), c, payload, func(a *adapter.Adapter) error { return nil })

	raw := <-c.send
	env := decodeFrame(t, raw)
	var errPayload protocol.ErrorPayload
	require.NoError(t, json.Unmarshal(env.Payload, &errPayload))
	assert.Equal(t, protocol.ErrCodeUnknownSlot, errPayload.Code)
}

func TestHandleFrame_MalformedFrameProducesMalformedFrameError(t *testing.T) {
	h := New(&fakeSnapshotter{state: model.NewGlobalState()}, &fakeLog{}, &fakeDeltaSource{}, &fakeAckRecorder{}, &fakeRegistry{}, testLogger(t))
	c := newTestClient(t, h)

	h.handleFrame(context.Background(), c, []byte("not json"))

	raw := <-c.send
	env := decodeFrame(t, raw)
	var errPayload protocol.ErrorPayload
	require.NoError(t, json.Unmarshal(env.Payload, &errPayload))
	assert.Equal(t, protocol.ErrCodeMalformedFrame, errPayload.Code)
}

func TestBroadcast_FansDeltaOutToAllClients(t *testing.T) {
	h := New(&fakeSnapshotter{state: model.NewGlobalState()}, &fakeLog{}, &fakeDeltaSource{}, &fakeAckRecorder{}, &fakeRegistry{}, testLogger(t))
	c1 := newTestClient(t, h)
	c2 := newTestClient(t, h)
	h.mu.Lock()
	h.clients[c1.ID] = c1
	h.clients["client-2"] = c2
	h.mu.Unlock()

	h.broadcast(model.Delta{Version: 1, Mutation: model.Mutation{Kind: model.KindSlotCreate}})

	for _, c := range []*Client{c1, c2} {
		raw := <-c.send
		env := decodeFrame(t, raw)
		assert.Equal(t, protocol.TypeDelta, env.Type)
		assert.Equal(t, uint64(1), c.lastSentVersion)
	}
}

func TestBroadcast_DisconnectsClientWhoseQueueIsFull(t *testing.T) {
	h := New(&fakeSnapshotter{state: model.NewGlobalState()}, &fakeLog{}, &fakeDeltaSource{}, &fakeAckRecorder{}, &fakeRegistry{}, testLogger(t))
	c := newTestClient(t, h)
	h.mu.Lock()
	h.clients[c.ID] = c
	h.mu.Unlock()

	// Fill the client's outbound queue so the next broadcast can't enqueue.
	for i := 0; i < sendQueueLimit; i++ {
		c.send <- []byte("x")
	}

	h.broadcast(model.Delta{Version: 2, Mutation: model.Mutation{Kind: model.KindSlotCreate}})

	h.mu.RLock()
	_, stillRegistered := h.clients[c.ID]
	h.mu.RUnlock()
	assert.False(t, stillRegistered)
}

func TestClassifyRegistryErr_MapsKnownErrorTypes(t *testing.T) {
	assert.Equal(t, protocol.ErrCodePathNotAllowed, classifyRegistryErr(&registry.PathNotAllowedError{}))
	assert.Equal(t, protocol.ErrCodeUnknownWorkspace, classifyRegistryErr(&registry.UnknownWorkspaceError{}))
	assert.Equal(t, protocol.ErrCodeUnknownSlot, classifyRegistryErr(&registry.UnknownSlotError{}))
	assert.Equal(t, protocol.ErrCodePersistenceDegraded, classifyRegistryErr(&versionedlog.DegradedError{}))
	assert.Equal(t, protocol.ErrCodePersistenceDegraded, classifyRegistryErr(&versionedlog.DurabilityError{Cause: errors.New("disk full")}))
	assert.Equal(t, protocol.ErrCodeAgentUnavailable, classifyRegistryErr(errors.New("boom")))
}

func TestHasContiguousCatchUp(t *testing.T) {
	assert.True(t, hasContiguousCatchUp(7, 7, nil))
	assert.True(t, hasContiguousCatchUp(7, 10, []model.Delta{{Version: 8}, {Version: 9}, {Version: 10}}))
	// Pruning left a gap: the oldest retained delta is already past resumeFrom+1.
	assert.False(t, hasContiguousCatchUp(7, 10, []model.Delta{{Version: 9}, {Version: 10}}))
	assert.False(t, hasContiguousCatchUp(7, 10, nil))
}

func TestHandleHello_GapBeforeRetainedHistoryFallsBackToSnapshot(t *testing.T) {
	h := New(&fakeSnapshotter{state: model.NewGlobalState()}, &fakeLog{version: 10}, &fakeDeltaSource{deltas: []model.Delta{
		// Versions 8-9 were pruned; the retained window starts at 10.
		{Version: 10, Mutation: model.Mutation{Kind: model.KindSlotCreate}},
	}}, &fakeAckRecorder{}, &fakeRegistry{}, testLogger(t))
	c := newTestClient(t, h)

	resumeFrom := uint64(7)
	payload, err := json.Marshal(protocol.HelloPayload{ClientID: "client-1", ResumeFromVersion: &resumeFrom})
	require.NoError(t, err)
	h.handleHello(context.Background(), c, payload)

	raw := <-c.send
	env := decodeFrame(t, raw)
	assert.Equal(t, protocol.TypeSnapshot, env.Type)
}

func TestBroadcastDegraded_NotifiesEveryClient(t *testing.T) {
	h := New(&fakeSnapshotter{state: model.NewGlobalState()}, &fakeLog{}, &fakeDeltaSource{}, &fakeAckRecorder{}, &fakeRegistry{}, testLogger(t))
	c1 := newTestClient(t, h)
	c2 := newTestClient(t, h)
	h.mu.Lock()
	h.clients[c1.ID] = c1
	h.clients["client-2"] = c2
	h.mu.Unlock()

	h.broadcastDegraded()

	for _, c := range []*Client{c1, c2} {
		raw := <-c.send
		env := decodeFrame(t, raw)
		assert.Equal(t, protocol.TypeError, env.Type)
		var errPayload protocol.ErrorPayload
		require.NoError(t, json.Unmarshal(env.Payload, &errPayload))
		assert.Equal(t, protocol.ErrCodePersistenceDegraded, errPayload.Code)
	}
}
