package registry

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/patleeman/pi-deck/internal/common/logger"
	"github.com/patleeman/pi-deck/internal/hub/adapter"
	"github.com/patleeman/pi-deck/internal/hub/model"
)

// fakeCommitter records every mutation committed through it.
type fakeCommitter struct {
	mu        sync.Mutex
	version   uint64
	mutations []model.Mutation
}

func (c *fakeCommitter) Commit(ctx context.Context, workspaceID string, mutation model.Mutation) (model.Delta, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.version++
	c.mutations = append(c.mutations, mutation)
	return model.Delta{Version: c.version, Mutation: mutation}, nil
}

func (c *fakeCommitter) kinds() []model.MutationKind {
	c.mu.Lock()
	defer c.mu.Unlock()
	kinds := make([]model.MutationKind, len(c.mutations))
	for i, m := range c.mutations {
		kinds[i] = m.Kind
	}
	return kinds
}

// fakeStateReader satisfies StateReader with a fixed, test-configured view.
type fakeStateReader struct {
	workspaces map[string]*model.Workspace
}

func (f *fakeStateReader) Workspace(wsID string) (*model.Workspace, bool) {
	ws, ok := f.workspaces[wsID]
	return ws, ok
}

// fakeAgentSession is a no-op AgentSession double sufficient for exercising
// the registry's slot lifecycle without a real subprocess.
type fakeAgentSession struct {
	events chan adapter.AgentEvent
	closed bool
}

func newFakeAgentSession() *fakeAgentSession {
	return &fakeAgentSession{events: make(chan adapter.AgentEvent, 4)}
}

func (f *fakeAgentSession) Events() <-chan adapter.AgentEvent { return f.events }
func (f *fakeAgentSession) SendPrompt(ctx context.Context, text string, images []string) error {
	return nil
}
func (f *fakeAgentSession) Steer(ctx context.Context, text string) error    { return nil }
func (f *fakeAgentSession) FollowUp(ctx context.Context, text string) error { return nil }
func (f *fakeAgentSession) Abort(ctx context.Context) error                 { return nil }
func (f *fakeAgentSession) SetModel(ctx context.Context, provider, id string) error { return nil }
func (f *fakeAgentSession) SetThinkingLevel(ctx context.Context, level string) error { return nil }
func (f *fakeAgentSession) NewSession(ctx context.Context) error                 { return nil }
func (f *fakeAgentSession) SwitchSession(ctx context.Context, sessionFile string) error { return nil }
func (f *fakeAgentSession) Compact(ctx context.Context, instructions string) error { return nil }
func (f *fakeAgentSession) Fork(ctx context.Context, entryID string) error         { return nil }
func (f *fakeAgentSession) Bash(ctx context.Context, command string) error         { return nil }
func (f *fakeAgentSession) AbortBash(ctx context.Context) error                    { return nil }
func (f *fakeAgentSession) RespondToPendingUI(ctx context.Context, resp adapter.PendingUIResponse) error {
	return nil
}
func (f *fakeAgentSession) Close() error {
	if !f.closed {
		f.closed = true
		close(f.events)
	}
	return nil
}

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)
	return log
}

func newTestRegistry(t *testing.T, allowedRoots []string) (*Registry, *fakeCommitter, *[]*fakeAgentSession) {
	t.Helper()
	committer := &fakeCommitter{}
	state := &fakeStateReader{workspaces: map[string]*model.Workspace{}}
	sessions := []*fakeAgentSession{}
	var mu sync.Mutex
	factory := func(ctx context.Context, workspaceID, slotID, workspacePath string) (adapter.AgentSession, error) {
		s := newFakeAgentSession()
		mu.Lock()
		sessions = append(sessions, s)
		mu.Unlock()
		return s, nil
	}
	r := New(committer, state, factory, allowedRoots, testLogger(t))
	return r, committer, &sessions
}

func TestOpenWorkspace_CreatesWorkspaceAndDefaultSlot(t *testing.T) {
	r, committer, _ := newTestRegistry(t, nil)
	ctx := context.Background()

	wsID, err := r.OpenWorkspace(ctx, "/home/dev/project")
	require.NoError(t, err)
	assert.NotEmpty(t, wsID)
	assert.Equal(t, []model.MutationKind{model.KindWorkspaceCreate, model.KindSlotCreate}, committer.kinds())

	a, err := r.Adapter(wsID, DefaultSlotID)
	require.NoError(t, err)
	assert.NotNil(t, a)
}

func TestOpenWorkspace_IsIdempotentForSamePath(t *testing.T) {
	r, committer, _ := newTestRegistry(t, nil)
	ctx := context.Background()

	first, err := r.OpenWorkspace(ctx, "/home/dev/project")
	require.NoError(t, err)
	second, err := r.OpenWorkspace(ctx, "/home/dev/project")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	// Only one WorkspaceCreate/SlotCreate pair, not two.
	assert.Equal(t, []model.MutationKind{model.KindWorkspaceCreate, model.KindSlotCreate}, committer.kinds())
}

func TestOpenWorkspace_RejectsPathOutsideAllowedRoots(t *testing.T) {
	r, _, _ := newTestRegistry(t, []string{"/home/dev/allowed"})
	ctx := context.Background()

	_, err := r.OpenWorkspace(ctx, "/home/dev/elsewhere")
	require.Error(t, err)
	var notAllowed *PathNotAllowedError
	assert.ErrorAs(t, err, &notAllowed)
}

func TestOpenWorkspace_AllowsPathWithinAllowedRoot(t *testing.T) {
	r, _, _ := newTestRegistry(t, []string{"/home/dev/allowed"})
	ctx := context.Background()

	wsID, err := r.OpenWorkspace(ctx, "/home/dev/allowed/project")
	require.NoError(t, err)
	assert.NotEmpty(t, wsID)
}

func TestCreateSlotAndDeleteSlot(t *testing.T) {
	r, committer, sessions := newTestRegistry(t, nil)
	ctx := context.Background()

	wsID, err := r.OpenWorkspace(ctx, "/home/dev/project")
	require.NoError(t, err)

	require.NoError(t, r.CreateSlot(ctx, wsID, "secondary"))
	assert.Len(t, *sessions, 2)

	require.NoError(t, r.DeleteSlot(ctx, wsID, "secondary"))
	_, err = r.Adapter(wsID, "secondary")
	require.Error(t, err)
	var unknown *UnknownSlotError
	assert.ErrorAs(t, err, &unknown)

	assert.Equal(t, []model.MutationKind{
		model.KindWorkspaceCreate,
		model.KindSlotCreate,
		model.KindSlotCreate,
		model.KindSlotDelete,
	}, committer.kinds())
}

func TestDeleteSlot_UnknownSlotReturnsError(t *testing.T) {
	r, _, _ := newTestRegistry(t, nil)
	ctx := context.Background()

	wsID, err := r.OpenWorkspace(ctx, "/home/dev/project")
	require.NoError(t, err)

	err = r.DeleteSlot(ctx, wsID, "does-not-exist")
	require.Error(t, err)
	var unknown *UnknownSlotError
	assert.ErrorAs(t, err, &unknown)
}

func TestCloseWorkspace_ClosesSessionsAndForgetsWorkspace(t *testing.T) {
	r, committer, sessions := newTestRegistry(t, nil)
	ctx := context.Background()

	wsID, err := r.OpenWorkspace(ctx, "/home/dev/project")
	require.NoError(t, err)

	require.NoError(t, r.CloseWorkspace(ctx, wsID))

	for _, s := range *sessions {
		assert.True(t, s.closed)
	}
	_, err = r.Adapter(wsID, DefaultSlotID)
	require.Error(t, err)
	var unknownWs *UnknownWorkspaceError
	assert.ErrorAs(t, err, &unknownWs)

	kinds := committer.kinds()
	assert.Equal(t, model.KindWorkspaceClose, kinds[len(kinds)-1])
}

func TestApplyProviderUpdate_DropsEmptySessionsWithNoLiveSlot(t *testing.T) {
	committer := &fakeCommitter{}
	state := &fakeStateReader{workspaces: map[string]*model.Workspace{}}
	factory := func(ctx context.Context, workspaceID, slotID, workspacePath string) (adapter.AgentSession, error) {
		return newFakeAgentSession(), nil
	}
	r := New(committer, state, factory, nil, testLogger(t))
	ctx := context.Background()

	wsID, err := r.OpenWorkspace(ctx, "/home/dev/project")
	require.NoError(t, err)
	state.workspaces[wsID] = &model.Workspace{ID: wsID, Slots: map[string]*model.Slot{}}

	err = r.ApplyProviderUpdate(ctx, ProviderUpdate{
		WorkspacePath: "/home/dev/project",
		Sessions: []model.SessionInfo{
			{SessionFile: "stale.jsonl", MessageCount: 0},
			{SessionFile: "active.jsonl", MessageCount: 5},
		},
	})
	require.NoError(t, err)

	last := committer.mutations[len(committer.mutations)-1]
	require.Equal(t, model.KindSessionsUpdate, last.Kind)
	require.Len(t, last.Sessions, 1)
	assert.Equal(t, "active.jsonl", last.Sessions[0].SessionFile)
}

func TestApplyProviderUpdate_UnknownWorkspacePath(t *testing.T) {
	r, _, _ := newTestRegistry(t, nil)
	err := r.ApplyProviderUpdate(context.Background(), ProviderUpdate{WorkspacePath: "/nowhere"})
	require.Error(t, err)
	var unknown *UnknownWorkspaceError
	assert.ErrorAs(t, err, &unknown)
}
