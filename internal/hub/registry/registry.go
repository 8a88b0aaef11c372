// Package registry implements WorkspaceRegistry (§4.5): opens/closes
// workspaces, creates/destroys slots, owns AgentAdapter instances, and
// bridges the PlansJobsProvider boundary into SessionsUpdate/PlansUpdate/
// JobsUpdate mutations.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/patleeman/pi-deck/internal/common/appctx"
	"github.com/patleeman/pi-deck/internal/common/constants"
	"github.com/patleeman/pi-deck/internal/common/logger"
	"github.com/patleeman/pi-deck/internal/hub/adapter"
	"github.com/patleeman/pi-deck/internal/hub/model"
)

// DefaultSlotID is the slot every open workspace must have, per invariant 2.
const DefaultSlotID = "default"

// SessionFactory spawns the black-box AgentSession backing one slot. A real
// deployment implements this over the Agent Client Protocol
// (github.com/coder/acp-go-sdk); tests supply a fake.
type SessionFactory func(ctx context.Context, workspaceID, slotID, workspacePath string) (adapter.AgentSession, error)

// Committer is the narrow slice of VersionedLog the registry depends on.
type Committer interface {
	Commit(ctx context.Context, workspaceID string, mutation model.Mutation) (model.Delta, error)
}

// StateReader is the narrow slice of StateModel the registry reads from to
// compute the session-list dedup filter (§9).
type StateReader interface {
	Workspace(wsID string) (*model.Workspace, bool)
}

// PathNotAllowedError reports §6's allow-list enforcement failure.
type PathNotAllowedError struct {
	Path string
}

func (e *PathNotAllowedError) Error() string {
	return fmt.Sprintf("path not allowed: %s", e.Path)
}

// UnknownWorkspaceError reports a reference to a workspace id the registry
// doesn't recognize.
type UnknownWorkspaceError struct {
	WorkspaceID string
}

func (e *UnknownWorkspaceError) Error() string {
	return fmt.Sprintf("unknown workspace: %s", e.WorkspaceID)
}

// UnknownSlotError reports a reference to a slot id not present in the
// named workspace.
type UnknownSlotError struct {
	WorkspaceID, SlotID string
}

func (e *UnknownSlotError) Error() string {
	return fmt.Sprintf("unknown slot %s in workspace %s", e.SlotID, e.WorkspaceID)
}

type slotEntry struct {
	adapter *adapter.Adapter
}

type workspaceEntry struct {
	mu    sync.Mutex
	id    string
	path  string
	slots map[string]*slotEntry
}

// Registry is WorkspaceRegistry.
type Registry struct {
	committer      Committer
	sessionFactory SessionFactory
	state          StateReader
	allowedRoots   []string
	log            *logger.Logger

	mu        sync.RWMutex
	byID      map[string]*workspaceEntry
	byPath    map[string]string
	pathLocks map[string]*sync.Mutex
}

// New constructs a Registry. allowedRoots restricts openWorkspace to paths
// contained within one of these absolute directories (§6).
func New(committer Committer, state StateReader, sessionFactory SessionFactory, allowedRoots []string, log *logger.Logger) *Registry {
	return &Registry{
		committer:      committer,
		sessionFactory: sessionFactory,
		state:          state,
		allowedRoots:   allowedRoots,
		log:            log.WithFields(zap.String("component", "workspace_registry")),
		byID:           make(map[string]*workspaceEntry),
		byPath:         make(map[string]string),
		pathLocks:      make(map[string]*sync.Mutex),
	}
}

func canonicalize(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	return strings.TrimSuffix(filepath.Clean(abs), string(filepath.Separator))
}

func (r *Registry) checkAllowed(path string) error {
	if len(r.allowedRoots) == 0 {
		return nil
	}
	for _, root := range r.allowedRoots {
		root = canonicalize(root)
		if path == root || strings.HasPrefix(path, root+string(filepath.Separator)) {
			return nil
		}
	}
	return &PathNotAllowedError{Path: path}
}

func (r *Registry) pathLock(path string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	if l, ok := r.pathLocks[path]; ok {
		return l
	}
	l := &sync.Mutex{}
	r.pathLocks[path] = l
	return l
}

// OpenWorkspace opens (or idempotently returns) the workspace rooted at
// path, creating its default slot if this is a fresh open. The
// check-then-create section is serialized per canonical path, mirroring the
// reference backend's ensureDefaultWorkspace guard pattern (§4.5).
func (r *Registry) OpenWorkspace(ctx context.Context, path string) (string, error) {
	path = canonicalize(path)
	if err := r.checkAllowed(path); err != nil {
		return "", err
	}

	lock := r.pathLock(path)
	lock.Lock()
	defer lock.Unlock()

	r.mu.RLock()
	if id, ok := r.byPath[path]; ok {
		r.mu.RUnlock()
		return id, nil
	}
	r.mu.RUnlock()

	wsID := uuid.NewString()
	if _, err := r.committer.Commit(ctx, wsID, model.Mutation{
		Kind: model.KindWorkspaceCreate,
		WsID: wsID,
		Path: path,
	}); err != nil {
		return "", fmt.Errorf("commit workspace create: %w", err)
	}

	entry := &workspaceEntry{id: wsID, path: path, slots: make(map[string]*slotEntry)}
	r.mu.Lock()
	r.byID[wsID] = entry
	r.byPath[path] = wsID
	r.mu.Unlock()

	if err := r.createSlot(ctx, entry, DefaultSlotID); err != nil {
		return "", fmt.Errorf("create default slot: %w", err)
	}
	return wsID, nil
}

// CloseWorkspace aborts every slot's adapter, waits for each to settle, and
// emits WorkspaceClose — the resolved open question of §9: an active stream
// is interrupted via abort() rather than left to finish.
func (r *Registry) CloseWorkspace(ctx context.Context, wsID string) error {
	entry, err := r.lookup(wsID)
	if err != nil {
		return err
	}

	entry.mu.Lock()
	slots := entry.slots
	entry.slots = nil
	entry.mu.Unlock()

	// Slot teardown must run to completion even if the caller's context
	// (e.g. a disconnecting websocket request) is cancelled mid-close, so
	// every agent session still gets a clean Abort+Close.
	stop := make(chan struct{})
	defer close(stop)
	detached, detachedCancel := appctx.Detached(ctx, stop, constants.TaskDeleteTimeout)
	defer detachedCancel()

	g, gctx := errgroup.WithContext(detached)
	for _, s := range slots {
		s := s
		g.Go(func() error {
			if err := s.adapter.Abort(gctx); err != nil {
				r.log.Warn("abort during workspace close failed", zap.Error(err))
			}
			return s.adapter.Close()
		})
	}
	if err := g.Wait(); err != nil {
		r.log.Warn("error tearing down slot adapters during close", zap.Error(err))
	}

	if _, err := r.committer.Commit(ctx, wsID, model.Mutation{Kind: model.KindWorkspaceClose, WsID: wsID}); err != nil {
		return fmt.Errorf("commit workspace close: %w", err)
	}

	r.mu.Lock()
	delete(r.byID, wsID)
	delete(r.byPath, entry.path)
	r.mu.Unlock()
	return nil
}

// CreateSlot adds a new slot to an already-open workspace.
func (r *Registry) CreateSlot(ctx context.Context, wsID, slotID string) error {
	entry, err := r.lookup(wsID)
	if err != nil {
		return err
	}
	return r.createSlot(ctx, entry, slotID)
}

func (r *Registry) createSlot(ctx context.Context, entry *workspaceEntry, slotID string) error {
	if _, err := r.committer.Commit(ctx, entry.id, model.Mutation{
		Kind:   model.KindSlotCreate,
		WsID:   entry.id,
		SlotID: slotID,
	}); err != nil {
		return fmt.Errorf("commit slot create: %w", err)
	}

	// sessionFactory's ctx is retained for the session's full lifetime (it
	// becomes the subprocess's exec.CommandContext in acpsession), so it
	// must not be a deadline-bounded derivative of ctx here.
	session, err := r.sessionFactory(ctx, entry.id, slotID, entry.path)
	if err != nil {
		return fmt.Errorf("spawn agent session: %w", err)
	}
	a := adapter.New(ctx, entry.id, slotID, session, r.committer, r.log)

	entry.mu.Lock()
	if entry.slots == nil {
		entry.mu.Unlock()
		_ = a.Close()
		return fmt.Errorf("workspace %s is closing", entry.id)
	}
	entry.slots[slotID] = &slotEntry{adapter: a}
	entry.mu.Unlock()
	return nil
}

// DeleteSlot aborts and tears down one slot's adapter, then commits SlotDelete.
func (r *Registry) DeleteSlot(ctx context.Context, wsID, slotID string) error {
	entry, err := r.lookup(wsID)
	if err != nil {
		return err
	}

	entry.mu.Lock()
	s, ok := entry.slots[slotID]
	if ok {
		delete(entry.slots, slotID)
	}
	entry.mu.Unlock()
	if !ok {
		return &UnknownSlotError{WorkspaceID: wsID, SlotID: slotID}
	}

	if err := s.adapter.Abort(ctx); err != nil {
		r.log.Warn("abort during slot delete failed", zap.Error(err))
	}
	if err := s.adapter.Close(); err != nil {
		r.log.Warn("close during slot delete failed", zap.Error(err))
	}

	if _, err := r.committer.Commit(ctx, wsID, model.Mutation{
		Kind:   model.KindSlotDelete,
		WsID:   wsID,
		SlotID: slotID,
	}); err != nil {
		return fmt.Errorf("commit slot delete: %w", err)
	}
	return nil
}

// Adapter returns the slot's AgentAdapter, used by SyncHub to route commands.
func (r *Registry) Adapter(wsID, slotID string) (*adapter.Adapter, error) {
	entry, err := r.lookup(wsID)
	if err != nil {
		return nil, err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	s, ok := entry.slots[slotID]
	if !ok {
		return nil, &UnknownSlotError{WorkspaceID: wsID, SlotID: slotID}
	}
	return s.adapter, nil
}

func (r *Registry) lookup(wsID string) (*workspaceEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.byID[wsID]
	if !ok {
		return nil, &UnknownWorkspaceError{WorkspaceID: wsID}
	}
	return entry, nil
}

// Shutdown closes every open workspace, used during process teardown (§4.8).
func (r *Registry) Shutdown(ctx context.Context) {
	r.mu.RLock()
	ids := make([]string, 0, len(r.byID))
	for id := range r.byID {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	for _, id := range ids {
		if err := r.CloseWorkspace(ctx, id); err != nil {
			r.log.Warn("failed to close workspace during shutdown", zap.String("workspace_id", id), zap.Error(err))
		}
	}
}

// ProviderUpdate is one refresh from the out-of-scope PlansJobsProvider:
// a markdown-file watcher supplying session listings and plan/job blobs for
// one workspace path (§2.1, §3.1).
type ProviderUpdate struct {
	WorkspacePath string
	Sessions      []model.SessionInfo
	Plans         json.RawMessage
	Jobs          json.RawMessage
	ActivePlan    json.RawMessage
	ActiveJobs    json.RawMessage
}

// ApplyProviderUpdate translates one PlansJobsProvider refresh into
// mutations, applying the session-list dedup rule of §9: sessions with no
// messages whose file matches no currently-open slot are dropped before the
// SessionsUpdate mutation is committed, since they are indistinguishable
// from stale directory scraps the provider hasn't cleaned up yet.
func (r *Registry) ApplyProviderUpdate(ctx context.Context, update ProviderUpdate) error {
	path := canonicalize(update.WorkspacePath)
	r.mu.RLock()
	wsID, ok := r.byPath[path]
	r.mu.RUnlock()
	if !ok {
		return &UnknownWorkspaceError{WorkspaceID: path}
	}

	if _, err := r.lookup(wsID); err != nil {
		return err
	}

	liveFiles := make(map[string]bool)
	if ws, ok := r.state.Workspace(wsID); ok {
		for _, slot := range ws.Slots {
			if slot.SessionFile != nil {
				liveFiles[*slot.SessionFile] = true
			}
		}
	}

	sessions := make([]model.SessionInfo, 0, len(update.Sessions))
	for _, s := range update.Sessions {
		if s.MessageCount == 0 && !liveFiles[s.SessionFile] {
			continue
		}
		sessions = append(sessions, s)
	}

	mutations := []model.Mutation{{Kind: model.KindSessionsUpdate, WsID: wsID, Sessions: sessions}}
	if update.Plans != nil {
		mutations = append(mutations, model.Mutation{Kind: model.KindPlansUpdate, WsID: wsID, Blob: update.Plans})
	}
	if update.Jobs != nil {
		mutations = append(mutations, model.Mutation{Kind: model.KindJobsUpdate, WsID: wsID, Blob: update.Jobs})
	}
	if update.ActivePlan != nil {
		mutations = append(mutations, model.Mutation{Kind: model.KindActivePlanUpdate, WsID: wsID, Blob: update.ActivePlan})
	}
	if update.ActiveJobs != nil {
		mutations = append(mutations, model.Mutation{Kind: model.KindActiveJobsUpdate, WsID: wsID, Blob: update.ActiveJobs})
	}

	for _, m := range mutations {
		if _, err := r.committer.Commit(ctx, wsID, m); err != nil {
			return fmt.Errorf("commit provider update (%s): %w", m.Kind, err)
		}
	}
	return nil
}
