package model

import (
	"fmt"
	"sync"
)

// StateModel is the single authoritative in-memory state tree plus the pure
// apply(mutation) function (§4.2). It runs under the serialization
// discipline of VersionedLog (§5): Stage/Commit are designed to be called
// only from the single commit worker, while Snapshot may be called
// concurrently by catch-up readers.
type StateModel struct {
	mu    sync.RWMutex
	state *GlobalState
}

// NewStateModel returns a StateModel seeded with an empty state at version 0.
func NewStateModel() *StateModel {
	return &StateModel{state: NewGlobalState()}
}

// CurrentVersion returns the last committed version.
func (m *StateModel) CurrentVersion() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.Version
}

// Snapshot returns a deep copy of the current state for persistence or
// client catch-up (§4.2 snapshot()).
func (m *StateModel) Snapshot() *GlobalState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.Clone()
}

// Workspace returns a deep copy of one workspace, used by WorkspaceRegistry
// to compute the session-list dedup filter (§9) without holding StateModel's
// lock across its own bookkeeping.
func (m *StateModel) Workspace(wsID string) (*Workspace, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ws, ok := m.state.Workspaces[wsID]
	if !ok {
		return nil, false
	}
	return ws.clone(), true
}

// Stage validates and applies mutation against a cloned shadow of the
// current state, without publishing it. It returns the shadow (to be
// Commit-ed after a successful durable append) and the canonicalized
// mutation that should be what's actually persisted and broadcast.
//
// This is the "shadow write, swap on success" half of VersionedLog's commit
// protocol (§4.3): the in-memory version and the highest durable version
// never diverge outside VersionedLog's critical section because nothing
// observes `shadow` until Commit swaps it in.
func (m *StateModel) Stage(mutation Mutation) (shadow *GlobalState, canonical Mutation, err error) {
	m.mu.RLock()
	base := m.state.Clone()
	m.mu.RUnlock()

	canonical, err = applyTo(base, mutation)
	if err != nil {
		return nil, Mutation{}, err
	}
	return base, canonical, nil
}

// Commit publishes a staged shadow as the new authoritative state at the
// given version. Called by VersionedLog only after PersistentStore.append
// for that version has durably succeeded.
func (m *StateModel) Commit(version uint64, shadow *GlobalState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	shadow.Version = version
	m.state = shadow
}

// Load replays a snapshot plus a contiguous run of deltas into a fresh
// state, used on process startup (§4.1 loadLatest) and by reconnecting
// clients reconstructing state locally. Deterministic: the same inputs
// always produce the same tree (§4.2, invariant 7).
func (m *StateModel) Load(snapshot *GlobalState, deltas []Delta) error {
	state := snapshot.Clone()
	for _, d := range deltas {
		if _, err := applyTo(state, d.Mutation); err != nil {
			if IsIgnored(err) {
				continue
			}
			return fmt.Errorf("replay delta v%d: %w", d.Version, err)
		}
		state.Version = d.Version
	}

	m.mu.Lock()
	m.state = state
	m.mu.Unlock()
	return nil
}

// applyTo is the pure mutation function. It mutates state in place (state
// is always a private shadow owned by the caller) and returns the
// canonicalized mutation, or a *RejectedError if the mutation must not
// advance the version.
func applyTo(state *GlobalState, mut Mutation) (Mutation, error) {
	switch mut.Kind {
	case KindWorkspaceCreate:
		return applyWorkspaceCreate(state, mut)
	case KindWorkspaceClose:
		return applyWorkspaceClose(state, mut)
	case KindSlotCreate:
		return applySlotCreate(state, mut)
	case KindSlotDelete:
		return applySlotDelete(state, mut)
	case KindSlotUpdate:
		return applySlotUpdate(state, mut)
	case KindMessagesAppend:
		return applyMessagesAppend(state, mut)
	case KindMessagesReplace:
		return applyMessagesReplace(state, mut)
	case KindStreamingDelta:
		return applyStreamingDelta(state, mut)
	case KindStreamingClear:
		return applyStreamingClear(state, mut)
	case KindToolStart:
		return applyToolStart(state, mut)
	case KindToolUpdate:
		return applyToolUpdate(state, mut)
	case KindToolEnd:
		return applyToolEnd(state, mut)
	case KindPendingUISet:
		return applyPendingUISet(state, mut)
	case KindSessionsUpdate:
		return applySessionsUpdate(state, mut)
	case KindPlansUpdate, KindJobsUpdate, KindActivePlanUpdate, KindActiveJobsUpdate:
		return applyBlobUpdate(state, mut)
	case KindPaneUIUpdate:
		return applyPaneUIUpdate(state, mut)
	case KindQueuedMessagesUpdate:
		return applyQueuedMessagesUpdate(state, mut)
	case KindUIStateUpdate:
		return applyUIStateUpdate(state, mut)
	default:
		// Unknown mutation types are forward-compatibility placeholders
		// (§4.7): the codec passes them through untouched, but the model
		// rejects applying them.
		return Mutation{}, &RejectedError{Reason: RejectInvalid, Mutation: mut.Kind, Detail: "unknown mutation kind"}
	}
}

func workspace(state *GlobalState, mut Mutation) (*Workspace, error) {
	ws, ok := state.Workspaces[mut.WsID]
	if !ok {
		return nil, &RejectedError{Reason: RejectIgnored, Mutation: mut.Kind, Detail: "unknown workspace " + mut.WsID}
	}
	return ws, nil
}

func slot(state *GlobalState, mut Mutation) (*Slot, error) {
	ws, err := workspace(state, mut)
	if err != nil {
		return nil, err
	}
	s, ok := ws.Slots[mut.SlotID]
	if !ok {
		return nil, &RejectedError{Reason: RejectIgnored, Mutation: mut.Kind, Detail: "unknown slot " + mut.SlotID}
	}
	return s, nil
}

func applyWorkspaceCreate(state *GlobalState, mut Mutation) (Mutation, error) {
	if mut.WsID == "" || mut.Path == "" {
		return Mutation{}, &RejectedError{Reason: RejectInvalid, Mutation: mut.Kind, Detail: "missing wsId/path"}
	}
	if _, exists := state.Workspaces[mut.WsID]; exists {
		// Idempotent: WorkspaceCreate issued twice for the same workspace id
		// is a no-op (§8 round-trip property).
		return Mutation{}, &RejectedError{Reason: RejectIgnored, Mutation: mut.Kind, Detail: "workspace already exists"}
	}
	name := basename(mut.Path)
	ws := newWorkspace(mut.WsID, mut.Path, name)
	state.Workspaces[mut.WsID] = ws
	return mut, nil
}

func applyWorkspaceClose(state *GlobalState, mut Mutation) (Mutation, error) {
	if _, err := workspace(state, mut); err != nil {
		return Mutation{}, err
	}
	delete(state.Workspaces, mut.WsID)
	return mut, nil
}

func applySlotCreate(state *GlobalState, mut Mutation) (Mutation, error) {
	ws, err := workspace(state, mut)
	if err != nil {
		return Mutation{}, err
	}
	if _, exists := ws.Slots[mut.SlotID]; exists {
		return Mutation{}, &RejectedError{Reason: RejectIgnored, Mutation: mut.Kind, Detail: "slot already exists"}
	}
	ws.Slots[mut.SlotID] = newSlot(mut.SlotID)
	return mut, nil
}

func applySlotDelete(state *GlobalState, mut Mutation) (Mutation, error) {
	ws, err := workspace(state, mut)
	if err != nil {
		return Mutation{}, err
	}
	if mut.SlotID == "default" {
		return Mutation{}, &RejectedError{Reason: RejectProtocolViolation, Mutation: mut.Kind, Detail: `"default" slot cannot be deleted while workspace is open`}
	}
	if _, exists := ws.Slots[mut.SlotID]; !exists {
		return Mutation{}, &RejectedError{Reason: RejectIgnored, Mutation: mut.Kind, Detail: "unknown slot"}
	}
	delete(ws.Slots, mut.SlotID)
	return mut, nil
}

func applySlotUpdate(state *GlobalState, mut Mutation) (Mutation, error) {
	s, err := slot(state, mut)
	if err != nil {
		return Mutation{}, err
	}
	if mut.Patch == nil {
		return Mutation{}, &RejectedError{Reason: RejectInvalid, Mutation: mut.Kind, Detail: "missing patch"}
	}
	p := mut.Patch
	if p.SessionFile != nil {
		sf := *p.SessionFile
		s.SessionFile = &sf
	}
	wasStreaming := s.IsStreaming
	if p.IsStreaming != nil {
		s.IsStreaming = *p.IsStreaming
	}
	if p.IsCompacting != nil {
		s.IsCompacting = *p.IsCompacting
	}
	if p.ModelRef != nil {
		s.ModelRef = *p.ModelRef
	}
	if p.ThinkingLevel != nil {
		s.ThinkingLevel = *p.ThinkingLevel
	}
	if p.ReplaceMessage != nil {
		if idx, ok := s.messageIndexOf(p.ReplaceMessage.ID); ok {
			s.Messages[idx] = *p.ReplaceMessage
		} else {
			s.Messages = append(s.Messages, *p.ReplaceMessage)
		}
	}
	// Invariant 6: streaming buffers clear on isStreaming true -> false.
	if wasStreaming && !s.IsStreaming {
		s.StreamingText = ""
		s.StreamingThinking = ""
	}
	return mut, nil
}

func (s *Slot) messageIndexOf(id string) (int, bool) {
	for i := range s.Messages {
		if s.Messages[i].ID == id {
			return i, true
		}
	}
	return 0, false
}

func applyMessagesAppend(state *GlobalState, mut Mutation) (Mutation, error) {
	s, err := slot(state, mut)
	if err != nil {
		return Mutation{}, err
	}
	for _, m := range mut.Messages {
		if _, exists := s.messageIndexOf(m.ID); exists {
			// Invariant 4: MessagesAppend is only valid for ids not already present.
			return Mutation{}, &RejectedError{Reason: RejectInvalid, Mutation: mut.Kind, Detail: "duplicate message id " + m.ID}
		}
	}
	s.Messages = append(s.Messages, mut.Messages...)
	return mut, nil
}

func applyMessagesReplace(state *GlobalState, mut Mutation) (Mutation, error) {
	s, err := slot(state, mut)
	if err != nil {
		return Mutation{}, err
	}
	s.Messages = append([]Message(nil), mut.Messages...)
	return mut, nil
}

func applyStreamingDelta(state *GlobalState, mut Mutation) (Mutation, error) {
	s, err := slot(state, mut)
	if err != nil {
		return Mutation{}, err
	}
	switch mut.Channel {
	case ChannelText:
		s.StreamingText += mut.Delta
	case ChannelThinking:
		s.StreamingThinking += mut.Delta
	default:
		return Mutation{}, &RejectedError{Reason: RejectInvalid, Mutation: mut.Kind, Detail: "unknown channel"}
	}
	// The committed/broadcast mutation carries only the incremental delta
	// (§4.2) — callers reconstruct by accumulation, so canonical == mut.
	return mut, nil
}

func applyStreamingClear(state *GlobalState, mut Mutation) (Mutation, error) {
	s, err := slot(state, mut)
	if err != nil {
		return Mutation{}, err
	}
	s.StreamingText = ""
	s.StreamingThinking = ""
	return mut, nil
}

func applyToolStart(state *GlobalState, mut Mutation) (Mutation, error) {
	s, err := slot(state, mut)
	if err != nil {
		return Mutation{}, err
	}
	if mut.Execution == nil || mut.Execution.ToolCallID == "" {
		return Mutation{}, &RejectedError{Reason: RejectInvalid, Mutation: mut.Kind, Detail: "missing execution"}
	}
	exec := *mut.Execution
	exec.Status = ToolRunning
	s.ActiveTools[exec.ToolCallID] = &exec
	return mut, nil
}

func applyToolUpdate(state *GlobalState, mut Mutation) (Mutation, error) {
	s, err := slot(state, mut)
	if err != nil {
		return Mutation{}, err
	}
	exec, ok := s.ActiveTools[mut.ToolCallID]
	if !ok {
		// Invariant 3: ToolUpdate referencing an unknown toolCallId is ignored.
		return Mutation{}, &RejectedError{Reason: RejectIgnored, Mutation: mut.Kind, Detail: "unknown toolCallId"}
	}
	exec.PartialResult += mut.PartialResult
	return mut, nil
}

func applyToolEnd(state *GlobalState, mut Mutation) (Mutation, error) {
	s, err := slot(state, mut)
	if err != nil {
		return Mutation{}, err
	}
	exec, ok := s.ActiveTools[mut.ToolCallID]
	if !ok {
		// Invariant 3: ToolEnd referencing an unknown toolCallId is ignored.
		return Mutation{}, &RejectedError{Reason: RejectIgnored, Mutation: mut.Kind, Detail: "unknown toolCallId"}
	}
	delete(s.ActiveTools, mut.ToolCallID)

	status := ToolComplete
	if mut.IsError {
		status = ToolError
	}
	part := ToolCallPart{ToolCallID: exec.ToolCallID, Name: exec.Name, Status: string(status), Result: mut.Result}
	for i := range s.Messages {
		for j := range s.Messages[i].Content {
			cp := &s.Messages[i].Content[j]
			if cp.Type == ContentToolCall && cp.ToolCall != nil && cp.ToolCall.ToolCallID == mut.ToolCallID {
				cp.ToolCall = &part
			}
		}
	}
	return mut, nil
}

func applyPendingUISet(state *GlobalState, mut Mutation) (Mutation, error) {
	s, err := slot(state, mut)
	if err != nil {
		return Mutation{}, err
	}
	if mut.PendingUI != nil && s.PendingUI != nil {
		// Invariant 5: setting a new PendingUI while one exists is a
		// state-machine violation; it must not advance the version.
		return Mutation{}, &RejectedError{Reason: RejectProtocolViolation, Mutation: mut.Kind, Detail: "pendingUI already outstanding for this slot"}
	}
	s.PendingUI = mut.PendingUI
	return mut, nil
}

func applySessionsUpdate(state *GlobalState, mut Mutation) (Mutation, error) {
	ws, err := workspace(state, mut)
	if err != nil {
		return Mutation{}, err
	}
	ws.Sessions = append([]SessionInfo(nil), mut.Sessions...)
	return mut, nil
}

func applyBlobUpdate(state *GlobalState, mut Mutation) (Mutation, error) {
	ws, err := workspace(state, mut)
	if err != nil {
		return Mutation{}, err
	}
	switch mut.Kind {
	case KindPlansUpdate:
		ws.Plans = mut.Blob
	case KindJobsUpdate:
		ws.Jobs = mut.Blob
	case KindActivePlanUpdate:
		ws.ActivePlan = mut.Blob
	case KindActiveJobsUpdate:
		ws.ActiveJobs = mut.Blob
	}
	return mut, nil
}

func applyPaneUIUpdate(state *GlobalState, mut Mutation) (Mutation, error) {
	ws, err := workspace(state, mut)
	if err != nil {
		return Mutation{}, err
	}
	if mut.PaneUI == nil {
		return Mutation{}, &RejectedError{Reason: RejectInvalid, Mutation: mut.Kind, Detail: "missing paneUI"}
	}
	ws.PaneUI = *mut.PaneUI
	return mut, nil
}

func applyQueuedMessagesUpdate(state *GlobalState, mut Mutation) (Mutation, error) {
	s, err := slot(state, mut)
	if err != nil {
		return Mutation{}, err
	}
	s.QueuedMessages = QueuedMessages{
		Steering: append([]string(nil), mut.Steering...),
		FollowUp: append([]string(nil), mut.FollowUp...),
	}
	return mut, nil
}

func applyUIStateUpdate(state *GlobalState, mut Mutation) (Mutation, error) {
	if mut.UIStatePatch == nil {
		return Mutation{}, &RejectedError{Reason: RejectInvalid, Mutation: mut.Kind, Detail: "missing patch"}
	}
	p := mut.UIStatePatch
	if p.Theme != nil {
		state.UIState.Theme = *p.Theme
	}
	if p.LastActiveWorkspace != nil {
		state.UIState.LastActiveWorkspace = *p.LastActiveWorkspace
	}
	if p.DraftInputs != nil {
		if state.UIState.DraftInputs == nil {
			state.UIState.DraftInputs = make(map[string]string)
		}
		for k, v := range p.DraftInputs {
			state.UIState.DraftInputs[k] = v
		}
	}
	if p.LastActiveSession != nil {
		if state.UIState.LastActiveSession == nil {
			state.UIState.LastActiveSession = make(map[string]string)
		}
		for k, v := range p.LastActiveSession {
			state.UIState.LastActiveSession[k] = v
		}
	}
	return mut, nil
}

func basename(path string) string {
	i := len(path) - 1
	for i >= 0 && path[i] != '/' {
		i--
	}
	return path[i+1:]
}
