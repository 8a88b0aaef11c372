// Package model implements the authoritative state tree (StateModel, §4.2)
// and the data model (§3): GlobalState, Workspace, Slot, Message, and the
// tagged Mutation union that is the primary wire/log unit.
package model

import "encoding/json"

// Role identifies who produced a Message.
type Role string

const (
	RoleUser       Role = "user"
	RoleAssistant  Role = "assistant"
	RoleToolResult Role = "toolResult"
)

// ContentPartType identifies the shape of a Message content part.
type ContentPartType string

const (
	ContentText     ContentPartType = "text"
	ContentThinking ContentPartType = "thinking"
	ContentToolCall ContentPartType = "toolCall"
	ContentImage    ContentPartType = "image"
)

// ContentPart is one typed piece of a Message's body.
type ContentPart struct {
	Type     ContentPartType `json:"type"`
	Text     string          `json:"text,omitempty"`
	ToolCall *ToolCallPart   `json:"toolCall,omitempty"`
	ImageRef string          `json:"imageRef,omitempty"`
}

// ToolCallPart is the content-part projection of a finalized tool execution.
type ToolCallPart struct {
	ToolCallID string `json:"toolCallId"`
	Name       string `json:"name"`
	Status     string `json:"status"` // "complete" | "error"
	Result     string `json:"result"`
}

// Message is immutable after MessageEnd.
type Message struct {
	ID        string        `json:"id"`
	Role      Role          `json:"role"`
	Timestamp int64         `json:"timestamp"` // unix millis, monotonic per slot
	Content   []ContentPart `json:"content"`
}

// ToolStatus is the lifecycle state of a ToolExecution.
type ToolStatus string

const (
	ToolRunning  ToolStatus = "running"
	ToolComplete ToolStatus = "complete"
	ToolError    ToolStatus = "error"
)

// ToolExecution is an in-flight tool call, tracked in Slot.ActiveTools from
// ToolStart until ToolEnd promotes it into the owning message.
type ToolExecution struct {
	ToolCallID    string          `json:"toolCallId"`
	Name          string          `json:"name"`
	Args          json.RawMessage `json:"args,omitempty"`
	Status        ToolStatus      `json:"status"`
	PartialResult string          `json:"partialResult,omitempty"`
	Result        string          `json:"result,omitempty"`
	IsError       bool            `json:"isError,omitempty"`
	StartedAt     int64           `json:"startedAt"`
	EndedAt       int64           `json:"endedAt,omitempty"`
}

// PendingUI is an at-most-one-per-slot outstanding interactive request
// originating from the agent (questionnaire, confirmation, free input).
type PendingUI struct {
	ID        string          `json:"id"`
	Kind      string          `json:"kind"` // "questionnaire" | "confirmation" | "input"
	Data      json.RawMessage `json:"data"`
	CreatedAt int64           `json:"createdAt"`
}

// QueuedMessages holds user input queued while a slot is streaming.
type QueuedMessages struct {
	Steering []string `json:"steering,omitempty"`
	FollowUp []string `json:"followUp,omitempty"`
}

// Slot is one concurrent agent session inside a workspace.
type Slot struct {
	ID                string                   `json:"id"`
	SessionFile        *string                  `json:"sessionFile,omitempty"`
	Messages           []Message                `json:"messages"`
	StreamingText      string                   `json:"streamingText"`
	StreamingThinking  string                   `json:"streamingThinking"`
	ActiveTools        map[string]*ToolExecution `json:"activeTools"`
	IsStreaming        bool                     `json:"isStreaming"`
	IsCompacting       bool                     `json:"isCompacting"`
	PendingUI          *PendingUI               `json:"pendingUI,omitempty"`
	QueuedMessages     QueuedMessages           `json:"queuedMessages"`
	ModelRef           string                   `json:"modelRef,omitempty"`
	ThinkingLevel      string                   `json:"thinkingLevel,omitempty"`
	messageIndex       map[string]int           // id -> index into Messages, not serialized
}

func newSlot(id string) *Slot {
	return &Slot{
		ID:           id,
		Messages:     []Message{},
		ActiveTools:  make(map[string]*ToolExecution),
		messageIndex: make(map[string]int),
	}
}

// clone returns a deep copy of the slot, used by StateModel's copy-on-write apply.
func (s *Slot) clone() *Slot {
	cp := &Slot{
		ID:                s.ID,
		StreamingText:     s.StreamingText,
		StreamingThinking: s.StreamingThinking,
		IsStreaming:       s.IsStreaming,
		IsCompacting:      s.IsCompacting,
		ModelRef:          s.ModelRef,
		ThinkingLevel:     s.ThinkingLevel,
	}
	if s.SessionFile != nil {
		sf := *s.SessionFile
		cp.SessionFile = &sf
	}
	cp.Messages = append([]Message(nil), s.Messages...)
	for i := range cp.Messages {
		cp.Messages[i].Content = append([]ContentPart(nil), cp.Messages[i].Content...)
	}
	cp.messageIndex = make(map[string]int, len(s.messageIndex))
	for k, v := range s.messageIndex {
		cp.messageIndex[k] = v
	}
	cp.ActiveTools = make(map[string]*ToolExecution, len(s.ActiveTools))
	for k, v := range s.ActiveTools {
		te := *v
		cp.ActiveTools[k] = &te
	}
	if s.PendingUI != nil {
		pu := *s.PendingUI
		cp.PendingUI = &pu
	}
	cp.QueuedMessages = QueuedMessages{
		Steering: append([]string(nil), s.QueuedMessages.Steering...),
		FollowUp: append([]string(nil), s.QueuedMessages.FollowUp...),
	}
	return cp
}

// TabRef identifies an open editor/preview tab in the view-state pane.
type TabRef struct {
	ID   string `json:"id"`
	Kind string `json:"kind"`
	Path string `json:"path,omitempty"`
}

// PaneUI is view state co-resident with a workspace for multi-tab sync.
type PaneUI struct {
	Tabs          []TabRef `json:"tabs"`
	ActiveTab     *TabRef  `json:"activeTab,omitempty"`
	RightPaneOpen bool     `json:"rightPaneOpen"`
}

// SessionInfo is a minimal projection of an on-disk agent session, as
// supplied by the PlansJobsProvider boundary.
type SessionInfo struct {
	SessionFile  string `json:"sessionFile"`
	Title        string `json:"title"`
	UpdatedAt    int64  `json:"updatedAt"`
	MessageCount int    `json:"messageCount"`
}

// Workspace is a directory and its associated agent sessions.
type Workspace struct {
	ID         string             `json:"id"`
	Path       string             `json:"path"`
	Name       string             `json:"name"`
	Slots      map[string]*Slot   `json:"slots"`
	Sessions   []SessionInfo      `json:"sessions"`
	Plans      json.RawMessage    `json:"plans,omitempty"`
	Jobs       json.RawMessage    `json:"jobs,omitempty"`
	ActivePlan json.RawMessage    `json:"activePlan,omitempty"`
	ActiveJobs json.RawMessage    `json:"activeJobs,omitempty"`
	PaneUI     PaneUI             `json:"paneUI"`
}

func newWorkspace(id, path, name string) *Workspace {
	return &Workspace{
		ID:    id,
		Path:  path,
		Name:  name,
		Slots: make(map[string]*Slot),
	}
}

func (w *Workspace) clone() *Workspace {
	cp := &Workspace{
		ID:         w.ID,
		Path:       w.Path,
		Name:       w.Name,
		Plans:      w.Plans,
		Jobs:       w.Jobs,
		ActivePlan: w.ActivePlan,
		ActiveJobs: w.ActiveJobs,
		PaneUI: PaneUI{
			Tabs:          append([]TabRef(nil), w.PaneUI.Tabs...),
			RightPaneOpen: w.PaneUI.RightPaneOpen,
		},
	}
	if w.PaneUI.ActiveTab != nil {
		t := *w.PaneUI.ActiveTab
		cp.PaneUI.ActiveTab = &t
	}
	cp.Sessions = append([]SessionInfo(nil), w.Sessions...)
	cp.Slots = make(map[string]*Slot, len(w.Slots))
	for k, v := range w.Slots {
		cp.Slots[k] = v.clone()
	}
	return cp
}

// UIState is per-user scratch preferences, treated as plain key/value data.
type UIState struct {
	Theme               string            `json:"theme,omitempty"`
	DraftInputs         map[string]string `json:"draftInputs,omitempty"`
	LastActiveWorkspace string            `json:"lastActiveWorkspace,omitempty"`
	LastActiveSession   map[string]string `json:"lastActiveSession,omitempty"`
}

func (u UIState) clone() UIState {
	cp := u
	if u.DraftInputs != nil {
		cp.DraftInputs = make(map[string]string, len(u.DraftInputs))
		for k, v := range u.DraftInputs {
			cp.DraftInputs[k] = v
		}
	}
	if u.LastActiveSession != nil {
		cp.LastActiveSession = make(map[string]string, len(u.LastActiveSession))
		for k, v := range u.LastActiveSession {
			cp.LastActiveSession[k] = v
		}
	}
	return cp
}

// GlobalState is the single logical root owned by StateModel (§3).
type GlobalState struct {
	Version    uint64                `json:"version"`
	Workspaces map[string]*Workspace `json:"workspaces"`
	UIState    UIState               `json:"uiState"`
}

// NewGlobalState returns an empty state at version 0.
func NewGlobalState() *GlobalState {
	return &GlobalState{
		Workspaces: make(map[string]*Workspace),
	}
}

// Clone returns a structural (copy-on-write) deep copy of the state, used
// by StateModel.Snapshot and by the commit worker's shadow-and-swap apply.
func (g *GlobalState) Clone() *GlobalState {
	cp := &GlobalState{
		Version: g.Version,
		UIState: g.UIState.clone(),
	}
	cp.Workspaces = make(map[string]*Workspace, len(g.Workspaces))
	for k, v := range g.Workspaces {
		cp.Workspaces[k] = v.clone()
	}
	return cp
}
