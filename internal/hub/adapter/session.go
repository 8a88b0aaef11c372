// Package adapter implements AgentAdapter (§4.4): the per-slot bridge
// between a black-box agent session and StateModel mutations.
package adapter

import (
	"context"
	"encoding/json"
)

// AgentEventType enumerates the fixed set of events an AgentSession emits,
// with no workspace context of its own (§4.4).
type AgentEventType string

const (
	EventAgentStart      AgentEventType = "agentStart"
	EventAgentEnd        AgentEventType = "agentEnd"
	EventMessageStart    AgentEventType = "messageStart"
	EventMessageUpdate   AgentEventType = "messageUpdate"
	EventMessageEnd      AgentEventType = "messageEnd"
	EventToolStart       AgentEventType = "toolStart"
	EventToolUpdate      AgentEventType = "toolUpdate"
	EventToolEnd         AgentEventType = "toolEnd"
	EventCompactionStart AgentEventType = "compactionStart"
	EventCompactionEnd   AgentEventType = "compactionEnd"
	EventStateChanged    AgentEventType = "stateChanged"
	// EventPendingUI is not in the distilled vocabulary's named list but is
	// implied by §4.4's "pending-UI specifics" paragraph: the agent requests
	// an interactive dialog out of band from the message stream.
	EventPendingUI AgentEventType = "pendingUIRequested"
)

// MessageDeltaKind distinguishes the two streaming channels carried by
// messageUpdate (§4.4).
type MessageDeltaKind string

const (
	DeltaKindText     MessageDeltaKind = "textDelta"
	DeltaKindThinking MessageDeltaKind = "thinkingDelta"
)

// AgentMessage is the shape messageStart/messageEnd carry: either a
// streaming placeholder (partial) or a finalized message. It mirrors
// model.Message's role/id/content triple so the adapter can translate it
// directly, while remaining independent of the StateModel package (the
// agent session must not import internal/hub/model).
type AgentMessage struct {
	ID      string          `json:"id"`
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content,omitempty"`
	Partial bool            `json:"partial"`
}

// AgentEvent is one event emitted by an AgentSession.
type AgentEvent struct {
	Type AgentEventType

	Message *AgentMessage

	MessageID   string
	DeltaKind   MessageDeltaKind
	DeltaText   string

	ToolCallID string
	ToolName   string
	ToolArgs   json.RawMessage
	ToolResult string
	ToolError  bool

	CompactionSummary string

	PendingUIKind string
	PendingUIID   string
	PendingUIData json.RawMessage
}

// AgentSession is the black-box external collaborator this module adapts:
// the agent runtime that actually drives models and tools (out of scope;
// referenced only by this interface, per the purpose statement). A real
// deployment speaks something shaped like the Agent Client Protocol
// (github.com/coder/acp-go-sdk) over the session's stdio/pipe transport.
type AgentSession interface {
	// Events returns a channel of events for the lifetime of the session.
	// The channel is closed when the session terminates.
	Events() <-chan AgentEvent

	SendPrompt(ctx context.Context, text string, images []string) error
	Steer(ctx context.Context, text string) error
	FollowUp(ctx context.Context, text string) error
	Abort(ctx context.Context) error
	SetModel(ctx context.Context, provider, id string) error
	SetThinkingLevel(ctx context.Context, level string) error
	NewSession(ctx context.Context) error
	SwitchSession(ctx context.Context, sessionFile string) error
	Compact(ctx context.Context, instructions string) error
	Fork(ctx context.Context, entryID string) error
	Bash(ctx context.Context, command string) error
	AbortBash(ctx context.Context) error
	RespondToPendingUI(ctx context.Context, response PendingUIResponse) error

	Close() error
}

// PendingUIResponse is what respondToPendingUI forwards to the agent once a
// user answers (or rejects) an outstanding pending UI request.
type PendingUIResponse struct {
	PendingID       string
	SelectedOptions []string
	CustomText      string
	Rejected        bool
}
