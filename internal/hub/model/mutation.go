package model

import "encoding/json"

// MutationKind tags the variant of a Mutation, per §3's tagged union.
type MutationKind string

const (
	KindWorkspaceCreate      MutationKind = "WorkspaceCreate"
	KindWorkspaceClose       MutationKind = "WorkspaceClose"
	KindSlotCreate           MutationKind = "SlotCreate"
	KindSlotDelete           MutationKind = "SlotDelete"
	KindSlotUpdate           MutationKind = "SlotUpdate"
	KindMessagesAppend       MutationKind = "MessagesAppend"
	KindMessagesReplace      MutationKind = "MessagesReplace"
	KindStreamingDelta       MutationKind = "StreamingDelta"
	KindStreamingClear       MutationKind = "StreamingClear"
	KindToolStart            MutationKind = "ToolStart"
	KindToolUpdate           MutationKind = "ToolUpdate"
	KindToolEnd              MutationKind = "ToolEnd"
	KindPendingUISet         MutationKind = "PendingUISet"
	KindSessionsUpdate       MutationKind = "SessionsUpdate"
	KindPlansUpdate          MutationKind = "PlansUpdate"
	KindJobsUpdate           MutationKind = "JobsUpdate"
	KindActivePlanUpdate     MutationKind = "ActivePlanUpdate"
	KindActiveJobsUpdate     MutationKind = "ActiveJobsUpdate"
	KindPaneUIUpdate         MutationKind = "PaneUIUpdate"
	KindQueuedMessagesUpdate MutationKind = "QueuedMessagesUpdate"
	KindUIStateUpdate        MutationKind = "UIStateUpdate"
)

// StreamChannel selects which streaming buffer a StreamingDelta targets.
type StreamChannel string

const (
	ChannelText     StreamChannel = "text"
	ChannelThinking StreamChannel = "thinking"
)

// SlotPatch is a partial update to a Slot: fields left nil/zero-value are
// left untouched by apply (§4.2 "applied field-by-field").
type SlotPatch struct {
	SessionFile   *string `json:"sessionFile,omitempty"`
	IsStreaming   *bool   `json:"isStreaming,omitempty"`
	IsCompacting  *bool   `json:"isCompacting,omitempty"`
	ModelRef      *string `json:"modelRef,omitempty"`
	ThinkingLevel *string `json:"thinkingLevel,omitempty"`
	// ReplaceMessage, when set, swaps the message with matching ID in place —
	// used by messageEnd to promote a streaming placeholder into its final form.
	ReplaceMessage *Message `json:"replaceMessage,omitempty"`
}

// Mutation is the primary wire/log unit: a tagged sum of every state change
// StateModel knows how to apply. Exactly one of the typed fields below is
// populated, matching Kind.
type Mutation struct {
	Kind MutationKind `json:"kind"`
	WsID string       `json:"wsId,omitempty"`

	// WorkspaceCreate / WorkspaceClose
	Path string `json:"path,omitempty"`

	// SlotCreate / SlotDelete / SlotUpdate / MessagesAppend / MessagesReplace /
	// StreamingDelta / StreamingClear / ToolStart / ToolUpdate / ToolEnd /
	// PendingUISet / QueuedMessagesUpdate all scope to a slot.
	SlotID string `json:"slotId,omitempty"`

	Patch *SlotPatch `json:"patch,omitempty"`

	Messages []Message `json:"messages,omitempty"`

	Channel StreamChannel `json:"channel,omitempty"`
	Delta   string        `json:"delta,omitempty"`

	Execution *ToolExecution `json:"execution,omitempty"`

	ToolCallID    string `json:"toolCallId,omitempty"`
	PartialResult string `json:"partialResult,omitempty"`
	Result        string `json:"result,omitempty"`
	IsError       bool   `json:"isError,omitempty"`

	PendingUI *PendingUI `json:"pendingUI,omitempty"`

	Sessions []SessionInfo `json:"sessions,omitempty"`

	Blob json.RawMessage `json:"blob,omitempty"` // Plans/Jobs/ActivePlan/ActiveJobs payload

	PaneUI *PaneUI `json:"paneUi,omitempty"`

	Steering []string `json:"steering,omitempty"`
	FollowUp []string `json:"followUp,omitempty"`

	UIStatePatch *UIStatePatch `json:"uiStatePatch,omitempty"`
}

// UIStatePatch mirrors SlotPatch's partial-update discipline for UIState.
type UIStatePatch struct {
	Theme               *string           `json:"theme,omitempty"`
	DraftInputs         map[string]string `json:"draftInputs,omitempty"`
	LastActiveWorkspace *string           `json:"lastActiveWorkspace,omitempty"`
	LastActiveSession   map[string]string `json:"lastActiveSession,omitempty"`
}
