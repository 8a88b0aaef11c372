// Package protocol implements ProtocolCodec (§4.7): a self-describing,
// schema-versioned envelope for mutations, deltas, snapshots, and client
// commands, matching the wire shapes of §6.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/patleeman/pi-deck/internal/hub/model"
)

// Version is the current wire schema version, carried in every envelope.
const Version = 1

// Type tags a client<->server frame's kind.
type Type string

const (
	// Client -> Server
	TypeHello                   Type = "hello"
	TypeAck                     Type = "ack"
	TypeOpenWorkspace           Type = "openWorkspace"
	TypeCloseWorkspace          Type = "closeWorkspace"
	TypeBrowseDirectory         Type = "browseDirectory"
	TypePrompt                  Type = "prompt"
	TypeSteer                   Type = "steer"
	TypeFollowUp                Type = "followUp"
	TypeAbort                   Type = "abort"
	TypeSetModel                Type = "setModel"
	TypeSetThinkingLevel        Type = "setThinkingLevel"
	TypeNewSession              Type = "newSession"
	TypeSwitchSession           Type = "switchSession"
	TypeCompact                 Type = "compact"
	TypeFork                    Type = "fork"
	TypeBash                    Type = "bash"
	TypeAbortBash               Type = "abortBash"
	TypeQuestionnaireResponse   Type = "questionnaireResponse"

	// Server -> Client
	TypeSnapshot         Type = "snapshot"
	TypeDelta            Type = "delta"
	TypeDeltaBatch       Type = "deltaBatch"
	TypeError            Type = "error"
	TypeDirectoryEntries Type = "directoryEntries"
)

// Envelope is the self-describing frame every WebSocket text message
// carries: `{ protocolVersion, type, payload }` (§4.7, §6). Unknown
// mutation kinds inside a delta's payload pass through the codec
// untouched — forward compatibility is the model's concern, not the
// codec's (§4.7, §9).
type Envelope struct {
	ProtocolVersion int             `json:"protocolVersion"`
	Type            Type            `json:"type"`
	Payload         json.RawMessage `json:"payload,omitempty"`
}

// Encode wraps payload in a versioned envelope and marshals it to JSON.
func Encode(typ Type, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", typ, err)
	}
	env := Envelope{ProtocolVersion: Version, Type: typ, Payload: raw}
	return json.Marshal(env)
}

// Decode parses a raw WebSocket frame into its envelope.
func Decode(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	return env, nil
}

// --- Client -> Server payloads ---

type HelloPayload struct {
	ClientID          string  `json:"clientId,omitempty"`
	ResumeFromVersion *uint64 `json:"resumeFromVersion,omitempty"`
}

type AckPayload struct {
	Version uint64 `json:"version"`
}

type OpenWorkspacePayload struct {
	Path string `json:"path"`
}

type CloseWorkspacePayload struct {
	WorkspaceID string `json:"workspaceId"`
}

type BrowseDirectoryPayload struct {
	Path string `json:"path,omitempty"`
}

type PromptPayload struct {
	WorkspaceID string   `json:"workspaceId"`
	SlotID      string   `json:"slotId"`
	Message     string   `json:"message"`
	Images      []string `json:"images,omitempty"`
}

type SteerPayload struct {
	WorkspaceID string `json:"workspaceId"`
	SlotID      string `json:"slotId"`
	Message     string `json:"message"`
}

type SlotScopedPayload struct {
	WorkspaceID string `json:"workspaceId"`
	SlotID      string `json:"slotId"`
}

type SetModelPayload struct {
	WorkspaceID string `json:"workspaceId"`
	SlotID      string `json:"slotId"`
	Provider    string `json:"provider"`
	ModelID     string `json:"modelId"`
}

type SetThinkingLevelPayload struct {
	WorkspaceID string `json:"workspaceId"`
	SlotID      string `json:"slotId"`
	Level       string `json:"level"`
}

type SwitchSessionPayload struct {
	WorkspaceID string `json:"workspaceId"`
	SlotID      string `json:"slotId"`
	SessionFile string `json:"sessionFile"`
}

type CompactPayload struct {
	WorkspaceID  string `json:"workspaceId"`
	SlotID       string `json:"slotId"`
	Instructions string `json:"instructions,omitempty"`
}

type ForkPayload struct {
	WorkspaceID string `json:"workspaceId"`
	SlotID      string `json:"slotId"`
	EntryID     string `json:"entryId"`
}

type BashPayload struct {
	WorkspaceID string `json:"workspaceId"`
	SlotID      string `json:"slotId"`
	Command     string `json:"command"`
}

type QuestionnaireResponsePayload struct {
	WorkspaceID     string   `json:"workspaceId"`
	SlotID          string   `json:"slotId"`
	PendingID       string   `json:"id"`
	SelectedOptions []string `json:"selectedOptions,omitempty"`
	CustomText      string   `json:"customText,omitempty"`
	Rejected        bool     `json:"rejected,omitempty"`
}

// --- Server -> Client payloads ---

type SnapshotPayload struct {
	Version uint64             `json:"version"`
	State   *model.GlobalState `json:"state"`
}

type DeltaPayload struct {
	Version  uint64         `json:"version"`
	Mutation model.Mutation `json:"mutation"`
}

type DeltaBatchPayload struct {
	Deltas []model.Delta `json:"deltas"`
}

// DirectoryEntry is one entry in a browseDirectory response.
type DirectoryEntry struct {
	Name  string `json:"name"`
	IsDir bool   `json:"isDir"`
}

// DirectoryEntriesPayload answers a browseDirectory request (§6): the
// browser's own workspace-picker is the only consumer, so entries are kept
// to name/isDir rather than mirroring the host's full os.FileInfo.
type DirectoryEntriesPayload struct {
	Path    string           `json:"path"`
	Entries []DirectoryEntry `json:"entries"`
}

// EncodeDirectoryEntries builds a `directoryEntries` envelope.
func EncodeDirectoryEntries(path string, entries []DirectoryEntry) ([]byte, error) {
	return Encode(TypeDirectoryEntries, DirectoryEntriesPayload{Path: path, Entries: entries})
}

// ErrorCode enumerates the machine-readable error codes of §7/§8.
type ErrorCode string

const (
	ErrCodePathNotAllowed    ErrorCode = "path_not_allowed"
	ErrCodeUnknownWorkspace  ErrorCode = "unknown_workspace"
	ErrCodeUnknownSlot       ErrorCode = "unknown_slot"
	ErrCodeProtocolViolation ErrorCode = "protocol_violation"
	ErrCodeMalformedFrame    ErrorCode = "malformed_frame"
	ErrCodeClientTooSlow     ErrorCode = "client_too_slow"
	ErrCodePersistenceDegraded ErrorCode = "persistence_degraded"
	ErrCodeAgentUnavailable  ErrorCode = "agent_unavailable"
)

type ErrorPayload struct {
	Code        ErrorCode `json:"code"`
	Message     string    `json:"message"`
	WorkspaceID string    `json:"workspaceId,omitempty"`
}

// EncodeDelta builds a `delta` envelope.
func EncodeDelta(d model.Delta) ([]byte, error) {
	return Encode(TypeDelta, DeltaPayload{Version: d.Version, Mutation: d.Mutation})
}

// EncodeDeltaBatch builds a `deltaBatch` envelope.
func EncodeDeltaBatch(deltas []model.Delta) ([]byte, error) {
	return Encode(TypeDeltaBatch, DeltaBatchPayload{Deltas: deltas})
}

// EncodeSnapshot builds a `snapshot` envelope.
func EncodeSnapshot(s model.Snapshot) ([]byte, error) {
	return Encode(TypeSnapshot, SnapshotPayload{Version: s.Version, State: s.State})
}

// EncodeError builds an `error` envelope.
func EncodeError(code ErrorCode, message string, workspaceID string) ([]byte, error) {
	return Encode(TypeError, ErrorPayload{Code: code, Message: message, WorkspaceID: workspaceID})
}
