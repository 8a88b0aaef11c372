// Package sync implements SyncHub (§4.6): per-client WebSocket sessions
// that negotiate a resume point, stream committed deltas live, process
// client acknowledgements, and route client commands to WorkspaceRegistry
// and AgentAdapter.
package sync

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/patleeman/pi-deck/internal/common/logger"
	"github.com/patleeman/pi-deck/internal/events/bus"
	"github.com/patleeman/pi-deck/internal/hub/adapter"
	"github.com/patleeman/pi-deck/internal/hub/model"
	"github.com/patleeman/pi-deck/internal/hub/protocol"
	"github.com/patleeman/pi-deck/internal/hub/registry"
	"github.com/patleeman/pi-deck/internal/hub/versionedlog"
)

// catchUpWindow bounds how many deltas DeltasSince will return in one
// deltaBatch before the hub falls back to a full snapshot (§4.6 step 1):
// resuming 3 deltas behind should not pull the same cost as resuming
// 300,000 deltas behind.
const catchUpWindow = 5000

// Snapshotter is StateModel's read surface.
type Snapshotter interface {
	Snapshot() *model.GlobalState
}

// Log is the narrow slice of VersionedLog SyncHub depends on.
type Log interface {
	CurrentVersion() uint64
	Degraded() bool
	Subscribe(handler func(workspaceID string, delta model.Delta)) (bus.Subscription, error)
	SubscribeDegraded(handler func(degraded bool)) (bus.Subscription, error)
}

// DeltaSource serves catch-up windows from durable storage.
type DeltaSource interface {
	DeltasSince(ctx context.Context, version uint64, limit int) ([]model.Delta, error)
}

// AckRecorder persists client ack cursors, used to bound snapshot pruning.
type AckRecorder interface {
	ClientAck(ctx context.Context, clientID string, version uint64) error
}

// Registry is the narrow slice of WorkspaceRegistry SyncHub routes commands to.
type Registry interface {
	OpenWorkspace(ctx context.Context, path string) (string, error)
	CloseWorkspace(ctx context.Context, wsID string) error
	CreateSlot(ctx context.Context, wsID, slotID string) error
	DeleteSlot(ctx context.Context, wsID, slotID string) error
	Adapter(wsID, slotID string) (*adapter.Adapter, error)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Hub is SyncHub: the server side of the WebSocket sync protocol.
type Hub struct {
	state    Snapshotter
	log      Log
	deltas   DeltaSource
	acks     AckRecorder
	registry Registry
	logger   *logger.Logger

	mu      sync.RWMutex
	clients map[string]*Client

	sub         bus.Subscription
	degradedSub bus.Subscription
}

// New constructs a Hub. Call Run to subscribe to the commit stream before
// serving connections.
func New(state Snapshotter, log Log, deltas DeltaSource, acks AckRecorder, registry Registry, logger *logger.Logger) *Hub {
	return &Hub{
		state:    state,
		log:      log,
		deltas:   deltas,
		acks:     acks,
		registry: registry,
		logger:   logger.WithFields(zap.String("component", "sync_hub")),
		clients:  make(map[string]*Client),
	}
}

// Run subscribes to the commit stream and fans every committed delta out to
// every connected client (§5: "N client tasks... ordering guarantees").
// Caller should run this for the process lifetime and cancel ctx to stop.
func (h *Hub) Run(ctx context.Context) error {
	sub, err := h.log.Subscribe(func(workspaceID string, delta model.Delta) {
		h.broadcast(delta)
	})
	if err != nil {
		return err
	}
	h.sub = sub

	degradedSub, err := h.log.SubscribeDegraded(func(degraded bool) {
		if degraded {
			h.broadcastDegraded()
		}
	})
	if err != nil {
		_ = h.sub.Unsubscribe()
		return err
	}
	h.degradedSub = degradedSub

	<-ctx.Done()
	_ = h.degradedSub.Unsubscribe()
	return h.sub.Unsubscribe()
}

func (h *Hub) broadcast(delta model.Delta) {
	frame, err := protocol.EncodeDelta(delta)
	if err != nil {
		h.logger.Error("failed to encode delta for broadcast", zap.Error(err))
		return
	}

	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		if !c.enqueue(frame) {
			h.disconnectSlow(c)
			continue
		}
		c.setLastSentVersion(delta.Version)
	}
}

// broadcastDegraded implements §7's circuit breaker notification: every
// connected client gets error{code:"persistence_degraded"} the moment the
// breaker trips, not just whichever client's command happened to trigger it.
func (h *Hub) broadcastDegraded() {
	frame, err := protocol.EncodeError(protocol.ErrCodePersistenceDegraded,
		"persistence degraded: commands are being rejected until storage recovers", "")
	if err != nil {
		h.logger.Error("failed to encode persistence_degraded frame", zap.Error(err))
		return
	}

	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		if !c.enqueue(frame) {
			h.disconnectSlow(c)
		}
	}
}

// disconnectSlow implements §7's client_too_slow: a best-effort error frame
// followed by disconnecting the client, rather than letting a stalled
// WebSocket connection block the broadcast loop for everyone else.
func (h *Hub) disconnectSlow(c *Client) {
	h.logger.Warn("disconnecting slow client", zap.String("client_id", c.ID))
	if errFrame, err := protocol.EncodeError(protocol.ErrCodeClientTooSlow, "client fell too far behind", ""); err == nil {
		c.enqueue(errFrame)
	}
	h.unregister(c)
}

// ServeWS upgrades an HTTP request to a WebSocket connection and runs the
// client's read/write pumps for the connection's lifetime (§6 `GET /ws`).
func (h *Hub) ServeWS(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}
	client := newClient(uuid.NewString(), conn, h, h.logger)

	h.mu.Lock()
	h.clients[client.ID] = client
	h.mu.Unlock()

	go client.writePump()
	client.readPump(ctx)
	return nil
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	_, ok := h.clients[c.ID]
	delete(h.clients, c.ID)
	h.mu.Unlock()
	if ok {
		c.close()
	}
}

func (h *Hub) handleFrame(ctx context.Context, c *Client, raw []byte) {
	env, err := protocol.Decode(raw)
	if err != nil {
		h.sendError(c, protocol.ErrCodeMalformedFrame, err.Error(), "")
		return
	}
	if env.ProtocolVersion != protocol.Version {
		h.sendError(c, protocol.ErrCodeProtocolViolation, "unsupported protocol version", "")
		return
	}

	switch env.Type {
	case protocol.TypeHello:
		h.handleHello(ctx, c, env.Payload)
	case protocol.TypeAck:
		h.handleAck(ctx, c, env.Payload)
	case protocol.TypeBrowseDirectory:
		h.handleBrowseDirectory(c, env.Payload)
	case protocol.TypeOpenWorkspace:
		h.handleOpenWorkspace(ctx, c, env.Payload)
	case protocol.TypeCloseWorkspace:
		h.handleCloseWorkspace(ctx, c, env.Payload)
	case protocol.TypePrompt:
		h.handlePrompt(ctx, c, env.Payload)
	case protocol.TypeSteer:
		h.forwardSlotCommand(ctx, c, env.Payload, func(a *adapter.Adapter, p protocol.SteerPayload) error {
			return a.Steer(ctx, p.Message)
		})
	case protocol.TypeFollowUp:
		h.handleFollowUp(ctx, c, env.Payload)
	case protocol.TypeAbort:
		h.forwardScoped(ctx, c, env.Payload, func(a *adapter.Adapter) error { return a.Abort(ctx) })
	case protocol.TypeSetModel:
		h.handleSetModel(ctx, c, env.Payload)
	case protocol.TypeSetThinkingLevel:
		h.handleSetThinkingLevel(ctx, c, env.Payload)
	case protocol.TypeNewSession:
		h.forwardScoped(ctx, c, env.Payload, func(a *adapter.Adapter) error { return a.NewSession(ctx) })
	case protocol.TypeSwitchSession:
		h.handleSwitchSession(ctx, c, env.Payload)
	case protocol.TypeCompact:
		h.handleCompact(ctx, c, env.Payload)
	case protocol.TypeFork:
		h.handleFork(ctx, c, env.Payload)
	case protocol.TypeBash:
		h.handleBash(ctx, c, env.Payload)
	case protocol.TypeAbortBash:
		h.forwardScoped(ctx, c, env.Payload, func(a *adapter.Adapter) error { return a.AbortBash(ctx) })
	case protocol.TypeQuestionnaireResponse:
		h.handleQuestionnaireResponse(ctx, c, env.Payload)
	default:
		h.sendError(c, protocol.ErrCodeProtocolViolation, "unknown frame type", "")
	}
}

// handleHello negotiates the resume point: a client resuming within
// catchUpWindow deltas of the current version gets a deltaBatch; everyone
// else (including first-time connections, and any resume whose requested
// window is no longer fully retained) gets a full snapshot (§4.6 step 1,
// scenario 3).
func (h *Hub) handleHello(ctx context.Context, c *Client, payload json.RawMessage) {
	var hello protocol.HelloPayload
	if err := json.Unmarshal(payload, &hello); err != nil {
		h.sendError(c, protocol.ErrCodeMalformedFrame, err.Error(), "")
		return
	}

	current := h.log.CurrentVersion()
	if hello.ResumeFromVersion != nil {
		resumeFrom := *hello.ResumeFromVersion
		if current >= resumeFrom && current-resumeFrom <= catchUpWindow {
			deltas, err := h.deltas.DeltasSince(ctx, resumeFrom, 0)
			switch {
			case err != nil:
				h.logger.Warn("deltaBatch catch-up failed, falling back to snapshot", zap.Error(err))
			case !hasContiguousCatchUp(resumeFrom, current, deltas):
				h.logger.Warn("deltaBatch catch-up has a gap before retained history, falling back to snapshot",
					zap.Uint64("resume_from", resumeFrom), zap.Uint64("current", current))
			default:
				frame, err := protocol.EncodeDeltaBatch(deltas)
				if err == nil {
					c.enqueue(frame)
					c.setLastSentVersion(current)
					return
				}
				h.logger.Warn("failed to encode deltaBatch, falling back to snapshot", zap.Error(err))
			}
		}
	}

	state := h.state.Snapshot()
	frame, err := protocol.EncodeSnapshot(model.Snapshot{Version: state.Version, State: state})
	if err != nil {
		h.sendError(c, protocol.ErrCodeMalformedFrame, err.Error(), "")
		return
	}
	c.enqueue(frame)
	c.setLastSentVersion(state.Version)
}

// hasContiguousCatchUp reports whether deltas forms an unbroken run from
// resumeFrom+1 through current, with no version gap. PersistentStore prunes
// deltas behind the slowest client's ack, so DeltasSince can legitimately
// return a window that starts later than resumeFrom+1; that gap must fall
// back to a full snapshot rather than silently skip versions (§4.6 step 1).
func hasContiguousCatchUp(resumeFrom, current uint64, deltas []model.Delta) bool {
	if resumeFrom == current {
		return len(deltas) == 0
	}
	if len(deltas) == 0 {
		return false
	}
	for i, d := range deltas {
		if d.Version != resumeFrom+1+uint64(i) {
			return false
		}
	}
	return deltas[len(deltas)-1].Version == current
}

func (h *Hub) handleAck(ctx context.Context, c *Client, payload json.RawMessage) {
	var ack protocol.AckPayload
	if err := json.Unmarshal(payload, &ack); err != nil {
		h.sendError(c, protocol.ErrCodeMalformedFrame, err.Error(), "")
		return
	}
	acked := c.recordAck(ack.Version)
	if err := h.acks.ClientAck(ctx, c.ID, acked); err != nil {
		h.logger.Warn("failed to persist client ack", zap.Error(err), zap.String("client_id", c.ID))
	}
}

// handleBrowseDirectory lists one directory's immediate children for the
// browser's workspace picker. This is a read-only filesystem query, not a
// mutation, so it answers directly rather than routing through the commit
// worker (§6: browseDirectory is listed alongside openWorkspace but carries
// no state change of its own).
func (h *Hub) handleBrowseDirectory(c *Client, payload json.RawMessage) {
	var p protocol.BrowseDirectoryPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		h.sendError(c, protocol.ErrCodeMalformedFrame, err.Error(), "")
		return
	}
	path := p.Path
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			h.sendError(c, protocol.ErrCodePathNotAllowed, "no path given and no home directory", "")
			return
		}
		path = home
	}
	dirEntries, err := os.ReadDir(path)
	if err != nil {
		h.sendError(c, protocol.ErrCodePathNotAllowed, err.Error(), "")
		return
	}
	entries := make([]protocol.DirectoryEntry, 0, len(dirEntries))
	for _, e := range dirEntries {
		entries = append(entries, protocol.DirectoryEntry{Name: e.Name(), IsDir: e.IsDir()})
	}
	frame, err := protocol.EncodeDirectoryEntries(path, entries)
	if err != nil {
		h.logger.Error("failed to encode directory entries", zap.Error(err))
		return
	}
	c.enqueue(frame)
}

func (h *Hub) handleOpenWorkspace(ctx context.Context, c *Client, payload json.RawMessage) {
	var p protocol.OpenWorkspacePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		h.sendError(c, protocol.ErrCodeMalformedFrame, err.Error(), "")
		return
	}
	if _, err := h.registry.OpenWorkspace(ctx, p.Path); err != nil {
		h.sendError(c, classifyRegistryErr(err), err.Error(), "")
	}
}

func (h *Hub) handleCloseWorkspace(ctx context.Context, c *Client, payload json.RawMessage) {
	var p protocol.CloseWorkspacePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		h.sendError(c, protocol.ErrCodeMalformedFrame, err.Error(), "")
		return
	}
	if err := h.registry.CloseWorkspace(ctx, p.WorkspaceID); err != nil {
		h.sendError(c, classifyRegistryErr(err), err.Error(), p.WorkspaceID)
	}
}

func (h *Hub) handlePrompt(ctx context.Context, c *Client, payload json.RawMessage) {
	var p protocol.PromptPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		h.sendError(c, protocol.ErrCodeMalformedFrame, err.Error(), "")
		return
	}
	a, err := h.registry.Adapter(p.WorkspaceID, p.SlotID)
	if err != nil {
		h.sendError(c, classifyRegistryErr(err), err.Error(), p.WorkspaceID)
		return
	}
	if err := a.SendPrompt(ctx, p.Message, p.Images); err != nil {
		h.sendError(c, protocol.ErrCodeAgentUnavailable, err.Error(), p.WorkspaceID)
	}
}

func (h *Hub) handleFollowUp(ctx context.Context, c *Client, payload json.RawMessage) {
	var p protocol.SteerPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		h.sendError(c, protocol.ErrCodeMalformedFrame, err.Error(), "")
		return
	}
	a, err := h.registry.Adapter(p.WorkspaceID, p.SlotID)
	if err != nil {
		h.sendError(c, classifyRegistryErr(err), err.Error(), p.WorkspaceID)
		return
	}
	if err := a.FollowUp(ctx, p.Message); err != nil {
		h.sendError(c, protocol.ErrCodeAgentUnavailable, err.Error(), p.WorkspaceID)
	}
}

func (h *Hub) forwardSlotCommand(ctx context.Context, c *Client, payload json.RawMessage, fn func(*adapter.Adapter, protocol.SteerPayload) error) {
	var p protocol.SteerPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		h.sendError(c, protocol.ErrCodeMalformedFrame, err.Error(), "")
		return
	}
	a, err := h.registry.Adapter(p.WorkspaceID, p.SlotID)
	if err != nil {
		h.sendError(c, classifyRegistryErr(err), err.Error(), p.WorkspaceID)
		return
	}
	if err := fn(a, p); err != nil {
		h.sendError(c, protocol.ErrCodeAgentUnavailable, err.Error(), p.WorkspaceID)
	}
}

func (h *Hub) forwardScoped(ctx context.Context, c *Client, payload json.RawMessage, fn func(*adapter.Adapter) error) {
	var p protocol.SlotScopedPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		h.sendError(c, protocol.ErrCodeMalformedFrame, err.Error(), "")
		return
	}
	a, err := h.registry.Adapter(p.WorkspaceID, p.SlotID)
	if err != nil {
		h.sendError(c, classifyRegistryErr(err), err.Error(), p.WorkspaceID)
		return
	}
	if err := fn(a); err != nil {
		h.sendError(c, protocol.ErrCodeAgentUnavailable, err.Error(), p.WorkspaceID)
	}
}

func (h *Hub) handleSetModel(ctx context.Context, c *Client, payload json.RawMessage) {
	var p protocol.SetModelPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		h.sendError(c, protocol.ErrCodeMalformedFrame, err.Error(), "")
		return
	}
	a, err := h.registry.Adapter(p.WorkspaceID, p.SlotID)
	if err != nil {
		h.sendError(c, classifyRegistryErr(err), err.Error(), p.WorkspaceID)
		return
	}
	if err := a.SetModel(ctx, p.Provider, p.ModelID); err != nil {
		h.sendError(c, protocol.ErrCodeAgentUnavailable, err.Error(), p.WorkspaceID)
	}
}

func (h *Hub) handleSetThinkingLevel(ctx context.Context, c *Client, payload json.RawMessage) {
	var p protocol.SetThinkingLevelPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		h.sendError(c, protocol.ErrCodeMalformedFrame, err.Error(), "")
		return
	}
	a, err := h.registry.Adapter(p.WorkspaceID, p.SlotID)
	if err != nil {
		h.sendError(c, classifyRegistryErr(err), err.Error(), p.WorkspaceID)
		return
	}
	if err := a.SetThinkingLevel(ctx, p.Level); err != nil {
		h.sendError(c, protocol.ErrCodeAgentUnavailable, err.Error(), p.WorkspaceID)
	}
}

func (h *Hub) handleSwitchSession(ctx context.Context, c *Client, payload json.RawMessage) {
	var p protocol.SwitchSessionPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		h.sendError(c, protocol.ErrCodeMalformedFrame, err.Error(), "")
		return
	}
	a, err := h.registry.Adapter(p.WorkspaceID, p.SlotID)
	if err != nil {
		h.sendError(c, classifyRegistryErr(err), err.Error(), p.WorkspaceID)
		return
	}
	if err := a.SwitchSession(ctx, p.SessionFile); err != nil {
		h.sendError(c, protocol.ErrCodeAgentUnavailable, err.Error(), p.WorkspaceID)
	}
}

func (h *Hub) handleCompact(ctx context.Context, c *Client, payload json.RawMessage) {
	var p protocol.CompactPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		h.sendError(c, protocol.ErrCodeMalformedFrame, err.Error(), "")
		return
	}
	a, err := h.registry.Adapter(p.WorkspaceID, p.SlotID)
	if err != nil {
		h.sendError(c, classifyRegistryErr(err), err.Error(), p.WorkspaceID)
		return
	}
	if err := a.Compact(ctx, p.Instructions); err != nil {
		h.sendError(c, protocol.ErrCodeAgentUnavailable, err.Error(), p.WorkspaceID)
	}
}

func (h *Hub) handleFork(ctx context.Context, c *Client, payload json.RawMessage) {
	var p protocol.ForkPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		h.sendError(c, protocol.ErrCodeMalformedFrame, err.Error(), "")
		return
	}
	a, err := h.registry.Adapter(p.WorkspaceID, p.SlotID)
	if err != nil {
		h.sendError(c, classifyRegistryErr(err), err.Error(), p.WorkspaceID)
		return
	}
	if err := a.Fork(ctx, p.EntryID); err != nil {
		h.sendError(c, protocol.ErrCodeAgentUnavailable, err.Error(), p.WorkspaceID)
	}
}

func (h *Hub) handleBash(ctx context.Context, c *Client, payload json.RawMessage) {
	var p protocol.BashPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		h.sendError(c, protocol.ErrCodeMalformedFrame, err.Error(), "")
		return
	}
	a, err := h.registry.Adapter(p.WorkspaceID, p.SlotID)
	if err != nil {
		h.sendError(c, classifyRegistryErr(err), err.Error(), p.WorkspaceID)
		return
	}
	if err := a.Bash(ctx, p.Command); err != nil {
		h.sendError(c, protocol.ErrCodeAgentUnavailable, err.Error(), p.WorkspaceID)
	}
}

func (h *Hub) handleQuestionnaireResponse(ctx context.Context, c *Client, payload json.RawMessage) {
	var p protocol.QuestionnaireResponsePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		h.sendError(c, protocol.ErrCodeMalformedFrame, err.Error(), "")
		return
	}
	a, err := h.registry.Adapter(p.WorkspaceID, p.SlotID)
	if err != nil {
		h.sendError(c, classifyRegistryErr(err), err.Error(), p.WorkspaceID)
		return
	}
	if err := a.RespondToPendingUI(ctx, adapter.PendingUIResponse{
		PendingID:       p.PendingID,
		SelectedOptions: p.SelectedOptions,
		CustomText:      p.CustomText,
		Rejected:        p.Rejected,
	}); err != nil {
		h.sendError(c, protocol.ErrCodeAgentUnavailable, err.Error(), p.WorkspaceID)
	}
}

func (h *Hub) sendError(c *Client, code protocol.ErrorCode, message, workspaceID string) {
	frame, err := protocol.EncodeError(code, message, workspaceID)
	if err != nil {
		h.logger.Error("failed to encode error frame", zap.Error(err))
		return
	}
	c.enqueue(frame)
}

// classifyRegistryErr maps a WorkspaceRegistry error into its wire code;
// unrecognized errors default to agent_unavailable rather than leaking
// internal detail (§7's taxonomy).
func classifyRegistryErr(err error) protocol.ErrorCode {
	var pathErr *registry.PathNotAllowedError
	var wsErr *registry.UnknownWorkspaceError
	var slotErr *registry.UnknownSlotError
	var degradedErr *versionedlog.DegradedError
	var durabilityErr *versionedlog.DurabilityError
	switch {
	case errors.As(err, &pathErr):
		return protocol.ErrCodePathNotAllowed
	case errors.As(err, &wsErr):
		return protocol.ErrCodeUnknownWorkspace
	case errors.As(err, &slotErr):
		return protocol.ErrCodeUnknownSlot
	case errors.As(err, &degradedErr), errors.As(err, &durabilityErr):
		return protocol.ErrCodePersistenceDegraded
	default:
		return protocol.ErrCodeAgentUnavailable
	}
}
