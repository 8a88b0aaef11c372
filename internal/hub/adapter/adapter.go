package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/patleeman/pi-deck/internal/clarification"
	"github.com/patleeman/pi-deck/internal/common/constants"
	"github.com/patleeman/pi-deck/internal/common/logger"
	"github.com/patleeman/pi-deck/internal/common/stringutil"
	"github.com/patleeman/pi-deck/internal/hub/model"
)

// maxCommittedTextChars bounds any single tool result or compaction summary
// committed into a mutation, keeping individual deltas small regardless of
// how much output the underlying tool produced.
const maxCommittedTextChars = 16000

// Committer is the narrow slice of VersionedLog that Adapter depends on,
// kept as an interface so this package never imports versionedlog directly
// and stays unit-testable against a fake.
type Committer interface {
	Commit(ctx context.Context, workspaceID string, mutation model.Mutation) (model.Delta, error)
}

// Adapter is AgentAdapter (§4.4): the translation layer between one slot's
// black-box AgentSession and the ordered stream of mutations committed
// through VersionedLog. One Adapter exists per (workspaceId, slotId).
type Adapter struct {
	workspaceID string
	slotID      string

	session   AgentSession
	committer Committer
	pending   *clarification.Store
	log       *logger.Logger

	streaming atomic.Bool

	mu       sync.Mutex
	steering []string
	followUp []string

	// promptWatchdog aborts a prompt that never reaches agentEnd within
	// constants.PromptTimeout, guarding against a stuck or hung session.
	promptWatchdog *time.Timer

	done chan struct{}
}

// New constructs an Adapter and starts its event-translation loop. Callers
// must call Close (or cancel ctx) to stop the loop and release the session.
func New(ctx context.Context, workspaceID, slotID string, session AgentSession, committer Committer, log *logger.Logger) *Adapter {
	a := &Adapter{
		workspaceID: workspaceID,
		slotID:      slotID,
		session:     session,
		committer:   committer,
		pending:     clarification.NewStore(10 * time.Minute),
		log:         log.WithFields(zap.String("component", "agent_adapter"), zap.String("workspace_id", workspaceID), zap.String("slot_id", slotID)),
		done:        make(chan struct{}),
	}
	go a.run(ctx)
	return a
}

// run drains session events for the adapter's lifetime, translating each
// one into a mutation (or short in-order batch) per the translation table.
func (a *Adapter) run(ctx context.Context) {
	defer close(a.done)
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-a.session.Events():
			if !ok {
				return
			}
			if err := a.translate(ctx, evt); err != nil {
				a.log.Warn("failed to translate agent event", zap.String("event_type", string(evt.Type)), zap.Error(err))
			}
		}
	}
}

func (a *Adapter) translate(ctx context.Context, evt AgentEvent) error {
	switch evt.Type {
	case EventAgentStart:
		a.streaming.Store(true)
		a.armPromptWatchdog()
		return a.commit(ctx, model.Mutation{
			Kind:  model.KindSlotUpdate,
			SlotID: a.slotID,
			Patch: &model.SlotPatch{IsStreaming: boolPtr(true)},
		})

	case EventAgentEnd:
		a.streaming.Store(false)
		a.disarmPromptWatchdog()
		if _, err := a.commitBatch(ctx,
			model.Mutation{Kind: model.KindSlotUpdate, SlotID: a.slotID, Patch: &model.SlotPatch{IsStreaming: boolPtr(false)}},
			model.Mutation{Kind: model.KindStreamingClear, SlotID: a.slotID},
		); err != nil {
			return err
		}
		a.flushQueued(ctx)
		return nil

	case EventMessageStart:
		if evt.Message == nil {
			return fmt.Errorf("messageStart missing message")
		}
		return a.commit(ctx, model.Mutation{
			Kind:     model.KindMessagesAppend,
			SlotID:   a.slotID,
			Messages: []model.Message{toModelMessage(*evt.Message)},
		})

	case EventMessageUpdate:
		channel := model.ChannelText
		if evt.DeltaKind == DeltaKindThinking {
			channel = model.ChannelThinking
		}
		return a.commit(ctx, model.Mutation{
			Kind:    model.KindStreamingDelta,
			SlotID:  a.slotID,
			Channel: channel,
			Delta:   evt.DeltaText,
		})

	case EventMessageEnd:
		if evt.Message == nil {
			return fmt.Errorf("messageEnd missing message")
		}
		msg := toModelMessage(*evt.Message)
		return a.commit(ctx, model.Mutation{
			Kind:   model.KindSlotUpdate,
			SlotID: a.slotID,
			Patch:  &model.SlotPatch{ReplaceMessage: &msg},
		})

	case EventToolStart:
		return a.commit(ctx, model.Mutation{
			Kind:   model.KindToolStart,
			SlotID: a.slotID,
			Execution: &model.ToolExecution{
				ToolCallID: evt.ToolCallID,
				Name:       evt.ToolName,
				Args:       evt.ToolArgs,
				Status:     model.ToolRunning,
				StartedAt:  time.Now().UnixMilli(),
			},
		})

	case EventToolUpdate:
		return a.commit(ctx, model.Mutation{
			Kind:          model.KindToolUpdate,
			SlotID:        a.slotID,
			ToolCallID:    evt.ToolCallID,
			PartialResult: stringutil.TruncateStringWithEllipsis(evt.ToolResult, maxCommittedTextChars),
		})

	case EventToolEnd:
		return a.commit(ctx, model.Mutation{
			Kind:       model.KindToolEnd,
			SlotID:     a.slotID,
			ToolCallID: evt.ToolCallID,
			Result:     stringutil.TruncateStringWithEllipsis(evt.ToolResult, maxCommittedTextChars),
			IsError:    evt.ToolError,
		})

	case EventCompactionStart:
		return a.commit(ctx, model.Mutation{
			Kind:   model.KindSlotUpdate,
			SlotID: a.slotID,
			Patch:  &model.SlotPatch{IsCompacting: boolPtr(true)},
		})

	case EventCompactionEnd:
		patch := &model.SlotPatch{IsCompacting: boolPtr(false)}
		if evt.CompactionSummary != "" {
			summary := model.Message{
				ID:        uuid.New().String(),
				Role:      model.RoleAssistant,
				Timestamp: time.Now().UnixMilli(),
				Content:   []model.ContentPart{{Type: model.ContentText, Text: stringutil.TruncateStringWithEllipsis(evt.CompactionSummary, maxCommittedTextChars)}},
			}
			if _, err := a.commitBatch(ctx,
				model.Mutation{Kind: model.KindSlotUpdate, SlotID: a.slotID, Patch: patch},
				model.Mutation{Kind: model.KindMessagesAppend, SlotID: a.slotID, Messages: []model.Message{summary}},
			); err != nil {
				return err
			}
			return nil
		}
		return a.commit(ctx, model.Mutation{Kind: model.KindSlotUpdate, SlotID: a.slotID, Patch: patch})

	case EventStateChanged:
		// A catch-all hook reserved for future model-only refreshes (e.g. the
		// agent reporting its resolved modelRef/thinkingLevel out of band); no
		// committed fields today, so it is a deliberate no-op.
		return nil

	case EventPendingUI:
		id := evt.PendingUIID
		if id == "" {
			id = uuid.New().String()
		}
		a.pending.CreateRequest(&clarification.Request{
			PendingID: id,
			SessionID: a.slotID,
			TaskID:    a.workspaceID,
			CreatedAt: time.Now(),
		})
		return a.commit(ctx, model.Mutation{
			Kind:   model.KindPendingUISet,
			SlotID: a.slotID,
			PendingUI: &model.PendingUI{
				ID:        id,
				Kind:      evt.PendingUIKind,
				Data:      evt.PendingUIData,
				CreatedAt: time.Now().UnixMilli(),
			},
		})

	default:
		return fmt.Errorf("unknown agent event type %q", evt.Type)
	}
}

func (a *Adapter) commit(ctx context.Context, mutation model.Mutation) error {
	mutation.WsID = a.workspaceID
	_, err := a.committer.Commit(ctx, a.workspaceID, mutation)
	return err
}

// commitBatch commits a short run of mutations in order, per §4.4's "each
// rule is an atomic mutation, or a short batch committed in order" — each
// still lands as its own version, issued back-to-back. The batch is not
// atomic: commits from other slots, or from this Adapter's command handlers
// running on a caller's goroutine, can land between its mutations.
func (a *Adapter) commitBatch(ctx context.Context, mutations ...model.Mutation) ([]model.Delta, error) {
	deltas := make([]model.Delta, 0, len(mutations))
	for _, m := range mutations {
		m.WsID = a.workspaceID
		d, err := a.committer.Commit(ctx, a.workspaceID, m)
		if err != nil {
			return deltas, err
		}
		deltas = append(deltas, d)
	}
	return deltas, nil
}

func (a *Adapter) flushQueued(ctx context.Context) {
	a.mu.Lock()
	steering, followUp := a.steering, a.followUp
	a.steering, a.followUp = nil, nil
	a.mu.Unlock()

	if len(steering) == 0 && len(followUp) == 0 {
		return
	}
	_ = a.commit(ctx, model.Mutation{Kind: model.KindQueuedMessagesUpdate, SlotID: a.slotID, Steering: nil, FollowUp: nil})
	for _, s := range steering {
		if err := a.session.Steer(ctx, s); err != nil {
			a.log.Warn("failed to deliver queued steer on agentEnd", zap.Error(err))
		}
	}
	for _, f := range followUp {
		if err := a.session.FollowUp(ctx, f); err != nil {
			a.log.Warn("failed to deliver queued follow-up on agentEnd", zap.Error(err))
		}
	}
}

// --- Command surface (§4.5): forwarded to the AgentSession, with steer and
// followUp diverted into QueuedMessages while the slot is mid-stream. ---

func (a *Adapter) SendPrompt(ctx context.Context, text string, images []string) error {
	return a.session.SendPrompt(ctx, text, images)
}

func (a *Adapter) Steer(ctx context.Context, text string) error {
	if a.streaming.Load() {
		a.mu.Lock()
		a.steering = append(a.steering, text)
		steering, followUp := append([]string(nil), a.steering...), append([]string(nil), a.followUp...)
		a.mu.Unlock()
		return a.commit(ctx, model.Mutation{Kind: model.KindQueuedMessagesUpdate, SlotID: a.slotID, Steering: steering, FollowUp: followUp})
	}
	return a.session.Steer(ctx, text)
}

func (a *Adapter) FollowUp(ctx context.Context, text string) error {
	if a.streaming.Load() {
		a.mu.Lock()
		a.followUp = append(a.followUp, text)
		steering, followUp := append([]string(nil), a.steering...), append([]string(nil), a.followUp...)
		a.mu.Unlock()
		return a.commit(ctx, model.Mutation{Kind: model.KindQueuedMessagesUpdate, SlotID: a.slotID, Steering: steering, FollowUp: followUp})
	}
	return a.session.FollowUp(ctx, text)
}

func (a *Adapter) Abort(ctx context.Context) error {
	return a.session.Abort(ctx)
}

func (a *Adapter) SetModel(ctx context.Context, provider, id string) error {
	if err := a.session.SetModel(ctx, provider, id); err != nil {
		return err
	}
	return a.commit(ctx, model.Mutation{Kind: model.KindSlotUpdate, SlotID: a.slotID, Patch: &model.SlotPatch{ModelRef: strPtr(fmt.Sprintf("%s/%s", provider, id))}})
}

func (a *Adapter) SetThinkingLevel(ctx context.Context, level string) error {
	if err := a.session.SetThinkingLevel(ctx, level); err != nil {
		return err
	}
	return a.commit(ctx, model.Mutation{Kind: model.KindSlotUpdate, SlotID: a.slotID, Patch: &model.SlotPatch{ThinkingLevel: strPtr(level)}})
}

func (a *Adapter) NewSession(ctx context.Context) error {
	return a.session.NewSession(ctx)
}

func (a *Adapter) SwitchSession(ctx context.Context, sessionFile string) error {
	if err := a.session.SwitchSession(ctx, sessionFile); err != nil {
		return err
	}
	return a.commit(ctx, model.Mutation{Kind: model.KindSlotUpdate, SlotID: a.slotID, Patch: &model.SlotPatch{SessionFile: strPtr(sessionFile)}})
}

func (a *Adapter) Compact(ctx context.Context, instructions string) error {
	return a.session.Compact(ctx, instructions)
}

func (a *Adapter) Fork(ctx context.Context, entryID string) error {
	return a.session.Fork(ctx, entryID)
}

func (a *Adapter) Bash(ctx context.Context, command string) error {
	return a.session.Bash(ctx, command)
}

func (a *Adapter) AbortBash(ctx context.Context) error {
	return a.session.AbortBash(ctx)
}

// RespondToPendingUI answers (or rejects) the slot's outstanding PendingUI,
// clearing it from the model and forwarding the response to the agent.
func (a *Adapter) RespondToPendingUI(ctx context.Context, resp PendingUIResponse) error {
	if err := a.pending.Respond(resp.PendingID, &clarification.Response{
		PendingID: resp.PendingID,
		Rejected:  resp.Rejected,
		Answer: &clarification.Answer{
			SelectedOptions: resp.SelectedOptions,
			CustomText:      resp.CustomText,
		},
	}); err != nil {
		return fmt.Errorf("respond to pending ui: %w", err)
	}
	if err := a.session.RespondToPendingUI(ctx, resp); err != nil {
		return err
	}
	return a.commit(ctx, model.Mutation{Kind: model.KindPendingUISet, SlotID: a.slotID, PendingUI: nil})
}

// Close stops the translation loop and releases the underlying session. Any
// outstanding PendingUI is resolved as cancelled (§5's WorkspaceClose
// cancellation rule applies equally to a single slot's teardown).
func (a *Adapter) Close() error {
	a.disarmPromptWatchdog()
	for _, req := range a.pending.ListPending() {
		_ = a.pending.Cancel(req.PendingID)
	}
	err := a.session.Close()
	<-a.done
	return err
}

// armPromptWatchdog starts a timer that aborts the session if no agentEnd
// arrives within constants.PromptTimeout, in case the session hangs.
func (a *Adapter) armPromptWatchdog() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.promptWatchdog != nil {
		a.promptWatchdog.Stop()
	}
	a.promptWatchdog = time.AfterFunc(constants.PromptTimeout, func() {
		a.log.Warn("prompt exceeded timeout, aborting session", zap.Duration("timeout", constants.PromptTimeout))
		if err := a.session.Abort(context.Background()); err != nil {
			a.log.Warn("watchdog abort failed", zap.Error(err))
		}
	})
}

func (a *Adapter) disarmPromptWatchdog() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.promptWatchdog != nil {
		a.promptWatchdog.Stop()
		a.promptWatchdog = nil
	}
}

func toModelMessage(m AgentMessage) model.Message {
	var content []model.ContentPart
	if len(m.Content) > 0 {
		_ = json.Unmarshal(m.Content, &content)
	}
	return model.Message{
		ID:        m.ID,
		Role:      model.Role(m.Role),
		Timestamp: time.Now().UnixMilli(),
		Content:   content,
	}
}

func boolPtr(b bool) *bool    { return &b }
func strPtr(s string) *string { return &s }
