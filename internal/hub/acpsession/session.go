// Package acpsession is the one concrete AgentSession this repository
// ships: a subprocess speaking the Agent Client Protocol message vocabulary
// (github.com/coder/acp-go-sdk's wire shape, modeled here via the reference
// backend's own pkg/acp/protocol types) over newline-delimited JSON on
// stdin/stdout. It is the connective tissue a real deployment would swap
// for a direct SDK client; AgentAdapter never imports this package's
// internals, only the adapter.AgentSession interface it implements.
package acpsession

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/patleeman/pi-deck/internal/common/logger"
	"github.com/patleeman/pi-deck/internal/hub/adapter"
	"github.com/patleeman/pi-deck/pkg/acp/protocol"
)

// Session is a subprocess-backed adapter.AgentSession.
type Session struct {
	cmd     *exec.Cmd
	stdin   *json.Encoder
	stdinMu sync.Mutex

	agentID string
	taskID  string

	events chan adapter.AgentEvent
	log    *logger.Logger

	closeOnce sync.Once
}

// Spawn starts the configured agent command for one slot. argv[0] is the
// executable; the process inherits the parent's environment.
func Spawn(ctx context.Context, argv []string, workspaceID, slotID, workspacePath string, log *logger.Logger) (*Session, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("acpsession: no agent command configured")
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = workspacePath
	cmd.Env = append(os.Environ(), fmt.Sprintf("PIDECK_WORKSPACE_ID=%s", workspaceID), fmt.Sprintf("PIDECK_SLOT_ID=%s", slotID))

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("acpsession: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("acpsession: stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("acpsession: start: %w", err)
	}

	s := &Session{
		cmd:     cmd,
		stdin:   json.NewEncoder(stdin),
		agentID: slotID,
		taskID:  workspaceID,
		events:  make(chan adapter.AgentEvent, 64),
		log:     log.WithFields(zap.String("component", "acp_session"), zap.String("slot_id", slotID)),
	}
	go s.readLoop(stdout)
	return s, nil
}

func (s *Session) readLoop(r io.Reader) {
	defer close(s.events)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var msg protocol.Message
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			s.log.Warn("failed to decode acp message", zap.Error(err))
			continue
		}
		if evt, ok := translateInbound(msg); ok {
			s.events <- evt
		}
	}
	if err := scanner.Err(); err != nil {
		s.log.Warn("acp stdout scan error", zap.Error(err))
	}
}

// translateInbound maps one ACP message onto the adapter's event
// vocabulary. ACP's status/progress/result/log/error taxonomy is coarser
// than AgentAdapter's messageStart/messageUpdate/toolStart/etc, so several
// ACP types feed the same AgentEvent kind distinguished by payload.
func translateInbound(msg protocol.Message) (adapter.AgentEvent, bool) {
	switch msg.Type {
	case protocol.MessageTypeStatus:
		status, _ := msg.Data["status"].(string)
		switch status {
		case "started", "running":
			return adapter.AgentEvent{Type: adapter.EventAgentStart}, true
		case "stopped", "completed", "failed":
			return adapter.AgentEvent{Type: adapter.EventAgentEnd}, true
		}
		return adapter.AgentEvent{}, false

	case protocol.MessageTypeProgress:
		text, _ := msg.Data["message"].(string)
		if text == "" {
			return adapter.AgentEvent{}, false
		}
		return adapter.AgentEvent{Type: adapter.EventMessageUpdate, DeltaKind: adapter.DeltaKindText, DeltaText: text}, true

	case protocol.MessageTypeResult:
		summary, _ := msg.Data["summary"].(string)
		content, _ := json.Marshal([]map[string]string{{"type": "text", "text": summary}})
		return adapter.AgentEvent{
			Type: adapter.EventMessageEnd,
			Message: &adapter.AgentMessage{
				ID:      fmt.Sprintf("%s-%d", msg.TaskID, time.Now().UnixNano()),
				Role:    "assistant",
				Content: content,
			},
		}, true

	case protocol.MessageTypeError:
		errMsg, _ := msg.Data["error"].(string)
		return adapter.AgentEvent{Type: adapter.EventToolEnd, ToolResult: errMsg, ToolError: true}, true

	case protocol.MessageTypeInputRequired:
		promptID, _ := msg.Data["prompt_id"].(string)
		raw, _ := json.Marshal(msg.Data)
		return adapter.AgentEvent{
			Type:          adapter.EventPendingUI,
			PendingUIID:   promptID,
			PendingUIKind: inputKind(msg.Data),
			PendingUIData: raw,
		}, true

	default:
		return adapter.AgentEvent{}, false
	}
}

func inputKind(data map[string]interface{}) string {
	switch data["input_type"] {
	case "choice":
		return "questionnaire"
	case "confirm":
		return "confirmation"
	default:
		return "input"
	}
}

func (s *Session) send(msgType protocol.MessageType, data map[string]interface{}) error {
	s.stdinMu.Lock()
	defer s.stdinMu.Unlock()
	return s.stdin.Encode(protocol.Message{
		Type:      msgType,
		Timestamp: time.Now(),
		AgentID:   s.agentID,
		TaskID:    s.taskID,
		Data:      data,
	})
}

func (s *Session) Events() <-chan adapter.AgentEvent { return s.events }

func (s *Session) SendPrompt(ctx context.Context, text string, images []string) error {
	return s.send(protocol.MessageTypeInputResponse, map[string]interface{}{"text": text, "images": images, "kind": "prompt"})
}

func (s *Session) Steer(ctx context.Context, text string) error {
	return s.send(protocol.MessageTypeInputResponse, map[string]interface{}{"text": text, "kind": "steer"})
}

func (s *Session) FollowUp(ctx context.Context, text string) error {
	return s.send(protocol.MessageTypeInputResponse, map[string]interface{}{"text": text, "kind": "followUp"})
}

func (s *Session) Abort(ctx context.Context) error {
	return s.send(protocol.MessageTypeControl, map[string]interface{}{"action": "stop"})
}

func (s *Session) SetModel(ctx context.Context, provider, id string) error {
	return s.send(protocol.MessageTypeControl, map[string]interface{}{"action": "setModel", "provider": provider, "modelId": id})
}

func (s *Session) SetThinkingLevel(ctx context.Context, level string) error {
	return s.send(protocol.MessageTypeControl, map[string]interface{}{"action": "setThinkingLevel", "level": level})
}

func (s *Session) NewSession(ctx context.Context) error {
	return s.send(protocol.MessageTypeControl, map[string]interface{}{"action": "newSession"})
}

func (s *Session) SwitchSession(ctx context.Context, sessionFile string) error {
	return s.send(protocol.MessageTypeControl, map[string]interface{}{"action": "switchSession", "sessionFile": sessionFile})
}

func (s *Session) Compact(ctx context.Context, instructions string) error {
	return s.send(protocol.MessageTypeControl, map[string]interface{}{"action": "compact", "instructions": instructions})
}

func (s *Session) Fork(ctx context.Context, entryID string) error {
	return s.send(protocol.MessageTypeControl, map[string]interface{}{"action": "fork", "entryId": entryID})
}

func (s *Session) Bash(ctx context.Context, command string) error {
	return s.send(protocol.MessageTypeControl, map[string]interface{}{"action": "bash", "command": command})
}

func (s *Session) AbortBash(ctx context.Context) error {
	return s.send(protocol.MessageTypeControl, map[string]interface{}{"action": "abortBash"})
}

func (s *Session) RespondToPendingUI(ctx context.Context, resp adapter.PendingUIResponse) error {
	return s.send(protocol.MessageTypeInputResponse, map[string]interface{}{
		"prompt_id":        resp.PendingID,
		"selected_options": resp.SelectedOptions,
		"custom_text":      resp.CustomText,
		"rejected":         resp.Rejected,
	})
}

// Close terminates the subprocess. Safe to call multiple times.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		if s.cmd.Process != nil {
			err = s.cmd.Process.Kill()
		}
		_ = s.cmd.Wait()
	})
	return err
}

// Factory returns a registry.SessionFactory spawning argv per slot.
func Factory(argv []string, log *logger.Logger) func(ctx context.Context, workspaceID, slotID, workspacePath string) (adapter.AgentSession, error) {
	return func(ctx context.Context, workspaceID, slotID, workspacePath string) (adapter.AgentSession, error) {
		return Spawn(ctx, argv, workspaceID, slotID, workspacePath, log)
	}
}
