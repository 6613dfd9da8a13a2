package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/devboard/devboard/internal/common/logger"
	"github.com/devboard/devboard/internal/store"
	"github.com/devboard/devboard/pkg/claudecode"
)

const claudeBinary = "claude"

// ClaudeExecutor drives the Claude Code CLI over the stream-json protocol.
type ClaudeExecutor struct {
	binary string
	logger *logger.Logger
}

// NewClaudeExecutor creates the Claude engine strategy.
func NewClaudeExecutor(log *logger.Logger) *ClaudeExecutor {
	return &ClaudeExecutor{
		binary: claudeBinary,
		logger: log.WithFields(zap.String("engine", "claude")),
	}
}

func (e *ClaudeExecutor) Type() string { return "claude" }

func (e *ClaudeExecutor) DefaultModel() string { return "claude-sonnet-4-5" }

func (e *ClaudeExecutor) buildArgs(opts SpawnOptions, resume bool) []string {
	args := []string{
		"-p",
		"--output-format=stream-json",
		"--input-format=stream-json",
		"--verbose",
		"--dangerously-skip-permissions",
	}
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	if opts.Permission != "" {
		args = append(args, "--permission-mode", opts.Permission)
	}
	if resume && opts.SessionID != "" {
		args = append(args, "--resume", opts.SessionID)
	}
	return args
}

// Spawn starts a fresh CLI session and submits the prompt on stdin.
func (e *ClaudeExecutor) Spawn(ctx context.Context, opts SpawnOptions) (*Process, error) {
	return e.spawn(ctx, opts, false)
}

// SpawnFollowUp resumes the session named in opts.SessionID.
func (e *ClaudeExecutor) SpawnFollowUp(ctx context.Context, opts SpawnOptions) (*Process, error) {
	if opts.SessionID == "" {
		return nil, fmt.Errorf("claude follow-up requires a session id")
	}
	return e.spawn(ctx, opts, true)
}

func (e *ClaudeExecutor) spawn(_ context.Context, opts SpawnOptions, resume bool) (*Process, error) {
	proc, err := startCommand(e.binary, e.buildArgs(opts, resume), opts.WorkingDir, BuildEnv())
	if err != nil {
		return nil, err
	}
	proc.SessionID = opts.SessionID

	if err := e.writeUserMessage(proc, opts.Prompt); err != nil {
		_ = proc.Kill()
		return nil, err
	}

	e.logger.Info("spawned claude process",
		zap.Int("pid", proc.PID()),
		zap.String("execution_id", opts.ExecutionID),
		zap.Bool("resume", resume))
	return proc, nil
}

// SendInput submits a new turn on the live process.
func (e *ClaudeExecutor) SendInput(_ context.Context, proc *Process, prompt string) error {
	return e.writeUserMessage(proc, prompt)
}

func (e *ClaudeExecutor) writeUserMessage(proc *Process, prompt string) error {
	msg := claudecode.UserMessage{
		Type:    "user",
		Message: claudecode.UserMessageBody{Role: "user", Content: prompt},
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal user message: %w", err)
	}
	return proc.WriteLine(data)
}

// Cancel interrupts the current operation without killing the process.
func (e *ClaudeExecutor) Cancel(_ context.Context, proc *Process) error {
	req := claudecode.SDKControlRequest{
		Type:      "control_request",
		RequestID: uuid.New().String(),
		Request:   claudecode.SDKControlRequestBody{Subtype: claudecode.SubtypeInterrupt},
	}
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal interrupt: %w", err)
	}
	return proc.WriteLine(data)
}

// Availability checks the CLI binary is on PATH and reports its version.
func (e *ClaudeExecutor) Availability(ctx context.Context) Availability {
	path, err := exec.LookPath(e.binary)
	if err != nil {
		return Availability{EngineType: e.Type(), Available: false, Reason: "claude binary not found on PATH"}
	}

	out, err := exec.CommandContext(ctx, path, "--version").Output()
	if err != nil {
		return Availability{EngineType: e.Type(), Available: true}
	}
	return Availability{EngineType: e.Type(), Available: true, Version: strings.TrimSpace(string(out))}
}

// Models returns the static model list; the CLI has no model discovery.
func (e *ClaudeExecutor) Models(_ context.Context) ([]ModelInfo, error) {
	return []ModelInfo{
		{ID: "claude-sonnet-4-5", Name: "Sonnet 4.5", IsDefault: true},
		{ID: "claude-opus-4-5", Name: "Opus 4.5"},
		{ID: "claude-haiku-4-5", Name: "Haiku 4.5"},
	}, nil
}

// ParseLine maps one stream-json line onto normalized entries.
func (e *ClaudeExecutor) ParseLine(line string) []*NormalizedEntry {
	var msg claudecode.CLIMessage
	if err := json.Unmarshal([]byte(line), &msg); err != nil {
		// Plain text on stdout is unusual but not fatal.
		return []*NormalizedEntry{{
			Type:    store.EntryTypeSystemMessage,
			Content: line,
		}}
	}

	switch msg.Type {
	case claudecode.MessageTypeSystem:
		return e.parseSystem(&msg)
	case claudecode.MessageTypeAssistant:
		return e.parseAssistant(&msg)
	case claudecode.MessageTypeUser:
		return e.parseToolResults(&msg)
	case claudecode.MessageTypeResult:
		return e.parseResult(&msg)
	}
	return nil
}

func (e *ClaudeExecutor) parseSystem(msg *claudecode.CLIMessage) []*NormalizedEntry {
	metadata := map[string]interface{}{"subtype": msg.Subtype}
	if msg.SessionID != "" {
		metadata["sessionId"] = msg.SessionID
	}
	if msg.Model != "" {
		metadata["model"] = msg.Model
	}
	content := msg.Subtype
	if content == "" {
		content = "system"
	}
	return []*NormalizedEntry{{
		Type:     store.EntryTypeSystemMessage,
		Content:  content,
		Metadata: metadata,
	}}
}

func (e *ClaudeExecutor) parseAssistant(msg *claudecode.CLIMessage) []*NormalizedEntry {
	if msg.Message == nil {
		return nil
	}

	var entries []*NormalizedEntry
	for _, block := range msg.Message.Content {
		switch block.Type {
		case "text":
			if block.Text == "" {
				continue
			}
			entries = append(entries, &NormalizedEntry{
				Type:    store.EntryTypeAssistantMessage,
				Content: block.Text,
			})
		case "thinking":
			if block.Thinking == "" {
				continue
			}
			entries = append(entries, &NormalizedEntry{
				Type:     store.EntryTypeAssistantMessage,
				Content:  block.Thinking,
				Metadata: map[string]interface{}{"thinking": true},
			})
		case "tool_use":
			raw, _ := json.Marshal(block.Input)
			entries = append(entries, &NormalizedEntry{
				Type:     store.EntryTypeToolUse,
				Metadata: map[string]interface{}{"toolCallId": block.ID, "toolName": block.Name},
				Tool: &ToolCallInfo{
					Name:       block.Name,
					ToolCallID: block.ID,
					Kind:       classifyTool(block.Name),
					Raw:        string(raw),
				},
			})
		}
	}
	return entries
}

func (e *ClaudeExecutor) parseToolResults(msg *claudecode.CLIMessage) []*NormalizedEntry {
	if msg.Message == nil {
		return nil
	}

	var entries []*NormalizedEntry
	for _, block := range msg.Message.Content {
		if block.Type != "tool_result" {
			continue
		}
		entries = append(entries, &NormalizedEntry{
			Type:     store.EntryTypeToolUse,
			Metadata: map[string]interface{}{"toolCallId": block.ToolUseID},
			Tool: &ToolCallInfo{
				ToolCallID: block.ToolUseID,
				Kind:       store.ToolKindTool,
				IsResult:   true,
				Raw:        block.ContentText(),
			},
		})
	}
	return entries
}

func (e *ClaudeExecutor) parseResult(msg *claudecode.CLIMessage) []*NormalizedEntry {
	metadata := map[string]interface{}{
		"turnCompleted": true,
		"subtype":       msg.Subtype,
	}
	if msg.CostUSD > 0 {
		metadata["costUsd"] = msg.CostUSD
	}
	if msg.DurationMS > 0 {
		metadata["durationMs"] = msg.DurationMS
	}
	if msg.NumTurns > 0 {
		metadata["numTurns"] = msg.NumTurns
	}
	if data := msg.GetResultData(); data != nil && data.SessionID != "" {
		metadata["sessionId"] = data.SessionID
	} else if msg.SessionID != "" {
		metadata["sessionId"] = msg.SessionID
	}

	content := msg.GetResultString()
	if data := msg.GetResultData(); content == "" && data != nil {
		content = data.Text
	}

	// A non-success result is a logical failure even when the process later
	// exits cleanly.
	if msg.IsError || (msg.Subtype != "" && msg.Subtype != "success") {
		metadata["isError"] = true
		reason := content
		if reason == "" {
			reason = msg.Subtype
		}
		metadata["errorReason"] = reason
		return []*NormalizedEntry{{
			Type:     store.EntryTypeErrorMessage,
			Content:  reason,
			Metadata: metadata,
		}}
	}

	if content == "" {
		content = "turn completed"
	}
	return []*NormalizedEntry{{
		Type:     store.EntryTypeSystemMessage,
		Content:  content,
		Metadata: metadata,
	}}
}

// classifyTool buckets a tool name into a coarse kind for change summaries.
func classifyTool(name string) store.ToolKind {
	switch name {
	case claudecode.ToolBash:
		return store.ToolKindCommandRun
	case claudecode.ToolRead, claudecode.ToolGlob:
		return store.ToolKindFileRead
	case claudecode.ToolEdit, claudecode.ToolWrite, claudecode.ToolNotebookEdit:
		return store.ToolKindFileEdit
	case claudecode.ToolGrep:
		return store.ToolKindSearch
	case claudecode.ToolWebFetch, claudecode.ToolWebSearch:
		return store.ToolKindWebFetch
	case claudecode.ToolTask:
		return store.ToolKindTask
	default:
		return store.ToolKindTool
	}
}
