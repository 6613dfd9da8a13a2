package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"strings"

	"go.uber.org/zap"

	"github.com/devboard/devboard/internal/common/logger"
	"github.com/devboard/devboard/internal/store"
	"github.com/devboard/devboard/pkg/codex"
)

const codexBinary = "codex"

// CodexExecutor drives the Codex CLI in app-server mode over bidirectional
// JSON-RPC. The multiplexer owns the raw stdio; notifications are re-emitted
// as JSONL on the process's Stdout so the normalizer sees a uniform stream.
type CodexExecutor struct {
	binary string
	logger *logger.Logger
}

// NewCodexExecutor creates the Codex engine strategy.
func NewCodexExecutor(log *logger.Logger) *CodexExecutor {
	return &CodexExecutor{
		binary: codexBinary,
		logger: log.WithFields(zap.String("engine", "codex")),
	}
}

func (e *CodexExecutor) Type() string { return "codex" }

func (e *CodexExecutor) DefaultModel() string { return "gpt-5-codex" }

// Spawn starts an app-server, performs the handshake, opens a fresh thread
// and submits the prompt as the first turn.
func (e *CodexExecutor) Spawn(ctx context.Context, opts SpawnOptions) (*Process, error) {
	return e.spawn(ctx, opts, false)
}

// SpawnFollowUp resumes the thread named by opts.SessionID.
func (e *CodexExecutor) SpawnFollowUp(ctx context.Context, opts SpawnOptions) (*Process, error) {
	if opts.SessionID == "" {
		return nil, fmt.Errorf("codex follow-up requires a session id")
	}
	return e.spawn(ctx, opts, true)
}

func (e *CodexExecutor) spawn(ctx context.Context, opts SpawnOptions, resume bool) (*Process, error) {
	proc, err := startCommand(e.binary, []string{"app-server"}, opts.WorkingDir, BuildEnv())
	if err != nil {
		return nil, err
	}

	client := codex.NewClient(proc.Stdin, proc.Stdout, e.logger)
	client.Start(ctx)

	// Replace the raw stdout with a pipe carrying re-serialized notifications.
	pr, pw := io.Pipe()
	realStdin := proc.Stdin
	proc.Stdin = nil // stdin now belongs to the multiplexer
	proc.Stdout = pr
	proc.RPC = client
	go pumpNotifications(client, pw)

	fail := func(err error) (*Process, error) {
		client.Close()
		_ = realStdin.Close()
		_ = proc.Kill()
		return nil, err
	}

	if _, err := client.Initialize(ctx, &codex.ClientInfo{Name: "devboard", Version: "1.0"}); err != nil {
		return fail(err)
	}

	sandbox := &codex.SandboxPolicy{Type: "workspace-write", NetworkAccess: true}
	if resume {
		thread, err := client.ResumeThread(ctx, &codex.ThreadResumeParams{
			ThreadID:       opts.SessionID,
			Cwd:            opts.WorkingDir,
			ApprovalPolicy: "never",
			SandboxPolicy:  sandbox,
		})
		if err != nil {
			return fail(err)
		}
		proc.SessionID = thread.ID
	} else {
		thread, err := client.StartThread(ctx, &codex.ThreadStartParams{
			Model:          opts.Model,
			Cwd:            opts.WorkingDir,
			ApprovalPolicy: "never",
			SandboxPolicy:  sandbox,
		})
		if err != nil {
			return fail(err)
		}
		proc.SessionID = thread.ID
	}

	if err := client.StartTurn(ctx, opts.Prompt); err != nil {
		return fail(err)
	}

	e.logger.Info("spawned codex process",
		zap.Int("pid", proc.PID()),
		zap.String("execution_id", opts.ExecutionID),
		zap.String("thread_id", proc.SessionID),
		zap.Bool("resume", resume))
	return proc, nil
}

// pumpNotifications re-serializes multiplexer notifications as JSONL for the
// normalizer. Non-RPC lines pass through verbatim.
func pumpNotifications(client *codex.Client, pw *io.PipeWriter) {
	defer func() { _ = pw.Close() }()
	for n := range client.Notifications() {
		var line []byte
		if n.Raw != nil {
			line = n.Raw
		} else {
			var err error
			line, err = json.Marshal(n)
			if err != nil {
				continue
			}
		}
		if _, err := pw.Write(append(line, '\n')); err != nil {
			return
		}
	}
}

// SendInput starts a new turn on the live thread.
func (e *CodexExecutor) SendInput(ctx context.Context, proc *Process, prompt string) error {
	if proc.RPC == nil {
		return fmt.Errorf("process has no rpc client")
	}
	return proc.RPC.StartTurn(ctx, prompt)
}

// Cancel interrupts the in-flight turn; the app-server stays alive.
func (e *CodexExecutor) Cancel(ctx context.Context, proc *Process) error {
	if proc.RPC == nil {
		return fmt.Errorf("process has no rpc client")
	}
	return proc.RPC.Interrupt(ctx)
}

// Availability checks the CLI binary is on PATH and reports its version.
func (e *CodexExecutor) Availability(ctx context.Context) Availability {
	path, err := exec.LookPath(e.binary)
	if err != nil {
		return Availability{EngineType: e.Type(), Available: false, Reason: "codex binary not found on PATH"}
	}

	out, err := exec.CommandContext(ctx, path, "--version").Output()
	if err != nil {
		return Availability{EngineType: e.Type(), Available: true}
	}
	return Availability{EngineType: e.Type(), Available: true, Version: strings.TrimSpace(string(out))}
}

// Models returns the static model list.
func (e *CodexExecutor) Models(_ context.Context) ([]ModelInfo, error) {
	return []ModelInfo{
		{ID: "gpt-5-codex", Name: "GPT-5 Codex", IsDefault: true},
		{ID: "gpt-5", Name: "GPT-5"},
		{ID: "o4-mini", Name: "o4-mini"},
	}, nil
}

// ParseLine maps a re-serialized notification onto normalized entries.
func (e *CodexExecutor) ParseLine(line string) []*NormalizedEntry {
	var n codex.Notification
	if err := json.Unmarshal([]byte(line), &n); err != nil || n.Method == "" {
		return []*NormalizedEntry{{
			Type:    store.EntryTypeSystemMessage,
			Content: line,
		}}
	}

	switch n.Method {
	case codex.NotifyItemStarted:
		var p codex.ItemStartedParams
		if err := json.Unmarshal(n.Params, &p); err != nil || p.Item == nil {
			return nil
		}
		return e.parseItem(p.Item, false)

	case codex.NotifyItemCompleted:
		var p codex.ItemCompletedParams
		if err := json.Unmarshal(n.Params, &p); err != nil || p.Item == nil {
			return nil
		}
		return e.parseItem(p.Item, true)

	case codex.NotifyTurnCompleted:
		var p codex.TurnCompletedParams
		if err := json.Unmarshal(n.Params, &p); err != nil {
			return nil
		}
		metadata := map[string]interface{}{"turnCompleted": true, "turnId": p.TurnID}
		if !p.Success {
			reason := p.Error
			if reason == "" {
				reason = "turn failed"
			}
			metadata["isError"] = true
			metadata["errorReason"] = reason
			return []*NormalizedEntry{{
				Type:     store.EntryTypeErrorMessage,
				Content:  reason,
				Metadata: metadata,
			}}
		}
		return []*NormalizedEntry{{
			Type:     store.EntryTypeSystemMessage,
			Content:  "turn completed",
			Metadata: metadata,
		}}

	case codex.NotifyError:
		var p codex.ErrorParams
		if err := json.Unmarshal(n.Params, &p); err != nil {
			return nil
		}
		return []*NormalizedEntry{{
			Type:     store.EntryTypeErrorMessage,
			Content:  p.Message,
			Metadata: map[string]interface{}{"code": p.Code},
		}}

	case codex.NotifyItemCmdExecRequestApproval:
		var p codex.CommandApprovalParams
		if err := json.Unmarshal(n.Params, &p); err != nil {
			return nil
		}
		return []*NormalizedEntry{{
			Type:     store.EntryTypeSystemMessage,
			Content:  fmt.Sprintf("auto-approved command: %s", p.Command),
			Metadata: map[string]interface{}{"approval": "command", "itemId": p.ItemID},
		}}

	case codex.NotifyItemFileChangeRequestApproval:
		var p codex.FileChangeApprovalParams
		if err := json.Unmarshal(n.Params, &p); err != nil {
			return nil
		}
		return []*NormalizedEntry{{
			Type:     store.EntryTypeSystemMessage,
			Content:  fmt.Sprintf("auto-approved file change: %s", p.Path),
			Metadata: map[string]interface{}{"approval": "fileChange", "itemId": p.ItemID},
		}}
	}

	// Deltas and bookkeeping notifications carry no normalized content.
	return nil
}

func (e *CodexExecutor) parseItem(item *codex.Item, completed bool) []*NormalizedEntry {
	switch item.Type {
	case "agentMessage":
		if !completed || item.Text == "" {
			return nil
		}
		return []*NormalizedEntry{{
			Type:    store.EntryTypeAssistantMessage,
			Content: item.Text,
		}}

	case "reasoning":
		if !completed {
			return nil
		}
		text := item.Summary.AsText()
		if text == "" {
			text = item.Content.AsText()
		}
		if text == "" {
			return nil
		}
		return []*NormalizedEntry{{
			Type:     store.EntryTypeAssistantMessage,
			Content:  text,
			Metadata: map[string]interface{}{"thinking": true},
		}}

	case "commandExecution":
		if completed {
			return []*NormalizedEntry{{
				Type:     store.EntryTypeToolUse,
				Metadata: map[string]interface{}{"toolCallId": item.ID},
				Tool: &ToolCallInfo{
					Name:       "commandExecution",
					ToolCallID: item.ID,
					Kind:       store.ToolKindCommandRun,
					IsResult:   true,
					Raw:        item.AggregatedOutput,
				},
			}}
		}
		return []*NormalizedEntry{{
			Type:     store.EntryTypeToolUse,
			Metadata: map[string]interface{}{"toolCallId": item.ID, "toolName": "commandExecution"},
			Tool: &ToolCallInfo{
				Name:       "commandExecution",
				ToolCallID: item.ID,
				Kind:       store.ToolKindCommandRun,
				Raw:        item.Command,
			},
		}}

	case "fileChange":
		if !completed {
			return nil
		}
		raw, _ := json.Marshal(item.Changes)
		return []*NormalizedEntry{{
			Type:     store.EntryTypeToolUse,
			Metadata: map[string]interface{}{"toolCallId": item.ID, "toolName": "fileChange"},
			Tool: &ToolCallInfo{
				Name:       "fileChange",
				ToolCallID: item.ID,
				Kind:       store.ToolKindFileEdit,
				Raw:        string(raw),
			},
		}}

	case "mcpToolCall":
		if !completed {
			return nil
		}
		raw, _ := json.Marshal(item)
		return []*NormalizedEntry{{
			Type:     store.EntryTypeToolUse,
			Metadata: map[string]interface{}{"toolCallId": item.ID, "toolName": item.Tool},
			Tool: &ToolCallInfo{
				Name:       item.Tool,
				ToolCallID: item.ID,
				Kind:       store.ToolKindTool,
				Raw:        string(raw),
			},
		}}
	}
	return nil
}

// IsMissingSessionError reports whether a failure message means the external
// session no longer exists, in which case the caller should start fresh.
func IsMissingSessionError(msg string) bool {
	if msg == "" {
		return false
	}
	msg = strings.ToLower(msg)
	return strings.Contains(msg, "no conversation found") || strings.Contains(msg, "session")
}
