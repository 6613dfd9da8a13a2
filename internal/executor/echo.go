package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/devboard/devboard/pkg/claudecode"
)

// EchoExecutor is a synthetic engine that immediately echoes the prompt back
// as an assistant message and completes the turn. It speaks the same
// stream-json protocol as the Claude engine, so the full normalization and
// persistence path is exercised without an external binary.
type EchoExecutor struct {
	// Delay inserts a pause before the echo, for exercising cancellation.
	Delay time.Duration
}

// NewEchoExecutor creates the echo engine.
func NewEchoExecutor() *EchoExecutor {
	return &EchoExecutor{}
}

func (e *EchoExecutor) Type() string { return "echo" }

func (e *EchoExecutor) DefaultModel() string { return "echo-1" }

// Spawn starts a synthetic process that replays the prompt and exits.
func (e *EchoExecutor) Spawn(_ context.Context, opts SpawnOptions) (*Process, error) {
	sessionID := opts.SessionID
	if sessionID == "" {
		sessionID = uuid.New().String()
	}
	return e.run(sessionID, opts.Prompt), nil
}

// SpawnFollowUp behaves like Spawn but keeps the provided session id.
func (e *EchoExecutor) SpawnFollowUp(_ context.Context, opts SpawnOptions) (*Process, error) {
	if opts.SessionID == "" {
		return nil, fmt.Errorf("echo follow-up requires a session id")
	}
	return e.run(opts.SessionID, opts.Prompt), nil
}

func (e *EchoExecutor) run(sessionID, prompt string) *Process {
	outR, outW := io.Pipe()
	errR, errW := io.Pipe()
	proc := NewSyntheticProcess(nil, outR, errR)
	proc.SessionID = sessionID

	go func() {
		defer func() {
			_ = outW.Close()
			_ = errW.Close()
			proc.Finish(0)
		}()

		if e.Delay > 0 {
			time.Sleep(e.Delay)
		}

		writeLine := func(v interface{}) bool {
			data, err := json.Marshal(v)
			if err != nil {
				return false
			}
			_, err = outW.Write(append(data, '\n'))
			return err == nil
		}

		if !writeLine(map[string]interface{}{
			"type":       claudecode.MessageTypeSystem,
			"subtype":    "init",
			"session_id": sessionID,
			"model":      "echo-1",
		}) {
			return
		}

		if !writeLine(map[string]interface{}{
			"type": claudecode.MessageTypeAssistant,
			"message": map[string]interface{}{
				"role":    "assistant",
				"content": []map[string]interface{}{{"type": "text", "text": prompt}},
			},
		}) {
			return
		}

		resultText, _ := json.Marshal(prompt)
		writeLine(map[string]interface{}{
			"type":       claudecode.MessageTypeResult,
			"subtype":    "success",
			"result":     json.RawMessage(resultText),
			"session_id": sessionID,
			"num_turns":  1,
		})
	}()

	return proc
}

// SendInput is unsupported: the synthetic process ends after one turn.
func (e *EchoExecutor) SendInput(_ context.Context, _ *Process, _ string) error {
	return fmt.Errorf("echo process does not accept live input")
}

// Cancel closes the synthetic pipes.
func (e *EchoExecutor) Cancel(_ context.Context, proc *Process) error {
	return proc.Kill()
}

// Availability always succeeds.
func (e *EchoExecutor) Availability(_ context.Context) Availability {
	return Availability{EngineType: e.Type(), Available: true, Version: "builtin"}
}

// Models returns the single built-in model.
func (e *EchoExecutor) Models(_ context.Context) ([]ModelInfo, error) {
	return []ModelInfo{{ID: "echo-1", Name: "Echo", IsDefault: true}}, nil
}

// ParseLine reuses the stream-json parser, since the synthetic output
// follows that protocol.
func (e *EchoExecutor) ParseLine(line string) []*NormalizedEntry {
	parser := ClaudeExecutor{}
	return parser.ParseLine(line)
}
