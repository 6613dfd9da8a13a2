// Package executor defines the engine abstraction: each supported coding
// agent provides a strategy for spawning, resuming, cancelling, probing and
// log normalization.
package executor

import (
	"context"
	"fmt"
	"sync"

	"github.com/devboard/devboard/internal/store"
)

// SpawnOptions carries everything an executor needs to start an agent run.
type SpawnOptions struct {
	IssueID     string
	ExecutionID string
	Prompt      string
	SessionID   string // external session id; empty means fresh
	WorkingDir  string
	Model       string
	Permission  string // engine-specific permission mode
}

// Availability describes whether an engine can be used right now.
type Availability struct {
	EngineType string `json:"engine_type"`
	Available  bool   `json:"available"`
	Version    string `json:"version,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// ModelInfo describes one model an engine can run.
type ModelInfo struct {
	ID        string `json:"id"`
	Name      string `json:"name,omitempty"`
	IsDefault bool   `json:"is_default,omitempty"`
}

// ToolCallInfo is the raw payload accompanying a tool-use entry.
type ToolCallInfo struct {
	Name       string
	ToolCallID string
	Kind       store.ToolKind
	IsResult   bool
	Raw        string
}

// NormalizedEntry is one engine-agnostic unit of agent output.
//
// Parsers guarantee: exactly one entry type per entry; a tool-use invocation
// and its result share Metadata["toolCallId"]; turn-ending summaries carry
// Metadata["turnCompleted"] = true.
type NormalizedEntry struct {
	Type     store.EntryType
	Content  string
	Metadata map[string]interface{}
	Tool     *ToolCallInfo // set only for tool-use entries
}

// TurnCompleted reports whether this entry ends the current turn.
func (e *NormalizedEntry) TurnCompleted() bool {
	if e.Metadata == nil {
		return false
	}
	v, ok := e.Metadata["turnCompleted"].(bool)
	return ok && v
}

// Executor is the per-engine strategy.
type Executor interface {
	// Type returns the engine identifier ("claude", "codex", "echo").
	Type() string

	// Spawn starts a fresh agent run. The returned process carries the
	// session id actually in effect, which may differ from opts.SessionID.
	Spawn(ctx context.Context, opts SpawnOptions) (*Process, error)

	// SpawnFollowUp resumes an existing session identified by opts.SessionID.
	SpawnFollowUp(ctx context.Context, opts SpawnOptions) (*Process, error)

	// SendInput delivers a prompt to an already-running process as a new turn.
	SendInput(ctx context.Context, proc *Process, prompt string) error

	// Cancel soft-cancels the current turn, leaving the process alive where
	// the protocol allows it.
	Cancel(ctx context.Context, proc *Process) error

	// Availability probes whether the engine can run on this host.
	Availability(ctx context.Context) Availability

	// Models lists the models this engine offers.
	Models(ctx context.Context) ([]ModelInfo, error)

	// DefaultModel returns the model used when the caller does not pick one.
	DefaultModel() string

	// ParseLine converts one raw output line into zero or more normalized
	// entries. Returning an empty slice drops the line.
	ParseLine(line string) []*NormalizedEntry
}

// Registry holds the registered executors keyed by engine type.
type Registry struct {
	mu        sync.RWMutex
	executors map[string]Executor
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{executors: make(map[string]Executor)}
}

// Register adds an executor. Re-registering a type replaces it.
func (r *Registry) Register(e Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[e.Type()] = e
}

// Get returns the executor for an engine type.
func (r *Registry) Get(engineType string) (Executor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.executors[engineType]
	if !ok {
		return nil, fmt.Errorf("unknown engine type: %s", engineType)
	}
	return e, nil
}

// Types returns the registered engine types.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.executors))
	for t := range r.executors {
		types = append(types, t)
	}
	return types
}

// All returns every registered executor.
func (r *Registry) All() []Executor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	all := make([]Executor, 0, len(r.executors))
	for _, e := range r.executors {
		all = append(all, e)
	}
	return all
}
