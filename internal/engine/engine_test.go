package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devboard/devboard/internal/common/logger"
	"github.com/devboard/devboard/internal/engine/lock"
	"github.com/devboard/devboard/internal/engine/persist"
	"github.com/devboard/devboard/internal/engine/process"
	"github.com/devboard/devboard/internal/events"
	"github.com/devboard/devboard/internal/events/bus"
	"github.com/devboard/devboard/internal/executor"
	"github.com/devboard/devboard/internal/store"
	"github.com/devboard/devboard/pkg/claudecode"
)

type testEnv struct {
	engine   *Engine
	store    *store.Store
	bus      *bus.MemoryEventBus
	echo     *executor.EchoExecutor
	registry *executor.Registry
}

func newTestEnv(t *testing.T) *testEnv {
	return newTestEnvOpts(t, Options{})
}

func newTestEnvOpts(t *testing.T, opts Options) *testEnv {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text"})
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "test.db")
	db, err := sqlx.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)

	st, err := store.New(db, db)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	eventBus := bus.NewMemoryEventBus(log)
	t.Cleanup(eventBus.Close)

	echo := executor.NewEchoExecutor()
	registry := executor.NewRegistry()
	registry.Register(echo)

	manager := process.NewManager(log, process.WithGCInterval(time.Hour))
	t.Cleanup(manager.Stop)

	writer := persist.NewWriter(st, eventBus, log)
	locks := lock.New(log)

	eng := New(st, registry, manager, writer, eventBus, locks, log, opts)
	t.Cleanup(eng.Wait)

	return &testEnv{engine: eng, store: st, bus: eventBus, echo: echo, registry: registry}
}

func (env *testEnv) createIssue(t *testing.T, status store.IssueStatus) *store.Issue {
	t.Helper()
	ctx := context.Background()
	project := &store.Project{Name: "Test", Directory: ""}
	require.NoError(t, env.store.CreateProject(ctx, project))
	issue := &store.Issue{ProjectID: project.ID, Title: "Test Issue", Status: status}
	require.NoError(t, env.store.CreateIssue(ctx, issue))
	return issue
}

// settledCh returns a channel that receives the final status of the next
// settlement for the issue.
func (env *testEnv) settledCh(t *testing.T, issueID string) <-chan string {
	t.Helper()
	ch := make(chan string, 4)
	sub, err := env.bus.Subscribe(events.BuildExecutionSettledSubject(issueID), func(ctx context.Context, event *bus.Event) error {
		if data, ok := event.Data.(*events.SettledEventData); ok {
			ch <- data.FinalStatus
		}
		return nil
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Unsubscribe() })
	return ch
}

func waitSettled(t *testing.T, ch <-chan string) string {
	t.Helper()
	select {
	case status := <-ch:
		return status
	case <-time.After(5 * time.Second):
		t.Fatal("execution never settled")
		return ""
	}
}

func TestExecuteIssueRunsToCompletion(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	issue := env.createIssue(t, store.IssueStatusWorking)
	settled := env.settledCh(t, issue.ID)

	result, err := env.engine.ExecuteIssue(ctx, issue.ID, ExecuteRequest{
		EngineType: "echo",
		Prompt:     "hello world",
	})
	require.NoError(t, err)
	require.NotEmpty(t, result.ExecutionID)
	require.NotEmpty(t, result.MessageID)

	assert.Equal(t, string(store.SessionStatusCompleted), waitSettled(t, settled))

	got, err := env.store.GetIssue(ctx, issue.ID)
	require.NoError(t, err)
	assert.Equal(t, store.SessionStatusCompleted, got.SessionStatus)
	assert.Equal(t, store.IssueStatusReview, got.Status, "working issues move to review on settlement")
	assert.Equal(t, "echo", got.EngineType)
	assert.NotEmpty(t, got.ExternalSessionID)

	entries, err := env.store.ListLogEntries(ctx, issue.ID)
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	assert.Equal(t, store.EntryTypeUserMessage, entries[0].EntryType)
	assert.Equal(t, "hello world", entries[0].Content)

	var sawEcho bool
	for _, entry := range entries {
		if entry.EntryType == store.EntryTypeAssistantMessage && entry.Content == "hello world" {
			sawEcho = true
		}
	}
	assert.True(t, sawEcho, "assistant echo not persisted: %+v", entries)
}

func TestExecuteRejectsConcurrentRun(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.echo.Delay = 300 * time.Millisecond
	issue := env.createIssue(t, store.IssueStatusWorking)
	settled := env.settledCh(t, issue.ID)

	_, err := env.engine.ExecuteIssue(ctx, issue.ID, ExecuteRequest{EngineType: "echo", Prompt: "slow"})
	require.NoError(t, err)

	_, err = env.engine.ExecuteIssue(ctx, issue.ID, ExecuteRequest{EngineType: "echo", Prompt: "again"})
	assert.ErrorIs(t, err, ErrExecutionActive)

	waitSettled(t, settled)
}

func TestFollowUpOnInactiveIssueQueues(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	issue := env.createIssue(t, store.IssueStatusTodo)

	result, err := env.engine.FollowUpIssue(ctx, issue.ID, FollowUpRequest{Prompt: "for later"})
	require.NoError(t, err)
	assert.True(t, result.Queued)
	require.NotEmpty(t, result.MessageID)

	pending, err := env.store.ListPendingMessages(ctx, issue.ID)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "for later", pending[0].Content)
}

func TestFollowUpWithoutSessionFails(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	issue := env.createIssue(t, store.IssueStatusWorking)

	_, err := env.engine.FollowUpIssue(ctx, issue.ID, FollowUpRequest{Prompt: "hello"})
	assert.ErrorIs(t, err, ErrNoSession)
}

func TestCancelIssuePersistsCancelled(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.echo.Delay = 2 * time.Second
	issue := env.createIssue(t, store.IssueStatusWorking)
	settled := env.settledCh(t, issue.ID)

	_, err := env.engine.ExecuteIssue(ctx, issue.ID, ExecuteRequest{EngineType: "echo", Prompt: "slow work"})
	require.NoError(t, err)

	outcome, err := env.engine.CancelIssue(ctx, issue.ID)
	require.NoError(t, err)
	assert.Contains(t, []string{"interrupted", "cancelled"}, outcome)

	assert.Equal(t, string(store.SessionStatusCancelled), waitSettled(t, settled))

	got, err := env.store.GetIssue(ctx, issue.ID)
	require.NoError(t, err)
	assert.Equal(t, store.SessionStatusCancelled, got.SessionStatus,
		"user cancellation wins over the failure exit")
}

func TestRestartRequiresTerminalSession(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	issue := env.createIssue(t, store.IssueStatusWorking)

	_, err := env.engine.RestartIssue(ctx, issue.ID)
	assert.ErrorIs(t, err, ErrNotRestartable)
}

func TestRestartFailedSessionRunsAgain(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	issue := env.createIssue(t, store.IssueStatusWorking)
	require.NoError(t, env.store.UpdateIssueSession(ctx, issue.ID, "echo", store.SessionStatusFailed, "original prompt", "echo-1"))
	require.NoError(t, env.store.SetExternalSessionID(ctx, issue.ID, "sess-old"))

	settled := env.settledCh(t, issue.ID)

	result, err := env.engine.RestartIssue(ctx, issue.ID)
	require.NoError(t, err)
	require.NotEmpty(t, result.ExecutionID)

	assert.Equal(t, string(store.SessionStatusCompleted), waitSettled(t, settled))

	got, err := env.store.GetIssue(ctx, issue.ID)
	require.NoError(t, err)
	assert.Equal(t, store.SessionStatusCompleted, got.SessionStatus)
}

// convoExec is a synthetic conversational engine: its processes stay alive
// between turns and accept queued input, like the stream-based engines. The
// knobs script the next spawn's behavior.
type convoExec struct {
	mu          sync.Mutex
	delivered   []string // every prompt the engine accepted, in order
	spawns      int
	procs       []*convoProc
	turnDelay   time.Duration
	sendErr     error // forced SendInput failure
	dieMidTurn  bool  // next process exits mid-turn without completing it
	failMissing bool  // next process reports a lost session and exits
}

type convoProc struct {
	proc      *executor.Process
	out       *io.PipeWriter
	turns     chan string
	interrupt chan struct{}
}

func newConvoExec() *convoExec { return &convoExec{} }

func (c *convoExec) Type() string         { return "convo" }
func (c *convoExec) DefaultModel() string { return "convo-1" }

func (c *convoExec) Availability(_ context.Context) executor.Availability {
	return executor.Availability{EngineType: "convo", Available: true, Version: "builtin"}
}

func (c *convoExec) Models(_ context.Context) ([]executor.ModelInfo, error) {
	return []executor.ModelInfo{{ID: "convo-1", Name: "Convo", IsDefault: true}}, nil
}

func (c *convoExec) ParseLine(line string) []*executor.NormalizedEntry {
	parser := executor.ClaudeExecutor{}
	return parser.ParseLine(line)
}

func (c *convoExec) Spawn(_ context.Context, opts executor.SpawnOptions) (*executor.Process, error) {
	sessionID := opts.SessionID
	if sessionID == "" {
		sessionID = uuid.New().String()
	}
	return c.start(sessionID, opts.Prompt), nil
}

func (c *convoExec) SpawnFollowUp(_ context.Context, opts executor.SpawnOptions) (*executor.Process, error) {
	if opts.SessionID == "" {
		return nil, fmt.Errorf("convo follow-up requires a session id")
	}
	return c.start(opts.SessionID, opts.Prompt), nil
}

func (c *convoExec) start(sessionID, prompt string) *executor.Process {
	outR, outW := io.Pipe()
	proc := executor.NewSyntheticProcess(nil, outR, nil)
	proc.SessionID = sessionID

	cp := &convoProc{
		proc:      proc,
		out:       outW,
		turns:     make(chan string, 8),
		interrupt: make(chan struct{}, 1),
	}

	c.mu.Lock()
	c.spawns++
	c.delivered = append(c.delivered, prompt)
	c.procs = append(c.procs, cp)
	die := c.dieMidTurn
	fail := c.failMissing
	c.dieMidTurn = false
	c.failMissing = false
	delay := c.turnDelay
	c.mu.Unlock()

	go c.loop(cp, sessionID, prompt, die, fail, delay)
	return proc
}

func (c *convoExec) writeJSON(cp *convoProc, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	_, _ = cp.out.Write(append(data, '\n'))
}

func (c *convoExec) loop(cp *convoProc, sessionID, first string, die, fail bool, delay time.Duration) {
	c.writeJSON(cp, map[string]interface{}{
		"type":       claudecode.MessageTypeSystem,
		"subtype":    "init",
		"session_id": sessionID,
		"model":      "convo-1",
	})

	if fail {
		msg, _ := json.Marshal("No conversation found with session " + sessionID)
		c.writeJSON(cp, map[string]interface{}{
			"type":       claudecode.MessageTypeResult,
			"subtype":    "error_during_execution",
			"is_error":   true,
			"result":     json.RawMessage(msg),
			"session_id": sessionID,
		})
		_ = cp.out.Close()
		cp.proc.Finish(1)
		return
	}
	if die {
		time.Sleep(delay)
		_ = cp.out.Close()
		cp.proc.Finish(1)
		return
	}

	c.runTurn(cp, sessionID, first, delay)
	for {
		select {
		case <-cp.proc.Exited():
			return
		case prompt := <-cp.turns:
			c.runTurn(cp, sessionID, prompt, delay)
		}
	}
}

func (c *convoExec) runTurn(cp *convoProc, sessionID, prompt string, delay time.Duration) {
	if delay > 0 {
		select {
		case <-cp.interrupt:
			res, _ := json.Marshal("interrupted")
			c.writeJSON(cp, map[string]interface{}{
				"type":       claudecode.MessageTypeResult,
				"subtype":    "success",
				"result":     json.RawMessage(res),
				"session_id": sessionID,
			})
			return
		case <-time.After(delay):
		}
	}

	c.writeJSON(cp, map[string]interface{}{
		"type": claudecode.MessageTypeAssistant,
		"message": map[string]interface{}{
			"role":    "assistant",
			"content": []map[string]interface{}{{"type": "text", "text": prompt}},
		},
	})
	res, _ := json.Marshal(prompt)
	c.writeJSON(cp, map[string]interface{}{
		"type":       claudecode.MessageTypeResult,
		"subtype":    "success",
		"result":     json.RawMessage(res),
		"session_id": sessionID,
		"num_turns":  1,
	})
}

func (c *convoExec) SendInput(_ context.Context, proc *executor.Process, prompt string) error {
	c.mu.Lock()
	err := c.sendErr
	c.mu.Unlock()
	if err != nil {
		return err
	}
	cp := c.find(proc)
	if cp == nil {
		return fmt.Errorf("unknown process")
	}
	select {
	case cp.turns <- prompt:
	case <-proc.Exited():
		return fmt.Errorf("process has exited")
	}
	c.mu.Lock()
	c.delivered = append(c.delivered, prompt)
	c.mu.Unlock()
	return nil
}

func (c *convoExec) Cancel(_ context.Context, proc *executor.Process) error {
	cp := c.find(proc)
	if cp == nil {
		return fmt.Errorf("unknown process")
	}
	select {
	case cp.interrupt <- struct{}{}:
	default:
	}
	return nil
}

func (c *convoExec) find(proc *executor.Process) *convoProc {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, cp := range c.procs {
		if cp.proc == proc {
			return cp
		}
	}
	return nil
}

func (c *convoExec) deliveredPrompts() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.delivered...)
}

func (c *convoExec) spawnCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.spawns
}

// killAll tears down any processes still alive, so engine.Wait does not block
// on their stream readers.
func (c *convoExec) killAll() {
	c.mu.Lock()
	procs := append([]*convoProc(nil), c.procs...)
	c.mu.Unlock()
	for _, cp := range procs {
		_ = cp.proc.Kill()
	}
}

func (env *testEnv) registerConvo(t *testing.T) *convoExec {
	t.Helper()
	chat := newConvoExec()
	env.registry.Register(chat)
	t.Cleanup(chat.killAll)
	return chat
}

func TestActivateWorkingIssueRunsFresh(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	project := &store.Project{Name: "Test"}
	require.NoError(t, env.store.CreateProject(ctx, project))
	issue := &store.Issue{ProjectID: project.ID, Title: "Auto Exec Test", Status: store.IssueStatusWorking, EngineType: "echo"}
	require.NoError(t, env.store.CreateIssue(ctx, issue))

	settled := env.settledCh(t, issue.ID)
	require.NoError(t, env.engine.ActivateIssue(ctx, issue.ID))

	assert.Equal(t, string(store.SessionStatusCompleted), waitSettled(t, settled))

	got, err := env.store.GetIssue(ctx, issue.ID)
	require.NoError(t, err)
	assert.Equal(t, store.SessionStatusCompleted, got.SessionStatus)
	assert.Equal(t, store.IssueStatusReview, got.Status)
	assert.NotEmpty(t, got.ExternalSessionID)

	entries, err := env.store.ListLogEntries(ctx, issue.ID)
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	assert.Equal(t, store.EntryTypeUserMessage, entries[0].EntryType)
	assert.Equal(t, "Auto Exec Test", entries[0].Content, "activation prompt falls back to the issue title")
}

func TestActivateConsumesPendingBatch(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	project := &store.Project{Name: "Test"}
	require.NoError(t, env.store.CreateProject(ctx, project))
	issue := &store.Issue{ProjectID: project.ID, Title: "Batch Issue", Status: store.IssueStatusTodo, EngineType: "echo"}
	require.NoError(t, env.store.CreateIssue(ctx, issue))

	for _, prompt := range []string{"first", "second"} {
		result, err := env.engine.FollowUpIssue(ctx, issue.ID, FollowUpRequest{Prompt: prompt})
		require.NoError(t, err)
		assert.True(t, result.Queued)
	}

	require.NoError(t, env.store.UpdateIssueStatus(ctx, issue.ID, store.IssueStatusWorking))

	settled := env.settledCh(t, issue.ID)
	require.NoError(t, env.engine.ActivateIssue(ctx, issue.ID))

	assert.Equal(t, string(store.SessionStatusCompleted), waitSettled(t, settled))

	pending, err := env.store.ListPendingMessages(ctx, issue.ID)
	require.NoError(t, err)
	assert.Empty(t, pending, "queued messages must be consumed by the activation")

	entries, err := env.store.ListLogEntries(ctx, issue.ID)
	require.NoError(t, err)
	var sawBatch bool
	for _, entry := range entries {
		if entry.EntryType == store.EntryTypeAssistantMessage && entry.Content == "first\n\nsecond" {
			sawBatch = true
		}
	}
	assert.True(t, sawBatch, "queued messages batch oldest-first into one prompt")
}

func TestQueuedSendFailureRecyclesProcess(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	chat := env.registerConvo(t)
	chat.turnDelay = 300 * time.Millisecond
	chat.sendErr = fmt.Errorf("stdin gone")

	issue := env.createIssue(t, store.IssueStatusWorking)
	settled := env.settledCh(t, issue.ID)

	_, err := env.engine.ExecuteIssue(ctx, issue.ID, ExecuteRequest{EngineType: "convo", Prompt: "initial"})
	require.NoError(t, err)

	result, err := env.engine.FollowUpIssue(ctx, issue.ID, FollowUpRequest{Prompt: "queued work"})
	require.NoError(t, err)
	assert.True(t, result.Queued)

	assert.Equal(t, string(store.SessionStatusCompleted), waitSettled(t, settled))

	// The failed dispatch recycles the process and the queued prompt rides
	// the respawn, delivered exactly once.
	assert.Equal(t, []string{"initial", "queued work"}, chat.deliveredPrompts())
	assert.Equal(t, 2, chat.spawnCount())

	pending, err := env.store.ListPendingMessages(ctx, issue.ID)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestCarryOverQueueDispatchesOnce(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	chat := env.registerConvo(t)
	chat.turnDelay = 300 * time.Millisecond
	chat.dieMidTurn = true

	issue := env.createIssue(t, store.IssueStatusWorking)
	settled := env.settledCh(t, issue.ID)

	_, err := env.engine.ExecuteIssue(ctx, issue.ID, ExecuteRequest{EngineType: "convo", Prompt: "initial"})
	require.NoError(t, err)

	for _, prompt := range []string{"ALPHA", "BRAVO"} {
		result, err := env.engine.FollowUpIssue(ctx, issue.ID, FollowUpRequest{Prompt: prompt})
		require.NoError(t, err)
		assert.True(t, result.Queued)
	}

	assert.Equal(t, string(store.SessionStatusCompleted), waitSettled(t, settled))

	// The respawn prompt carries only the head of the queue; the rest are
	// sent as individual turns, preserving order and delivering each once.
	assert.Equal(t, []string{"initial", "ALPHA", "BRAVO"}, chat.deliveredPrompts())

	pending, err := env.store.ListPendingMessages(ctx, issue.ID)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestQueueCancelInterruptsTurn(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	chat := env.registerConvo(t)
	chat.turnDelay = 300 * time.Millisecond

	issue := env.createIssue(t, store.IssueStatusWorking)
	settled := env.settledCh(t, issue.ID)

	_, err := env.engine.ExecuteIssue(ctx, issue.ID, ExecuteRequest{EngineType: "convo", Prompt: "initial"})
	require.NoError(t, err)

	result, err := env.engine.FollowUpIssue(ctx, issue.ID, FollowUpRequest{Prompt: "replacement", BusyAction: "cancel"})
	require.NoError(t, err)
	assert.True(t, result.Queued)

	assert.Equal(t, string(store.SessionStatusCompleted), waitSettled(t, settled))

	// The in-flight turn was interrupted, so the first prompt never echoed.
	assert.Equal(t, []string{"initial", "replacement"}, chat.deliveredPrompts())

	entries, err := env.store.ListLogEntries(ctx, issue.ID)
	require.NoError(t, err)
	for _, entry := range entries {
		if entry.EntryType == store.EntryTypeAssistantMessage {
			assert.NotEqual(t, "initial", entry.Content, "interrupted turn must not complete")
		}
	}

	pending, err := env.store.ListPendingMessages(ctx, issue.ID)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestAutoFlushPendingBatchesStoreRows(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	chat := env.registerConvo(t)

	issue := env.createIssue(t, store.IssueStatusTodo)

	for _, prompt := range []string{"first note", "second note"} {
		result, err := env.engine.FollowUpIssue(ctx, issue.ID, FollowUpRequest{Prompt: prompt})
		require.NoError(t, err)
		assert.True(t, result.Queued)
	}

	settled := env.settledCh(t, issue.ID)
	_, err := env.engine.ExecuteIssue(ctx, issue.ID, ExecuteRequest{EngineType: "convo", Prompt: "kick off"})
	require.NoError(t, err)

	assert.Equal(t, string(store.SessionStatusCompleted), waitSettled(t, settled))

	// The turn after the initial one flushes the stored rows as one batch.
	assert.Equal(t, []string{"kick off", "first note\n\nsecond note"}, chat.deliveredPrompts())

	pending, err := env.store.ListPendingMessages(ctx, issue.ID)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestMissingSessionAutoRetries(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	chat := env.registerConvo(t)
	chat.failMissing = true

	issue := env.createIssue(t, store.IssueStatusWorking)
	settled := env.settledCh(t, issue.ID)

	_, err := env.engine.ExecuteIssue(ctx, issue.ID, ExecuteRequest{EngineType: "convo", Prompt: "prompt"})
	require.NoError(t, err)

	assert.Equal(t, string(store.SessionStatusFailed), waitSettled(t, settled))
	assert.Equal(t, string(store.SessionStatusCompleted), waitSettled(t, settled))

	// The lost session cleared the stale id and the retry ran the stored
	// prompt on a fresh one.
	assert.Equal(t, 2, chat.spawnCount())
	assert.Equal(t, []string{"prompt", "prompt"}, chat.deliveredPrompts())

	got, err := env.store.GetIssue(ctx, issue.ID)
	require.NoError(t, err)
	assert.Equal(t, store.SessionStatusCompleted, got.SessionStatus)
	assert.NotEmpty(t, got.ExternalSessionID)
}

// slowParseExec emits its whole output in one write and exits immediately,
// while its parser is slow. Exercises the exit monitor racing the normalizer.
type slowParseExec struct{}

func (s *slowParseExec) Type() string         { return "slowparse" }
func (s *slowParseExec) DefaultModel() string { return "slowparse-1" }

func (s *slowParseExec) Availability(_ context.Context) executor.Availability {
	return executor.Availability{EngineType: "slowparse", Available: true, Version: "builtin"}
}

func (s *slowParseExec) Models(_ context.Context) ([]executor.ModelInfo, error) {
	return []executor.ModelInfo{{ID: "slowparse-1", IsDefault: true}}, nil
}

func (s *slowParseExec) SendInput(_ context.Context, _ *executor.Process, _ string) error {
	return fmt.Errorf("slowparse process does not accept live input")
}

func (s *slowParseExec) Cancel(_ context.Context, proc *executor.Process) error {
	return proc.Kill()
}

func (s *slowParseExec) SpawnFollowUp(ctx context.Context, opts executor.SpawnOptions) (*executor.Process, error) {
	return s.Spawn(ctx, opts)
}

func (s *slowParseExec) Spawn(_ context.Context, opts executor.SpawnOptions) (*executor.Process, error) {
	outR, outW := io.Pipe()
	proc := executor.NewSyntheticProcess(nil, outR, nil)
	proc.SessionID = opts.SessionID

	go func() {
		var buf bytes.Buffer
		for _, text := range []string{"first chunk", "second chunk"} {
			line, _ := json.Marshal(map[string]interface{}{
				"type": claudecode.MessageTypeAssistant,
				"message": map[string]interface{}{
					"role":    "assistant",
					"content": []map[string]interface{}{{"type": "text", "text": text}},
				},
			})
			buf.Write(line)
			buf.WriteByte('\n')
		}
		_, _ = outW.Write(buf.Bytes())
		_ = outW.Close()
		proc.Finish(0)
	}()
	return proc, nil
}

func (s *slowParseExec) ParseLine(line string) []*executor.NormalizedEntry {
	time.Sleep(30 * time.Millisecond)
	parser := executor.ClaudeExecutor{}
	return parser.ParseLine(line)
}

func TestSettlementWaitsForFinalLogEntries(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.registry.Register(&slowParseExec{})

	issue := env.createIssue(t, store.IssueStatusWorking)

	type snapshot struct {
		assistants int
		err        error
	}
	snapCh := make(chan snapshot, 1)
	sub, err := env.bus.Subscribe(events.BuildExecutionSettledSubject(issue.ID), func(ctx context.Context, event *bus.Event) error {
		entries, err := env.store.ListLogEntries(ctx, issue.ID)
		n := 0
		for _, entry := range entries {
			if entry.EntryType == store.EntryTypeAssistantMessage {
				n++
			}
		}
		select {
		case snapCh <- snapshot{assistants: n, err: err}:
		default:
		}
		return nil
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Unsubscribe() })

	_, err = env.engine.ExecuteIssue(ctx, issue.ID, ExecuteRequest{EngineType: "slowparse", Prompt: "chunked"})
	require.NoError(t, err)

	select {
	case snap := <-snapCh:
		require.NoError(t, snap.err)
		assert.Equal(t, 2, snap.assistants, "settlement must observe every normalized entry")
	case <-time.After(5 * time.Second):
		t.Fatal("execution never settled")
	}
}

func TestExecutionAdmissionBound(t *testing.T) {
	env := newTestEnvOpts(t, Options{MaxConcurrentExecutions: 1})
	ctx := context.Background()

	env.echo.Delay = 300 * time.Millisecond
	first := env.createIssue(t, store.IssueStatusWorking)
	second := env.createIssue(t, store.IssueStatusWorking)
	settled := env.settledCh(t, first.ID)

	_, err := env.engine.ExecuteIssue(ctx, first.ID, ExecuteRequest{EngineType: "echo", Prompt: "one"})
	require.NoError(t, err)

	_, err = env.engine.ExecuteIssue(ctx, second.ID, ExecuteRequest{EngineType: "echo", Prompt: "two"})
	assert.ErrorIs(t, err, ErrTooManyExecutions)

	waitSettled(t, settled)
}
