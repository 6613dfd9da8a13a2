// Package process tracks live agent subprocesses keyed by execution id.
package process

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/devboard/devboard/internal/common/logger"
	"github.com/devboard/devboard/internal/executor"
)

// State is the in-memory lifecycle state of one execution.
type State string

const (
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// IsTerminal reports whether the state will not change again.
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

const (
	// DefaultKillTimeout is how long a terminate waits for graceful exit
	// before sending an OS kill.
	DefaultKillTimeout = 5 * time.Second

	// DefaultAutoCleanupDelay is how long a terminal entry lingers in the
	// registry before removal.
	DefaultAutoCleanupDelay = 5 * time.Minute

	// DefaultGCInterval is the background sweep period for stuck entries.
	DefaultGCInterval = 10 * time.Minute
)

// PendingInput is a queued follow-up waiting for the current turn to settle.
type PendingInput struct {
	Prompt    string
	MessageID string
}

// ManagedProcess is the in-memory record of one spawned execution. It is
// owned by the Manager; the lifecycle controller mutates flags through the
// accessor methods only.
type ManagedProcess struct {
	ExecutionID string
	IssueID     string
	EngineType  string
	Proc        *executor.Process
	Buffer      *EntryBuffer

	StartedAt  time.Time
	FinishedAt time.Time

	mu                   sync.Mutex
	state                State
	turnIndex            int
	retryCount           int
	turnInFlight         bool
	turnSettled          bool
	metaTurn             bool
	cancelledByUser      bool
	queueCancelRequested bool
	logicalFailure       bool
	logicalFailureReason string
	sawAssistantOutput   bool
	worktreePath         string
	slashCommands        []string
	pendingInputs        []PendingInput
}

// State returns the current state.
func (p *ManagedProcess) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// TurnIndex returns the turn index assigned at spawn (or the latest turn).
func (p *ManagedProcess) TurnIndex() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.turnIndex
}

// SetTurnIndex sets the active turn index.
func (p *ManagedProcess) SetTurnIndex(idx int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.turnIndex = idx
}

// RetryCount returns how many auto-retries this execution chain has used.
func (p *ManagedProcess) RetryCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.retryCount
}

// SetRetryCount carries the retry count onto a replacement execution.
func (p *ManagedProcess) SetRetryCount(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.retryCount = n
}

// IncrementRetryCount bumps the retry counter and returns the new value.
func (p *ManagedProcess) IncrementRetryCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.retryCount++
	return p.retryCount
}

// TurnInFlight reports whether a user turn is currently active.
func (p *ManagedProcess) TurnInFlight() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.turnInFlight
}

// SetTurnInFlight marks the start or end of a user turn.
func (p *ManagedProcess) SetTurnInFlight(v bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.turnInFlight = v
}

// TurnSettled reports whether the turn completed while the subprocess lives on.
func (p *ManagedProcess) TurnSettled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.turnSettled
}

// SetTurnSettled records turn settlement.
func (p *ManagedProcess) SetTurnSettled(v bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.turnSettled = v
}

// MetaTurn reports whether the current turn is system-generated.
func (p *ManagedProcess) MetaTurn() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.metaTurn
}

// SetMetaTurn marks the current turn as system-generated.
func (p *ManagedProcess) SetMetaTurn(v bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.metaTurn = v
}

// CancelledByUser reports whether a user requested cancellation.
func (p *ManagedProcess) CancelledByUser() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cancelledByUser
}

// SetCancelledByUser records a user cancellation request.
func (p *ManagedProcess) SetCancelledByUser(v bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cancelledByUser = v
}

// QueueCancelRequested reports whether a queued follow-up asked to cancel
// the in-flight turn.
func (p *ManagedProcess) QueueCancelRequested() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.queueCancelRequested
}

// SetQueueCancelRequested records a queue-driven cancel request.
func (p *ManagedProcess) SetQueueCancelRequested(v bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.queueCancelRequested = v
}

// LogicalFailure returns the recorded logical failure, if any.
func (p *ManagedProcess) LogicalFailure() (bool, string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.logicalFailure, p.logicalFailureReason
}

// SetLogicalFailure records a logical failure detected from agent output.
func (p *ManagedProcess) SetLogicalFailure(reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.logicalFailure = true
	p.logicalFailureReason = reason
}

// SawAssistantOutput reports whether any assistant entry was produced.
func (p *ManagedProcess) SawAssistantOutput() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sawAssistantOutput
}

// MarkAssistantOutput records that assistant output was observed.
func (p *ManagedProcess) MarkAssistantOutput() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sawAssistantOutput = true
}

// WorktreePath returns the git worktree for this execution, if any.
func (p *ManagedProcess) WorktreePath() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.worktreePath
}

// SetWorktreePath records the execution's git worktree.
func (p *ManagedProcess) SetWorktreePath(path string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.worktreePath = path
}

// AddSlashCommand records a slash command observed in the prompt.
func (p *ManagedProcess) AddSlashCommand(cmd string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.slashCommands = append(p.slashCommands, cmd)
}

// SlashCommands returns the captured slash commands.
func (p *ManagedProcess) SlashCommands() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.slashCommands))
	copy(out, p.slashCommands)
	return out
}

// EnqueueInput appends a follow-up to the pending queue.
func (p *ManagedProcess) EnqueueInput(in PendingInput) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pendingInputs = append(p.pendingInputs, in)
}

// DequeueInput removes and returns the oldest pending input.
func (p *ManagedProcess) DequeueInput() (PendingInput, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.pendingInputs) == 0 {
		return PendingInput{}, false
	}
	in := p.pendingInputs[0]
	p.pendingInputs = p.pendingInputs[1:]
	return in, true
}

// DrainInputs removes and returns all pending inputs.
func (p *ManagedProcess) DrainInputs() []PendingInput {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := p.pendingInputs
	p.pendingInputs = nil
	return out
}

// HasPendingInputs reports whether follow-ups are queued.
func (p *ManagedProcess) HasPendingInputs() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pendingInputs) > 0
}

// Manager is the registry of live executions, grouped by issue.
type Manager struct {
	mu        sync.RWMutex
	processes map[string]*ManagedProcess // executionID → process
	byIssue   map[string][]string        // issueID → executionIDs

	killTimeout      time.Duration
	autoCleanupDelay time.Duration
	gcInterval       time.Duration

	logger *logger.Logger
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// Option configures the manager.
type Option func(*Manager)

// WithKillTimeout overrides the graceful-exit window before OS kill.
func WithKillTimeout(d time.Duration) Option {
	return func(m *Manager) { m.killTimeout = d }
}

// WithAutoCleanupDelay overrides how long terminal entries linger.
func WithAutoCleanupDelay(d time.Duration) Option {
	return func(m *Manager) { m.autoCleanupDelay = d }
}

// WithGCInterval overrides the background sweep period.
func WithGCInterval(d time.Duration) Option {
	return func(m *Manager) { m.gcInterval = d }
}

// NewManager creates a process manager and starts its GC sweep.
func NewManager(log *logger.Logger, opts ...Option) *Manager {
	m := &Manager{
		processes:        make(map[string]*ManagedProcess),
		byIssue:          make(map[string][]string),
		killTimeout:      DefaultKillTimeout,
		autoCleanupDelay: DefaultAutoCleanupDelay,
		gcInterval:       DefaultGCInterval,
		logger:           log.WithFields(zap.String("component", "process-manager")),
		stopCh:           make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}

	m.wg.Add(1)
	go m.gcLoop()
	return m
}

// Stop ends the background sweep. Live processes are not touched.
func (m *Manager) Stop() {
	close(m.stopCh)
	m.wg.Wait()
}

// Register adds a newly spawned execution to the registry.
func (m *Manager) Register(executionID, issueID, engineType string, proc *executor.Process, turnIndex int) *ManagedProcess {
	mp := &ManagedProcess{
		ExecutionID: executionID,
		IssueID:     issueID,
		EngineType:  engineType,
		Proc:        proc,
		Buffer:      NewEntryBuffer(DefaultEntryBufferSize),
		StartedAt:   time.Now().UTC(),
		state:       StateRunning,
		turnIndex:   turnIndex,
	}
	mp.turnInFlight = true

	m.mu.Lock()
	m.processes[executionID] = mp
	m.byIssue[issueID] = append(m.byIssue[issueID], executionID)
	m.mu.Unlock()

	m.logger.Info("registered execution",
		zap.String("execution_id", executionID),
		zap.String("issue_id", issueID),
		zap.String("engine", engineType),
		zap.Int("turn_index", turnIndex))
	return mp
}

// Get returns the process for an execution id.
func (m *Manager) Get(executionID string) (*ManagedProcess, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mp, ok := m.processes[executionID]
	return mp, ok
}

// GetActive returns every process still in running state.
func (m *Manager) GetActive() []*ManagedProcess {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var active []*ManagedProcess
	for _, mp := range m.processes {
		if mp.State() == StateRunning {
			active = append(active, mp)
		}
	}
	return active
}

// GetFirstActiveInGroup returns a running process for the issue, if any.
func (m *Manager) GetFirstActiveInGroup(issueID string) (*ManagedProcess, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, id := range m.byIssue[issueID] {
		if mp, ok := m.processes[id]; ok && mp.State() == StateRunning {
			return mp, true
		}
	}
	return nil, false
}

// HasActiveInGroup reports whether the issue has a running process.
func (m *Manager) HasActiveInGroup(issueID string) bool {
	_, ok := m.GetFirstActiveInGroup(issueID)
	return ok
}

// GetGroup returns every registered process for the issue.
func (m *Manager) GetGroup(issueID string) []*ManagedProcess {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*ManagedProcess
	for _, id := range m.byIssue[issueID] {
		if mp, ok := m.processes[id]; ok {
			out = append(out, mp)
		}
	}
	return out
}

// TransitionState moves an execution to a new state. Idempotent: terminal
// states are absorbing. Terminal transitions schedule auto-cleanup.
func (m *Manager) TransitionState(executionID string, to State) bool {
	mp, ok := m.Get(executionID)
	if !ok {
		return false
	}

	mp.mu.Lock()
	if mp.state == to || mp.state.IsTerminal() {
		mp.mu.Unlock()
		return false
	}
	mp.state = to
	if to.IsTerminal() {
		mp.FinishedAt = time.Now().UTC()
	}
	mp.mu.Unlock()

	m.logger.Info("execution state transition",
		zap.String("execution_id", executionID),
		zap.String("state", string(to)))

	if to.IsTerminal() {
		m.scheduleCleanup(executionID)
	}
	return true
}

// MarkCompleted transitions to completed.
func (m *Manager) MarkCompleted(executionID string) bool {
	return m.TransitionState(executionID, StateCompleted)
}

// MarkFailed transitions to failed.
func (m *Manager) MarkFailed(executionID string) bool {
	return m.TransitionState(executionID, StateFailed)
}

// Terminate soft-cancels the execution, waits up to the kill timeout for
// graceful exit, then kills. softCancel may be nil.
func (m *Manager) Terminate(executionID string, softCancel func(*ManagedProcess)) {
	mp, ok := m.Get(executionID)
	if !ok {
		return
	}

	if softCancel != nil {
		softCancel(mp)
	}

	select {
	case <-mp.Proc.Exited():
		return
	case <-time.After(m.killTimeout):
	}

	m.logger.Warn("kill timeout reached, killing process",
		zap.String("execution_id", executionID),
		zap.Int("pid", mp.Proc.PID()))
	if err := mp.Proc.Kill(); err != nil {
		m.logger.Warn("kill failed", zap.String("execution_id", executionID), zap.Error(err))
	}
}

// TerminateGroup terminates every registered process of an issue.
func (m *Manager) TerminateGroup(issueID string, onEach func(*ManagedProcess)) {
	for _, mp := range m.GetGroup(issueID) {
		if onEach != nil {
			onEach(mp)
		}
		m.Terminate(mp.ExecutionID, nil)
	}
}

// Remove deletes an execution from the registry.
func (m *Manager) Remove(executionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mp, ok := m.processes[executionID]
	if !ok {
		return
	}
	delete(m.processes, executionID)

	ids := m.byIssue[mp.IssueID]
	for i, id := range ids {
		if id == executionID {
			m.byIssue[mp.IssueID] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(m.byIssue[mp.IssueID]) == 0 {
		delete(m.byIssue, mp.IssueID)
	}
}

func (m *Manager) scheduleCleanup(executionID string) {
	timer := time.AfterFunc(m.autoCleanupDelay, func() {
		m.Remove(executionID)
		m.logger.Debug("auto-cleaned execution", zap.String("execution_id", executionID))
	})
	// Drop the timer when the manager stops, to keep tests from leaking.
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		select {
		case <-m.stopCh:
			timer.Stop()
		case <-time.After(m.autoCleanupDelay + time.Second):
		}
	}()
}

// gcLoop removes entries whose process exited long ago but whose terminal
// transition never ran (defensive sweep).
func (m *Manager) gcLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.gcInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

func (m *Manager) sweep() {
	cutoff := time.Now().UTC().Add(-m.gcInterval)

	m.mu.RLock()
	var stale []string
	for id, mp := range m.processes {
		if !mp.Proc.Running() && mp.StartedAt.Before(cutoff) && mp.State().IsTerminal() {
			stale = append(stale, id)
		}
	}
	m.mu.RUnlock()

	for _, id := range stale {
		m.Remove(id)
		m.logger.Debug("gc removed stale execution", zap.String("execution_id", id))
	}
}
