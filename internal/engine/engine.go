// Package engine orchestrates agent executions: it owns the per-issue lock
// discipline, the spawn paths and the turn/exit state machine.
package engine

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/devboard/devboard/internal/common/logger"
	"github.com/devboard/devboard/internal/engine/lock"
	"github.com/devboard/devboard/internal/engine/persist"
	"github.com/devboard/devboard/internal/engine/process"
	"github.com/devboard/devboard/internal/engine/stream"
	"github.com/devboard/devboard/internal/events"
	"github.com/devboard/devboard/internal/events/bus"
	"github.com/devboard/devboard/internal/executor"
	"github.com/devboard/devboard/internal/store"
)

// MaxAutoRetries caps automatic re-spawns after a session failure.
const MaxAutoRetries = 1

// ErrExecutionActive is returned when an issue already has a running process.
var ErrExecutionActive = errors.New("issue already has an active execution")

// ErrNoSession is returned for follow-ups against issues that never ran.
var ErrNoSession = errors.New("issue has no engine session")

// ErrNotRestartable is returned when restart is requested for an issue whose
// session is not failed or cancelled.
var ErrNotRestartable = errors.New("issue session is not failed or cancelled")

// ErrTooManyExecutions is returned when the global concurrency bound would be
// exceeded.
var ErrTooManyExecutions = errors.New("max concurrent executions reached")

// ExecuteRequest starts a fresh agent run on an issue.
type ExecuteRequest struct {
	EngineType     string `json:"engine_type"`
	Prompt         string `json:"prompt"`
	WorkingDir     string `json:"working_dir,omitempty"`
	Model          string `json:"model,omitempty"`
	PermissionMode string `json:"permission_mode,omitempty"`
}

// ExecuteResult identifies the spawned execution and the persisted prompt.
type ExecuteResult struct {
	ExecutionID string `json:"execution_id"`
	MessageID   string `json:"message_id"`
}

// FollowUpRequest continues an existing session.
type FollowUpRequest struct {
	Prompt         string                 `json:"prompt"`
	Model          string                 `json:"model,omitempty"`
	PermissionMode string                 `json:"permission_mode,omitempty"`
	BusyAction     string                 `json:"busy_action,omitempty"` // "queue" (default) or "cancel"
	DisplayPrompt  string                 `json:"display_prompt,omitempty"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
}

// FollowUpResult reports how the follow-up was handled.
type FollowUpResult struct {
	ExecutionID string `json:"execution_id,omitempty"`
	MessageID   string `json:"message_id"`
	Queued      bool   `json:"queued"`
}

// Engine wires the store, executor registry, process manager, persistence
// writer and event bus into the orchestration API. Every public mutating
// operation serializes through the per-issue lock.
type Engine struct {
	store    *store.Store
	registry *executor.Registry
	manager  *process.Manager
	writer   *persist.Writer
	bus      bus.EventBus
	locks    *lock.IssueLock
	stream   *stream.Normalizer
	logger   *logger.Logger

	maxAutoRetries int
	maxConcurrent  int
	logExecutorIO  bool

	wg sync.WaitGroup
}

// Options configures optional engine behavior.
type Options struct {
	MaxAutoRetries int
	// MaxConcurrentExecutions bounds running subprocesses across all issues.
	// Zero means unbounded.
	MaxConcurrentExecutions int
	LogExecutorIO           bool
}

// New creates the orchestration engine.
func New(st *store.Store, registry *executor.Registry, manager *process.Manager, writer *persist.Writer, eventBus bus.EventBus, locks *lock.IssueLock, log *logger.Logger, opts Options) *Engine {
	if opts.MaxAutoRetries == 0 {
		opts.MaxAutoRetries = MaxAutoRetries
	}
	return &Engine{
		store:          st,
		registry:       registry,
		manager:        manager,
		writer:         writer,
		bus:            eventBus,
		locks:          locks,
		stream:         stream.NewNormalizer(log),
		logger:         log.WithFields(zap.String("component", "engine")),
		maxAutoRetries: opts.MaxAutoRetries,
		maxConcurrent:  opts.MaxConcurrentExecutions,
		logExecutorIO:  opts.LogExecutorIO,
	}
}

// admitExecution enforces the global concurrency bound before a new spawn.
func (e *Engine) admitExecution() error {
	if e.maxConcurrent <= 0 {
		return nil
	}
	if len(e.manager.GetActive()) >= e.maxConcurrent {
		return ErrTooManyExecutions
	}
	return nil
}

// Manager exposes the process registry, used by the reconciler and API layer.
func (e *Engine) Manager() *process.Manager {
	return e.manager
}

// Wait blocks until all background supervision goroutines return. Call after
// CancelAll during shutdown.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// ExecuteIssue starts a fresh agent run for the issue.
func (e *Engine) ExecuteIssue(ctx context.Context, issueID string, req ExecuteRequest) (*ExecuteResult, error) {
	var result *ExecuteResult
	err := e.locks.RunExclusive(ctx, issueID, func(ctx context.Context) error {
		var err error
		result, err = e.executeLocked(ctx, issueID, req)
		return err
	})
	return result, err
}

func (e *Engine) executeLocked(ctx context.Context, issueID string, req ExecuteRequest) (*ExecuteResult, error) {
	issue, err := e.store.GetIssue(ctx, issueID)
	if err != nil {
		return nil, err
	}
	if e.manager.HasActiveInGroup(issueID) {
		return nil, ErrExecutionActive
	}
	if err := e.admitExecution(); err != nil {
		return nil, err
	}

	engineType := req.EngineType
	if engineType == "" {
		engineType = issue.EngineType
	}
	exec, err := e.registry.Get(engineType)
	if err != nil {
		return nil, err
	}

	model := req.Model
	if model == "" {
		model = exec.DefaultModel()
	}
	if err := e.store.UpdateIssueSession(ctx, issueID, engineType, store.SessionStatusRunning, req.Prompt, model); err != nil {
		return nil, err
	}

	workingDir := req.WorkingDir
	var worktreePath string
	if issue.UseWorktree && workingDir != "" {
		worktreePath, err = createWorktree(ctx, workingDir, issueID)
		if err != nil {
			e.failSession(ctx, issueID, "")
			return nil, err
		}
		workingDir = worktreePath
	}
	if workingDir != "" {
		if hash, err := captureBaseCommit(ctx, workingDir); err == nil && hash != "" {
			if err := e.store.SetBaseCommitHash(ctx, issueID, hash); err != nil {
				e.logger.Warn("failed to persist base commit", zap.String("issue_id", issueID), zap.Error(err))
			}
		}
	}

	executionID := uuid.New().String()
	turnIndex, err := e.store.NextTurnIndex(ctx, issueID)
	if err != nil {
		e.failSession(ctx, issueID, executionID)
		return nil, err
	}

	proc, err := e.spawnFresh(ctx, exec, executor.SpawnOptions{
		IssueID:     issueID,
		ExecutionID: executionID,
		Prompt:      req.Prompt,
		WorkingDir:  workingDir,
		Model:       model,
		Permission:  req.PermissionMode,
	})
	if err != nil {
		e.failSession(ctx, issueID, executionID)
		return nil, err
	}

	mp := e.manager.Register(executionID, issueID, engineType, proc, turnIndex)
	mp.SetWorktreePath(worktreePath)
	e.writer.SetTurnIndex(executionID, turnIndex)
	e.captureSlashCommands(mp, req.Prompt)

	e.emitState(issueID, executionID, string(store.SessionStatusRunning))

	entry, err := e.writer.PersistUserMessage(ctx, issueID, executionID, req.Prompt, req.Metadata(), true)
	if err != nil {
		e.logger.Error("failed to persist prompt", zap.String("issue_id", issueID), zap.Error(err))
	}

	e.supervise(mp, exec)

	messageID := ""
	if entry != nil {
		messageID = entry.ID
	}
	return &ExecuteResult{ExecutionID: executionID, MessageID: messageID}, nil
}

// Metadata returns the log metadata for the initiating user message.
func (r ExecuteRequest) Metadata() map[string]interface{} {
	md := map[string]interface{}{}
	if r.Model != "" {
		md["model"] = r.Model
	}
	if r.PermissionMode != "" {
		md["permissionMode"] = r.PermissionMode
	}
	if len(md) == 0 {
		return nil
	}
	return md
}

// ActivateIssue starts an execution for an issue that entered working
// without one. Pending store messages become the prompt; an issue that never
// queued any runs with its title and description. Issues with a live process
// are left alone.
func (e *Engine) ActivateIssue(ctx context.Context, issueID string) error {
	return e.locks.RunExclusive(ctx, issueID, func(ctx context.Context) error {
		return e.activateLocked(ctx, issueID)
	})
}

func (e *Engine) activateLocked(ctx context.Context, issueID string) error {
	issue, err := e.store.GetIssue(ctx, issueID)
	if err != nil {
		return err
	}
	if issue.Status != store.IssueStatusWorking || e.manager.HasActiveInGroup(issueID) {
		return nil
	}
	if issue.EngineType == "" {
		return ErrNoSession
	}
	exec, err := e.registry.Get(issue.EngineType)
	if err != nil {
		return err
	}

	// An issue that already ran continues its session; the follow-up spawn
	// folds the pending rows into its prompt.
	if issue.ExternalSessionID != "" {
		_, err := e.spawnFollowUpProcess(ctx, issue, exec, "", nil, nil)
		if errors.Is(err, ErrNoSession) {
			// Nothing pending and nothing to say. The reconciler will move
			// the issue back to review.
			return nil
		}
		return err
	}

	pending, err := e.store.ListPendingMessages(ctx, issueID)
	if err != nil {
		return err
	}
	parts := make([]string, 0, len(pending))
	ids := make([]string, 0, len(pending))
	for _, msg := range pending {
		parts = append(parts, msg.Content)
		ids = append(ids, msg.ID)
	}
	prompt := strings.Join(parts, "\n\n")
	if prompt == "" {
		prompt = issue.Title
		if issue.Description != "" {
			prompt += "\n\n" + issue.Description
		}
	}

	workingDir := ""
	if project, perr := e.store.GetProject(ctx, issue.ProjectID); perr == nil {
		workingDir = project.Directory
	}

	if _, err := e.executeLocked(ctx, issueID, ExecuteRequest{
		EngineType: issue.EngineType,
		Prompt:     prompt,
		WorkingDir: workingDir,
		Model:      issue.Model,
	}); err != nil {
		return err
	}

	// The engine accepted the batch; the rows are dispatched.
	if len(ids) > 0 {
		if err := e.store.MarkMessagesDispatched(ctx, ids); err != nil {
			e.logger.Warn("failed to mark pending dispatched", zap.String("issue_id", issueID), zap.Error(err))
		}
	}
	return nil
}

// FollowUpIssue continues an issue's session with a new prompt.
func (e *Engine) FollowUpIssue(ctx context.Context, issueID string, req FollowUpRequest) (*FollowUpResult, error) {
	var result *FollowUpResult
	err := e.locks.RunExclusive(ctx, issueID, func(ctx context.Context) error {
		var err error
		result, err = e.followUpLocked(ctx, issueID, req)
		return err
	})
	return result, err
}

func (e *Engine) followUpLocked(ctx context.Context, issueID string, req FollowUpRequest) (*FollowUpResult, error) {
	issue, err := e.store.GetIssue(ctx, issueID)
	if err != nil {
		return nil, err
	}

	// Inactive issues only queue: the message becomes a pending row consumed
	// by the next activation.
	if issue.Status == store.IssueStatusTodo || issue.Status == store.IssueStatusDone {
		msgID, err := e.persistPendingMessage(ctx, issueID, req)
		if err != nil {
			return nil, err
		}
		return &FollowUpResult{MessageID: msgID, Queued: true}, nil
	}

	// The engine type is the only gate here. An empty external session id
	// must still admit the follow-up: session repair clears the id so the
	// next follow-up starts a fresh session instead of resuming a lost one.
	if issue.EngineType == "" {
		return nil, ErrNoSession
	}
	exec, err := e.registry.Get(issue.EngineType)
	if err != nil {
		return nil, err
	}

	e.killStaleProcesses(issueID)

	mp, active := e.manager.GetFirstActiveInGroup(issueID)
	switch {
	case !active:
		return e.spawnFollowUpProcess(ctx, issue, exec, req.Prompt, nil, nil)

	case mp.TurnInFlight() || mp.State() != process.StateRunning:
		// Mid-turn: persist as pending and queue on the live process.
		msgID, err := e.persistPendingMessage(ctx, issueID, req)
		if err != nil {
			return nil, err
		}
		mp.EnqueueInput(process.PendingInput{Prompt: req.Prompt, MessageID: msgID})
		if req.BusyAction == "cancel" && !mp.QueueCancelRequested() {
			mp.SetQueueCancelRequested(true)
			if err := exec.Cancel(ctx, mp.Proc); err != nil {
				e.logger.Warn("queue-driven cancel failed", zap.String("issue_id", issueID), zap.Error(err))
			}
		}
		return &FollowUpResult{ExecutionID: mp.ExecutionID, MessageID: msgID, Queued: true}, nil

	default:
		// Idle conversational process: send directly, fall back to a new
		// process when the live channel refuses.
		result, err := e.sendOnLiveProcess(ctx, issue, mp, exec, req.Prompt)
		if err == nil {
			return result, nil
		}
		e.logger.Warn("live send failed, spawning follow-up process",
			zap.String("issue_id", issueID), zap.Error(err))
		return e.spawnFollowUpProcess(ctx, issue, exec, req.Prompt, nil, nil)
	}
}

// sendOnLiveProcess starts a new turn on an idle process.
func (e *Engine) sendOnLiveProcess(ctx context.Context, issue *store.Issue, mp *process.ManagedProcess, exec executor.Executor, prompt string) (*FollowUpResult, error) {
	turnIndex, err := e.store.NextTurnIndex(ctx, issue.ID)
	if err != nil {
		return nil, err
	}
	mp.SetTurnIndex(turnIndex)
	e.writer.SetTurnIndex(mp.ExecutionID, turnIndex)

	if err := exec.SendInput(ctx, mp.Proc, prompt); err != nil {
		return nil, err
	}

	mp.SetTurnInFlight(true)
	mp.SetTurnSettled(false)
	e.captureSlashCommands(mp, prompt)

	if err := e.store.UpdateSessionStatus(ctx, issue.ID, store.SessionStatusRunning); err != nil {
		e.logger.Warn("failed to mark session running", zap.String("issue_id", issue.ID), zap.Error(err))
	}
	e.emitState(issue.ID, mp.ExecutionID, string(store.SessionStatusRunning))

	entry, err := e.writer.PersistUserMessage(ctx, issue.ID, mp.ExecutionID, prompt, nil, true)
	if err != nil {
		e.logger.Error("failed to persist follow-up prompt", zap.String("issue_id", issue.ID), zap.Error(err))
	}
	messageID := ""
	if entry != nil {
		messageID = entry.ID
	}
	return &FollowUpResult{ExecutionID: mp.ExecutionID, MessageID: messageID}, nil
}

// CancelIssue soft-cancels every active execution of the issue. Returns
// "interrupted" when a live turn was interrupted, "cancelled" otherwise.
func (e *Engine) CancelIssue(ctx context.Context, issueID string) (string, error) {
	var result string
	err := e.locks.RunExclusive(ctx, issueID, func(ctx context.Context) error {
		anyActive := false
		for _, mp := range e.manager.GetGroup(issueID) {
			if mp.State() != process.StateRunning {
				continue
			}
			anyActive = true
			mp.DrainInputs()
			mp.SetCancelledByUser(true)

			exec, err := e.registry.Get(mp.EngineType)
			if err != nil {
				continue
			}
			if err := exec.Cancel(ctx, mp.Proc); err != nil {
				e.logger.Warn("soft cancel failed",
					zap.String("execution_id", mp.ExecutionID), zap.Error(err))
			}
		}

		// Persist cancelled now so reconciliation cannot reclassify to failed.
		if err := e.store.UpdateSessionStatus(ctx, issueID, store.SessionStatusCancelled); err != nil {
			return err
		}

		if anyActive {
			result = "interrupted"
		} else {
			result = "cancelled"
		}
		return nil
	})
	return result, err
}

// RestartIssue re-runs a failed or cancelled session with its stored prompt
// and model.
func (e *Engine) RestartIssue(ctx context.Context, issueID string) (*ExecuteResult, error) {
	var result *ExecuteResult
	err := e.locks.RunExclusive(ctx, issueID, func(ctx context.Context) error {
		issue, err := e.store.GetIssue(ctx, issueID)
		if err != nil {
			return err
		}
		if issue.SessionStatus != store.SessionStatusFailed && issue.SessionStatus != store.SessionStatusCancelled {
			return ErrNotRestartable
		}
		if issue.EngineType == "" || issue.Prompt == "" {
			return ErrNoSession
		}
		exec, err := e.registry.Get(issue.EngineType)
		if err != nil {
			return err
		}

		fu, err := e.spawnFollowUpProcess(ctx, issue, exec, issue.Prompt, nil, nil)
		if err != nil {
			return err
		}
		result = &ExecuteResult{ExecutionID: fu.ExecutionID, MessageID: fu.MessageID}
		return nil
	})
	return result, err
}

// RunMetaTurn sends an internally generated prompt on the issue's idle live
// process. Everything the turn produces persists with visible=0, so it never
// shows up in the issue's conversation.
func (e *Engine) RunMetaTurn(ctx context.Context, issueID, prompt string) error {
	return e.locks.RunExclusive(ctx, issueID, func(ctx context.Context) error {
		issue, err := e.store.GetIssue(ctx, issueID)
		if err != nil {
			return err
		}
		if issue.EngineType == "" {
			return ErrNoSession
		}
		exec, err := e.registry.Get(issue.EngineType)
		if err != nil {
			return err
		}

		mp, active := e.manager.GetFirstActiveInGroup(issueID)
		if !active {
			return ErrNoSession
		}
		if mp.TurnInFlight() || mp.State() != process.StateRunning {
			return ErrExecutionActive
		}

		turnIndex, err := e.store.NextTurnIndex(ctx, issueID)
		if err != nil {
			return err
		}
		mp.SetTurnIndex(turnIndex)
		e.writer.SetTurnIndex(mp.ExecutionID, turnIndex)

		if err := exec.SendInput(ctx, mp.Proc, prompt); err != nil {
			return err
		}

		mp.SetMetaTurn(true)
		mp.SetTurnInFlight(true)
		mp.SetTurnSettled(false)
		e.writer.SetHidden(mp.ExecutionID, true)

		if _, err := e.writer.PersistUserMessage(ctx, issueID, mp.ExecutionID, prompt, map[string]interface{}{"meta": true}, false); err != nil {
			e.logger.Warn("failed to persist meta prompt", zap.String("issue_id", issueID), zap.Error(err))
		}
		return nil
	})
}

// CancelAll hard-cancels every registered execution. Used on shutdown.
func (e *Engine) CancelAll(ctx context.Context) {
	for _, mp := range e.manager.GetActive() {
		mp.SetCancelledByUser(true)
		mp.DrainInputs()

		exec, err := e.registry.Get(mp.EngineType)
		var soft func(*process.ManagedProcess)
		if err == nil {
			soft = func(p *process.ManagedProcess) {
				if cerr := exec.Cancel(ctx, p.Proc); cerr != nil {
					e.logger.Debug("shutdown soft cancel failed",
						zap.String("execution_id", p.ExecutionID), zap.Error(cerr))
				}
			}
		}
		e.manager.Terminate(mp.ExecutionID, soft)
		e.manager.TransitionState(mp.ExecutionID, process.StateCancelled)

		if err := e.store.UpdateSessionStatus(ctx, mp.IssueID, store.SessionStatusCancelled); err != nil {
			e.logger.Warn("failed to persist cancelled on shutdown",
				zap.String("issue_id", mp.IssueID), zap.Error(err))
		}
	}
}

// persistPendingMessage writes a user message carrying metadata.type =
// "pending", visible until dispatched.
func (e *Engine) persistPendingMessage(ctx context.Context, issueID string, req FollowUpRequest) (string, error) {
	turnIndex, err := e.store.NextTurnIndex(ctx, issueID)
	if err != nil {
		return "", err
	}
	entryIndex, err := e.store.NextEntryIndex(ctx, issueID, turnIndex)
	if err != nil {
		return "", err
	}

	metadata := map[string]interface{}{"type": "pending"}
	for k, v := range req.Metadata {
		if k != "type" {
			metadata[k] = v
		}
	}
	if req.DisplayPrompt != "" {
		metadata["displayPrompt"] = req.DisplayPrompt
	}
	if req.Model != "" {
		metadata["model"] = req.Model
	}

	entry := &store.LogEntry{
		IssueID:    issueID,
		TurnIndex:  turnIndex,
		EntryIndex: entryIndex,
		EntryType:  store.EntryTypeUserMessage,
		Content:    req.Prompt,
		Metadata:   metadata,
		Visible:    true,
	}
	if err := e.store.InsertLogEntry(ctx, entry); err != nil {
		return "", err
	}
	return entry.ID, nil
}

// killStaleProcesses removes subprocesses whose in-memory state is terminal
// but whose OS process never exited.
func (e *Engine) killStaleProcesses(issueID string) {
	for _, mp := range e.manager.GetGroup(issueID) {
		if mp.State().IsTerminal() && mp.Proc.Running() {
			e.logger.Warn("killing stale subprocess",
				zap.String("execution_id", mp.ExecutionID),
				zap.Int("pid", mp.Proc.PID()))
			if err := mp.Proc.Kill(); err != nil {
				e.logger.Warn("stale kill failed", zap.String("execution_id", mp.ExecutionID), zap.Error(err))
			}
		}
	}
}

func (e *Engine) captureSlashCommands(mp *process.ManagedProcess, prompt string) {
	for _, line := range strings.Split(prompt, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "/") && len(line) > 1 {
			mp.AddSlashCommand(strings.Fields(line)[0])
		}
	}
}

// failSession marks the session failed after a spawn-path error.
func (e *Engine) failSession(ctx context.Context, issueID, executionID string) {
	if err := e.store.UpdateSessionStatus(ctx, issueID, store.SessionStatusFailed); err != nil {
		e.logger.Warn("failed to mark session failed", zap.String("issue_id", issueID), zap.Error(err))
	}
	if executionID != "" {
		e.emitState(issueID, executionID, string(store.SessionStatusFailed))
	}
}

func (e *Engine) emitState(issueID, executionID, state string) {
	data := &events.StateEventData{IssueID: issueID, ExecutionID: executionID, State: state}
	event := bus.NewEvent(events.ExecutionState, "engine", data)
	if err := e.bus.Publish(context.Background(), events.BuildExecutionStateSubject(issueID), event); err != nil {
		e.logger.Warn("failed to publish state event", zap.String("issue_id", issueID), zap.Error(err))
	}
}

func (e *Engine) emitSettled(issueID, executionID, finalStatus string) {
	data := &events.SettledEventData{IssueID: issueID, ExecutionID: executionID, FinalStatus: finalStatus}
	event := bus.NewEvent(events.ExecutionSettled, "engine", data)
	if err := e.bus.Publish(context.Background(), events.BuildExecutionSettledSubject(issueID), event); err != nil {
		e.logger.Warn("failed to publish settled event", zap.String("issue_id", issueID), zap.Error(err))
	}
}

func (e *Engine) emitIssueUpdated(issueID string, changes map[string]any) {
	data := &events.IssueUpdatedData{IssueID: issueID, Changes: changes}
	event := bus.NewEvent(events.IssueUpdated, "engine", data)
	if err := e.bus.Publish(context.Background(), events.BuildIssueUpdatedSubject(issueID), event); err != nil {
		e.logger.Warn("failed to publish issue-updated event", zap.String("issue_id", issueID), zap.Error(err))
	}
}

func (e *Engine) emitChangesSummary(issueID, executionID string) {
	counts, err := e.store.CountToolCallKinds(context.Background(), issueID)
	if err != nil || len(counts) == 0 {
		return
	}
	data := &events.ChangesSummaryData{IssueID: issueID, ExecutionID: executionID, ToolCalls: counts}
	event := bus.NewEvent(events.ChangesSummary, "engine", data)
	if err := e.bus.Publish(context.Background(), events.ChangesSummary, event); err != nil {
		e.logger.Warn("failed to publish changes summary", zap.String("issue_id", issueID), zap.Error(err))
	}
}
