package engine

import (
	"bufio"
	"context"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/devboard/devboard/internal/engine/process"
	"github.com/devboard/devboard/internal/executor"
	"github.com/devboard/devboard/internal/store"
)

// supervise starts the normalizer goroutine, the stderr drain and the exit
// monitor for one spawned execution.
func (e *Engine) supervise(mp *process.ManagedProcess, exec executor.Executor) {
	log := e.logger.WithIssueID(mp.IssueID).WithExecutionID(mp.ExecutionID)

	streamDone := make(chan struct{})
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer close(streamDone)
		e.stream.Run(mp.Proc.Stdout, exec.ParseLine, func(entry *executor.NormalizedEntry) {
			e.handleEntry(mp, exec, entry)
		})
	}()

	if mp.Proc.Stderr != nil {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			scanner := bufio.NewScanner(mp.Proc.Stderr)
			scanner.Buffer(make([]byte, 64*1024), 1024*1024)
			for scanner.Scan() {
				line := scanner.Text()
				if strings.TrimSpace(line) == "" {
					continue
				}
				if e.logExecutorIO {
					log.Debug("executor stderr", zap.String("line", line))
				}
			}
		}()
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.monitorCompletion(mp, exec, streamDone)
	}()
}

// handleEntry persists one normalized entry and reacts to the signals it
// carries: session ids, assistant output, logical failures, turn completion.
func (e *Engine) handleEntry(mp *process.ManagedProcess, exec executor.Executor, ne *executor.NormalizedEntry) {
	ctx := context.Background()

	if e.logExecutorIO {
		e.logger.Debug("normalized entry",
			zap.String("execution_id", mp.ExecutionID),
			zap.String("type", string(ne.Type)),
			zap.String("content", ne.Content))
	}

	if sid, ok := ne.Metadata["sessionId"].(string); ok && sid != "" && sid != mp.Proc.SessionID {
		mp.Proc.SessionID = sid
		if err := e.store.SetExternalSessionID(ctx, mp.IssueID, sid); err != nil {
			e.logger.Warn("failed to persist session id",
				zap.String("issue_id", mp.IssueID), zap.Error(err))
		}
	}

	switch ne.Type {
	case store.EntryTypeAssistantMessage:
		mp.MarkAssistantOutput()
	case store.EntryTypeErrorMessage:
		reason := ne.Content
		if r, ok := ne.Metadata["errorReason"].(string); ok && r != "" {
			reason = r
		}
		mp.SetLogicalFailure(reason)
	}

	entry, err := e.writer.Persist(ctx, mp.IssueID, mp.ExecutionID, ne)
	if err == nil && entry != nil {
		mp.Buffer.Add(entry)
	}

	if ne.TurnCompleted() {
		e.handleTurnCompleted(mp, exec)
	}
}

// handleTurnCompleted runs when the engine reports the end of a turn while
// the subprocess may stay alive for the next one.
func (e *Engine) handleTurnCompleted(mp *process.ManagedProcess, exec executor.Executor) {
	if mp.State() != process.StateRunning {
		return
	}
	ctx := context.Background()

	mp.SetTurnInFlight(false)
	mp.SetTurnSettled(true)
	mp.SetQueueCancelRequested(false)
	if mp.MetaTurn() {
		mp.SetMetaTurn(false)
		e.writer.SetHidden(mp.ExecutionID, false)
	}

	if in, ok := mp.DequeueInput(); ok {
		e.startQueuedTurn(mp, exec, in)
		return
	}

	logical, reason := mp.LogicalFailure()
	finalStatus := store.SessionStatusCompleted
	if logical {
		finalStatus = store.SessionStatusFailed
	}
	e.emitState(mp.IssueID, mp.ExecutionID, string(finalStatus))

	if finalStatus == store.SessionStatusFailed && !mp.SawAssistantOutput() && executor.IsMissingSessionError(reason) {
		if err := e.store.ClearExternalSessionID(ctx, mp.IssueID); err != nil {
			e.logger.Warn("failed to clear session id", zap.String("issue_id", mp.IssueID), zap.Error(err))
		}
	}

	if e.autoFlushPending(mp, exec) {
		return
	}

	// A follow-up may have reactivated the session while we were settling.
	if mp.TurnInFlight() || mp.HasPendingInputs() {
		return
	}

	e.settleIssue(mp, finalStatus)
}

// startQueuedTurn sends a queued follow-up on the live process. On failure
// the inputs are restored and the process is killed so the exit handler can
// respawn with the queue intact.
func (e *Engine) startQueuedTurn(mp *process.ManagedProcess, exec executor.Executor, in process.PendingInput) {
	ctx := context.Background()

	turnIndex, err := e.store.NextTurnIndex(ctx, mp.IssueID)
	if err != nil {
		e.logger.Error("failed to compute turn index", zap.String("issue_id", mp.IssueID), zap.Error(err))
		e.requeueAndKill(mp, in)
		return
	}
	mp.SetTurnIndex(turnIndex)
	e.writer.SetTurnIndex(mp.ExecutionID, turnIndex)

	if err := exec.SendInput(ctx, mp.Proc, in.Prompt); err != nil {
		e.logger.Warn("queued turn send failed, recycling process",
			zap.String("execution_id", mp.ExecutionID), zap.Error(err))
		e.requeueAndKill(mp, in)
		return
	}

	mp.SetTurnInFlight(true)
	mp.SetTurnSettled(false)

	if in.MessageID != "" {
		if err := e.store.MarkMessagesDispatched(ctx, []string{in.MessageID}); err != nil {
			e.logger.Warn("failed to mark message dispatched", zap.String("message_id", in.MessageID), zap.Error(err))
		}
	}
	if err := e.store.UpdateSessionStatus(ctx, mp.IssueID, store.SessionStatusRunning); err != nil {
		e.logger.Warn("failed to mark session running", zap.String("issue_id", mp.IssueID), zap.Error(err))
	}
	e.emitState(mp.IssueID, mp.ExecutionID, string(store.SessionStatusRunning))
}

// requeueAndKill restores the input at the head of the queue and kills the
// subprocess; monitorCompletion drains the queue into a fresh process.
func (e *Engine) requeueAndKill(mp *process.ManagedProcess, in process.PendingInput) {
	rest := mp.DrainInputs()
	mp.EnqueueInput(in)
	for _, r := range rest {
		mp.EnqueueInput(r)
	}
	// The settled flag is stale now: a queued input is still owed, and the
	// exit monitor must take the respawn branch rather than clean up.
	mp.SetTurnSettled(false)
	if err := mp.Proc.Kill(); err != nil {
		e.logger.Warn("kill after failed queued turn", zap.String("execution_id", mp.ExecutionID), zap.Error(err))
	}
}

// autoFlushPending batches the store's pending messages into one follow-up
// turn on the live process. Returns true when a turn was started.
func (e *Engine) autoFlushPending(mp *process.ManagedProcess, exec executor.Executor) bool {
	ctx := context.Background()

	pending, err := e.store.ListPendingMessages(ctx, mp.IssueID)
	if err != nil {
		e.logger.Warn("failed to list pending messages", zap.String("issue_id", mp.IssueID), zap.Error(err))
		return false
	}
	if len(pending) == 0 {
		return false
	}

	parts := make([]string, 0, len(pending))
	ids := make([]string, 0, len(pending))
	for _, msg := range pending {
		parts = append(parts, msg.Content)
		ids = append(ids, msg.ID)
	}
	prompt := strings.Join(parts, "\n\n")

	turnIndex, err := e.store.NextTurnIndex(ctx, mp.IssueID)
	if err != nil {
		e.logger.Warn("failed to compute turn index", zap.String("issue_id", mp.IssueID), zap.Error(err))
		return false
	}
	mp.SetTurnIndex(turnIndex)
	e.writer.SetTurnIndex(mp.ExecutionID, turnIndex)

	if err := exec.SendInput(ctx, mp.Proc, prompt); err != nil {
		e.logger.Warn("pending flush failed", zap.String("issue_id", mp.IssueID), zap.Error(err))
		return false
	}

	// The engine accepted the batch; only now mark the rows dispatched.
	if err := e.store.MarkMessagesDispatched(ctx, ids); err != nil {
		e.logger.Warn("failed to mark pending dispatched", zap.String("issue_id", mp.IssueID), zap.Error(err))
	}

	mp.SetTurnInFlight(true)
	mp.SetTurnSettled(false)

	if err := e.store.UpdateSessionStatus(ctx, mp.IssueID, store.SessionStatusRunning); err != nil {
		e.logger.Warn("failed to mark session running", zap.String("issue_id", mp.IssueID), zap.Error(err))
	}
	e.emitState(mp.IssueID, mp.ExecutionID, string(store.SessionStatusRunning))

	e.logger.Info("auto-flushed pending messages",
		zap.String("issue_id", mp.IssueID),
		zap.Int("count", len(ids)))
	return true
}

// monitorCompletion waits for subprocess exit and drives the terminal
// transition.
func (e *Engine) monitorCompletion(mp *process.ManagedProcess, exec executor.Executor, streamDone <-chan struct{}) {
	<-mp.Proc.Exited()
	// Let the normalizer drain the final stdout lines first: the terminal
	// state and settled events must follow the last log entry, and the
	// writer's counters must not reset under an in-flight persist.
	<-streamDone
	exitCode := mp.Proc.ExitCode()

	log := e.logger.WithIssueID(mp.IssueID).WithExecutionID(mp.ExecutionID)
	log.Info("subprocess exited", zap.Int("exit_code", exitCode))

	logical, reason := mp.LogicalFailure()

	switch {
	case mp.HasPendingInputs():
		// The process died with queued follow-ups: respawn and carry the
		// queue over. Checked before the settled flag so a failed queued
		// dispatch is never dropped.
		if exitCode == 0 && !logical {
			e.manager.MarkCompleted(mp.ExecutionID)
		} else {
			e.manager.MarkFailed(mp.ExecutionID)
		}
		inputs := mp.DrainInputs()
		first := inputs[0]
		carryOver := inputs[1:]

		issue, err := e.store.GetIssue(context.Background(), mp.IssueID)
		if err != nil {
			log.Error("failed to load issue for respawn", zap.Error(err))
			e.settleIssue(mp, store.SessionStatusFailed)
			return
		}
		var dispatchIDs []string
		if first.MessageID != "" {
			dispatchIDs = []string{first.MessageID}
		}
		if _, err := e.spawnFollowUpProcess(context.Background(), issue, exec, first.Prompt, dispatchIDs, carryOver); err != nil {
			log.Error("respawn with queued inputs failed", zap.Error(err))
			e.settleIssue(mp, store.SessionStatusFailed)
		}

	case mp.TurnSettled():
		// The turn already settled through handleTurnCompleted; synchronize
		// the in-memory state and decide on a retry.
		sessionErr := logical && executor.IsMissingSessionError(reason) && !mp.SawAssistantOutput()
		if sessionErr && !mp.CancelledByUser() && mp.RetryCount() < e.maxAutoRetries {
			e.manager.MarkFailed(mp.ExecutionID)
			e.spawnRetry(mp, exec)
			return
		}
		switch {
		case mp.CancelledByUser():
			e.manager.TransitionState(mp.ExecutionID, process.StateCancelled)
		case logical:
			e.manager.MarkFailed(mp.ExecutionID)
		default:
			e.manager.MarkCompleted(mp.ExecutionID)
		}
		e.writer.ClearExecution(mp.ExecutionID)

	case mp.CancelledByUser():
		e.manager.TransitionState(mp.ExecutionID, process.StateCancelled)
		e.emitState(mp.IssueID, mp.ExecutionID, string(store.SessionStatusCancelled))
		e.settleIssue(mp, store.SessionStatusCancelled)

	case exitCode == 0 && !logical:
		e.manager.MarkCompleted(mp.ExecutionID)
		e.emitState(mp.IssueID, mp.ExecutionID, string(store.SessionStatusCompleted))
		e.settleIssue(mp, store.SessionStatusCompleted)

	default:
		e.manager.MarkFailed(mp.ExecutionID)
		e.emitState(mp.IssueID, mp.ExecutionID, string(store.SessionStatusFailed))

		sessionErr := executor.IsMissingSessionError(reason) && !mp.SawAssistantOutput()
		if sessionErr {
			if err := e.store.ClearExternalSessionID(context.Background(), mp.IssueID); err != nil {
				e.logger.Warn("failed to clear session id", zap.String("issue_id", mp.IssueID), zap.Error(err))
			}
		}
		if sessionErr && !mp.CancelledByUser() && mp.RetryCount() < e.maxAutoRetries {
			e.spawnRetry(mp, exec)
			return
		}
		e.settleIssue(mp, store.SessionStatusFailed)
	}
}

// settleIssue persists the final session status, auto-moves a working issue
// to review, clears per-execution state and emits the settled event.
func (e *Engine) settleIssue(mp *process.ManagedProcess, finalStatus store.SessionStatus) {
	ctx := context.Background()

	issue, err := e.store.GetIssue(ctx, mp.IssueID)
	if err != nil {
		e.logger.Error("failed to load issue for settlement", zap.String("issue_id", mp.IssueID), zap.Error(err))
		return
	}

	// A user cancel already persisted wins over a later failure classification.
	if issue.SessionStatus == store.SessionStatusCancelled && finalStatus == store.SessionStatusFailed {
		finalStatus = store.SessionStatusCancelled
	}

	if err := e.store.UpdateSessionStatus(ctx, mp.IssueID, finalStatus); err != nil {
		e.logger.Error("failed to persist final session status", zap.String("issue_id", mp.IssueID), zap.Error(err))
	}

	if issue.Status == store.IssueStatusWorking {
		if err := e.store.UpdateIssueStatus(ctx, mp.IssueID, store.IssueStatusReview); err != nil {
			e.logger.Error("failed to move issue to review", zap.String("issue_id", mp.IssueID), zap.Error(err))
		} else {
			e.emitIssueUpdated(mp.IssueID, map[string]any{"status": string(store.IssueStatusReview)})
		}
	}

	e.writer.ClearExecution(mp.ExecutionID)
	e.emitSettled(mp.IssueID, mp.ExecutionID, string(finalStatus))
	e.emitChangesSummary(mp.IssueID, mp.ExecutionID)

	e.logger.Info("issue settled",
		zap.String("issue_id", mp.IssueID),
		zap.String("execution_id", mp.ExecutionID),
		zap.String("final_status", string(finalStatus)))
}

// spawnFresh starts a brand-new session. The executor may override the
// generated session id; whichever wins is persisted.
func (e *Engine) spawnFresh(ctx context.Context, exec executor.Executor, opts executor.SpawnOptions) (*executor.Process, error) {
	if opts.SessionID == "" {
		opts.SessionID = uuid.New().String()
	}
	proc, err := exec.Spawn(ctx, opts)
	if err != nil {
		return nil, err
	}
	sid := proc.SessionID
	if sid == "" {
		sid = opts.SessionID
		proc.SessionID = sid
	}
	if err := e.store.SetExternalSessionID(ctx, opts.IssueID, sid); err != nil {
		e.logger.Warn("failed to persist session id", zap.String("issue_id", opts.IssueID), zap.Error(err))
	}
	return proc, nil
}

// spawnWithSessionFallback resumes opts.SessionID, falling back to a fresh
// session when the engine no longer knows the conversation.
func (e *Engine) spawnWithSessionFallback(ctx context.Context, exec executor.Executor, opts executor.SpawnOptions) (*executor.Process, error) {
	if opts.SessionID == "" {
		return e.spawnFresh(ctx, exec, opts)
	}

	proc, err := exec.SpawnFollowUp(ctx, opts)
	if err == nil {
		return proc, nil
	}
	if !executor.IsMissingSessionError(err.Error()) {
		return nil, err
	}

	e.logger.Warn("session missing on engine side, starting fresh",
		zap.String("issue_id", opts.IssueID),
		zap.String("session_id", opts.SessionID))
	if cerr := e.store.ClearExternalSessionID(ctx, opts.IssueID); cerr != nil {
		e.logger.Warn("failed to clear session id", zap.String("issue_id", opts.IssueID), zap.Error(cerr))
	}
	opts.SessionID = ""
	return e.spawnFresh(ctx, exec, opts)
}

// spawnRetry re-runs the stored prompt after a session failure. Called from
// the supervision path only; the caller is already inside the issue's lock
// domain.
func (e *Engine) spawnRetry(prev *process.ManagedProcess, exec executor.Executor) {
	ctx := context.Background()

	issue, err := e.store.GetIssue(ctx, prev.IssueID)
	if err != nil {
		e.logger.Error("failed to load issue for retry", zap.String("issue_id", prev.IssueID), zap.Error(err))
		e.settleIssue(prev, store.SessionStatusFailed)
		return
	}

	turnIndex, err := e.store.NextTurnIndex(ctx, issue.ID)
	if err != nil {
		e.settleIssue(prev, store.SessionStatusFailed)
		return
	}

	executionID := uuid.New().String()
	proc, err := e.spawnWithSessionFallback(ctx, exec, executor.SpawnOptions{
		IssueID:     issue.ID,
		ExecutionID: executionID,
		Prompt:      issue.Prompt,
		SessionID:   issue.ExternalSessionID,
		WorkingDir:  e.workingDirFor(ctx, issue),
		Model:       issue.Model,
	})
	if err != nil {
		e.logger.Error("auto-retry spawn failed", zap.String("issue_id", issue.ID), zap.Error(err))
		e.settleIssue(prev, store.SessionStatusFailed)
		return
	}

	mp := e.manager.Register(executionID, issue.ID, exec.Type(), proc, turnIndex)
	mp.SetRetryCount(prev.RetryCount() + 1)
	e.writer.SetTurnIndex(executionID, turnIndex)

	if err := e.store.UpdateSessionStatus(ctx, issue.ID, store.SessionStatusRunning); err != nil {
		e.logger.Warn("failed to mark session running", zap.String("issue_id", issue.ID), zap.Error(err))
	}
	e.emitState(issue.ID, executionID, string(store.SessionStatusRunning))

	e.logger.Info("auto-retrying execution",
		zap.String("issue_id", issue.ID),
		zap.String("execution_id", executionID),
		zap.Int("retry", mp.RetryCount()))

	e.supervise(mp, exec)
}

// spawnFollowUpProcess starts a new subprocess for an existing session. The
// effective prompt batches any pending store messages ahead of the new
// prompt; the pending rows flip to dispatched only after a successful spawn.
func (e *Engine) spawnFollowUpProcess(ctx context.Context, issue *store.Issue, exec executor.Executor, prompt string, dispatchIDs []string, carryOver []process.PendingInput) (*FollowUpResult, error) {
	e.killStaleProcesses(issue.ID)
	if err := e.admitExecution(); err != nil {
		return nil, err
	}

	pending, err := e.store.ListPendingMessages(ctx, issue.ID)
	if err != nil {
		return nil, err
	}

	// Rows named in dispatchIDs arrive through prompt; carried-over queue
	// entries are dispatched later, one turn at a time. Folding either into
	// the batch would deliver their content twice.
	skip := make(map[string]bool, len(dispatchIDs)+len(carryOver))
	for _, id := range dispatchIDs {
		skip[id] = true
	}
	for _, in := range carryOver {
		if in.MessageID != "" {
			skip[in.MessageID] = true
		}
	}

	parts := make([]string, 0, len(pending)+1)
	pendingIDs := make([]string, 0, len(pending))
	for _, msg := range pending {
		if skip[msg.ID] {
			continue
		}
		parts = append(parts, msg.Content)
		pendingIDs = append(pendingIDs, msg.ID)
	}
	if prompt != "" {
		parts = append(parts, prompt)
	}
	effective := strings.Join(parts, "\n\n")
	if effective == "" {
		return nil, ErrNoSession
	}

	if err := e.store.UpdateSessionStatus(ctx, issue.ID, store.SessionStatusRunning); err != nil {
		return nil, err
	}

	executionID := uuid.New().String()
	e.emitState(issue.ID, executionID, string(store.SessionStatusRunning))

	turnIndex, err := e.store.NextTurnIndex(ctx, issue.ID)
	if err != nil {
		e.failSession(ctx, issue.ID, executionID)
		return nil, err
	}
	e.writer.SetTurnIndex(executionID, turnIndex)

	// Persist the new prompt before spawning; pending rows are already in
	// the store.
	messageID := ""
	if prompt != "" && len(dispatchIDs) == 0 {
		entry, perr := e.writer.PersistUserMessage(ctx, issue.ID, executionID, prompt, nil, true)
		if perr != nil {
			e.logger.Error("failed to persist follow-up prompt", zap.String("issue_id", issue.ID), zap.Error(perr))
		} else {
			messageID = entry.ID
		}
	}

	proc, err := e.spawnWithSessionFallback(ctx, exec, executor.SpawnOptions{
		IssueID:     issue.ID,
		ExecutionID: executionID,
		Prompt:      effective,
		SessionID:   issue.ExternalSessionID,
		WorkingDir:  e.workingDirFor(ctx, issue),
		Model:       issue.Model,
	})
	if err != nil {
		e.failSession(ctx, issue.ID, executionID)
		return nil, err
	}

	// The engine accepted the batch.
	dispatch := append(pendingIDs, dispatchIDs...)
	if len(dispatch) > 0 {
		if err := e.store.MarkMessagesDispatched(ctx, dispatch); err != nil {
			e.logger.Warn("failed to mark pending dispatched", zap.String("issue_id", issue.ID), zap.Error(err))
		}
	}

	mp := e.manager.Register(executionID, issue.ID, exec.Type(), proc, turnIndex)
	for _, in := range carryOver {
		mp.EnqueueInput(in)
	}
	e.captureSlashCommands(mp, effective)
	e.supervise(mp, exec)

	return &FollowUpResult{ExecutionID: executionID, MessageID: messageID}, nil
}

// workingDirFor resolves the directory agents run in: the issue's worktree
// when one exists, else the project directory.
func (e *Engine) workingDirFor(ctx context.Context, issue *store.Issue) string {
	if mp, ok := e.manager.GetFirstActiveInGroup(issue.ID); ok && mp.WorktreePath() != "" {
		return mp.WorktreePath()
	}
	project, err := e.store.GetProject(ctx, issue.ProjectID)
	if err != nil {
		return ""
	}
	return project.Directory
}
