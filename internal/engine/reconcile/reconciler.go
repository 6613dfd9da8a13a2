// Package reconcile converges persisted issue state with the in-memory
// process registry. It repairs sessions left behind by crashes and missed
// settlements.
package reconcile

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/devboard/devboard/internal/common/logger"
	"github.com/devboard/devboard/internal/engine/process"
	"github.com/devboard/devboard/internal/events"
	"github.com/devboard/devboard/internal/events/bus"
	"github.com/devboard/devboard/internal/store"
)

// DefaultInterval is the periodic sweep period.
const DefaultInterval = 60 * time.Second

// settledSweepDelay is how long after a settled event the follow-up sweep
// runs; long enough for settleIssue's own store writes to land first.
const settledSweepDelay = time.Second

// Reconciler runs the startup repair, a periodic stale-working sweep and a
// settled-triggered sweep.
type Reconciler struct {
	store   *store.Store
	manager *process.Manager
	bus     bus.EventBus
	logger  *logger.Logger

	interval time.Duration

	sub    bus.Subscription
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a reconciler.
func New(st *store.Store, manager *process.Manager, eventBus bus.EventBus, log *logger.Logger, interval time.Duration) *Reconciler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Reconciler{
		store:    st,
		manager:  manager,
		bus:      eventBus,
		logger:   log.WithFields(zap.String("component", "reconciler")),
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start runs the startup repair and launches the periodic and
// settled-triggered sweeps.
func (r *Reconciler) Start(ctx context.Context) error {
	if err := r.reconcileOnStartup(ctx); err != nil {
		return err
	}

	// A queue subscription so that only one member sweeps when several
	// instances share an external bus.
	sub, err := r.bus.QueueSubscribe(events.BuildExecutionSettledWildcardSubject(), "reconciler", func(ctx context.Context, event *bus.Event) error {
		r.scheduleSweep()
		return nil
	})
	if err != nil {
		return err
	}
	r.sub = sub

	r.wg.Add(1)
	go r.loop()
	return nil
}

// Stop ends the background sweeps.
func (r *Reconciler) Stop() {
	if r.sub != nil {
		_ = r.sub.Unsubscribe()
	}
	close(r.stopCh)
	r.wg.Wait()
}

// reconcileOnStartup fails every session a previous run left active, then
// sweeps. Nothing can be running before the first spawn of this run.
func (r *Reconciler) reconcileOnStartup(ctx context.Context) error {
	stale, err := r.store.ListIssuesBySessionStatus(ctx, store.SessionStatusRunning, store.SessionStatusPending)
	if err != nil {
		return err
	}
	for _, issue := range stale {
		if err := r.store.UpdateSessionStatus(ctx, issue.ID, store.SessionStatusFailed); err != nil {
			r.logger.Error("startup repair failed", zap.String("issue_id", issue.ID), zap.Error(err))
			continue
		}
		r.logger.Info("repaired orphaned session",
			zap.String("issue_id", issue.ID),
			zap.String("was", string(issue.SessionStatus)))
	}

	r.Sweep(ctx)
	return nil
}

func (r *Reconciler) loop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.Sweep(context.Background())
		}
	}
}

// scheduleSweep runs a sweep shortly after a settled event.
func (r *Reconciler) scheduleSweep() {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		select {
		case <-r.stopCh:
		case <-time.After(settledSweepDelay):
			r.Sweep(context.Background())
		}
	}()
}

// Sweep moves every working issue without a live process to review and fails
// its session if it never reached a terminal status. Idempotent: running
// after a clean settlement changes nothing.
func (r *Reconciler) Sweep(ctx context.Context) {
	working, err := r.store.ListWorkingIssues(ctx)
	if err != nil {
		r.logger.Error("sweep failed to list working issues", zap.Error(err))
		return
	}

	for _, issue := range working {
		if r.manager.HasActiveInGroup(issue.ID) {
			continue
		}

		if err := r.store.UpdateIssueStatus(ctx, issue.ID, store.IssueStatusReview); err != nil {
			r.logger.Error("sweep failed to move issue", zap.String("issue_id", issue.ID), zap.Error(err))
			continue
		}
		changes := map[string]any{"status": string(store.IssueStatusReview)}

		if !issue.SessionStatus.IsTerminal() && issue.SessionStatus != "" {
			if err := r.store.UpdateSessionStatus(ctx, issue.ID, store.SessionStatusFailed); err != nil {
				r.logger.Error("sweep failed to fail session", zap.String("issue_id", issue.ID), zap.Error(err))
			} else {
				changes["session_status"] = string(store.SessionStatusFailed)
			}
		}

		r.emitIssueUpdated(issue.ID, changes)
		r.logger.Info("reconciled stale working issue", zap.String("issue_id", issue.ID))
	}
}

func (r *Reconciler) emitIssueUpdated(issueID string, changes map[string]any) {
	data := &events.IssueUpdatedData{IssueID: issueID, Changes: changes}
	event := bus.NewEvent(events.IssueUpdated, "reconciler", data)
	if err := r.bus.Publish(context.Background(), events.BuildIssueUpdatedSubject(issueID), event); err != nil {
		r.logger.Warn("failed to publish issue-updated", zap.String("issue_id", issueID), zap.Error(err))
	}
}
