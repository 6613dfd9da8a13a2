// Package lock serializes per-issue operations through a FIFO mutex.
package lock

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/devboard/devboard/internal/common/logger"
)

const (
	// DefaultMaxQueueDepth bounds how many callers may wait per issue.
	DefaultMaxQueueDepth = 10

	// DefaultAcquireTimeout bounds how long a caller waits for the lock.
	DefaultAcquireTimeout = 30 * time.Second

	// DefaultExecutionTimeout bounds how long the lock may be held.
	DefaultExecutionTimeout = 120 * time.Second

	// slowAcquireThreshold triggers a warning for contended issues.
	slowAcquireThreshold = 10 * time.Second
)

// ErrQueueFull is returned when an issue already has the maximum number of
// waiting callers.
var ErrQueueFull = errors.New("issue lock queue is full")

// ErrAcquireTimeout is returned when the lock could not be acquired in time.
var ErrAcquireTimeout = errors.New("issue lock acquire timed out")

type issueState struct {
	locked bool
	queue  []chan struct{}
}

// IssueLock is a FIFO mutex keyed by issue id. Operations on different
// issues run in parallel; operations on one issue run strictly in arrival
// order. Empty per-issue state is reaped on release.
type IssueLock struct {
	mu     sync.Mutex
	issues map[string]*issueState

	maxDepth         int
	acquireTimeout   time.Duration
	executionTimeout time.Duration

	logger *logger.Logger
}

// Option configures the lock.
type Option func(*IssueLock)

// WithMaxQueueDepth overrides the per-issue waiter cap.
func WithMaxQueueDepth(n int) Option {
	return func(l *IssueLock) { l.maxDepth = n }
}

// WithAcquireTimeout overrides the acquisition timeout.
func WithAcquireTimeout(d time.Duration) Option {
	return func(l *IssueLock) { l.acquireTimeout = d }
}

// WithExecutionTimeout overrides the hold timeout.
func WithExecutionTimeout(d time.Duration) Option {
	return func(l *IssueLock) { l.executionTimeout = d }
}

// New creates an issue lock.
func New(log *logger.Logger, opts ...Option) *IssueLock {
	l := &IssueLock{
		issues:           make(map[string]*issueState),
		maxDepth:         DefaultMaxQueueDepth,
		acquireTimeout:   DefaultAcquireTimeout,
		executionTimeout: DefaultExecutionTimeout,
		logger:           log.WithFields(zap.String("component", "issue-lock")),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// acquire blocks until the caller holds the issue's lock, the acquire
// timeout fires, or ctx is cancelled.
func (l *IssueLock) acquire(ctx context.Context, issueID string) error {
	l.mu.Lock()
	st, ok := l.issues[issueID]
	if !ok {
		st = &issueState{}
		l.issues[issueID] = st
	}

	if !st.locked {
		st.locked = true
		l.mu.Unlock()
		return nil
	}

	if len(st.queue) >= l.maxDepth {
		l.mu.Unlock()
		return ErrQueueFull
	}

	waiter := make(chan struct{})
	st.queue = append(st.queue, waiter)
	l.mu.Unlock()

	start := time.Now()
	timer := time.NewTimer(l.acquireTimeout)
	defer timer.Stop()

	select {
	case <-waiter:
		if waited := time.Since(start); waited > slowAcquireThreshold {
			l.logger.Warn("slow lock acquire",
				zap.String("issue_id", issueID),
				zap.Duration("waited", waited))
		}
		return nil
	case <-timer.C:
		l.abandon(issueID, waiter)
		return ErrAcquireTimeout
	case <-ctx.Done():
		l.abandon(issueID, waiter)
		return ctx.Err()
	}
}

// abandon removes a waiter that gave up. If the lock was handed to the
// waiter in the race window, pass it on.
func (l *IssueLock) abandon(issueID string, waiter chan struct{}) {
	l.mu.Lock()
	st, ok := l.issues[issueID]
	if !ok {
		l.mu.Unlock()
		return
	}
	for i, w := range st.queue {
		if w == waiter {
			st.queue = append(st.queue[:i], st.queue[i+1:]...)
			l.mu.Unlock()
			return
		}
	}
	l.mu.Unlock()

	// Not in the queue: the hand-off already happened. Release on the
	// abandoning caller's behalf.
	select {
	case <-waiter:
		l.release(issueID)
	default:
		l.release(issueID)
	}
}

// release hands the lock to the next waiter in FIFO order, or unlocks and
// reaps the issue's state when nobody waits.
func (l *IssueLock) release(issueID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	st, ok := l.issues[issueID]
	if !ok {
		return
	}

	if len(st.queue) > 0 {
		next := st.queue[0]
		st.queue = st.queue[1:]
		close(next) // lock stays held, ownership transfers
		return
	}

	st.locked = false
	delete(l.issues, issueID)
}

// RunExclusive runs fn while holding the issue's lock. The lock is released
// on every exit path, including panics and execution timeout. fn receives a
// context bounded by the execution timeout.
func (l *IssueLock) RunExclusive(ctx context.Context, issueID string, fn func(ctx context.Context) error) error {
	if err := l.acquire(ctx, issueID); err != nil {
		return err
	}
	defer l.release(issueID)

	execCtx, cancel := context.WithTimeout(ctx, l.executionTimeout)
	defer cancel()

	return fn(execCtx)
}

// QueueDepth returns how many callers are waiting on an issue (testing aid).
func (l *IssueLock) QueueDepth(issueID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if st, ok := l.issues[issueID]; ok {
		return len(st.queue)
	}
	return 0
}
