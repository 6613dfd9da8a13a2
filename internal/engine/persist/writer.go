// Package persist writes normalized entries to the store and re-emits them
// on the event bus, in that order.
package persist

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/devboard/devboard/internal/common/logger"
	"github.com/devboard/devboard/internal/events"
	"github.com/devboard/devboard/internal/events/bus"
	"github.com/devboard/devboard/internal/executor"
	"github.com/devboard/devboard/internal/store"
)

// Writer assigns (turnIndex, entryIndex) to each normalized entry, persists
// it, then publishes the log event. Subscribers therefore only ever see rows
// that already exist in the store.
type Writer struct {
	store  *store.Store
	bus    bus.EventBus
	logger *logger.Logger

	mu            sync.Mutex
	entryCounters map[string]int // executionID → next entryIndex
	turnIndexes   map[string]int // executionID → current turnIndex
	hiddenExecs   map[string]bool
}

// NewWriter creates a persistence writer.
func NewWriter(st *store.Store, eventBus bus.EventBus, log *logger.Logger) *Writer {
	return &Writer{
		store:         st,
		bus:           eventBus,
		logger:        log.WithFields(zap.String("component", "persist-writer")),
		entryCounters: make(map[string]int),
		turnIndexes:   make(map[string]int),
		hiddenExecs:   make(map[string]bool),
	}
}

// SetTurnIndex fixes the turn index for an execution. Called at spawn time
// only; the index never changes during a turn.
func (w *Writer) SetTurnIndex(executionID string, turnIndex int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.turnIndexes[executionID] = turnIndex
}

// SetHidden marks the execution's current turn as internally initiated, so
// its entries persist with visible=0. Cleared when the turn settles.
func (w *Writer) SetHidden(executionID string, hidden bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if hidden {
		w.hiddenExecs[executionID] = true
	} else {
		delete(w.hiddenExecs, executionID)
	}
}

// ClearExecution drops the per-execution counters after settlement.
func (w *Writer) ClearExecution(executionID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.entryCounters, executionID)
	delete(w.turnIndexes, executionID)
	delete(w.hiddenExecs, executionID)
}

// nextIndexes reserves the next (turnIndex, entryIndex) pair and reports
// whether the turn is hidden.
func (w *Writer) nextIndexes(executionID string) (int, int, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	turn := w.turnIndexes[executionID]
	entry := w.entryCounters[executionID]
	w.entryCounters[executionID] = entry + 1
	return turn, entry, w.hiddenExecs[executionID]
}

// Persist writes one normalized entry and emits it. Tool-use entries store
// their payload in a companion ToolCall row; the log row itself stays empty.
func (w *Writer) Persist(ctx context.Context, issueID, executionID string, ne *executor.NormalizedEntry) (*store.LogEntry, error) {
	turnIndex, entryIndex, hidden := w.nextIndexes(executionID)

	entry := &store.LogEntry{
		IssueID:    issueID,
		TurnIndex:  turnIndex,
		EntryIndex: entryIndex,
		EntryType:  ne.Type,
		Visible:    !hidden,
	}

	var err error
	if ne.Tool != nil {
		// Content and metadata live on the companion row only.
		call := &store.ToolCall{
			ToolName:   ne.Tool.Name,
			ToolCallID: ne.Tool.ToolCallID,
			Kind:       ne.Tool.Kind,
			IsResult:   ne.Tool.IsResult,
			Raw:        ne.Tool.Raw,
		}
		err = w.store.InsertLogEntryWithToolCall(ctx, entry, call)
	} else {
		entry.Content = ne.Content
		entry.Metadata = ne.Metadata
		err = w.store.InsertLogEntry(ctx, entry)
	}
	if err != nil {
		w.logger.Error("failed to persist log entry",
			zap.String("issue_id", issueID),
			zap.String("execution_id", executionID),
			zap.Error(err))
		return nil, err
	}

	w.emit(ctx, issueID, executionID, entry, ne.Metadata)
	return entry, nil
}

// PersistUserMessage writes a user message through the same counters, so it
// orders strictly before any reply it elicits. Pending messages carry
// metadata.type = "pending" and stay visible until dispatched.
func (w *Writer) PersistUserMessage(ctx context.Context, issueID, executionID, content string, metadata map[string]interface{}, visible bool) (*store.LogEntry, error) {
	turnIndex, entryIndex, _ := w.nextIndexes(executionID)

	entry := &store.LogEntry{
		IssueID:    issueID,
		TurnIndex:  turnIndex,
		EntryIndex: entryIndex,
		EntryType:  store.EntryTypeUserMessage,
		Content:    content,
		Metadata:   metadata,
		Visible:    visible,
	}
	if err := w.store.InsertLogEntry(ctx, entry); err != nil {
		return nil, err
	}

	w.emit(ctx, issueID, executionID, entry, metadata)
	return entry, nil
}

func (w *Writer) emit(ctx context.Context, issueID, executionID string, entry *store.LogEntry, metadata map[string]interface{}) {
	data := &events.LogEventData{
		IssueID:     issueID,
		ExecutionID: executionID,
		LogID:       entry.ID,
		TurnIndex:   entry.TurnIndex,
		EntryIndex:  entry.EntryIndex,
		EntryType:   string(entry.EntryType),
		Content:     entry.Content,
		Metadata:    metadata,
		Timestamp:   entry.Timestamp.Format("2006-01-02T15:04:05.000Z07:00"),
	}
	event := bus.NewEvent(events.ExecutionLog, "persist-writer", data)
	if err := w.bus.Publish(ctx, events.BuildExecutionLogSubject(issueID), event); err != nil {
		w.logger.Warn("failed to publish log event",
			zap.String("issue_id", issueID),
			zap.Error(err))
	}
}
