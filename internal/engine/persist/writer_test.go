package persist

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devboard/devboard/internal/common/logger"
	"github.com/devboard/devboard/internal/events"
	"github.com/devboard/devboard/internal/events/bus"
	"github.com/devboard/devboard/internal/executor"
	"github.com/devboard/devboard/internal/store"
)

func newTestWriter(t *testing.T) (*Writer, *store.Store, *bus.MemoryEventBus) {
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
	return NewWriter(st, eventBus, log), st, eventBus
}

func TestPersistAssignsDenseIndexes(t *testing.T) {
	w, st, _ := newTestWriter(t)
	ctx := context.Background()

	w.SetTurnIndex("exec-1", 2)
	for _, content := range []string{"a", "b", "c"} {
		_, err := w.Persist(ctx, "issue-1", "exec-1", &executor.NormalizedEntry{
			Type:    store.EntryTypeAssistantMessage,
			Content: content,
		})
		require.NoError(t, err)
	}

	entries, err := st.ListLogEntries(ctx, "issue-1")
	require.NoError(t, err)
	require.Len(t, entries, 3)
	for i, entry := range entries {
		assert.Equal(t, 2, entry.TurnIndex)
		assert.Equal(t, i, entry.EntryIndex)
	}
}

func TestClearExecutionResetsCounters(t *testing.T) {
	w, st, _ := newTestWriter(t)
	ctx := context.Background()

	w.SetTurnIndex("exec-1", 0)
	_, err := w.Persist(ctx, "issue-1", "exec-1", &executor.NormalizedEntry{
		Type:    store.EntryTypeAssistantMessage,
		Content: "first turn",
	})
	require.NoError(t, err)

	w.ClearExecution("exec-1")

	// A fresh execution for the next turn starts counting from zero again.
	w.SetTurnIndex("exec-2", 1)
	entry, err := w.Persist(ctx, "issue-1", "exec-2", &executor.NormalizedEntry{
		Type:    store.EntryTypeAssistantMessage,
		Content: "second turn",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, entry.TurnIndex)
	assert.Equal(t, 0, entry.EntryIndex)

	entries, err := st.ListLogEntries(ctx, "issue-1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
}

func TestToolEntryStoresPayloadOnCompanionRow(t *testing.T) {
	w, st, _ := newTestWriter(t)
	ctx := context.Background()

	entry, err := w.Persist(ctx, "issue-1", "exec-1", &executor.NormalizedEntry{
		Type: store.EntryTypeToolUse,
		Tool: &executor.ToolCallInfo{
			Name:       "Edit",
			ToolCallID: "tc-9",
			Kind:       store.ToolKindFileEdit,
			Raw:        `{"path":"main.go"}`,
		},
	})
	require.NoError(t, err)
	require.NotEmpty(t, entry.ToolCallRefID)
	assert.Empty(t, entry.Content, "log row carries no payload for tool entries")

	call, err := st.GetToolCall(ctx, entry.ToolCallRefID)
	require.NoError(t, err)
	assert.Equal(t, "Edit", call.ToolName)
	assert.Equal(t, `{"path":"main.go"}`, call.Raw)
}

func TestEntryIsPersistedBeforeEmit(t *testing.T) {
	w, st, eventBus := newTestWriter(t)
	ctx := context.Background()

	// The memory bus delivers synchronously on the publisher goroutine, so the
	// row must already be readable inside the handler.
	var sawRow bool
	sub, err := eventBus.Subscribe(events.BuildExecutionLogWildcardSubject(), func(ctx context.Context, event *bus.Event) error {
		data, ok := event.Data.(*events.LogEventData)
		if !ok {
			t.Errorf("unexpected event payload %T", event.Data)
			return nil
		}
		if _, err := st.GetLogEntry(ctx, data.LogID); err != nil {
			t.Errorf("log row not readable at emit time: %v", err)
			return nil
		}
		sawRow = true
		return nil
	})
	require.NoError(t, err)
	defer func() { _ = sub.Unsubscribe() }()

	_, err = w.Persist(ctx, "issue-1", "exec-1", &executor.NormalizedEntry{
		Type:    store.EntryTypeAssistantMessage,
		Content: "hello",
	})
	require.NoError(t, err)
	assert.True(t, sawRow, "subscriber never saw the event")
}

func TestHiddenExecutionPersistsInvisible(t *testing.T) {
	w, st, _ := newTestWriter(t)
	ctx := context.Background()

	w.SetHidden("exec-1", true)
	hiddenEntry, err := w.Persist(ctx, "issue-1", "exec-1", &executor.NormalizedEntry{
		Type:    store.EntryTypeAssistantMessage,
		Content: "internal reply",
	})
	require.NoError(t, err)
	assert.False(t, hiddenEntry.Visible)

	w.SetHidden("exec-1", false)
	visibleEntry, err := w.Persist(ctx, "issue-1", "exec-1", &executor.NormalizedEntry{
		Type:    store.EntryTypeAssistantMessage,
		Content: "user-facing reply",
	})
	require.NoError(t, err)
	assert.True(t, visibleEntry.Visible)

	got, err := st.GetLogEntry(ctx, hiddenEntry.ID)
	require.NoError(t, err)
	assert.False(t, got.Visible)
}

func TestPersistUserMessageSharesCounters(t *testing.T) {
	w, st, _ := newTestWriter(t)
	ctx := context.Background()

	w.SetTurnIndex("exec-1", 0)
	userEntry, err := w.PersistUserMessage(ctx, "issue-1", "exec-1", "prompt", nil, true)
	require.NoError(t, err)
	reply, err := w.Persist(ctx, "issue-1", "exec-1", &executor.NormalizedEntry{
		Type:    store.EntryTypeAssistantMessage,
		Content: "reply",
	})
	require.NoError(t, err)

	assert.Equal(t, 0, userEntry.EntryIndex)
	assert.Equal(t, 1, reply.EntryIndex, "user message and reply share one counter")

	entries, err := st.ListLogEntries(ctx, "issue-1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, store.EntryTypeUserMessage, entries[0].EntryType)
	assert.Equal(t, store.EntryTypeAssistantMessage, entries[1].EntryType)
}
