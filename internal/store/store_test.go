package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := sqlx.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)

	st, err := New(db, db)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func createTestProject(t *testing.T, st *Store) *Project {
	t.Helper()
	project := &Project{Name: "Test Project", Directory: "/tmp/test"}
	require.NoError(t, st.CreateProject(context.Background(), project))
	return project
}

func createTestIssue(t *testing.T, st *Store, projectID string) *Issue {
	t.Helper()
	issue := &Issue{ProjectID: projectID, Title: "Test Issue", Status: IssueStatusTodo}
	require.NoError(t, st.CreateIssue(context.Background(), issue))
	return issue
}

func TestProjectCRUD(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	project := &Project{Name: "Board", Alias: "board", Directory: "/repos/board"}
	require.NoError(t, st.CreateProject(ctx, project))
	require.NotEmpty(t, project.ID)

	byID, err := st.GetProject(ctx, project.ID)
	require.NoError(t, err)
	assert.Equal(t, "Board", byID.Name)

	byAlias, err := st.GetProject(ctx, "board")
	require.NoError(t, err)
	assert.Equal(t, project.ID, byAlias.ID)

	byID.Name = "Renamed"
	require.NoError(t, st.UpdateProject(ctx, byID))
	updated, err := st.GetProject(ctx, project.ID)
	require.NoError(t, err)
	assert.Equal(t, "Renamed", updated.Name)

	require.NoError(t, st.DeleteProject(ctx, project.ID))
	_, err = st.GetProject(ctx, project.ID)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestDeleteProjectHidesIssues(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	project := createTestProject(t, st)
	issue := createTestIssue(t, st, project.ID)

	require.NoError(t, st.DeleteProject(ctx, project.ID))

	_, err := st.GetIssue(ctx, issue.ID)
	assert.True(t, errors.Is(err, ErrNotFound), "issues of a deleted project must be hidden")
}

func TestIssueNumbersArePerProject(t *testing.T) {
	st := newTestStore(t)

	p1 := createTestProject(t, st)
	p2 := createTestProject(t, st)

	a := createTestIssue(t, st, p1.ID)
	b := createTestIssue(t, st, p1.ID)
	c := createTestIssue(t, st, p2.ID)

	assert.Equal(t, 1, a.IssueNumber)
	assert.Equal(t, 2, b.IssueNumber)
	assert.Equal(t, 1, c.IssueNumber, "numbering restarts per project")

	got, err := st.GetIssueByNumber(context.Background(), p1.ID, 2)
	require.NoError(t, err)
	assert.Equal(t, b.ID, got.ID)
}

func TestIssueSessionLifecycle(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	project := createTestProject(t, st)
	issue := createTestIssue(t, st, project.ID)

	require.NoError(t, st.UpdateIssueSession(ctx, issue.ID, "echo", SessionStatusRunning, "do the thing", "echo-1"))
	require.NoError(t, st.SetExternalSessionID(ctx, issue.ID, "sess-123"))
	require.NoError(t, st.SetBaseCommitHash(ctx, issue.ID, "abc123"))

	got, err := st.GetIssue(ctx, issue.ID)
	require.NoError(t, err)
	assert.Equal(t, "echo", got.EngineType)
	assert.Equal(t, SessionStatusRunning, got.SessionStatus)
	assert.Equal(t, "do the thing", got.Prompt)
	assert.Equal(t, "sess-123", got.ExternalSessionID)
	assert.Equal(t, "abc123", got.BaseCommitHash)

	require.NoError(t, st.ClearExternalSessionID(ctx, issue.ID))
	got, err = st.GetIssue(ctx, issue.ID)
	require.NoError(t, err)
	assert.Empty(t, got.ExternalSessionID)

	running, err := st.ListIssuesBySessionStatus(ctx, SessionStatusRunning, SessionStatusPending)
	require.NoError(t, err)
	require.Len(t, running, 1)
	assert.Equal(t, issue.ID, running[0].ID)
}

func TestLogOrderingAndIndexes(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	project := createTestProject(t, st)
	issue := createTestIssue(t, st, project.ID)

	next, err := st.NextTurnIndex(ctx, issue.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, next, "first turn starts at 0")

	// Insert out of order; listing must come back ordered.
	entries := []*LogEntry{
		{IssueID: issue.ID, TurnIndex: 1, EntryIndex: 0, EntryType: EntryTypeUserMessage, Content: "follow-up", Visible: true},
		{IssueID: issue.ID, TurnIndex: 0, EntryIndex: 1, EntryType: EntryTypeAssistantMessage, Content: "reply", Visible: true},
		{IssueID: issue.ID, TurnIndex: 0, EntryIndex: 0, EntryType: EntryTypeUserMessage, Content: "prompt", Visible: true},
	}
	for _, entry := range entries {
		require.NoError(t, st.InsertLogEntry(ctx, entry))
	}

	listed, err := st.ListLogEntries(ctx, issue.ID)
	require.NoError(t, err)
	require.Len(t, listed, 3)
	assert.Equal(t, "prompt", listed[0].Content)
	assert.Equal(t, "reply", listed[1].Content)
	assert.Equal(t, "follow-up", listed[2].Content)

	next, err = st.NextTurnIndex(ctx, issue.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, next)

	nextEntry, err := st.NextEntryIndex(ctx, issue.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, nextEntry)
}

func TestToolCallCompanionRow(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	project := createTestProject(t, st)
	issue := createTestIssue(t, st, project.ID)

	entry := &LogEntry{IssueID: issue.ID, TurnIndex: 0, EntryIndex: 0, EntryType: EntryTypeToolUse, Visible: true}
	call := &ToolCall{ToolName: "Bash", ToolCallID: "tc-1", Kind: ToolKindCommandRun, Raw: `{"command":"ls"}`}
	require.NoError(t, st.InsertLogEntryWithToolCall(ctx, entry, call))
	require.NotEmpty(t, entry.ToolCallRefID)

	got, err := st.GetToolCall(ctx, entry.ToolCallRefID)
	require.NoError(t, err)
	assert.Equal(t, "Bash", got.ToolName)
	assert.Equal(t, ToolKindCommandRun, got.Kind)

	// A result row for the same call id.
	resultEntry := &LogEntry{IssueID: issue.ID, TurnIndex: 0, EntryIndex: 1, EntryType: EntryTypeToolUse, Visible: true}
	resultCall := &ToolCall{ToolName: "Bash", ToolCallID: "tc-1", Kind: ToolKindCommandRun, IsResult: true, Raw: "file.txt"}
	require.NoError(t, st.InsertLogEntryWithToolCall(ctx, resultEntry, resultCall))

	counts, err := st.CountToolCallKinds(ctx, issue.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[string(ToolKindCommandRun)], "results do not count toward the summary")
}

func TestPendingMessageProtocol(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	project := createTestProject(t, st)
	issue := createTestIssue(t, st, project.ID)

	pending := &LogEntry{
		IssueID:    issue.ID,
		TurnIndex:  0,
		EntryIndex: 0,
		EntryType:  EntryTypeUserMessage,
		Content:    "queued prompt",
		Metadata:   map[string]interface{}{"type": "pending"},
		Visible:    true,
	}
	require.NoError(t, st.InsertLogEntry(ctx, pending))

	// A regular visible user message must not count as pending.
	regular := &LogEntry{
		IssueID:    issue.ID,
		TurnIndex:  0,
		EntryIndex: 1,
		EntryType:  EntryTypeUserMessage,
		Content:    "normal prompt",
		Visible:    true,
	}
	require.NoError(t, st.InsertLogEntry(ctx, regular))

	msgs, err := st.ListPendingMessages(ctx, issue.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "queued prompt", msgs[0].Content)
	assert.True(t, msgs[0].IsPending())

	require.NoError(t, st.MarkMessagesDispatched(ctx, []string{msgs[0].ID}))

	msgs, err = st.ListPendingMessages(ctx, issue.ID)
	require.NoError(t, err)
	assert.Empty(t, msgs, "dispatched messages are no longer pending")

	dispatched, err := st.GetLogEntry(ctx, pending.ID)
	require.NoError(t, err)
	assert.False(t, dispatched.Visible, "dispatch flips visibility off")
}

func TestSoftDeleteIssue(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	project := createTestProject(t, st)
	issue := createTestIssue(t, st, project.ID)

	require.NoError(t, st.DeleteIssue(ctx, issue.ID))

	_, err := st.GetIssue(ctx, issue.ID)
	assert.True(t, errors.Is(err, ErrNotFound))

	issues, err := st.ListIssues(ctx, project.ID)
	require.NoError(t, err)
	assert.Empty(t, issues)
}

func TestSettingsRoundTrip(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	_, err := st.GetSetting(ctx, "missing")
	assert.True(t, errors.Is(err, ErrNotFound))

	require.NoError(t, st.SetSetting(ctx, "k", "v1"))
	require.NoError(t, st.SetSetting(ctx, "k", "v2"))

	value, err := st.GetSetting(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v2", value, "set replaces previous value")

	type payload struct {
		Count int `json:"count"`
	}
	require.NoError(t, st.SetSettingJSON(ctx, "json", payload{Count: 7}))
	var out payload
	require.NoError(t, st.GetSettingJSON(ctx, "json", &out))
	assert.Equal(t, 7, out.Count)
}
