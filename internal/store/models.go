package store

import "time"

// IssueStatus is the kanban column an issue sits in.
type IssueStatus string

const (
	IssueStatusTodo    IssueStatus = "todo"
	IssueStatusWorking IssueStatus = "working"
	IssueStatusReview  IssueStatus = "review"
	IssueStatusDone    IssueStatus = "done"
)

// SessionStatus tracks the lifecycle of the agent session attached to an issue.
type SessionStatus string

const (
	SessionStatusPending   SessionStatus = "pending"
	SessionStatusRunning   SessionStatus = "running"
	SessionStatusCompleted SessionStatus = "completed"
	SessionStatusFailed    SessionStatus = "failed"
	SessionStatusCancelled SessionStatus = "cancelled"
)

// IsTerminal reports whether the session has settled and will not progress further.
func (s SessionStatus) IsTerminal() bool {
	switch s {
	case SessionStatusCompleted, SessionStatusFailed, SessionStatusCancelled:
		return true
	}
	return false
}

// EntryType classifies normalized log entries.
type EntryType string

const (
	EntryTypeUserMessage      EntryType = "user-message"
	EntryTypeAssistantMessage EntryType = "assistant-message"
	EntryTypeToolUse          EntryType = "tool-use"
	EntryTypeSystemMessage    EntryType = "system-message"
	EntryTypeErrorMessage     EntryType = "error-message"
)

// ToolKind buckets tool calls into coarse categories for change summaries.
type ToolKind string

const (
	ToolKindFileRead   ToolKind = "file-read"
	ToolKindFileEdit   ToolKind = "file-edit"
	ToolKindCommandRun ToolKind = "command-run"
	ToolKindSearch     ToolKind = "search"
	ToolKindWebFetch   ToolKind = "web-fetch"
	ToolKindTask       ToolKind = "task"
	ToolKindTool       ToolKind = "tool"
	ToolKindOther      ToolKind = "other"
)

// Project is a workspace grouping issues that share a repository directory.
type Project struct {
	ID            string    `json:"id" db:"id"`
	Alias         string    `json:"alias" db:"alias"`
	Name          string    `json:"name" db:"name"`
	Description   string    `json:"description" db:"description"`
	Directory     string    `json:"directory" db:"directory"`
	RepositoryURL string    `json:"repository_url,omitempty" db:"repository_url"`
	IsDeleted     bool      `json:"is_deleted,omitempty" db:"is_deleted"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time `json:"updated_at" db:"updated_at"`
}

// Issue is a unit of work an agent can be dispatched against.
type Issue struct {
	ID          string      `json:"id" db:"id"`
	ProjectID   string      `json:"project_id" db:"project_id"`
	IssueNumber int         `json:"issue_number" db:"issue_number"`
	Title       string      `json:"title" db:"title"`
	Description string      `json:"description" db:"description"`
	Status        IssueStatus `json:"status" db:"status"`
	Priority      int         `json:"priority" db:"priority"`
	SortOrder     float64     `json:"sort_order" db:"sort_order"`
	ParentIssueID string      `json:"parent_issue_id,omitempty" db:"parent_issue_id"`
	UseWorktree   bool        `json:"use_worktree" db:"use_worktree"`
	DevMode       bool        `json:"dev_mode" db:"dev_mode"`

	// Session fields describe the most recent agent run for this issue.
	EngineType        string        `json:"engine_type,omitempty" db:"engine_type"`
	SessionStatus     SessionStatus `json:"session_status,omitempty" db:"session_status"`
	Prompt            string        `json:"prompt,omitempty" db:"prompt"`
	ExternalSessionID string        `json:"external_session_id,omitempty" db:"external_session_id"`
	Model             string        `json:"model,omitempty" db:"model"`
	BaseCommitHash    string        `json:"base_commit_hash,omitempty" db:"base_commit_hash"`

	IsDeleted bool      `json:"is_deleted,omitempty" db:"is_deleted"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// LogEntry is one normalized line of agent conversation, densely ordered by
// (turn_index, entry_index) within an issue.
type LogEntry struct {
	ID               string                 `json:"id" db:"id"`
	IssueID          string                 `json:"issue_id" db:"issue_id"`
	TurnIndex        int                    `json:"turn_index" db:"turn_index"`
	EntryIndex       int                    `json:"entry_index" db:"entry_index"`
	EntryType        EntryType              `json:"entry_type" db:"entry_type"`
	Content          string                 `json:"content" db:"content"`
	Metadata         map[string]interface{} `json:"metadata,omitempty" db:"-"`
	ReplyToMessageID string                 `json:"reply_to_message_id,omitempty" db:"reply_to_message_id"`
	ToolCallRefID    string                 `json:"tool_call_ref_id,omitempty" db:"tool_call_ref_id"`
	Visible          bool                   `json:"visible" db:"visible"`
	Timestamp        time.Time              `json:"timestamp" db:"timestamp"`
	CreatedAt        time.Time              `json:"created_at" db:"created_at"`
}

// ToolCall is a companion row holding the raw payload of a tool-use entry.
type ToolCall struct {
	ID         string    `json:"id" db:"id"`
	LogID      string    `json:"log_id" db:"log_id"`
	IssueID    string    `json:"issue_id" db:"issue_id"`
	ToolName   string    `json:"tool_name" db:"tool_name"`
	ToolCallID string    `json:"tool_call_id,omitempty" db:"tool_call_id"`
	Kind       ToolKind  `json:"kind" db:"kind"`
	IsResult   bool      `json:"is_result" db:"is_result"`
	Raw        string    `json:"raw,omitempty" db:"raw"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}

// Attachment is a file a user attached to an issue prompt.
type Attachment struct {
	ID           string    `json:"id" db:"id"`
	IssueID      string    `json:"issue_id" db:"issue_id"`
	LogID        string    `json:"log_id,omitempty" db:"log_id"`
	OriginalName string    `json:"original_name" db:"original_name"`
	StoredName   string    `json:"stored_name" db:"stored_name"`
	MimeType     string    `json:"mime_type" db:"mime_type"`
	Size         int64     `json:"size" db:"size"`
	StoragePath  string    `json:"storage_path" db:"storage_path"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
}

// pendingMetadataType marks user messages queued while an execution is active.
const pendingMetadataType = "pending"

// IsPending reports whether this entry is a queued user message that has not
// been delivered to an agent yet.
func (e *LogEntry) IsPending() bool {
	if e.Metadata == nil {
		return false
	}
	v, ok := e.Metadata["type"].(string)
	return ok && v == pendingMetadataType
}
