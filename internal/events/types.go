// Package events provides event types and utilities for the devboard event system.
package events

// Event types for projects
const (
	ProjectCreated = "project.created"
	ProjectUpdated = "project.updated"
	ProjectDeleted = "project.deleted"
)

// Event types for issues
const (
	IssueCreated = "issue.created"
	IssueUpdated = "issue.updated"
	IssueDeleted = "issue.deleted"
)

// Event types for executions. Log carries one normalized entry, State carries
// intermediate session state transitions, Settled carries the final status of
// an execution. Terminal states are emitted only through Settled.
const (
	ExecutionLog     = "execution.log"
	ExecutionState   = "execution.state"
	ExecutionSettled = "execution.settled"
)

// Event types for change summaries
const (
	ChangesSummary = "changes.summary"
)

// BuildExecutionLogSubject creates a log subject for a specific issue
func BuildExecutionLogSubject(issueID string) string {
	return ExecutionLog + "." + issueID
}

// BuildExecutionLogWildcardSubject creates a wildcard subscription for all log events
func BuildExecutionLogWildcardSubject() string {
	return ExecutionLog + ".*"
}

// BuildExecutionStateSubject creates a state subject for a specific issue
func BuildExecutionStateSubject(issueID string) string {
	return ExecutionState + "." + issueID
}

// BuildExecutionStateWildcardSubject creates a wildcard subscription for all state events
func BuildExecutionStateWildcardSubject() string {
	return ExecutionState + ".*"
}

// BuildExecutionSettledSubject creates a settled subject for a specific issue
func BuildExecutionSettledSubject(issueID string) string {
	return ExecutionSettled + "." + issueID
}

// BuildExecutionSettledWildcardSubject creates a wildcard subscription for all settled events
func BuildExecutionSettledWildcardSubject() string {
	return ExecutionSettled + ".*"
}

// BuildIssueUpdatedSubject creates an issue-updated subject for a specific issue
func BuildIssueUpdatedSubject(issueID string) string {
	return IssueUpdated + "." + issueID
}

// BuildIssueUpdatedWildcardSubject creates a wildcard subscription for all issue updates
func BuildIssueUpdatedWildcardSubject() string {
	return IssueUpdated + ".*"
}

// LogEventData is the payload published on execution.log subjects.
type LogEventData struct {
	IssueID     string         `json:"issue_id"`
	ExecutionID string         `json:"execution_id"`
	LogID       string         `json:"log_id"`
	TurnIndex   int            `json:"turn_index"`
	EntryIndex  int            `json:"entry_index"`
	EntryType   string         `json:"entry_type"`
	Content     string         `json:"content"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	Timestamp   string         `json:"timestamp"`
}

// StateEventData is the payload published on execution.state subjects.
type StateEventData struct {
	IssueID     string `json:"issue_id"`
	ExecutionID string `json:"execution_id"`
	State       string `json:"state"`
}

// SettledEventData is the payload published on execution.settled subjects.
type SettledEventData struct {
	IssueID     string `json:"issue_id"`
	ExecutionID string `json:"execution_id"`
	FinalStatus string `json:"final_status"`
}

// IssueUpdatedData is the payload published on issue.updated subjects.
type IssueUpdatedData struct {
	IssueID string         `json:"issue_id"`
	Changes map[string]any `json:"changes"`
}

// ChangesSummaryData is the payload published on changes.summary. It carries a
// compact digest of the tool activity observed during one execution.
type ChangesSummaryData struct {
	IssueID     string         `json:"issue_id"`
	ExecutionID string         `json:"execution_id"`
	ToolCalls   map[string]int `json:"tool_calls"` // kind -> count
}
