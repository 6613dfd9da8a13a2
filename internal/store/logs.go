package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Log entry operations

const logColumns = `id, issue_id, turn_index, entry_index, entry_type, content, metadata,
	reply_to_message_id, tool_call_ref_id, visible, timestamp, created_at`

// InsertLogEntry persists a single normalized log entry.
func (s *Store) InsertLogEntry(ctx context.Context, entry *LogEntry) error {
	prepareLogEntry(entry)

	metadataJSON, err := marshalMetadata(entry.Metadata)
	if err != nil {
		return err
	}

	visible := 0
	if entry.Visible {
		visible = 1
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO issues_logs (`+logColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, entry.ID, entry.IssueID, entry.TurnIndex, entry.EntryIndex, string(entry.EntryType), entry.Content,
		metadataJSON, entry.ReplyToMessageID, entry.ToolCallRefID, visible, entry.Timestamp, entry.CreatedAt)
	return err
}

// InsertLogEntryWithToolCall persists a tool-use entry together with its raw
// tool call companion row in one transaction. The entry's tool_call_ref_id is
// set to the companion's ID.
func (s *Store) InsertLogEntryWithToolCall(ctx context.Context, entry *LogEntry, call *ToolCall) error {
	prepareLogEntry(entry)

	if call.ID == "" {
		call.ID = uuid.New().String()
	}
	call.LogID = entry.ID
	call.IssueID = entry.IssueID
	if call.CreatedAt.IsZero() {
		call.CreatedAt = entry.CreatedAt
	}
	if call.Kind == "" {
		call.Kind = ToolKindOther
	}
	entry.ToolCallRefID = call.ID

	metadataJSON, err := marshalMetadata(entry.Metadata)
	if err != nil {
		return err
	}

	visible := 0
	if entry.Visible {
		visible = 1
	}
	isResult := 0
	if call.IsResult {
		isResult = 1
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO issues_logs_tools_call (id, log_id, issue_id, tool_name, tool_call_id, kind, is_result, raw, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, call.ID, call.LogID, call.IssueID, call.ToolName, call.ToolCallID, string(call.Kind), isResult, call.Raw, call.CreatedAt); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO issues_logs (`+logColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, entry.ID, entry.IssueID, entry.TurnIndex, entry.EntryIndex, string(entry.EntryType), entry.Content,
		metadataJSON, entry.ReplyToMessageID, entry.ToolCallRefID, visible, entry.Timestamp, entry.CreatedAt); err != nil {
		return err
	}

	return tx.Commit()
}

// ListLogEntries returns all log entries for an issue in (turn_index, entry_index) order.
func (s *Store) ListLogEntries(ctx context.Context, issueID string) ([]*LogEntry, error) {
	rows, err := s.reader().QueryContext(ctx, `
		SELECT `+logColumns+` FROM issues_logs WHERE issue_id = ?
		ORDER BY turn_index ASC, entry_index ASC
	`, issueID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*LogEntry
	for rows.Next() {
		entry, err := scanLogEntry(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// GetLogEntry retrieves a single log entry by ID.
func (s *Store) GetLogEntry(ctx context.Context, id string) (*LogEntry, error) {
	rows, err := s.reader().QueryContext(ctx, `
		SELECT `+logColumns+` FROM issues_logs WHERE id = ?
	`, id)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("log entry %s: %w", id, ErrNotFound)
	}
	return scanLogEntry(rows)
}

// NextTurnIndex returns the turn index a new turn for this issue should use.
// Turn indexes are dense starting at zero.
func (s *Store) NextTurnIndex(ctx context.Context, issueID string) (int, error) {
	var maxTurn sql.NullInt64
	err := s.reader().QueryRowContext(ctx, `
		SELECT MAX(turn_index) FROM issues_logs WHERE issue_id = ?
	`, issueID).Scan(&maxTurn)
	if err != nil {
		return 0, err
	}
	if !maxTurn.Valid {
		return 0, nil
	}
	return int(maxTurn.Int64) + 1, nil
}

// NextEntryIndex returns the entry index a new entry within a turn should use.
func (s *Store) NextEntryIndex(ctx context.Context, issueID string, turnIndex int) (int, error) {
	var maxEntry sql.NullInt64
	err := s.reader().QueryRowContext(ctx, `
		SELECT MAX(entry_index) FROM issues_logs WHERE issue_id = ? AND turn_index = ?
	`, issueID, turnIndex).Scan(&maxEntry)
	if err != nil {
		return 0, err
	}
	if !maxEntry.Valid {
		return 0, nil
	}
	return int(maxEntry.Int64) + 1, nil
}

// ListPendingMessages returns queued user messages that have not been
// dispatched to a live process yet, oldest first.
func (s *Store) ListPendingMessages(ctx context.Context, issueID string) ([]*LogEntry, error) {
	rows, err := s.reader().QueryContext(ctx, `
		SELECT `+logColumns+` FROM issues_logs
		WHERE issue_id = ? AND entry_type = ? AND visible = 1
		  AND json_extract(metadata, '$.type') = ?
		ORDER BY turn_index ASC, entry_index ASC
	`, issueID, string(EntryTypeUserMessage), pendingMetadataType)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*LogEntry
	for rows.Next() {
		entry, err := scanLogEntry(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// MarkMessagesDispatched flips the given entries to visible=0 in one statement
// so a batch accepted by the engine can never be dispatched twice.
func (s *Store) MarkMessagesDispatched(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(ids)), ", ")
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	_, err := s.db.ExecContext(ctx, `
		UPDATE issues_logs SET visible = 0 WHERE id IN (`+placeholders+`)
	`, args...)
	return err
}

// Tool call operations

// GetToolCall retrieves a tool call companion row by ID.
func (s *Store) GetToolCall(ctx context.Context, id string) (*ToolCall, error) {
	call := &ToolCall{}
	err := s.reader().GetContext(ctx, call, `
		SELECT id, log_id, issue_id, tool_name, tool_call_id, kind, is_result, raw, created_at
		FROM issues_logs_tools_call WHERE id = ?
	`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("tool call %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return call, nil
}

// ListToolCalls returns all tool call rows for an issue.
func (s *Store) ListToolCalls(ctx context.Context, issueID string) ([]*ToolCall, error) {
	var calls []*ToolCall
	err := s.reader().SelectContext(ctx, &calls, `
		SELECT id, log_id, issue_id, tool_name, tool_call_id, kind, is_result, raw, created_at
		FROM issues_logs_tools_call WHERE issue_id = ? ORDER BY created_at ASC
	`, issueID)
	if err != nil {
		return nil, err
	}
	return calls, nil
}

// CountToolCallKinds returns how many tool calls of each kind the issue has
// accumulated, excluding result rows. Used for change summaries.
func (s *Store) CountToolCallKinds(ctx context.Context, issueID string) (map[string]int, error) {
	rows, err := s.reader().QueryContext(ctx, `
		SELECT kind, COUNT(*) FROM issues_logs_tools_call
		WHERE issue_id = ? AND is_result = 0 GROUP BY kind
	`, issueID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[string]int)
	for rows.Next() {
		var kind string
		var count int
		if err := rows.Scan(&kind, &count); err != nil {
			return nil, err
		}
		counts[kind] = count
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return counts, nil
}

// Attachment operations

// CreateAttachment records a file attached to an issue.
func (s *Store) CreateAttachment(ctx context.Context, att *Attachment) error {
	if att.ID == "" {
		att.ID = uuid.New().String()
	}
	if att.CreatedAt.IsZero() {
		att.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO attachments (id, issue_id, log_id, original_name, stored_name, mime_type, size, storage_path, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, att.ID, att.IssueID, att.LogID, att.OriginalName, att.StoredName, att.MimeType, att.Size, att.StoragePath, att.CreatedAt)
	return err
}

// ListAttachments returns all attachments for an issue.
func (s *Store) ListAttachments(ctx context.Context, issueID string) ([]*Attachment, error) {
	var attachments []*Attachment
	err := s.reader().SelectContext(ctx, &attachments, `
		SELECT id, issue_id, log_id, original_name, stored_name, mime_type, size, storage_path, created_at
		FROM attachments WHERE issue_id = ? ORDER BY created_at ASC
	`, issueID)
	if err != nil {
		return nil, err
	}
	return attachments, nil
}

func prepareLogEntry(entry *LogEntry) {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if entry.Timestamp.IsZero() {
		entry.Timestamp = now
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = now
	}
}

func marshalMetadata(metadata map[string]interface{}) (string, error) {
	if metadata == nil {
		return "{}", nil
	}
	data, err := json.Marshal(metadata)
	if err != nil {
		return "", fmt.Errorf("failed to serialize log metadata: %w", err)
	}
	return string(data), nil
}

func scanLogEntry(rows *sql.Rows) (*LogEntry, error) {
	entry := &LogEntry{}
	var entryType string
	var metadataJSON string
	var visible int
	err := rows.Scan(&entry.ID, &entry.IssueID, &entry.TurnIndex, &entry.EntryIndex, &entryType, &entry.Content,
		&metadataJSON, &entry.ReplyToMessageID, &entry.ToolCallRefID, &visible, &entry.Timestamp, &entry.CreatedAt)
	if err != nil {
		return nil, err
	}
	entry.EntryType = EntryType(entryType)
	entry.Visible = visible == 1

	if metadataJSON != "" && metadataJSON != "{}" {
		if err := json.Unmarshal([]byte(metadataJSON), &entry.Metadata); err != nil {
			return nil, fmt.Errorf("failed to deserialize log metadata: %w", err)
		}
	}
	return entry, nil
}
