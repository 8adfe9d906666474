// Package store persists orchestrator state in a single SQLite database:
// scheduled tasks and their run logs, registered groups, agent sessions,
// chat history, and router cursors.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	appErr "burrow/pkg/errors"

	_ "modernc.org/sqlite"
)

// Timestamps are stored as fixed-width UTC strings so lexical order matches
// chronological order in SQL comparisons.
const timeLayout = "2006-01-02T15:04:05.000Z"

// Store wraps the orchestrator database.
type Store struct {
	db *sql.DB
}

// Open creates or opens the database at path, creating parent directories
// and applying the schema.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, appErr.Wrapf(err, appErr.DatabaseError, "create database dir %s failed", dir)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, appErr.Wrap(err, appErr.DatabaseError)
	}
	// modernc sqlite serializes writes; a single connection avoids
	// SQLITE_BUSY under concurrent writers.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS chats (
		chat_id TEXT PRIMARY KEY,
		name TEXT,
		last_message_time TEXT
	);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT,
		chat_id TEXT,
		sender TEXT,
		sender_name TEXT,
		content TEXT,
		timestamp TEXT,
		is_from_me INTEGER,
		PRIMARY KEY (id, chat_id),
		FOREIGN KEY (chat_id) REFERENCES chats(chat_id)
	);
	CREATE INDEX IF NOT EXISTS idx_messages_timestamp ON messages(timestamp);

	CREATE TABLE IF NOT EXISTS scheduled_tasks (
		id TEXT PRIMARY KEY,
		group_folder TEXT NOT NULL,
		chat_id TEXT NOT NULL,
		prompt TEXT NOT NULL,
		schedule_kind TEXT NOT NULL,
		schedule_value TEXT NOT NULL,
		context_mode TEXT DEFAULT 'isolated',
		next_run TEXT,
		last_run TEXT,
		last_result TEXT,
		status TEXT DEFAULT 'active',
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_tasks_next_run ON scheduled_tasks(next_run);
	CREATE INDEX IF NOT EXISTS idx_tasks_status ON scheduled_tasks(status);

	CREATE TABLE IF NOT EXISTS task_run_logs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		task_id TEXT NOT NULL,
		run_at TEXT NOT NULL,
		duration_ms INTEGER NOT NULL,
		status TEXT NOT NULL,
		result TEXT,
		error TEXT,
		FOREIGN KEY (task_id) REFERENCES scheduled_tasks(id)
	);
	CREATE INDEX IF NOT EXISTS idx_task_run_logs ON task_run_logs(task_id, run_at);

	CREATE TABLE IF NOT EXISTS router_state (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sessions (
		group_folder TEXT PRIMARY KEY,
		session_token TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS registered_groups (
		chat_id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		folder TEXT NOT NULL UNIQUE,
		trigger_pattern TEXT NOT NULL,
		added_at TEXT NOT NULL,
		container_config TEXT,
		requires_trigger INTEGER DEFAULT 1
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return appErr.Wrap(err, appErr.DatabaseError)
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatTimePtr(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

func parseTimePtr(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil
	}
	return &t
}

// ---------------------------------------------------------------------------
// Scheduled tasks
// ---------------------------------------------------------------------------

// CreateTask inserts a new scheduled task.
func (s *Store) CreateTask(task *ScheduledTask) error {
	if task.ContextMode == "" {
		task.ContextMode = ContextIsolated
	}
	if task.Status == "" {
		task.Status = TaskStatusActive
	}
	_, err := s.db.Exec(
		`INSERT INTO scheduled_tasks
			(id, group_folder, chat_id, prompt, schedule_kind, schedule_value,
			 context_mode, next_run, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ID, task.GroupFolder, task.ChatID, task.Prompt,
		task.ScheduleKind, task.ScheduleValue, task.ContextMode,
		formatTimePtr(task.NextRun), task.Status, formatTime(task.CreatedAt),
	)
	if err != nil {
		return appErr.Wrapf(err, appErr.DatabaseError, "create task %s failed", task.ID)
	}
	return nil
}

// TaskByID returns the task or a TaskNotFound error.
func (s *Store) TaskByID(taskID string) (*ScheduledTask, error) {
	row := s.db.QueryRow(taskSelect+` WHERE id = ?`, taskID)
	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, appErr.Newf(appErr.TaskNotFound, "task %s not found", taskID)
	}
	if err != nil {
		return nil, appErr.Wrap(err, appErr.DatabaseError)
	}
	return task, nil
}

// TasksForGroup returns a group's tasks, newest first.
func (s *Store) TasksForGroup(groupFolder string) ([]*ScheduledTask, error) {
	return s.queryTasks(taskSelect+` WHERE group_folder = ? ORDER BY created_at DESC`, groupFolder)
}

// AllTasks returns every task, newest first.
func (s *Store) AllTasks() ([]*ScheduledTask, error) {
	return s.queryTasks(taskSelect + ` ORDER BY created_at DESC`)
}

// DueTasks returns active tasks whose next run time has passed.
func (s *Store) DueTasks(now time.Time) ([]*ScheduledTask, error) {
	return s.queryTasks(
		taskSelect+` WHERE status = ? AND next_run IS NOT NULL AND next_run <= ? ORDER BY next_run`,
		TaskStatusActive, formatTime(now),
	)
}

// UpdateTaskStatus changes a task's status.
func (s *Store) UpdateTaskStatus(taskID, status string) error {
	res, err := s.db.Exec(`UPDATE scheduled_tasks SET status = ? WHERE id = ?`, status, taskID)
	if err != nil {
		return appErr.Wrap(err, appErr.DatabaseError)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return appErr.Newf(appErr.TaskNotFound, "task %s not found", taskID)
	}
	return nil
}

// UpdateTaskNextRun rewrites a task's next run time, e.g. after a resume.
func (s *Store) UpdateTaskNextRun(taskID string, nextRun *time.Time) error {
	_, err := s.db.Exec(`UPDATE scheduled_tasks SET next_run = ? WHERE id = ?`,
		formatTimePtr(nextRun), taskID)
	if err != nil {
		return appErr.Wrap(err, appErr.DatabaseError)
	}
	return nil
}

// UpdateTaskAfterRun records a completed execution. A task with no further
// run time is marked completed.
func (s *Store) UpdateTaskAfterRun(taskID string, nextRun *time.Time, lastResult string) error {
	_, err := s.db.Exec(
		`UPDATE scheduled_tasks
		 SET next_run = ?, last_run = ?, last_result = ?,
			 status = CASE WHEN ? IS NULL THEN 'completed' ELSE status END
		 WHERE id = ?`,
		formatTimePtr(nextRun), formatTime(time.Now()), lastResult,
		formatTimePtr(nextRun), taskID,
	)
	if err != nil {
		return appErr.Wrapf(err, appErr.DatabaseError, "update task %s after run failed", taskID)
	}
	return nil
}

// DeleteTask removes a task and its run logs.
func (s *Store) DeleteTask(taskID string) error {
	if _, err := s.db.Exec(`DELETE FROM task_run_logs WHERE task_id = ?`, taskID); err != nil {
		return appErr.Wrap(err, appErr.DatabaseError)
	}
	res, err := s.db.Exec(`DELETE FROM scheduled_tasks WHERE id = ?`, taskID)
	if err != nil {
		return appErr.Wrap(err, appErr.DatabaseError)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return appErr.Newf(appErr.TaskNotFound, "task %s not found", taskID)
	}
	return nil
}

// LogTaskRun appends a run log entry.
func (s *Store) LogTaskRun(log *TaskRunLog) error {
	_, err := s.db.Exec(
		`INSERT INTO task_run_logs (task_id, run_at, duration_ms, status, result, error)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		log.TaskID, formatTime(log.RunAt), log.Duration.Milliseconds(),
		log.Status, log.Result, log.Error,
	)
	if err != nil {
		return appErr.Wrap(err, appErr.DatabaseError)
	}
	return nil
}

// RunLogs returns a task's most recent run logs.
func (s *Store) RunLogs(taskID string, limit int) ([]*TaskRunLog, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(
		`SELECT id, task_id, run_at, duration_ms, status, result, error
		 FROM task_run_logs WHERE task_id = ? ORDER BY run_at DESC LIMIT ?`,
		taskID, limit,
	)
	if err != nil {
		return nil, appErr.Wrap(err, appErr.DatabaseError)
	}
	defer rows.Close()

	var logs []*TaskRunLog
	for rows.Next() {
		var (
			log        TaskRunLog
			runAt      string
			durationMS int64
			result     sql.NullString
			errText    sql.NullString
		)
		if err := rows.Scan(&log.ID, &log.TaskID, &runAt, &durationMS,
			&log.Status, &result, &errText); err != nil {
			return nil, appErr.Wrap(err, appErr.DatabaseError)
		}
		if t, err := parseTime(runAt); err == nil {
			log.RunAt = t
		}
		log.Duration = time.Duration(durationMS) * time.Millisecond
		log.Result = result.String
		log.Error = errText.String
		logs = append(logs, &log)
	}
	return logs, rows.Err()
}

const taskSelect = `SELECT id, group_folder, chat_id, prompt, schedule_kind,
	schedule_value, context_mode, next_run, last_run, last_result, status,
	created_at FROM scheduled_tasks`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTask(row rowScanner) (*ScheduledTask, error) {
	var (
		task        ScheduledTask
		contextMode sql.NullString
		nextRun     sql.NullString
		lastRun     sql.NullString
		lastResult  sql.NullString
		createdAt   string
	)
	err := row.Scan(&task.ID, &task.GroupFolder, &task.ChatID, &task.Prompt,
		&task.ScheduleKind, &task.ScheduleValue, &contextMode,
		&nextRun, &lastRun, &lastResult, &task.Status, &createdAt)
	if err != nil {
		return nil, err
	}
	task.ContextMode = contextMode.String
	if task.ContextMode == "" {
		task.ContextMode = ContextIsolated
	}
	task.NextRun = parseTimePtr(nextRun)
	task.LastRun = parseTimePtr(lastRun)
	task.LastResult = lastResult.String
	if t, err := parseTime(createdAt); err == nil {
		task.CreatedAt = t
	}
	return &task, nil
}

func (s *Store) queryTasks(query string, args ...interface{}) ([]*ScheduledTask, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, appErr.Wrap(err, appErr.DatabaseError)
	}
	defer rows.Close()

	var tasks []*ScheduledTask
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, appErr.Wrap(err, appErr.DatabaseError)
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// ---------------------------------------------------------------------------
// Sessions
// ---------------------------------------------------------------------------

// Session returns the group's agent session token, empty when none is stored.
func (s *Store) Session(groupFolder string) (string, error) {
	var token string
	err := s.db.QueryRow(
		`SELECT session_token FROM sessions WHERE group_folder = ?`, groupFolder,
	).Scan(&token)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", appErr.Wrap(err, appErr.DatabaseError)
	}
	return token, nil
}

// SetSession stores the group's agent session token.
func (s *Store) SetSession(groupFolder, token string) error {
	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO sessions (group_folder, session_token) VALUES (?, ?)`,
		groupFolder, token,
	)
	if err != nil {
		return appErr.Wrap(err, appErr.DatabaseError)
	}
	return nil
}

// AllSessions returns every group folder to session token mapping.
func (s *Store) AllSessions() (map[string]string, error) {
	rows, err := s.db.Query(`SELECT group_folder, session_token FROM sessions`)
	if err != nil {
		return nil, appErr.Wrap(err, appErr.DatabaseError)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var folder, token string
		if err := rows.Scan(&folder, &token); err != nil {
			return nil, appErr.Wrap(err, appErr.DatabaseError)
		}
		out[folder] = token
	}
	return out, rows.Err()
}

// ---------------------------------------------------------------------------
// Registered groups
// ---------------------------------------------------------------------------

// UpsertGroup inserts or replaces a registered group.
func (s *Store) UpsertGroup(group *RegisteredGroup) error {
	var configJSON interface{}
	if group.ContainerConfig != nil {
		data, err := json.Marshal(group.ContainerConfig)
		if err != nil {
			return appErr.Wrap(err, appErr.DatabaseError)
		}
		configJSON = string(data)
	}
	requiresTrigger := 0
	if group.RequiresTrigger {
		requiresTrigger = 1
	}
	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO registered_groups
			(chat_id, name, folder, trigger_pattern, added_at, container_config, requires_trigger)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		group.ChatID, group.Name, group.Folder, group.TriggerPattern,
		formatTime(group.AddedAt), configJSON, requiresTrigger,
	)
	if err != nil {
		return appErr.Wrapf(err, appErr.DatabaseError, "upsert group %s failed", group.Folder)
	}
	return nil
}

// GroupByChatID returns the registered group for a chat, or nil.
func (s *Store) GroupByChatID(chatID string) (*RegisteredGroup, error) {
	return s.queryGroup(`WHERE chat_id = ?`, chatID)
}

// GroupByFolder returns the registered group owning a folder, or nil.
func (s *Store) GroupByFolder(folder string) (*RegisteredGroup, error) {
	return s.queryGroup(`WHERE folder = ?`, folder)
}

// AllGroups returns every registered group keyed by chat ID.
func (s *Store) AllGroups() (map[string]*RegisteredGroup, error) {
	rows, err := s.db.Query(groupSelect)
	if err != nil {
		return nil, appErr.Wrap(err, appErr.DatabaseError)
	}
	defer rows.Close()

	out := make(map[string]*RegisteredGroup)
	for rows.Next() {
		group, err := scanGroup(rows)
		if err != nil {
			return nil, appErr.Wrap(err, appErr.DatabaseError)
		}
		out[group.ChatID] = group
	}
	return out, rows.Err()
}

const groupSelect = `SELECT chat_id, name, folder, trigger_pattern, added_at,
	container_config, requires_trigger FROM registered_groups `

func (s *Store) queryGroup(where string, args ...interface{}) (*RegisteredGroup, error) {
	row := s.db.QueryRow(groupSelect+where, args...)
	group, err := scanGroup(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, appErr.Wrap(err, appErr.DatabaseError)
	}
	return group, nil
}

func scanGroup(row rowScanner) (*RegisteredGroup, error) {
	var (
		group           RegisteredGroup
		addedAt         string
		configJSON      sql.NullString
		requiresTrigger sql.NullInt64
	)
	err := row.Scan(&group.ChatID, &group.Name, &group.Folder,
		&group.TriggerPattern, &addedAt, &configJSON, &requiresTrigger)
	if err != nil {
		return nil, err
	}
	if t, err := parseTime(addedAt); err == nil {
		group.AddedAt = t
	}
	if configJSON.Valid && configJSON.String != "" {
		var cfg ContainerConfig
		if err := json.Unmarshal([]byte(configJSON.String), &cfg); err == nil {
			group.ContainerConfig = &cfg
		}
	}
	group.RequiresTrigger = !requiresTrigger.Valid || requiresTrigger.Int64 != 0
	return &group, nil
}

// ---------------------------------------------------------------------------
// Router state
// ---------------------------------------------------------------------------

// RouterState reads a value from the key-value cursor store; empty when unset.
func (s *Store) RouterState(key string) (string, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM router_state WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", appErr.Wrap(err, appErr.DatabaseError)
	}
	return value, nil
}

// SetRouterState writes a key-value cursor.
func (s *Store) SetRouterState(key, value string) error {
	_, err := s.db.Exec(`INSERT OR REPLACE INTO router_state (key, value) VALUES (?, ?)`, key, value)
	if err != nil {
		return appErr.Wrap(err, appErr.DatabaseError)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Chats and messages
// ---------------------------------------------------------------------------

// UpsertChat stores chat metadata, keeping the latest activity time.
func (s *Store) UpsertChat(chatID, name string, lastMessageTime time.Time) error {
	if name == "" {
		name = chatID
	}
	_, err := s.db.Exec(
		`INSERT INTO chats (chat_id, name, last_message_time) VALUES (?, ?, ?)
		 ON CONFLICT(chat_id) DO UPDATE SET
			name = excluded.name,
			last_message_time = MAX(last_message_time, excluded.last_message_time)`,
		chatID, name, formatTime(lastMessageTime),
	)
	if err != nil {
		return appErr.Wrap(err, appErr.DatabaseError)
	}
	return nil
}

// Chats returns all known chats, most recently active first.
func (s *Store) Chats() ([]*ChatInfo, error) {
	rows, err := s.db.Query(
		`SELECT chat_id, name, last_message_time FROM chats ORDER BY last_message_time DESC`)
	if err != nil {
		return nil, appErr.Wrap(err, appErr.DatabaseError)
	}
	defer rows.Close()

	var chats []*ChatInfo
	for rows.Next() {
		var (
			chat ChatInfo
			last sql.NullString
		)
		if err := rows.Scan(&chat.ChatID, &chat.Name, &last); err != nil {
			return nil, appErr.Wrap(err, appErr.DatabaseError)
		}
		if t := parseTimePtr(last); t != nil {
			chat.LastMessageTime = *t
		}
		chats = append(chats, &chat)
	}
	return chats, rows.Err()
}

// StoreMessage stores a message with full content.
func (s *Store) StoreMessage(msg *Message) error {
	isFromMe := 0
	if msg.IsFromMe {
		isFromMe = 1
	}
	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO messages
			(id, chat_id, sender, sender_name, content, timestamp, is_from_me)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.ChatID, msg.Sender, msg.SenderName, msg.Content,
		formatTime(msg.Timestamp), isFromMe,
	)
	if err != nil {
		return appErr.Wrap(err, appErr.DatabaseError)
	}
	return nil
}

// NewMessages returns messages newer than since across the given chats,
// skipping the bot's own output, plus the advanced cursor.
func (s *Store) NewMessages(chatIDs []string, since time.Time, botPrefix string) ([]*Message, time.Time, error) {
	if len(chatIDs) == 0 {
		return nil, since, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(chatIDs)), ",")
	args := make([]interface{}, 0, len(chatIDs)+2)
	args = append(args, formatTime(since))
	for _, id := range chatIDs {
		args = append(args, id)
	}
	args = append(args, botPrefix+":%")

	rows, err := s.db.Query(fmt.Sprintf(
		`SELECT id, chat_id, sender, sender_name, content, timestamp, is_from_me
		 FROM messages
		 WHERE timestamp > ? AND chat_id IN (%s) AND content NOT LIKE ?
		 ORDER BY timestamp`, placeholders), args...)
	if err != nil {
		return nil, since, appErr.Wrap(err, appErr.DatabaseError)
	}
	defer rows.Close()

	cursor := since
	var messages []*Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, since, appErr.Wrap(err, appErr.DatabaseError)
		}
		messages = append(messages, msg)
		if msg.Timestamp.After(cursor) {
			cursor = msg.Timestamp
		}
	}
	return messages, cursor, rows.Err()
}

// MessagesSince returns one chat's messages newer than since, skipping the
// bot's own output.
func (s *Store) MessagesSince(chatID string, since time.Time, botPrefix string) ([]*Message, error) {
	rows, err := s.db.Query(
		`SELECT id, chat_id, sender, sender_name, content, timestamp, is_from_me
		 FROM messages
		 WHERE chat_id = ? AND timestamp > ? AND content NOT LIKE ?
		 ORDER BY timestamp`,
		chatID, formatTime(since), botPrefix+":%",
	)
	if err != nil {
		return nil, appErr.Wrap(err, appErr.DatabaseError)
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, appErr.Wrap(err, appErr.DatabaseError)
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

func scanMessage(row rowScanner) (*Message, error) {
	var (
		msg       Message
		sender    sql.NullString
		name      sql.NullString
		content   sql.NullString
		timestamp string
		isFromMe  sql.NullInt64
	)
	err := row.Scan(&msg.ID, &msg.ChatID, &sender, &name, &content, &timestamp, &isFromMe)
	if err != nil {
		return nil, err
	}
	msg.Sender = sender.String
	msg.SenderName = name.String
	msg.Content = content.String
	if t, err := parseTime(timestamp); err == nil {
		msg.Timestamp = t
	}
	msg.IsFromMe = isFromMe.Int64 != 0
	return &msg, nil
}
