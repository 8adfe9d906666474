package store

import (
	"time"

	"burrow/internal/mountsec"
)

// Task schedule kinds.
const (
	ScheduleCron     = "cron"
	ScheduleInterval = "interval"
	ScheduleOnce     = "once"
)

// Task statuses.
const (
	TaskStatusActive    = "active"
	TaskStatusPaused    = "paused"
	TaskStatusCompleted = "completed"
	TaskStatusError     = "error"
)

// Task context modes: "group" resumes the group's conversation session,
// "isolated" starts fresh every run.
const (
	ContextGroup    = "group"
	ContextIsolated = "isolated"
)

// ScheduledTask is a recurring or one-shot prompt bound to a group.
type ScheduledTask struct {
	ID            string     `json:"id"`
	GroupFolder   string     `json:"group_folder"`
	ChatID        string     `json:"chat_id"`
	Prompt        string     `json:"prompt"`
	ScheduleKind  string     `json:"schedule_kind"`
	ScheduleValue string     `json:"schedule_value"`
	ContextMode   string     `json:"context_mode"`
	NextRun       *time.Time `json:"next_run,omitempty"`
	LastRun       *time.Time `json:"last_run,omitempty"`
	LastResult    string     `json:"last_result,omitempty"`
	Status        string     `json:"status"`
	CreatedAt     time.Time  `json:"created_at"`
}

// TaskRunLog records one execution of a scheduled task.
type TaskRunLog struct {
	ID       int64         `json:"id"`
	TaskID   string        `json:"task_id"`
	RunAt    time.Time     `json:"run_at"`
	Duration time.Duration `json:"duration"`
	Status   string        `json:"status"`
	Result   string        `json:"result,omitempty"`
	Error    string        `json:"error,omitempty"`
}

// ContainerConfig is a group's optional per-run override set, stored as JSON.
type ContainerConfig struct {
	Mounts         []mountsec.MountRequest `json:"mounts,omitempty"`
	TimeoutMinutes int                     `json:"timeoutMinutes,omitempty"`
}

// RegisteredGroup binds a chat to an agent workspace folder.
type RegisteredGroup struct {
	ChatID          string           `json:"chat_id"`
	Name            string           `json:"name"`
	Folder          string           `json:"folder"`
	TriggerPattern  string           `json:"trigger_pattern"`
	AddedAt         time.Time        `json:"added_at"`
	ContainerConfig *ContainerConfig `json:"container_config,omitempty"`
	RequiresTrigger bool             `json:"requires_trigger"`
}

// Message is one stored chat message.
type Message struct {
	ID         string    `json:"id"`
	ChatID     string    `json:"chat_id"`
	Sender     string    `json:"sender"`
	SenderName string    `json:"sender_name"`
	Content    string    `json:"content"`
	Timestamp  time.Time `json:"timestamp"`
	IsFromMe   bool      `json:"is_from_me"`
}

// ChatInfo is chat metadata without message content.
type ChatInfo struct {
	ChatID          string    `json:"chat_id"`
	Name            string    `json:"name"`
	LastMessageTime time.Time `json:"last_message_time"`
}
