package ipc

// Envelope types written by sandboxed agents.
const (
	TypeMessage       = "message"
	TypeScheduleTask  = "schedule_task"
	TypePauseTask     = "pause_task"
	TypeResumeTask    = "resume_task"
	TypeCancelTask    = "cancel_task"
	TypeRefreshGroups = "refresh_groups"
	TypeRegisterGroup = "register_group"
)

// Envelope is the tagged union an agent drops into its IPC outbox. Only the
// fields relevant to Type are set.
type Envelope struct {
	Type string `json:"type"`

	// message
	ChatID string `json:"chatId,omitempty"`
	Text   string `json:"text,omitempty"`

	// schedule_task
	Prompt        string `json:"prompt,omitempty"`
	ScheduleKind  string `json:"schedule_type,omitempty"`
	ScheduleValue string `json:"schedule_value,omitempty"`
	TargetChatID  string `json:"targetChatId,omitempty"`
	ContextMode   string `json:"context_mode,omitempty"`

	// pause_task / resume_task / cancel_task
	TaskID string `json:"taskId,omitempty"`

	// register_group
	Name    string `json:"name,omitempty"`
	Folder  string `json:"folder,omitempty"`
	Trigger string `json:"trigger,omitempty"`
}
