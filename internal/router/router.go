// Package router turns inbound chat traffic into sandboxed agent runs and
// streams agent output back to the chats.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"burrow/internal/channel"
	"burrow/internal/groupqueue"
	"burrow/internal/mountsec"
	"burrow/internal/sandbox"
	"burrow/internal/scheduler"
	"burrow/internal/store"
	appErr "burrow/pkg/errors"
	"burrow/pkg/utils/logger"

	"go.uber.org/zap"
)

const lastAgentTimestampKey = "last_agent_timestamp"

// AgentRunner executes sandbox invocations; satisfied by sandbox.Runner.
type AgentRunner interface {
	Run(ctx context.Context, inv sandbox.Invocation, register sandbox.RegisterProcessFn, onOutput sandbox.OnOutputFn) (sandbox.RunResult, error)
}

// Sender delivers outbound chat messages; satisfied by channel.Channel.
type Sender interface {
	SendMessage(ctx context.Context, chatID, text string) error
	SetTyping(ctx context.Context, chatID string) error
}

// Config holds router settings.
type Config struct {
	MainGroupFolder string
	AssistantName   string
	GroupsDir       string
	StateDir        string
	// IdleTimeout closes a live run's input channel after this long without
	// agent output.
	IdleTimeout time.Duration
}

// Router routes messages between chats and agent runs.
type Router struct {
	cfg    Config
	store  *store.Store
	queue  *groupqueue.Queue
	runner AgentRunner
	sched  *scheduler.Scheduler
	sender Sender

	mu            sync.Mutex
	lastAgentSeen map[string]time.Time // chat ID -> newest message handed to the agent
}

// New creates a router and loads its persisted cursors.
func New(cfg Config, st *store.Store, queue *groupqueue.Queue, runner AgentRunner, sched *scheduler.Scheduler, sender Sender) (*Router, error) {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 30 * time.Second
	}
	r := &Router{
		cfg:           cfg,
		store:         st,
		queue:         queue,
		runner:        runner,
		sched:         sched,
		sender:        sender,
		lastAgentSeen: make(map[string]time.Time),
	}
	if err := r.loadCursors(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Router) loadCursors() error {
	raw, err := r.store.RouterState(lastAgentTimestampKey)
	if err != nil {
		return err
	}
	if raw == "" {
		return nil
	}
	stamps := map[string]string{}
	if err := json.Unmarshal([]byte(raw), &stamps); err != nil {
		return nil // a corrupt cursor starts fresh rather than blocking startup
	}
	for chatID, stamp := range stamps {
		if t, err := time.Parse(time.RFC3339Nano, stamp); err == nil {
			r.lastAgentSeen[chatID] = t
		}
	}
	return nil
}

func (r *Router) saveCursors(ctx context.Context) {
	r.mu.Lock()
	stamps := make(map[string]string, len(r.lastAgentSeen))
	for chatID, t := range r.lastAgentSeen {
		stamps[chatID] = t.UTC().Format(time.RFC3339Nano)
	}
	r.mu.Unlock()
	data, err := json.Marshal(stamps)
	if err != nil {
		return
	}
	if err := r.store.SetRouterState(lastAgentTimestampKey, string(data)); err != nil {
		logger.Warn(ctx, "persist router cursor failed", zap.Error(err))
	}
}

// HandleInbound processes one message from the transport: store it, and when
// it addresses the agent, pipe it to the live run or request a new one.
func (r *Router) HandleInbound(ctx context.Context, msg *store.Message, chatName string) {
	if err := r.store.UpsertChat(msg.ChatID, chatName, msg.Timestamp); err != nil {
		logger.Warn(ctx, "store chat metadata failed", zap.Error(err))
	}

	group, err := r.store.GroupByChatID(msg.ChatID)
	if err != nil {
		logger.Error(ctx, "group lookup failed", zap.Error(err))
		return
	}
	if group == nil {
		// Metadata only for unregistered chats.
		return
	}

	if err := r.store.StoreMessage(msg); err != nil {
		logger.Error(ctx, "store message failed", zap.Error(err))
		return
	}
	if msg.IsFromMe || strings.HasPrefix(msg.Content, r.cfg.AssistantName+":") {
		return
	}

	ctx = logger.WithGroup(ctx, group.Folder)
	isMain := group.Folder == r.cfg.MainGroupFolder
	if !isMain && group.RequiresTrigger && !matchesTrigger(msg.Content, group.TriggerPattern) {
		return
	}

	r.dispatchPending(ctx, group)
}

// dispatchPending formats everything the agent has not seen yet for this chat
// and either pipes it into the live run or requests a new one.
func (r *Router) dispatchPending(ctx context.Context, group *store.RegisteredGroup) {
	r.mu.Lock()
	since := r.lastAgentSeen[group.ChatID]
	r.mu.Unlock()

	pending, err := r.store.MessagesSince(group.ChatID, since, r.cfg.AssistantName)
	if err != nil {
		logger.Error(ctx, "pending message read failed", zap.Error(err))
		return
	}
	if len(pending) == 0 {
		return
	}
	formatted := channel.FormatMessages(pending)
	newest := pending[len(pending)-1].Timestamp

	if r.queue.SendToActive(ctx, group.Folder, formatted) {
		logger.Debug(ctx, "piped messages to live run", zap.Int("count", len(pending)))
	} else {
		if err := r.queue.RequestRun(ctx, group.Folder, formatted); err != nil {
			logger.Error(ctx, "run request failed", zap.Error(err))
			return
		}
		_ = r.sender.SetTyping(ctx, group.ChatID)
	}

	r.mu.Lock()
	r.lastAgentSeen[group.ChatID] = newest
	r.mu.Unlock()
	r.saveCursors(ctx)
}

// RecoverPending re-enqueues messages that arrived while the host was down.
func (r *Router) RecoverPending(ctx context.Context) {
	groups, err := r.store.AllGroups()
	if err != nil {
		logger.Error(ctx, "recovery group load failed", zap.Error(err))
		return
	}
	for _, group := range groups {
		r.mu.Lock()
		since := r.lastAgentSeen[group.ChatID]
		r.mu.Unlock()
		pending, err := r.store.MessagesSince(group.ChatID, since, r.cfg.AssistantName)
		if err != nil || len(pending) == 0 {
			continue
		}
		logger.Info(logger.WithGroup(ctx, group.Folder), "recovering unprocessed messages",
			zap.Int("count", len(pending)))
		r.dispatchPending(logger.WithGroup(ctx, group.Folder), group)
	}
}

// RunItem is the queue's run function: it executes one admitted item in a
// sandbox and routes the outcome.
func (r *Router) RunItem(ctx context.Context, item groupqueue.Item) error {
	group, err := r.store.GroupByFolder(item.GroupFolder)
	if err != nil {
		return err
	}
	if group == nil {
		return appErr.Newf(appErr.GroupNotFound, "no registered group owns folder %q", item.GroupFolder)
	}

	isTask := item.TaskID != ""
	startedAt := time.Now()

	sessionToken, err := r.sessionFor(group.Folder, item.TaskID)
	if err != nil {
		return err
	}

	inv := sandbox.Invocation{
		RunID:           item.RunID,
		GroupFolder:     group.Folder,
		GroupName:       group.Name,
		IsMain:          group.Folder == r.cfg.MainGroupFolder,
		Prompt:          item.Prompt,
		SessionToken:    sessionToken,
		MountRequests:   r.mountRequests(group),
		IsScheduledTask: isTask,
	}
	if group.ContainerConfig != nil && group.ContainerConfig.TimeoutMinutes > 0 {
		inv.Timeout = time.Duration(group.ContainerConfig.TimeoutMinutes) * time.Minute
	}

	idle := newIdleTimer(r.cfg.IdleTimeout, func() {
		r.queue.CloseInput(ctx, group.Folder)
	})
	defer idle.stop()

	register := func(runID string, pid int, layout sandbox.RunLayout) {
		r.queue.BindActiveRun(group.Folder, runID, layout.InputDir)
		r.writeSnapshots(ctx, group, layout)
		idle.reset()
	}
	onOutput := func(out sandbox.Output) {
		if out.Result != "" {
			text := r.cfg.AssistantName + ": " + out.Result
			if err := r.sender.SendMessage(ctx, group.ChatID, text); err != nil {
				logger.Warn(ctx, "stream result delivery failed", zap.Error(err))
			}
		}
		idle.reset()
	}

	res, err := r.runner.Run(ctx, inv, register, onOutput)
	if err != nil {
		if isTask {
			r.finishTask(ctx, item.TaskID, startedAt, "", err)
		}
		return err
	}

	if res.NewSessionToken != "" {
		if err := r.store.SetSession(group.Folder, res.NewSessionToken); err != nil {
			logger.Warn(ctx, "session persist failed", zap.Error(err))
		}
	}

	switch res.Kind {
	case sandbox.KindSuccess:
		if isTask {
			r.finishTask(ctx, item.TaskID, startedAt, res.Output, nil)
		}
		return nil
	case sandbox.KindTimedOut:
		runErr := appErr.New(appErr.RunTimedOut).WithMessage(res.FailureReason)
		if isTask {
			r.finishTask(ctx, item.TaskID, startedAt, "", runErr)
		}
		return runErr
	case sandbox.KindOutputTooLarge:
		runErr := appErr.New(appErr.OutputTooLarge).WithMessage(res.FailureReason)
		if isTask {
			r.finishTask(ctx, item.TaskID, startedAt, "", runErr)
		}
		return runErr
	default:
		runErr := appErr.New(appErr.RunFailed).WithMessage(res.FailureReason)
		if isTask {
			// Task failures are recorded, not retried: the schedule decides
			// when the task runs again.
			r.finishTask(ctx, item.TaskID, startedAt, "", runErr)
			return nil
		}
		return runErr
	}
}

// HandleRunFailure is the queue's terminal failure callback: tell the chat
// once instead of failing silently.
func (r *Router) HandleRunFailure(ctx context.Context, item groupqueue.Item, runErr error) {
	group, err := r.store.GroupByFolder(item.GroupFolder)
	if err != nil || group == nil {
		return
	}
	var reason string
	var e *appErr.Error
	if errors.As(runErr, &e) && e.Message != "" {
		reason = e.Message
	} else {
		reason = appErr.GetCode(runErr).Message()
	}
	text := r.cfg.AssistantName + ": the run could not be completed (" + reason + ")"
	if err := r.sender.SendMessage(ctx, group.ChatID, text); err != nil {
		logger.Warn(ctx, "failure notice delivery failed", zap.Error(err))
	}
}

func (r *Router) sessionFor(groupFolder, taskID string) (string, error) {
	if taskID == "" {
		return r.store.Session(groupFolder)
	}
	task, err := r.store.TaskByID(taskID)
	if err != nil {
		return "", err
	}
	if task.ContextMode == store.ContextGroup {
		return r.store.Session(groupFolder)
	}
	return "", nil
}

func (r *Router) mountRequests(group *store.RegisteredGroup) []mountsec.MountRequest {
	if group.ContainerConfig == nil {
		return nil
	}
	return group.ContainerConfig.Mounts
}

func (r *Router) finishTask(ctx context.Context, taskID string, startedAt time.Time, result string, runErr error) {
	if err := r.sched.FinishRun(ctx, taskID, startedAt, result, runErr); err != nil {
		logger.Error(logger.WithTaskID(ctx, taskID), "task bookkeeping failed", zap.Error(err))
	}
}

// writeSnapshots gives the sandbox read-only views of the task list and, for
// the main group, the known chats.
func (r *Router) writeSnapshots(ctx context.Context, group *store.RegisteredGroup, layout sandbox.RunLayout) {
	tasks, err := r.store.TasksForGroup(group.Folder)
	if group.Folder == r.cfg.MainGroupFolder {
		tasks, err = r.store.AllTasks()
	}
	if err == nil {
		if err := sandbox.WriteSnapshot(layout.RunDir, "tasks.json", tasks); err != nil {
			logger.Warn(ctx, "task snapshot failed", zap.Error(err))
		}
	}

	if group.Folder != r.cfg.MainGroupFolder {
		return
	}
	snapshot, err := r.groupsSnapshot()
	if err != nil {
		logger.Warn(ctx, "group snapshot failed", zap.Error(err))
		return
	}
	if err := sandbox.WriteSnapshot(layout.RunDir, "groups.json", snapshot); err != nil {
		logger.Warn(ctx, "group snapshot failed", zap.Error(err))
	}
}

// AvailableGroup is one entry of the chats snapshot the main agent reads.
type AvailableGroup struct {
	ChatID     string `json:"chatId"`
	Name       string `json:"name"`
	Registered bool   `json:"registered"`
}

func (r *Router) groupsSnapshot() ([]AvailableGroup, error) {
	chats, err := r.store.Chats()
	if err != nil {
		return nil, err
	}
	registered, err := r.store.AllGroups()
	if err != nil {
		return nil, err
	}
	out := make([]AvailableGroup, 0, len(chats))
	for _, chat := range chats {
		_, ok := registered[chat.ChatID]
		out = append(out, AvailableGroup{ChatID: chat.ChatID, Name: chat.Name, Registered: ok})
	}
	return out, nil
}

// RegisterGroup implements the IPC registry: persist the group and create its
// workspace folder.
func (r *Router) RegisterGroup(ctx context.Context, group *store.RegisteredGroup) error {
	if err := r.store.UpsertGroup(group); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Join(r.cfg.GroupsDir, group.Folder), 0755); err != nil {
		return appErr.Wrapf(err, appErr.WorkspaceError, "create group folder %s failed", group.Folder)
	}
	logger.Info(ctx, "group registered",
		zap.String("folder", group.Folder), zap.String("chat_id", group.ChatID))
	return nil
}

// RefreshGroups implements the IPC registry: rewrite the main group's chats
// snapshot into its workspace.
func (r *Router) RefreshGroups(ctx context.Context, sourceGroup string) error {
	snapshot, err := r.groupsSnapshot()
	if err != nil {
		return err
	}
	dir := filepath.Join(r.cfg.GroupsDir, sourceGroup)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return appErr.Wrapf(err, appErr.WorkspaceError, "create group folder %s failed", sourceGroup)
	}
	if err := sandbox.WriteSnapshot(dir, "groups.json", snapshot); err != nil {
		return err
	}
	logger.Info(ctx, "group snapshot refreshed", zap.Int("chats", len(snapshot)))
	return nil
}

func matchesTrigger(content, pattern string) bool {
	content = strings.TrimSpace(content)
	if pattern == "" {
		return false
	}
	if re, err := regexp.Compile("(?i)" + pattern); err == nil {
		return re.MatchString(content)
	}
	return strings.Contains(strings.ToLower(content), strings.ToLower(pattern))
}

// idleTimer closes a run's input channel after a quiet period; every agent
// output frame pushes the deadline out.
type idleTimer struct {
	d     time.Duration
	fire  func()
	mu    sync.Mutex
	timer *time.Timer
}

func newIdleTimer(d time.Duration, fire func()) *idleTimer {
	return &idleTimer{d: d, fire: fire}
}

func (t *idleTimer) reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.timer != nil {
		t.timer.Stop()
	}
	t.timer = time.AfterFunc(t.d, t.fire)
}

func (t *idleTimer) stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}
