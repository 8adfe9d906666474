// Package ipc consumes file envelopes dropped by sandboxed agents: outbound
// messages and task management requests, each authorized against the writing
// group's privilege before dispatch.
package ipc

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"burrow/internal/store"
	appErr "burrow/pkg/errors"
	"burrow/pkg/utils/logger"

	"go.uber.org/zap"
)

const (
	defaultPollInterval = 2 * time.Second
	messagesSubdir      = "messages"
	tasksSubdir         = "tasks"
	errorsSubdir        = "errors"
)

// MessageSender delivers an outbound chat message.
type MessageSender interface {
	SendMessage(ctx context.Context, chatID, text string) error
}

// TaskManager is the scheduling surface the watcher drives; satisfied by
// scheduler.Scheduler.
type TaskManager interface {
	Schedule(ctx context.Context, task *store.ScheduledTask) error
	Pause(ctx context.Context, taskID string) error
	Resume(ctx context.Context, taskID string) error
	Cancel(ctx context.Context, taskID string) error
}

// GroupRegistry handles group registration requests from the main group.
type GroupRegistry interface {
	RegisterGroup(ctx context.Context, group *store.RegisteredGroup) error
	RefreshGroups(ctx context.Context, sourceGroup string) error
}

// Config holds watcher settings.
type Config struct {
	// BaseDir is the IPC root holding one outbox directory per group.
	BaseDir string
	// MainGroupFolder names the privileged group.
	MainGroupFolder string
	// AssistantName prefixes outbound messages so the router can recognize
	// the bot's own output.
	AssistantName string
	PollInterval  time.Duration
}

// Watcher polls group outboxes and dispatches envelopes.
type Watcher struct {
	cfg      Config
	store    *store.Store
	sender   MessageSender
	tasks    TaskManager
	registry GroupRegistry
}

// NewWatcher creates an IPC watcher.
func NewWatcher(cfg Config, st *store.Store, sender MessageSender, tasks TaskManager, registry GroupRegistry) *Watcher {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	return &Watcher{cfg: cfg, store: st, sender: sender, tasks: tasks, registry: registry}
}

// Run polls until ctx is canceled.
func (w *Watcher) Run(ctx context.Context) {
	if err := os.MkdirAll(w.cfg.BaseDir, 0755); err != nil {
		logger.Error(ctx, "create IPC base dir failed", zap.Error(err))
		return
	}
	logger.Info(ctx, "IPC watcher started", zap.String("dir", w.cfg.BaseDir))
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info(ctx, "IPC watcher stopped")
			return
		case <-ticker.C:
			w.processOnce(ctx)
		}
	}
}

// processOnce sweeps every group outbox. Files are consumed in lexical order;
// each is deleted after dispatch so an envelope is handled at most once, and
// malformed files are moved aside instead of being retried forever.
func (w *Watcher) processOnce(ctx context.Context) {
	entries, err := os.ReadDir(w.cfg.BaseDir)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Error(ctx, "read IPC base dir failed", zap.Error(err))
		}
		return
	}

	for _, entry := range entries {
		if !entry.IsDir() || entry.Name() == errorsSubdir {
			continue
		}
		sourceGroup := entry.Name()
		isMain := sourceGroup == w.cfg.MainGroupFolder
		gctx := logger.WithGroup(ctx, sourceGroup)

		w.sweepDir(gctx, sourceGroup, messagesSubdir, func(env *Envelope) error {
			return w.handleMessage(gctx, env, sourceGroup, isMain)
		})
		w.sweepDir(gctx, sourceGroup, tasksSubdir, func(env *Envelope) error {
			return w.handleTask(gctx, env, sourceGroup, isMain)
		})
	}
}

func (w *Watcher) sweepDir(ctx context.Context, sourceGroup, subdir string, handle func(*Envelope) error) {
	dir := filepath.Join(w.cfg.BaseDir, sourceGroup, subdir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Error(ctx, "read IPC outbox failed", zap.String("dir", dir), zap.Error(err))
		}
		return
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".json") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			logger.Error(ctx, "read IPC file failed", zap.String("file", name), zap.Error(err))
			continue
		}
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			logger.Error(ctx, "malformed IPC file", zap.String("file", name), zap.Error(err))
			w.moveToErrors(ctx, path, sourceGroup)
			continue
		}
		if err := handle(&env); err != nil {
			logger.Error(ctx, "IPC dispatch failed",
				zap.String("file", name), zap.String("type", env.Type), zap.Error(err))
			w.moveToErrors(ctx, path, sourceGroup)
			continue
		}
		if err := os.Remove(path); err != nil {
			logger.Error(ctx, "remove consumed IPC file failed",
				zap.String("file", name), zap.Error(err))
		}
	}
}

func (w *Watcher) moveToErrors(ctx context.Context, path, sourceGroup string) {
	errDir := filepath.Join(w.cfg.BaseDir, errorsSubdir)
	if err := os.MkdirAll(errDir, 0755); err != nil {
		return
	}
	dest := filepath.Join(errDir, sourceGroup+"-"+filepath.Base(path))
	if err := os.Rename(path, dest); err != nil {
		logger.Warn(ctx, "move IPC file to errors failed", zap.Error(err))
	}
}

// handleMessage delivers an outbound message. Non-main groups may only write
// to their own chat; the main group may write anywhere.
func (w *Watcher) handleMessage(ctx context.Context, env *Envelope, sourceGroup string, isMain bool) error {
	if env.Type != TypeMessage || env.ChatID == "" || env.Text == "" {
		return appErr.Newf(appErr.MalformedIPC, "message envelope missing fields")
	}

	if !isMain {
		target, err := w.store.GroupByChatID(env.ChatID)
		if err != nil {
			return err
		}
		if target == nil || target.Folder != sourceGroup {
			logger.Warn(ctx, "unauthorized IPC message blocked",
				zap.String("chat_id", env.ChatID))
			return nil
		}
	}

	if err := w.sender.SendMessage(ctx, env.ChatID, w.cfg.AssistantName+": "+env.Text); err != nil {
		return err
	}
	logger.Info(ctx, "IPC message sent", zap.String("chat_id", env.ChatID))
	return nil
}

func (w *Watcher) handleTask(ctx context.Context, env *Envelope, sourceGroup string, isMain bool) error {
	switch env.Type {
	case TypeScheduleTask:
		return w.handleScheduleTask(ctx, env, sourceGroup, isMain)
	case TypePauseTask, TypeResumeTask, TypeCancelTask:
		return w.handleTaskControl(ctx, env, sourceGroup, isMain)
	case TypeRefreshGroups:
		if !isMain {
			logger.Warn(ctx, "unauthorized refresh_groups blocked")
			return nil
		}
		return w.registry.RefreshGroups(ctx, sourceGroup)
	case TypeRegisterGroup:
		return w.handleRegisterGroup(ctx, env, isMain)
	default:
		logger.Warn(ctx, "unknown IPC type", zap.String("type", env.Type))
		return nil
	}
}

func (w *Watcher) handleScheduleTask(ctx context.Context, env *Envelope, sourceGroup string, isMain bool) error {
	if env.Prompt == "" || env.ScheduleKind == "" || env.ScheduleValue == "" || env.TargetChatID == "" {
		logger.Warn(ctx, "schedule_task envelope missing fields")
		return nil
	}
	target, err := w.store.GroupByChatID(env.TargetChatID)
	if err != nil {
		return err
	}
	if target == nil {
		logger.Warn(ctx, "schedule_task target not registered",
			zap.String("target_chat_id", env.TargetChatID))
		return nil
	}
	if !isMain && target.Folder != sourceGroup {
		logger.Warn(ctx, "unauthorized schedule_task blocked",
			zap.String("target_folder", target.Folder))
		return nil
	}

	contextMode := env.ContextMode
	if contextMode != store.ContextGroup && contextMode != store.ContextIsolated {
		contextMode = store.ContextIsolated
	}
	err = w.tasks.Schedule(ctx, &store.ScheduledTask{
		GroupFolder:   target.Folder,
		ChatID:        env.TargetChatID,
		Prompt:        env.Prompt,
		ScheduleKind:  env.ScheduleKind,
		ScheduleValue: env.ScheduleValue,
		ContextMode:   contextMode,
	})
	if err != nil {
		// A bad schedule from the agent is not a system failure.
		if appErr.Is(err, appErr.ScheduleComputeError) || appErr.Is(err, appErr.InvalidScheduleKind) {
			logger.Warn(ctx, "schedule_task rejected", zap.Error(err))
			return nil
		}
		return err
	}
	return nil
}

func (w *Watcher) handleTaskControl(ctx context.Context, env *Envelope, sourceGroup string, isMain bool) error {
	if env.TaskID == "" {
		logger.Warn(ctx, "task control envelope missing taskId", zap.String("type", env.Type))
		return nil
	}
	task, err := w.store.TaskByID(env.TaskID)
	if err != nil {
		if appErr.Is(err, appErr.TaskNotFound) {
			logger.Warn(ctx, "task control for unknown task",
				zap.String("task_id", env.TaskID))
			return nil
		}
		return err
	}
	if !isMain && task.GroupFolder != sourceGroup {
		logger.Warn(ctx, "unauthorized task control blocked",
			zap.String("type", env.Type), zap.String("task_id", env.TaskID))
		return nil
	}

	tctx := logger.WithTaskID(ctx, env.TaskID)
	switch env.Type {
	case TypePauseTask:
		return w.tasks.Pause(tctx, env.TaskID)
	case TypeResumeTask:
		return w.tasks.Resume(tctx, env.TaskID)
	default:
		return w.tasks.Cancel(tctx, env.TaskID)
	}
}

func (w *Watcher) handleRegisterGroup(ctx context.Context, env *Envelope, isMain bool) error {
	if !isMain {
		logger.Warn(ctx, "unauthorized register_group blocked")
		return nil
	}
	if env.ChatID == "" || env.Name == "" || env.Folder == "" || env.Trigger == "" {
		logger.Warn(ctx, "register_group envelope missing fields")
		return nil
	}
	return w.registry.RegisterGroup(ctx, &store.RegisteredGroup{
		ChatID:          env.ChatID,
		Name:            env.Name,
		Folder:          env.Folder,
		TriggerPattern:  env.Trigger,
		AddedAt:         time.Now().UTC(),
		RequiresTrigger: true,
	})
}
