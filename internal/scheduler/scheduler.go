// Package scheduler polls for due tasks and feeds them through the group
// queue, recomputing each task's next run after it executes.
package scheduler

import (
	"context"
	"time"
	"unicode/utf8"

	"burrow/internal/groupqueue"
	"burrow/internal/store"
	appErr "burrow/pkg/errors"
	"burrow/pkg/utils/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const defaultPollInterval = 30 * time.Second

// TaskEnqueuer admits scheduled task runs; satisfied by groupqueue.Queue.
type TaskEnqueuer interface {
	EnqueueTask(ctx context.Context, groupFolder string, task groupqueue.TaskRun) error
}

// Scheduler drives scheduled task execution.
type Scheduler struct {
	store        *store.Store
	queue        TaskEnqueuer
	pollInterval time.Duration
	now          func() time.Time
}

// New creates a scheduler. pollInterval <= 0 uses the default.
func New(st *store.Store, queue TaskEnqueuer, pollInterval time.Duration) *Scheduler {
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	return &Scheduler{
		store:        st,
		queue:        queue,
		pollInterval: pollInterval,
		now:          time.Now,
	}
}

// Run polls until ctx is canceled.
func (s *Scheduler) Run(ctx context.Context) {
	logger.Info(ctx, "scheduler started", zap.Duration("poll_interval", s.pollInterval))
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info(ctx, "scheduler stopped")
			return
		case <-ticker.C:
			s.pollOnce(ctx)
		}
	}
}

// pollOnce enqueues every task that is due right now. Each task's status is
// re-checked just before enqueueing: a pause or delete that lands between the
// due query and admission wins.
func (s *Scheduler) pollOnce(ctx context.Context) {
	due, err := s.store.DueTasks(s.now())
	if err != nil {
		logger.Error(ctx, "due task query failed", zap.Error(err))
		return
	}
	if len(due) == 0 {
		return
	}
	logger.Info(ctx, "found due tasks", zap.Int("count", len(due)))

	for _, task := range due {
		current, err := s.store.TaskByID(task.ID)
		if err != nil || current.Status != store.TaskStatusActive {
			continue
		}
		tctx := logger.WithTaskID(ctx, current.ID)
		err = s.queue.EnqueueTask(tctx, current.GroupFolder, groupqueue.TaskRun{
			TaskID: current.ID,
			Prompt: current.Prompt,
		})
		if err != nil {
			logger.Warn(tctx, "enqueue due task failed", zap.Error(err))
		}
	}
}

// Schedule validates and stores a new task, computing its first run time.
func (s *Scheduler) Schedule(ctx context.Context, task *store.ScheduledTask) error {
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = s.now().UTC()
	}
	if task.NextRun == nil {
		next, err := InitialNextRun(task.ScheduleKind, task.ScheduleValue, s.now())
		if err != nil {
			return err
		}
		task.NextRun = next
	}
	if err := s.store.CreateTask(task); err != nil {
		return err
	}
	logger.Info(logger.WithTaskID(ctx, task.ID), "task scheduled",
		zap.String("group", task.GroupFolder),
		zap.String("kind", task.ScheduleKind),
		zap.Timep("next_run", task.NextRun))
	return nil
}

// Pause stops a task from being admitted until resumed.
func (s *Scheduler) Pause(ctx context.Context, taskID string) error {
	if err := s.store.UpdateTaskStatus(taskID, store.TaskStatusPaused); err != nil {
		return err
	}
	logger.Info(logger.WithTaskID(ctx, taskID), "task paused")
	return nil
}

// Resume reactivates a paused task, rebasing its next run from now so missed
// occurrences are not replayed.
func (s *Scheduler) Resume(ctx context.Context, taskID string) error {
	task, err := s.store.TaskByID(taskID)
	if err != nil {
		return err
	}
	next, err := NextAfterRun(task.ScheduleKind, task.ScheduleValue, s.now())
	if err != nil {
		return err
	}
	if err := s.store.UpdateTaskStatus(taskID, store.TaskStatusActive); err != nil {
		return err
	}
	if err := s.store.UpdateTaskNextRun(taskID, next); err != nil {
		return err
	}
	logger.Info(logger.WithTaskID(ctx, taskID), "task resumed", zap.Timep("next_run", next))
	return nil
}

// Cancel deletes a task and its run logs.
func (s *Scheduler) Cancel(ctx context.Context, taskID string) error {
	if err := s.store.DeleteTask(taskID); err != nil {
		return err
	}
	logger.Info(logger.WithTaskID(ctx, taskID), "task canceled")
	return nil
}

// FinishRun records an execution outcome: appends the run log, advances the
// next run time, and completes once tasks. A schedule that can no longer be
// computed marks the task errored instead of silently dropping it.
func (s *Scheduler) FinishRun(ctx context.Context, taskID string, startedAt time.Time, result string, runErr error) error {
	task, err := s.store.TaskByID(taskID)
	if err != nil {
		return err
	}

	status := "success"
	errText := ""
	if runErr != nil {
		status = "error"
		errText = runErr.Error()
	}
	if err := s.store.LogTaskRun(&store.TaskRunLog{
		TaskID:   taskID,
		RunAt:    startedAt,
		Duration: s.now().Sub(startedAt),
		Status:   status,
		Result:   truncate(result, 200),
		Error:    errText,
	}); err != nil {
		logger.Warn(ctx, "task run log failed", zap.Error(err))
	}

	next, err := NextAfterRun(task.ScheduleKind, task.ScheduleValue, s.now())
	if err != nil {
		if stErr := s.store.UpdateTaskStatus(taskID, store.TaskStatusError); stErr != nil {
			logger.Error(ctx, "mark task errored failed", zap.Error(stErr))
		}
		return appErr.Wrapf(err, appErr.ScheduleComputeError,
			"task %s schedule no longer computable", taskID)
	}

	summary := "Completed"
	switch {
	case runErr != nil:
		summary = "Error: " + errText
	case result != "":
		summary = truncate(result, 200)
	}
	return s.store.UpdateTaskAfterRun(taskID, next, summary)
}

// truncate caps s at n bytes, backing up so the cut never lands inside a
// multi-byte rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
