// Package groupqueue admits runs one-at-a-time per group under a global
// concurrency cap, coalesces messages that arrive while a group is busy, and
// retries transient failures with exponential backoff.
package groupqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	appErr "burrow/pkg/errors"
	"burrow/pkg/utils/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// CloseSentinel is the file name that tells a live sandbox its input channel
// is finished.
const CloseSentinel = "_close"

// Item is one admitted unit of work: either a coalesced message prompt or a
// single scheduled task run.
type Item struct {
	RunID       string
	GroupFolder string
	Prompt      string
	// TaskID is set for scheduled task runs and empty for message runs.
	TaskID string
}

// TaskRun is a scheduled task waiting for its group's turn.
type TaskRun struct {
	TaskID string
	Prompt string
}

// RunFunc executes one admitted item. A nil return means the run completed;
// a retryable error reschedules the same item with backoff.
type RunFunc func(ctx context.Context, item Item) error

// FailureFn is invoked exactly once when an item fails terminally: either a
// non-retryable error or retries exhausted.
type FailureFn func(ctx context.Context, item Item, err error)

// Config holds queue settings.
type Config struct {
	// Capacity caps concurrent runs across all groups.
	Capacity int
	// RetryMax is the number of retries after the first attempt.
	RetryMax int
	// RetryBase is the first backoff delay; it doubles per attempt.
	RetryBase time.Duration
	// RetryMaxDelay caps the backoff.
	RetryMaxDelay time.Duration
}

type groupState struct {
	folder         string
	active         bool
	waiting        bool
	activeRunID    string
	activeTaskID   string
	activeInputDir string
	pendingPrompts []string
	pendingTasks   []TaskRun
	// retry holds an item parked for backoff. The group stays active while
	// it is set so new messages coalesce, but no admission slot is held.
	retry *retryRun
}

type retryRun struct {
	item    Item
	attempt int
}

// Queue serializes runs per group.
type Queue struct {
	cfg       Config
	run       RunFunc
	onFailure FailureFn
	newRunID  func() string

	baseCtx context.Context
	cancel  context.CancelFunc

	mu      sync.Mutex
	sem     chan struct{}
	groups  map[string]*groupState
	waiting []string
	closed  bool
	wg      sync.WaitGroup
}

// New creates a queue. runFn is required; onFailure may be nil.
func New(cfg Config, runFn RunFunc, onFailure FailureFn) (*Queue, error) {
	if runFn == nil {
		return nil, fmt.Errorf("run function is required")
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = 5
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 10 * time.Second
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 5 * time.Minute
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		cfg:       cfg,
		run:       runFn,
		onFailure: onFailure,
		newRunID:  uuid.NewString,
		baseCtx:   ctx,
		cancel:    cancel,
		sem:       make(chan struct{}, cfg.Capacity),
		groups:    make(map[string]*groupState),
	}, nil
}

// RequestRun queues a message prompt for the group. If the group is busy the
// prompt is coalesced with any others already pending; they run as one
// combined prompt when the group's turn comes.
func (q *Queue) RequestRun(ctx context.Context, groupFolder, prompt string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return appErr.New(appErr.QueueShutdown).WithMessage("queue is shut down")
	}
	st := q.stateLocked(groupFolder)
	st.pendingPrompts = append(st.pendingPrompts, prompt)
	q.admitLocked(ctx, st)
	return nil
}

// EnqueueTask queues a scheduled task run. A task already pending or running
// for this group is not queued twice.
func (q *Queue) EnqueueTask(ctx context.Context, groupFolder string, task TaskRun) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return appErr.New(appErr.QueueShutdown).WithMessage("queue is shut down")
	}
	st := q.stateLocked(groupFolder)
	if st.activeTaskID == task.TaskID && task.TaskID != "" {
		logger.Debug(ctx, "task already running, skipping enqueue",
			zap.String("group", groupFolder), zap.String("task_id", task.TaskID))
		return nil
	}
	for _, t := range st.pendingTasks {
		if t.TaskID == task.TaskID {
			logger.Debug(ctx, "task already queued, skipping enqueue",
				zap.String("group", groupFolder), zap.String("task_id", task.TaskID))
			return nil
		}
	}
	st.pendingTasks = append(st.pendingTasks, task)
	q.admitLocked(ctx, st)
	return nil
}

// BindActiveRun records the live run's input directory so follow-up messages
// can be piped to it. Called from the runner's register hook.
func (q *Queue) BindActiveRun(groupFolder, runID, inputDir string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	st := q.groups[groupFolder]
	if st == nil || st.activeRunID != runID {
		return
	}
	st.activeInputDir = inputDir
}

// SendToActive pipes a message into the group's live sandbox via its input
// directory. Returns false when no run is live or the write fails; the caller
// should fall back to RequestRun.
func (q *Queue) SendToActive(ctx context.Context, groupFolder, text string) bool {
	q.mu.Lock()
	st := q.groups[groupFolder]
	var dir string
	if st != nil && st.active && st.activeInputDir != "" {
		dir = st.activeInputDir
	}
	q.mu.Unlock()
	if dir == "" {
		return false
	}

	payload, err := json.Marshal(struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}{Type: "message", Text: text})
	if err != nil {
		return false
	}
	name := fmt.Sprintf("msg-%d-%s.json", time.Now().UnixNano(), uuid.NewString()[:8])
	if err := writeFileAtomic(filepath.Join(dir, name), payload); err != nil {
		logger.Warn(ctx, "pipe message to live run failed",
			zap.String("group", groupFolder), zap.Error(err))
		return false
	}
	return true
}

// CloseInput drops the close sentinel into the group's live input directory.
func (q *Queue) CloseInput(ctx context.Context, groupFolder string) bool {
	q.mu.Lock()
	st := q.groups[groupFolder]
	var dir string
	if st != nil && st.active && st.activeInputDir != "" {
		dir = st.activeInputDir
	}
	q.mu.Unlock()
	if dir == "" {
		return false
	}
	if err := writeFileAtomic(filepath.Join(dir, CloseSentinel), nil); err != nil {
		logger.Warn(ctx, "write close sentinel failed",
			zap.String("group", groupFolder), zap.Error(err))
		return false
	}
	return true
}

// GroupStatus is a point-in-time view of one group's queue state.
type GroupStatus struct {
	GroupFolder     string `json:"group_folder"`
	Active          bool   `json:"active"`
	Waiting         bool   `json:"waiting"`
	PendingMessages int    `json:"pending_messages"`
	PendingTasks    int    `json:"pending_tasks"`
}

// Status reports every known group, for the admin surface.
func (q *Queue) Status() []GroupStatus {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]GroupStatus, 0, len(q.groups))
	for _, st := range q.groups {
		out = append(out, GroupStatus{
			GroupFolder:     st.folder,
			Active:          st.active,
			Waiting:         st.waiting,
			PendingMessages: len(st.pendingPrompts),
			PendingTasks:    len(st.pendingTasks),
		})
	}
	return out
}

// Shutdown stops admitting work and waits for in-flight runs, bounded by ctx.
func (q *Queue) Shutdown(ctx context.Context) error {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.cancel()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Queue) stateLocked(folder string) *groupState {
	st := q.groups[folder]
	if st == nil {
		st = &groupState{folder: folder}
		q.groups[folder] = st
	}
	return st
}

// admitLocked starts the group's run loop if a slot is free, otherwise joins
// the waiting list. An already active or waiting group needs neither.
func (q *Queue) admitLocked(ctx context.Context, st *groupState) {
	if st.active || st.waiting {
		return
	}
	select {
	case q.sem <- struct{}{}:
		st.active = true
		q.wg.Add(1)
		go q.runLoop(st.folder)
	default:
		st.waiting = true
		q.waiting = append(q.waiting, st.folder)
		logger.Debug(ctx, "group waiting for a slot",
			zap.String("group", st.folder), zap.Int("waiting", len(q.waiting)))
	}
}

// runLoop drains the group's pending work while holding one slot, then hands
// the slot to the next waiting group. A retryable failure parks the item and
// ends the loop; the slot is not held through the backoff.
func (q *Queue) runLoop(folder string) {
	defer q.wg.Done()
	for {
		item, attempt, ok := q.takeNext(folder)
		if !ok {
			return
		}
		if q.execute(item, attempt) {
			q.deferRetry(item, attempt)
			return
		}
	}
}

// takeNext pops the group's next item: a parked retry first, then tasks, then
// coalesced messages. When nothing is left (or the queue is closed) it
// deactivates the group and hands the slot off.
func (q *Queue) takeNext(folder string) (Item, int, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	st := q.groups[folder]
	if st != nil && !q.closed {
		st.activeInputDir = ""
		if st.retry != nil {
			r := st.retry
			st.retry = nil
			st.activeRunID = r.item.RunID
			st.activeTaskID = r.item.TaskID
			return r.item, r.attempt, true
		}
		if len(st.pendingTasks) > 0 {
			task := st.pendingTasks[0]
			st.pendingTasks = st.pendingTasks[1:]
			st.activeRunID = q.newRunID()
			st.activeTaskID = task.TaskID
			return Item{
				RunID:       st.activeRunID,
				GroupFolder: folder,
				Prompt:      task.Prompt,
				TaskID:      task.TaskID,
			}, 0, true
		}
		if len(st.pendingPrompts) > 0 {
			prompt := strings.Join(st.pendingPrompts, "\n\n")
			st.pendingPrompts = nil
			st.activeRunID = q.newRunID()
			st.activeTaskID = ""
			return Item{RunID: st.activeRunID, GroupFolder: folder, Prompt: prompt}, 0, true
		}
	}
	if st != nil {
		st.active = false
		st.activeRunID = ""
		st.activeTaskID = ""
		st.activeInputDir = ""
	}
	q.handOffSlotLocked()
	return Item{}, 0, false
}

// handOffSlotLocked transfers the caller's slot to the first waiting group
// that still has work, or releases it.
func (q *Queue) handOffSlotLocked() {
	for len(q.waiting) > 0 {
		next := q.waiting[0]
		q.waiting = q.waiting[1:]
		st := q.groups[next]
		if st == nil || !st.waiting {
			continue
		}
		st.waiting = false
		if q.closed || (st.retry == nil && len(st.pendingTasks) == 0 && len(st.pendingPrompts) == 0) {
			continue
		}
		st.active = true
		q.wg.Add(1)
		go q.runLoop(next)
		return
	}
	select {
	case <-q.sem:
	default:
	}
}

// execute runs one attempt of an item. It returns true when the failure is
// retryable and attempts remain; terminal failures are surfaced through the
// failure callback exactly once.
func (q *Queue) execute(item Item, attempt int) bool {
	ctx := logger.WithRunID(logger.WithGroup(q.baseCtx, item.GroupFolder), item.RunID)
	err := q.run(ctx, item)
	if err == nil {
		return false
	}
	if appErr.IsRetryable(err) && attempt < q.cfg.RetryMax {
		logger.Warn(ctx, "run failed, will retry",
			zap.Int("attempt", attempt+1), zap.Error(err))
		return true
	}
	if appErr.IsRetryable(err) {
		err = appErr.Wrapf(err, appErr.RetriesExhausted,
			"run failed after %d attempts", attempt+1)
	}
	logger.Error(ctx, "run failed terminally",
		zap.Int("attempts", attempt+1), zap.Error(err))
	if q.onFailure != nil {
		q.onFailure(ctx, item, err)
	}
	return false
}

// deferRetry parks the item for its backoff delay. The slot is handed off
// before the wait so other groups can run; the group stays active so new
// messages coalesce instead of admitting a second run. When the delay
// elapses the group re-enters admission and the parked item runs first.
func (q *Queue) deferRetry(item Item, attempt int) {
	delay := computeBackoff(attempt, q.cfg.RetryBase, q.cfg.RetryMaxDelay)
	ctx := logger.WithRunID(logger.WithGroup(q.baseCtx, item.GroupFolder), item.RunID)

	q.mu.Lock()
	st := q.stateLocked(item.GroupFolder)
	st.retry = &retryRun{item: item, attempt: attempt + 1}
	st.activeInputDir = ""
	q.handOffSlotLocked()
	q.mu.Unlock()

	logger.Warn(ctx, "retry scheduled",
		zap.Int("attempt", attempt+1), zap.Duration("delay", delay))

	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-q.baseCtx.Done():
			q.mu.Lock()
			if cur := q.groups[item.GroupFolder]; cur != nil {
				cur.retry = nil
				cur.active = false
				cur.activeRunID = ""
				cur.activeTaskID = ""
			}
			q.mu.Unlock()
			logger.Warn(ctx, "retry canceled during backoff", zap.Int("attempt", attempt+1))
			return
		case <-timer.C:
		}
		q.mu.Lock()
		if cur := q.groups[item.GroupFolder]; cur != nil {
			cur.active = false
			if !q.closed {
				q.admitLocked(q.baseCtx, cur)
			}
		}
		q.mu.Unlock()
	}()
}

func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
