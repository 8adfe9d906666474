package scheduler

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"burrow/internal/groupqueue"
	"burrow/internal/store"
	appErr "burrow/pkg/errors"
)

type fakeEnqueuer struct {
	tasks []groupqueue.TaskRun
}

func (f *fakeEnqueuer) EnqueueTask(ctx context.Context, groupFolder string, task groupqueue.TaskRun) error {
	f.tasks = append(f.tasks, task)
	return nil
}

func newTestScheduler(t *testing.T) (*Scheduler, *store.Store, *fakeEnqueuer) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	q := &fakeEnqueuer{}
	return New(st, q, time.Second), st, q
}

func TestInitialNextRun(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 1, 12, 0, 30, 0, time.UTC)

	tests := []struct {
		name     string
		kind     string
		value    string
		want     time.Time
		wantCode appErr.ErrorCode
	}{
		{name: "cron", kind: store.ScheduleCron, value: "*/5 * * * *",
			want: time.Date(2026, 3, 1, 12, 5, 0, 0, time.UTC)},
		{name: "cron invalid", kind: store.ScheduleCron, value: "not a cron",
			wantCode: appErr.ScheduleComputeError},
		{name: "interval milliseconds", kind: store.ScheduleInterval, value: "60000",
			want: now.Add(time.Minute)},
		{name: "interval duration", kind: store.ScheduleInterval, value: "2h",
			want: now.Add(2 * time.Hour)},
		{name: "interval invalid", kind: store.ScheduleInterval, value: "soon",
			wantCode: appErr.ScheduleComputeError},
		{name: "interval negative", kind: store.ScheduleInterval, value: "-5000",
			wantCode: appErr.ScheduleComputeError},
		{name: "once", kind: store.ScheduleOnce, value: "2026-03-02T08:00:00Z",
			want: time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)},
		{name: "once invalid", kind: store.ScheduleOnce, value: "tomorrow",
			wantCode: appErr.ScheduleComputeError},
		{name: "unknown kind", kind: "hourly", value: "1",
			wantCode: appErr.InvalidScheduleKind},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := InitialNextRun(tt.kind, tt.value, now)
			if tt.wantCode != 0 {
				if !appErr.Is(err, tt.wantCode) {
					t.Fatalf("error = %v, want code %d", err, tt.wantCode)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got == nil || !got.Equal(tt.want) {
				t.Fatalf("next = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNextAfterRunOnceIsNil(t *testing.T) {
	t.Parallel()
	next, err := NextAfterRun(store.ScheduleOnce, "2026-03-02T08:00:00Z", time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if next != nil {
		t.Fatalf("once task got next run %v", next)
	}
}

func TestIntervalRebasesFromNowNotMissedRun(t *testing.T) {
	t.Parallel()
	// Host slept through many occurrences; the next run counts from now.
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	next, err := NextAfterRun(store.ScheduleInterval, "3600000", now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !next.Equal(now.Add(time.Hour)) {
		t.Fatalf("next = %v, want %v", next, now.Add(time.Hour))
	}
}

func TestPollOnceEnqueuesDueActiveTasks(t *testing.T) {
	t.Parallel()
	s, st, q := newTestScheduler(t)
	past := time.Now().Add(-time.Minute)

	due := &store.ScheduledTask{
		ID: "due", GroupFolder: "grp", ChatID: "c1", Prompt: "tick",
		ScheduleKind: store.ScheduleInterval, ScheduleValue: "1h",
		NextRun: &past, CreatedAt: time.Now(),
	}
	paused := &store.ScheduledTask{
		ID: "paused", GroupFolder: "grp", ChatID: "c1", Prompt: "tock",
		ScheduleKind: store.ScheduleInterval, ScheduleValue: "1h",
		NextRun: &past, Status: store.TaskStatusPaused, CreatedAt: time.Now(),
	}
	for _, task := range []*store.ScheduledTask{due, paused} {
		if err := st.CreateTask(task); err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	s.pollOnce(context.Background())
	if len(q.tasks) != 1 || q.tasks[0].TaskID != "due" {
		t.Fatalf("enqueued = %+v, want only the active due task", q.tasks)
	}
	if q.tasks[0].Prompt != "tick" {
		t.Fatalf("prompt = %q", q.tasks[0].Prompt)
	}
}

func TestScheduleComputesFirstRun(t *testing.T) {
	t.Parallel()
	s, st, _ := newTestScheduler(t)

	task := &store.ScheduledTask{
		GroupFolder: "grp", ChatID: "c1", Prompt: "daily digest",
		ScheduleKind: store.ScheduleCron, ScheduleValue: "0 9 * * *",
	}
	if err := s.Schedule(context.Background(), task); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if task.ID == "" {
		t.Fatal("task ID was not assigned")
	}
	got, err := st.TaskByID(task.ID)
	if err != nil {
		t.Fatalf("by id: %v", err)
	}
	if got.NextRun == nil || !got.NextRun.After(time.Now().Add(-time.Minute)) {
		t.Fatalf("next run = %v", got.NextRun)
	}
}

func TestScheduleRejectsBadSchedule(t *testing.T) {
	t.Parallel()
	s, _, _ := newTestScheduler(t)
	err := s.Schedule(context.Background(), &store.ScheduledTask{
		GroupFolder: "grp", ChatID: "c1", Prompt: "x",
		ScheduleKind: store.ScheduleCron, ScheduleValue: "nope",
	})
	if !appErr.Is(err, appErr.ScheduleComputeError) {
		t.Fatalf("expected ScheduleComputeError, got %v", err)
	}
}

func TestFinishRunAdvancesInterval(t *testing.T) {
	t.Parallel()
	s, st, _ := newTestScheduler(t)
	past := time.Now().Add(-time.Minute)
	if err := st.CreateTask(&store.ScheduledTask{
		ID: "t1", GroupFolder: "grp", ChatID: "c1", Prompt: "tick",
		ScheduleKind: store.ScheduleInterval, ScheduleValue: "3600000",
		NextRun: &past, CreatedAt: time.Now(),
	}); err != nil {
		t.Fatalf("create: %v", err)
	}

	started := time.Now().Add(-10 * time.Second)
	if err := s.FinishRun(context.Background(), "t1", started, "all good", nil); err != nil {
		t.Fatalf("finish: %v", err)
	}

	got, err := st.TaskByID("t1")
	if err != nil {
		t.Fatalf("by id: %v", err)
	}
	if got.Status != store.TaskStatusActive {
		t.Fatalf("status = %q", got.Status)
	}
	if got.NextRun == nil || !got.NextRun.After(time.Now().Add(50*time.Minute)) {
		t.Fatalf("next run = %v, want about an hour out", got.NextRun)
	}
	if got.LastResult != "all good" {
		t.Fatalf("last result = %q", got.LastResult)
	}

	logs, err := st.RunLogs("t1", 5)
	if err != nil {
		t.Fatalf("logs: %v", err)
	}
	if len(logs) != 1 || logs[0].Status != "success" {
		t.Fatalf("logs = %+v", logs)
	}
}

func TestFinishRunCompletesOnceTask(t *testing.T) {
	t.Parallel()
	s, st, _ := newTestScheduler(t)
	past := time.Now().Add(-time.Minute)
	if err := st.CreateTask(&store.ScheduledTask{
		ID: "t1", GroupFolder: "grp", ChatID: "c1", Prompt: "one shot",
		ScheduleKind: store.ScheduleOnce, ScheduleValue: past.UTC().Format(time.RFC3339),
		NextRun: &past, CreatedAt: time.Now(),
	}); err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := s.FinishRun(context.Background(), "t1", time.Now(), "", nil); err != nil {
		t.Fatalf("finish: %v", err)
	}
	got, err := st.TaskByID("t1")
	if err != nil {
		t.Fatalf("by id: %v", err)
	}
	if got.Status != store.TaskStatusCompleted || got.NextRun != nil {
		t.Fatalf("once task after run = %+v", got)
	}
}

func TestFinishRunMarksUncomputableScheduleErrored(t *testing.T) {
	t.Parallel()
	s, st, _ := newTestScheduler(t)
	past := time.Now().Add(-time.Minute)
	if err := st.CreateTask(&store.ScheduledTask{
		ID: "t1", GroupFolder: "grp", ChatID: "c1", Prompt: "tick",
		ScheduleKind: store.ScheduleCron, ScheduleValue: "corrupted",
		NextRun: &past, CreatedAt: time.Now(),
	}); err != nil {
		t.Fatalf("create: %v", err)
	}

	err := s.FinishRun(context.Background(), "t1", time.Now(), "", nil)
	if !appErr.Is(err, appErr.ScheduleComputeError) {
		t.Fatalf("expected ScheduleComputeError, got %v", err)
	}
	got, err := st.TaskByID("t1")
	if err != nil {
		t.Fatalf("by id: %v", err)
	}
	if got.Status != store.TaskStatusError {
		t.Fatalf("status = %q, want error", got.Status)
	}
}

func TestResumeRebasesNextRun(t *testing.T) {
	t.Parallel()
	s, st, _ := newTestScheduler(t)
	longAgo := time.Now().Add(-24 * time.Hour)
	if err := st.CreateTask(&store.ScheduledTask{
		ID: "t1", GroupFolder: "grp", ChatID: "c1", Prompt: "tick",
		ScheduleKind: store.ScheduleInterval, ScheduleValue: "3600000",
		NextRun: &longAgo, Status: store.TaskStatusPaused, CreatedAt: time.Now(),
	}); err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := s.Resume(context.Background(), "t1"); err != nil {
		t.Fatalf("resume: %v", err)
	}
	got, err := st.TaskByID("t1")
	if err != nil {
		t.Fatalf("by id: %v", err)
	}
	if got.Status != store.TaskStatusActive {
		t.Fatalf("status = %q", got.Status)
	}
	if got.NextRun == nil || got.NextRun.Before(time.Now()) {
		t.Fatalf("resume did not rebase next run: %v", got.NextRun)
	}
}

func TestTruncateKeepsRunesWhole(t *testing.T) {
	t.Parallel()
	if got := truncate("short", 200); got != "short" {
		t.Fatalf("truncate(short) = %q", got)
	}

	s := strings.Repeat("日", 100) // 3 bytes per rune, 200 is mid-rune
	got := truncate(s, 200)
	if !utf8.ValidString(got) {
		t.Fatalf("truncated result is not valid UTF-8: %q", got)
	}
	if len(got) != 198 {
		t.Fatalf("len = %d, want 198", len(got))
	}
}
