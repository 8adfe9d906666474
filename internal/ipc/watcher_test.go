package ipc

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"burrow/internal/scheduler"
	"burrow/internal/store"
	appErr "burrow/pkg/errors"
)

type sentMessage struct {
	ChatID string
	Text   string
}

type fakeSender struct {
	sent []sentMessage
}

func (f *fakeSender) SendMessage(ctx context.Context, chatID, text string) error {
	f.sent = append(f.sent, sentMessage{ChatID: chatID, Text: text})
	return nil
}

type fakeRegistry struct {
	registered []*store.RegisteredGroup
	refreshes  int
}

func (f *fakeRegistry) RegisterGroup(ctx context.Context, group *store.RegisteredGroup) error {
	f.registered = append(f.registered, group)
	return nil
}

func (f *fakeRegistry) RefreshGroups(ctx context.Context, sourceGroup string) error {
	f.refreshes++
	return nil
}

type testEnv struct {
	watcher  *Watcher
	store    *store.Store
	sender   *fakeSender
	registry *fakeRegistry
	baseDir  string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	for _, g := range []*store.RegisteredGroup{
		{ChatID: "main-chat", Name: "Main", Folder: "main", TriggerPattern: "@bot", AddedAt: time.Now()},
		{ChatID: "fam-chat", Name: "Family", Folder: "family", TriggerPattern: "@bot", AddedAt: time.Now()},
		{ChatID: "work-chat", Name: "Work", Folder: "work", TriggerPattern: "@bot", AddedAt: time.Now()},
	} {
		if err := st.UpsertGroup(g); err != nil {
			t.Fatalf("upsert group: %v", err)
		}
	}

	sender := &fakeSender{}
	registry := &fakeRegistry{}
	baseDir := filepath.Join(t.TempDir(), "ipc")
	sched := scheduler.New(st, nil, time.Second)
	w := NewWatcher(Config{
		BaseDir:         baseDir,
		MainGroupFolder: "main",
		AssistantName:   "Andy",
	}, st, sender, sched, registry)

	return &testEnv{watcher: w, store: st, sender: sender, registry: registry, baseDir: baseDir}
}

func (e *testEnv) drop(t *testing.T, group, subdir, name, content string) string {
	t.Helper()
	dir := filepath.Join(e.baseDir, group, subdir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return path
}

func TestMessageOwnChatDelivered(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t)
	path := e.drop(t, "family", messagesSubdir, "m1.json",
		`{"type":"message","chatId":"fam-chat","text":"hello"}`)

	e.watcher.processOnce(context.Background())

	if len(e.sender.sent) != 1 {
		t.Fatalf("sent = %+v, want 1 message", e.sender.sent)
	}
	if e.sender.sent[0].ChatID != "fam-chat" || e.sender.sent[0].Text != "Andy: hello" {
		t.Fatalf("sent = %+v", e.sender.sent[0])
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatal("consumed envelope was not deleted")
	}

	// Sweeping again must not re-deliver.
	e.watcher.processOnce(context.Background())
	if len(e.sender.sent) != 1 {
		t.Fatalf("envelope delivered twice: %+v", e.sender.sent)
	}
}

func TestMessageCrossGroupBlockedForNonMain(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t)
	path := e.drop(t, "family", messagesSubdir, "m1.json",
		`{"type":"message","chatId":"work-chat","text":"sneaky"}`)

	e.watcher.processOnce(context.Background())

	if len(e.sender.sent) != 0 {
		t.Fatalf("unauthorized message was delivered: %+v", e.sender.sent)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatal("blocked envelope should still be consumed")
	}
}

func TestMessageMainMayTargetAnyChat(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t)
	e.drop(t, "main", messagesSubdir, "m1.json",
		`{"type":"message","chatId":"work-chat","text":"announcement"}`)

	e.watcher.processOnce(context.Background())

	if len(e.sender.sent) != 1 || e.sender.sent[0].ChatID != "work-chat" {
		t.Fatalf("sent = %+v", e.sender.sent)
	}
}

func TestMessagesConsumedInLexicalOrder(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t)
	for i := 3; i >= 1; i-- {
		e.drop(t, "family", messagesSubdir, fmt.Sprintf("m%d.json", i),
			fmt.Sprintf(`{"type":"message","chatId":"fam-chat","text":"n%d"}`, i))
	}

	e.watcher.processOnce(context.Background())

	if len(e.sender.sent) != 3 {
		t.Fatalf("sent %d messages", len(e.sender.sent))
	}
	for i, want := range []string{"Andy: n1", "Andy: n2", "Andy: n3"} {
		if e.sender.sent[i].Text != want {
			t.Fatalf("order broken at %d: %+v", i, e.sender.sent)
		}
	}
}

func TestMalformedEnvelopeMovedToErrors(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t)
	e.drop(t, "family", messagesSubdir, "bad.json", `{not json`)

	e.watcher.processOnce(context.Background())

	moved := filepath.Join(e.baseDir, errorsSubdir, "family-bad.json")
	if _, err := os.Stat(moved); err != nil {
		t.Fatalf("malformed envelope not in errors dir: %v", err)
	}
}

func TestScheduleTaskOwnGroup(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t)
	e.drop(t, "family", tasksSubdir, "t1.json",
		`{"type":"schedule_task","prompt":"digest","schedule_type":"interval","schedule_value":"3600000","targetChatId":"fam-chat","context_mode":"group"}`)

	e.watcher.processOnce(context.Background())

	tasks, err := e.store.TasksForGroup("family")
	if err != nil {
		t.Fatalf("tasks: %v", err)
	}
	if len(tasks) != 1 {
		t.Fatalf("tasks = %+v", tasks)
	}
	if tasks[0].ContextMode != store.ContextGroup || tasks[0].NextRun == nil {
		t.Fatalf("task = %+v", tasks[0])
	}
}

func TestScheduleTaskCrossGroupBlocked(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t)
	e.drop(t, "family", tasksSubdir, "t1.json",
		`{"type":"schedule_task","prompt":"spy","schedule_type":"interval","schedule_value":"1000","targetChatId":"work-chat"}`)

	e.watcher.processOnce(context.Background())

	tasks, err := e.store.TasksForGroup("work")
	if err != nil {
		t.Fatalf("tasks: %v", err)
	}
	if len(tasks) != 0 {
		t.Fatalf("unauthorized task was created: %+v", tasks)
	}
}

func TestScheduleTaskBadScheduleConsumedWithoutError(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t)
	path := e.drop(t, "family", tasksSubdir, "t1.json",
		`{"type":"schedule_task","prompt":"x","schedule_type":"cron","schedule_value":"nope","targetChatId":"fam-chat"}`)

	e.watcher.processOnce(context.Background())

	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatal("rejected schedule should be consumed, not retried")
	}
	if _, err := os.Stat(filepath.Join(e.baseDir, errorsSubdir)); !os.IsNotExist(err) {
		t.Fatal("rejected schedule should not land in errors dir")
	}
}

func TestTaskControlAuthorization(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t)
	now := time.Now().Add(time.Hour)
	if err := e.store.CreateTask(&store.ScheduledTask{
		ID: "work-task", GroupFolder: "work", ChatID: "work-chat", Prompt: "tick",
		ScheduleKind: store.ScheduleInterval, ScheduleValue: "3600000",
		NextRun: &now, CreatedAt: time.Now(),
	}); err != nil {
		t.Fatalf("create: %v", err)
	}

	// Another group cannot pause it.
	e.drop(t, "family", tasksSubdir, "p1.json",
		`{"type":"pause_task","taskId":"work-task"}`)
	e.watcher.processOnce(context.Background())
	task, err := e.store.TaskByID("work-task")
	if err != nil {
		t.Fatalf("by id: %v", err)
	}
	if task.Status != store.TaskStatusActive {
		t.Fatalf("cross-group pause succeeded: %q", task.Status)
	}

	// Main can.
	e.drop(t, "main", tasksSubdir, "p2.json",
		`{"type":"pause_task","taskId":"work-task"}`)
	e.watcher.processOnce(context.Background())
	task, err = e.store.TaskByID("work-task")
	if err != nil {
		t.Fatalf("by id: %v", err)
	}
	if task.Status != store.TaskStatusPaused {
		t.Fatalf("main pause failed: %q", task.Status)
	}

	// The owning group can cancel.
	e.drop(t, "work", tasksSubdir, "c1.json",
		`{"type":"cancel_task","taskId":"work-task"}`)
	e.watcher.processOnce(context.Background())
	if _, err := e.store.TaskByID("work-task"); !appErr.Is(err, appErr.TaskNotFound) {
		t.Fatalf("cancel failed: %v", err)
	}
}

func TestRegisterGroupMainOnly(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t)

	e.drop(t, "family", tasksSubdir, "r1.json",
		`{"type":"register_group","chatId":"new-chat","name":"New","folder":"new","trigger":"@bot"}`)
	e.watcher.processOnce(context.Background())
	if len(e.registry.registered) != 0 {
		t.Fatalf("non-main registered a group: %+v", e.registry.registered)
	}

	e.drop(t, "main", tasksSubdir, "r2.json",
		`{"type":"register_group","chatId":"new-chat","name":"New","folder":"new","trigger":"@bot"}`)
	e.watcher.processOnce(context.Background())
	if len(e.registry.registered) != 1 || e.registry.registered[0].Folder != "new" {
		t.Fatalf("registered = %+v", e.registry.registered)
	}
	if !e.registry.registered[0].RequiresTrigger {
		t.Fatal("registered group should default to requiring the trigger")
	}
}

func TestRefreshGroupsMainOnly(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t)

	e.drop(t, "family", tasksSubdir, "f1.json", `{"type":"refresh_groups"}`)
	e.drop(t, "main", tasksSubdir, "f2.json", `{"type":"refresh_groups"}`)
	e.watcher.processOnce(context.Background())

	if e.registry.refreshes != 1 {
		t.Fatalf("refreshes = %d, want 1", e.registry.refreshes)
	}
}

func TestUnknownTypeConsumed(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t)
	path := e.drop(t, "family", tasksSubdir, "u1.json", `{"type":"explode"}`)

	e.watcher.processOnce(context.Background())

	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatal("unknown envelope should be consumed")
	}
}
