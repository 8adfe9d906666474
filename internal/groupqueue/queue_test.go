package groupqueue

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	appErr "burrow/pkg/errors"
)

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestSerializesRunsPerGroup(t *testing.T) {
	t.Parallel()
	var mu sync.Mutex
	inFlight := map[string]int{}
	var overlap atomic.Bool
	var total atomic.Int32

	q, err := New(Config{Capacity: 4}, func(ctx context.Context, item Item) error {
		mu.Lock()
		inFlight[item.GroupFolder]++
		if inFlight[item.GroupFolder] > 1 {
			overlap.Store(true)
		}
		mu.Unlock()
		time.Sleep(20 * time.Millisecond)
		mu.Lock()
		inFlight[item.GroupFolder]--
		mu.Unlock()
		total.Add(1)
		return nil
	}, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	for i := 0; i < 3; i++ {
		if err := q.RequestRun(context.Background(), "grp", "hi"); err != nil {
			t.Fatalf("request: %v", err)
		}
	}

	waitFor(t, func() bool { return total.Load() >= 1 }, "no runs completed")
	_ = q.Shutdown(context.Background())
	if overlap.Load() {
		t.Fatal("two runs overlapped for the same group")
	}
}

func TestCoalescesPendingMessages(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	firstStarted := make(chan struct{})
	var prompts []string
	var mu sync.Mutex
	var calls atomic.Int32

	q, err := New(Config{Capacity: 1}, func(ctx context.Context, item Item) error {
		if calls.Add(1) == 1 {
			close(firstStarted)
			<-release
		}
		mu.Lock()
		prompts = append(prompts, item.Prompt)
		mu.Unlock()
		return nil
	}, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	if err := q.RequestRun(context.Background(), "grp", "first"); err != nil {
		t.Fatalf("request: %v", err)
	}
	<-firstStarted
	for _, p := range []string{"second", "third"} {
		if err := q.RequestRun(context.Background(), "grp", p); err != nil {
			t.Fatalf("request: %v", err)
		}
	}
	close(release)

	waitFor(t, func() bool { return calls.Load() == 2 }, "coalesced run never happened")
	_ = q.Shutdown(context.Background())

	mu.Lock()
	defer mu.Unlock()
	if len(prompts) != 2 {
		t.Fatalf("got %d runs, want 2: %q", len(prompts), prompts)
	}
	if prompts[1] != "second\n\nthird" {
		t.Fatalf("coalesced prompt = %q", prompts[1])
	}
}

func TestGlobalCapacityCap(t *testing.T) {
	t.Parallel()
	var current, peak atomic.Int32
	var total atomic.Int32

	q, err := New(Config{Capacity: 2}, func(ctx context.Context, item Item) error {
		n := current.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		current.Add(-1)
		total.Add(1)
		return nil
	}, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	for _, g := range []string{"a", "b", "c", "d"} {
		if err := q.RequestRun(context.Background(), g, "hi"); err != nil {
			t.Fatalf("request: %v", err)
		}
	}

	waitFor(t, func() bool { return total.Load() == 4 }, "not all groups ran")
	_ = q.Shutdown(context.Background())
	if peak.Load() > 2 {
		t.Fatalf("peak concurrency %d exceeds cap 2", peak.Load())
	}
}

func TestTaskDeduplication(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	started := make(chan struct{})
	var taskRuns atomic.Int32
	var calls atomic.Int32

	q, err := New(Config{Capacity: 1}, func(ctx context.Context, item Item) error {
		if calls.Add(1) == 1 {
			close(started)
			<-release
		}
		if item.TaskID != "" {
			taskRuns.Add(1)
		}
		return nil
	}, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	if err := q.RequestRun(context.Background(), "grp", "occupy"); err != nil {
		t.Fatalf("request: %v", err)
	}
	<-started
	for i := 0; i < 3; i++ {
		if err := q.EnqueueTask(context.Background(), "grp", TaskRun{TaskID: "t1", Prompt: "tick"}); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	close(release)

	waitFor(t, func() bool { return calls.Load() >= 2 }, "task run never happened")
	time.Sleep(50 * time.Millisecond)
	_ = q.Shutdown(context.Background())
	if taskRuns.Load() != 1 {
		t.Fatalf("task ran %d times, want 1", taskRuns.Load())
	}
}

func TestTasksDrainBeforeMessages(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	started := make(chan struct{})
	var order []string
	var mu sync.Mutex
	var calls atomic.Int32

	q, err := New(Config{Capacity: 1}, func(ctx context.Context, item Item) error {
		if calls.Add(1) == 1 {
			close(started)
			<-release
			return nil
		}
		mu.Lock()
		if item.TaskID != "" {
			order = append(order, "task")
		} else {
			order = append(order, "message")
		}
		mu.Unlock()
		return nil
	}, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	if err := q.RequestRun(context.Background(), "grp", "occupy"); err != nil {
		t.Fatalf("request: %v", err)
	}
	<-started
	if err := q.RequestRun(context.Background(), "grp", "queued message"); err != nil {
		t.Fatalf("request: %v", err)
	}
	if err := q.EnqueueTask(context.Background(), "grp", TaskRun{TaskID: "t1", Prompt: "tick"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	close(release)

	waitFor(t, func() bool { return calls.Load() == 3 }, "pending work never drained")
	_ = q.Shutdown(context.Background())

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 2 || order[0] != "task" || order[1] != "message" {
		t.Fatalf("drain order = %v, want [task message]", order)
	}
}

func TestRetryThenSucceed(t *testing.T) {
	t.Parallel()
	var attempts atomic.Int32
	var failures atomic.Int32

	q, err := New(Config{
		Capacity:      1,
		RetryMax:      3,
		RetryBase:     time.Millisecond,
		RetryMaxDelay: 5 * time.Millisecond,
	}, func(ctx context.Context, item Item) error {
		if attempts.Add(1) < 3 {
			return appErr.New(appErr.SpawnFailure)
		}
		return nil
	}, func(ctx context.Context, item Item, err error) {
		failures.Add(1)
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	if err := q.RequestRun(context.Background(), "grp", "hi"); err != nil {
		t.Fatalf("request: %v", err)
	}
	waitFor(t, func() bool { return attempts.Load() == 3 }, "run never succeeded")
	_ = q.Shutdown(context.Background())
	if failures.Load() != 0 {
		t.Fatalf("failure callback fired %d times for a recovered run", failures.Load())
	}
}

func TestNonRetryableFailsOnce(t *testing.T) {
	t.Parallel()
	var attempts atomic.Int32
	var failures atomic.Int32
	var gotErr error
	done := make(chan struct{})

	q, err := New(Config{Capacity: 1, RetryMax: 3, RetryBase: time.Millisecond},
		func(ctx context.Context, item Item) error {
			attempts.Add(1)
			return appErr.New(appErr.RunTimedOut)
		},
		func(ctx context.Context, item Item, err error) {
			gotErr = err
			if failures.Add(1) == 1 {
				close(done)
			}
		})
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	if err := q.RequestRun(context.Background(), "grp", "hi"); err != nil {
		t.Fatalf("request: %v", err)
	}
	<-done
	_ = q.Shutdown(context.Background())
	if attempts.Load() != 1 {
		t.Fatalf("non-retryable error ran %d times, want 1", attempts.Load())
	}
	if failures.Load() != 1 {
		t.Fatalf("failure callback fired %d times, want 1", failures.Load())
	}
	if !appErr.Is(gotErr, appErr.RunTimedOut) {
		t.Fatalf("failure error = %v", gotErr)
	}
}

func TestRetriesExhausted(t *testing.T) {
	t.Parallel()
	var attempts atomic.Int32
	var gotErr error
	done := make(chan struct{})

	q, err := New(Config{Capacity: 1, RetryMax: 2, RetryBase: time.Millisecond},
		func(ctx context.Context, item Item) error {
			attempts.Add(1)
			return appErr.New(appErr.RunFailed)
		},
		func(ctx context.Context, item Item, err error) {
			gotErr = err
			close(done)
		})
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	if err := q.RequestRun(context.Background(), "grp", "hi"); err != nil {
		t.Fatalf("request: %v", err)
	}
	<-done
	_ = q.Shutdown(context.Background())
	if attempts.Load() != 3 {
		t.Fatalf("attempts = %d, want 3 (first try + 2 retries)", attempts.Load())
	}
	if !appErr.Is(gotErr, appErr.RetriesExhausted) {
		t.Fatalf("expected RetriesExhausted, got %v", gotErr)
	}
}

func TestBackoffYieldsSlotToOtherGroups(t *testing.T) {
	t.Parallel()
	var aAttempts, bRuns atomic.Int32
	bStarted := make(chan struct{})
	aDone := make(chan struct{})

	q, err := New(Config{
		Capacity:      1,
		RetryMax:      1,
		RetryBase:     2 * time.Second,
		RetryMaxDelay: 2 * time.Second,
	}, func(ctx context.Context, item Item) error {
		if item.GroupFolder == "a" {
			if aAttempts.Add(1) == 1 {
				return appErr.New(appErr.SpawnFailure)
			}
			close(aDone)
			return nil
		}
		if bRuns.Add(1) == 1 {
			close(bStarted)
		}
		return nil
	}, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	if err := q.RequestRun(context.Background(), "a", "hi"); err != nil {
		t.Fatalf("request: %v", err)
	}
	waitFor(t, func() bool { return aAttempts.Load() == 1 }, "first attempt never ran")

	if err := q.RequestRun(context.Background(), "b", "hi"); err != nil {
		t.Fatalf("request: %v", err)
	}
	select {
	case <-bStarted:
	case <-time.After(time.Second):
		t.Fatal("slot stayed held through the backoff; other group never ran")
	}

	select {
	case <-aDone:
	case <-time.After(10 * time.Second):
		t.Fatal("retry never ran after the backoff")
	}
	_ = q.Shutdown(context.Background())
	if aAttempts.Load() != 2 {
		t.Fatalf("attempts = %d, want 2", aAttempts.Load())
	}
}

func TestMessagesDuringBackoffCoalesce(t *testing.T) {
	t.Parallel()
	var mu sync.Mutex
	var prompts []string
	var attempts atomic.Int32

	q, err := New(Config{
		Capacity:      2,
		RetryMax:      1,
		RetryBase:     300 * time.Millisecond,
		RetryMaxDelay: 300 * time.Millisecond,
	}, func(ctx context.Context, item Item) error {
		if attempts.Add(1) == 1 {
			return appErr.New(appErr.SpawnFailure)
		}
		mu.Lock()
		prompts = append(prompts, item.Prompt)
		mu.Unlock()
		return nil
	}, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	if err := q.RequestRun(context.Background(), "grp", "first"); err != nil {
		t.Fatalf("request: %v", err)
	}
	waitFor(t, func() bool { return attempts.Load() == 1 }, "first attempt never ran")
	for _, p := range []string{"second", "third"} {
		if err := q.RequestRun(context.Background(), "grp", p); err != nil {
			t.Fatalf("request: %v", err)
		}
	}

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(prompts) == 2
	}, "retry and coalesced run never completed")
	_ = q.Shutdown(context.Background())

	mu.Lock()
	defer mu.Unlock()
	if prompts[0] != "first" {
		t.Fatalf("retry prompt = %q, want the parked item first", prompts[0])
	}
	if prompts[1] != "second\n\nthird" {
		t.Fatalf("coalesced prompt = %q", prompts[1])
	}
}

func TestSendToActiveAndCloseInput(t *testing.T) {
	t.Parallel()
	inputDir := t.TempDir()
	release := make(chan struct{})
	bound := make(chan struct{})

	var q *Queue
	q, err := New(Config{Capacity: 1}, func(ctx context.Context, item Item) error {
		q.BindActiveRun(item.GroupFolder, item.RunID, inputDir)
		close(bound)
		<-release
		return nil
	}, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	if ok := q.SendToActive(context.Background(), "grp", "early"); ok {
		t.Fatal("send should fail with no live run")
	}

	if err := q.RequestRun(context.Background(), "grp", "hi"); err != nil {
		t.Fatalf("request: %v", err)
	}
	<-bound

	if ok := q.SendToActive(context.Background(), "grp", "follow-up"); !ok {
		t.Fatal("send to live run failed")
	}
	if ok := q.CloseInput(context.Background(), "grp"); !ok {
		t.Fatal("close input failed")
	}
	close(release)
	_ = q.Shutdown(context.Background())

	entries, err := os.ReadDir(inputDir)
	if err != nil {
		t.Fatalf("read input dir: %v", err)
	}
	var sawMessage, sawClose bool
	for _, e := range entries {
		if e.Name() == CloseSentinel {
			sawClose = true
			continue
		}
		if strings.HasPrefix(e.Name(), "msg-") && strings.HasSuffix(e.Name(), ".json") {
			data, err := os.ReadFile(filepath.Join(inputDir, e.Name()))
			if err != nil {
				t.Fatalf("read message: %v", err)
			}
			var msg struct {
				Type string `json:"type"`
				Text string `json:"text"`
			}
			if err := json.Unmarshal(data, &msg); err != nil {
				t.Fatalf("unmarshal message: %v", err)
			}
			if msg.Type == "message" && msg.Text == "follow-up" {
				sawMessage = true
			}
		}
	}
	if !sawMessage || !sawClose {
		t.Fatalf("input dir missing message (%v) or sentinel (%v)", sawMessage, sawClose)
	}
}

func TestShutdownRejectsNewWork(t *testing.T) {
	t.Parallel()
	q, err := New(Config{Capacity: 1}, func(ctx context.Context, item Item) error {
		return nil
	}, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := q.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	if err := q.RequestRun(context.Background(), "grp", "hi"); !appErr.Is(err, appErr.QueueShutdown) {
		t.Fatalf("expected QueueShutdown, got %v", err)
	}
	if err := q.EnqueueTask(context.Background(), "grp", TaskRun{TaskID: "t1"}); !appErr.Is(err, appErr.QueueShutdown) {
		t.Fatalf("expected QueueShutdown, got %v", err)
	}
}
