// Package sandbox spawns and supervises one isolated agent process per run:
// mount authorization, spawn, output streaming, deadline and byte-cap
// enforcement, and guaranteed teardown.
package sandbox

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"burrow/internal/mountsec"
	appErr "burrow/pkg/errors"
	"burrow/pkg/utils/logger"

	"go.uber.org/zap"
)

const (
	defaultTimeout        = 30 * time.Minute
	defaultMaxOutputBytes = int64(1024 * 1024)
	defaultMemoryLimit    = "2g"
	stderrTailBytes       = 4 * 1024
)

// Invocation describes one admitted run. It is created by the group queue
// when a slot is acquired and destroyed when the runner returns.
type Invocation struct {
	RunID           string
	GroupFolder     string
	GroupName       string
	IsMain          bool
	Prompt          string
	SessionToken    string
	MountRequests   []mountsec.MountRequest
	Timeout         time.Duration
	MaxOutputBytes  int64
	IsScheduledTask bool
}

// OnOutputFn receives every structured result frame as it streams.
type OnOutputFn func(Output)

// RegisterProcessFn is called once the sandbox process has started, so the
// caller can track the live run (e.g. to pipe follow-up messages).
type RegisterProcessFn func(runID string, pid int, layout RunLayout)

// CommandBuilder produces the sandbox process command. The default builds a
// container CLI invocation; tests substitute a plain shell.
type CommandBuilder func(ctx context.Context, inv Invocation, layout RunLayout, mounts []Mount) *exec.Cmd

// Config holds runner settings.
type Config struct {
	ContainerCLI   string
	Image          string
	MemoryLimit    string
	GroupsDir      string
	StateDir       string
	Timeout        time.Duration
	MaxOutputBytes int64
	// CommandBuilder overrides the container CLI command construction.
	CommandBuilder CommandBuilder
}

// Runner executes sandbox invocations.
type Runner struct {
	cfg       Config
	validator *mountsec.Validator
	buildCmd  CommandBuilder

	mu      sync.Mutex
	running map[string]int // run ID -> process group leader pid
}

// NewRunner creates a sandbox runner.
func NewRunner(cfg Config, validator *mountsec.Validator) (*Runner, error) {
	if validator == nil {
		return nil, fmt.Errorf("mount validator is required")
	}
	if cfg.GroupsDir == "" || cfg.StateDir == "" {
		return nil, fmt.Errorf("groups dir and state dir are required")
	}
	if cfg.ContainerCLI == "" {
		cfg.ContainerCLI = "container"
	}
	if cfg.MemoryLimit == "" {
		cfg.MemoryLimit = defaultMemoryLimit
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxOutputBytes <= 0 {
		cfg.MaxOutputBytes = defaultMaxOutputBytes
	}
	r := &Runner{
		cfg:       cfg,
		validator: validator,
		running:   make(map[string]int),
	}
	r.buildCmd = cfg.CommandBuilder
	if r.buildCmd == nil {
		r.buildCmd = r.containerCommand
	}
	return r, nil
}

// Run executes one invocation and produces exactly one RunResult on every
// exit path. Errors are returned only for pre-spawn failures (denied mounts,
// workspace setup, spawn); once the process starts, the outcome is always a
// RunResult and the process group is always dead by the time Run returns.
func (r *Runner) Run(ctx context.Context, inv Invocation, register RegisterProcessFn, onOutput OnOutputFn) (RunResult, error) {
	ctx = logger.WithRunID(logger.WithGroup(ctx, inv.GroupFolder), inv.RunID)

	mounts, err := r.validator.Authorize(ctx, inv.MountRequests, inv.GroupFolder, inv.IsMain)
	if err != nil {
		return RunResult{}, err
	}
	auditMounts := make([]Mount, len(mounts))
	for i, m := range mounts {
		auditMounts[i] = Mount(m)
	}

	layout := buildLayout(r.cfg.GroupsDir, r.cfg.StateDir, inv.GroupFolder, inv.RunID)
	if err := layout.create(); err != nil {
		return RunResult{}, err
	}
	defer layout.cleanup()

	input := Input{
		Prompt:          inv.Prompt,
		SessionToken:    inv.SessionToken,
		Mounts:          auditMounts,
		GroupFolder:     inv.GroupFolder,
		IsMain:          inv.IsMain,
		IsScheduledTask: inv.IsScheduledTask,
	}
	if err := layout.writeAudit(input, auditMounts); err != nil {
		return RunResult{}, err
	}

	cmd := r.buildCmd(ctx, inv, layout, auditMounts)
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGKILL,
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return RunResult{}, appErr.Wrap(err, appErr.SpawnFailure)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return RunResult{}, appErr.Wrap(err, appErr.SpawnFailure)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return RunResult{}, appErr.Wrap(err, appErr.SpawnFailure)
	}

	logger.Info(ctx, "starting sandbox", zap.String("group", inv.GroupName))
	if err := cmd.Start(); err != nil {
		return RunResult{}, appErr.Wrapf(err, appErr.SpawnFailure, "start sandbox failed: %v", err)
	}

	pid := cmd.Process.Pid
	r.track(inv.RunID, pid)
	defer r.untrack(inv.RunID)
	if register != nil {
		register(inv.RunID, pid, layout)
	}

	go func() {
		enc := json.NewEncoder(stdin)
		if err := enc.Encode(input); err != nil {
			logger.Warn(ctx, "write sandbox stdin failed", zap.Error(err))
		}
		_ = stdin.Close()
	}()

	var stderrTail bytes.Buffer
	stderrDone := make(chan struct{})
	go func() {
		defer close(stderrDone)
		drainTail(stderr, &stderrTail, stderrTailBytes)
	}()

	timeout := inv.Timeout
	if timeout <= 0 {
		timeout = r.cfg.Timeout
	}
	byteCap := inv.MaxOutputBytes
	if byteCap <= 0 {
		byteCap = r.cfg.MaxOutputBytes
	}

	var timedOut, overflowed atomic.Bool
	killCtx, cancelKill := context.WithCancel(ctx)
	defer cancelKill()
	done := make(chan struct{})
	go func() {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case <-killCtx.Done():
			killProcessGroup(pid)
		case <-timer.C:
			timedOut.Store(true)
			killProcessGroup(pid)
		case <-done:
		}
	}()

	capped := &cappedReader{r: stdout, limit: byteCap, onExceed: func() {
		overflowed.Store(true)
		killProcessGroup(pid)
	}}
	terminal, sawTerminal := r.streamOutput(ctx, capped, &overflowed, pid, onOutput)

	waitErr := cmd.Wait()
	close(done)
	<-stderrDone

	switch {
	case timedOut.Load():
		logger.Warn(ctx, "sandbox timed out", zap.Duration("timeout", timeout))
		return RunResult{
			Kind:          KindTimedOut,
			FailureReason: fmt.Sprintf("sandbox exceeded %s deadline", timeout),
		}, nil
	case overflowed.Load():
		logger.Warn(ctx, "sandbox output overflow", zap.Int64("cap_bytes", byteCap))
		return RunResult{
			Kind:          KindOutputTooLarge,
			FailureReason: fmt.Sprintf("sandbox output exceeded %d bytes", byteCap),
		}, nil
	case sawTerminal && terminal.Status == StatusSuccess:
		return RunResult{
			Kind:            KindSuccess,
			Output:          terminal.Result,
			NewSessionToken: terminal.NewSessionToken,
		}, nil
	case sawTerminal:
		reason := terminal.Error
		if reason == "" {
			reason = "sandbox reported an error"
		}
		return RunResult{Kind: KindFailure, FailureReason: reason}, nil
	default:
		reason := "sandbox exited without a terminal result"
		if waitErr != nil {
			reason = fmt.Sprintf("%s: %v", reason, waitErr)
		}
		if tail := strings.TrimSpace(stderrTail.String()); tail != "" {
			logger.Warn(ctx, "sandbox stderr tail", zap.String("stderr", tail))
		}
		return RunResult{Kind: KindFailure, FailureReason: reason}, nil
	}
}

// cappedReader counts stdout bytes as they leave the pipe and fires onExceed
// once the limit is crossed. Counting at the read level means a sandbox
// flooding a single unterminated line trips the cap the same way newline
// floods do, instead of stalling on a full pipe until the wall deadline.
type cappedReader struct {
	r        io.Reader
	limit    int64
	read     int64
	onExceed func()
	fired    bool
}

func (c *cappedReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.read += int64(n)
	if !c.fired && c.read > c.limit {
		c.fired = true
		c.onExceed()
	}
	return n, err
}

// streamOutput consumes stdout line by line. A line that parses as a result
// frame is streamed to onOutput; the last frame seen is the terminal result.
// Once the byte cap has tripped the remaining output is drained unparsed so
// the child does not block on a full pipe while it reacts to the kill.
func (r *Runner) streamOutput(ctx context.Context, stdout io.Reader, overflowed *atomic.Bool, pid int, onOutput OnOutputFn) (Output, bool) {
	var (
		terminal    Output
		sawTerminal bool
	)
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		if overflowed.Load() {
			continue
		}
		line := scanner.Text()
		frame, ok := parseFrame(line)
		if !ok {
			logger.Debug(ctx, "sandbox log line", zap.String("line", line))
			continue
		}
		terminal = frame
		sawTerminal = true
		if onOutput != nil {
			onOutput(frame)
		}
	}
	if err := scanner.Err(); err != nil {
		// A line past the scanner buffer cannot be a result frame; the
		// sandbox is flooding without newlines, so classify it as an
		// output overflow rather than letting it ride out the deadline.
		if errors.Is(err, bufio.ErrTooLong) {
			overflowed.Store(true)
			killProcessGroup(pid)
		} else {
			logger.Warn(ctx, "sandbox stdout read failed", zap.Error(err))
		}
		_, _ = io.Copy(io.Discard, stdout)
	}
	return terminal, sawTerminal
}

// parseFrame interprets a stdout line as a structured result frame. Any line
// that is not a JSON object with a valid status field is diagnostic text.
func parseFrame(line string) (Output, bool) {
	trimmed := strings.TrimSpace(line)
	if !strings.HasPrefix(trimmed, "{") {
		return Output{}, false
	}
	var frame Output
	if err := json.Unmarshal([]byte(trimmed), &frame); err != nil {
		return Output{}, false
	}
	if frame.Status != StatusSuccess && frame.Status != StatusError {
		return Output{}, false
	}
	return frame, true
}

// KillActive force-terminates every tracked sandbox process group. Used on
// host shutdown to avoid orphaned children.
func (r *Runner) KillActive(ctx context.Context) {
	r.mu.Lock()
	pids := make(map[string]int, len(r.running))
	for id, pid := range r.running {
		pids[id] = pid
	}
	r.mu.Unlock()

	for runID, pid := range pids {
		logger.Info(ctx, "killing sandbox on shutdown", zap.String("run_id", runID), zap.Int("pid", pid))
		killProcessGroup(pid)
	}
}

// ActiveCount returns the number of currently tracked sandbox processes.
func (r *Runner) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.running)
}

func (r *Runner) track(runID string, pid int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.running[runID] = pid
}

func (r *Runner) untrack(runID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.running, runID)
}

func killProcessGroup(pid int) {
	if pid <= 0 {
		return
	}
	_ = syscall.Kill(-pid, syscall.SIGKILL)
}

// containerCommand builds the default container CLI invocation: group
// workspace, per-run dir, and group IPC outbox bind-mounted, approved extra
// mounts appended, agent entrypoint last.
func (r *Runner) containerCommand(ctx context.Context, inv Invocation, layout RunLayout, mounts []Mount) *exec.Cmd {
	name := fmt.Sprintf("burrow-%s-%d", inv.GroupFolder, time.Now().Unix())
	args := []string{
		"run",
		"--name", name,
		"--rm",
		"--memory", r.cfg.MemoryLimit,
		"--mount", fmt.Sprintf("type=bind,src=%s,dst=/workspace/group", layout.GroupDir),
		"--mount", fmt.Sprintf("type=bind,src=%s,dst=/workspace/run", layout.RunDir),
		"--mount", fmt.Sprintf("type=bind,src=%s,dst=/workspace/ipc", layout.IPCDir),
	}
	for _, m := range mounts {
		spec := fmt.Sprintf("type=bind,src=%s,dst=%s", m.HostPath, m.ContainerPath)
		if m.ReadOnly {
			spec += ",readonly"
		}
		args = append(args, "--mount", spec)
	}
	args = append(args,
		"--env", "GROUP_FOLDER="+inv.GroupFolder,
		"--env", fmt.Sprintf("IS_MAIN=%t", inv.IsMain),
		r.cfg.Image,
	)
	return exec.CommandContext(ctx, r.cfg.ContainerCLI, args...)
}

func drainTail(r io.Reader, tail *bytes.Buffer, limit int) {
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			tail.Write(buf[:n])
			if tail.Len() > limit {
				trimmed := tail.Bytes()[tail.Len()-limit:]
				rest := make([]byte, len(trimmed))
				copy(rest, trimmed)
				tail.Reset()
				tail.Write(rest)
			}
		}
		if err != nil {
			return
		}
	}
}
