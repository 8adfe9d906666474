package sandbox

import (
	"encoding/json"
	"os"
	"path/filepath"

	appErr "burrow/pkg/errors"
)

// RunLayout is the on-disk shape of one invocation. The per-run directory is
// created before spawn and removed on every exit path; the group directories
// outlive the run.
type RunLayout struct {
	// GroupDir is the group's private workspace, mounted read-write.
	GroupDir string
	// IPCDir is the group's sandbox-to-host envelope base, holding the
	// messages/ and tasks/ outboxes the IPC watcher consumes.
	IPCDir string
	// RunDir is the run-scoped directory: audit records, snapshots, and the
	// host-to-sandbox input channel.
	RunDir string
	// InputDir receives follow-up message files piped to the live sandbox.
	InputDir string
}

const (
	ipcMessagesDir = "messages"
	ipcTasksDir    = "tasks"
	runInputDir    = "input"
)

func buildLayout(groupsDir, stateDir, groupFolder, runID string) RunLayout {
	runDir := filepath.Join(stateDir, "runs", runID)
	return RunLayout{
		GroupDir: filepath.Join(groupsDir, groupFolder),
		IPCDir:   filepath.Join(stateDir, "ipc", groupFolder),
		RunDir:   runDir,
		InputDir: filepath.Join(runDir, runInputDir),
	}
}

func (l RunLayout) create() error {
	dirs := []string{
		l.GroupDir,
		filepath.Join(l.IPCDir, ipcMessagesDir),
		filepath.Join(l.IPCDir, ipcTasksDir),
		l.InputDir,
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return appErr.Wrapf(err, appErr.WorkspaceError, "create run directory %s failed", dir)
		}
	}
	return nil
}

// cleanup removes the per-run directory. Group workspace and IPC outboxes are
// left alone: envelopes already written must still reach the watcher.
func (l RunLayout) cleanup() {
	_ = os.RemoveAll(l.RunDir)
}

// writeAudit records the exact input payload and mount manifest before the
// process starts.
func (l RunLayout) writeAudit(input Input, mounts []Mount) error {
	if err := writeJSON(filepath.Join(l.RunDir, "input.json"), input); err != nil {
		return err
	}
	return writeJSON(filepath.Join(l.RunDir, "mounts.json"), mounts)
}

// writeJSON writes a document atomically: temp file in the same directory,
// then rename.
func writeJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return appErr.Wrap(err, appErr.WorkspaceError)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return appErr.Wrapf(err, appErr.WorkspaceError, "write %s failed", path)
	}
	if err := os.Rename(tmp, path); err != nil {
		return appErr.Wrapf(err, appErr.WorkspaceError, "rename %s failed", path)
	}
	return nil
}

// WriteSnapshot atomically writes a JSON snapshot (tasks, groups) into a
// run directory so the sandbox can read it at startup.
func WriteSnapshot(runDir, name string, v interface{}) error {
	return writeJSON(filepath.Join(runDir, name), v)
}
