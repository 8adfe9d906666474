package mountsec

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	appErr "burrow/pkg/errors"
	"burrow/pkg/utils/logger"

	"go.uber.org/zap"
)

// ExtraMountPrefix is where approved mounts appear inside the sandbox.
const ExtraMountPrefix = "/workspace/extra"

// MountRequest is a group's desired extra mount, before validation.
type MountRequest struct {
	// HostPath is the host directory or file, ~-expansion supported.
	HostPath string `json:"hostPath"`
	// ContainerPath is relative under ExtraMountPrefix; defaults to the
	// basename of HostPath.
	ContainerPath string `json:"containerPath,omitempty"`
	// Writable requests read-write access. Mounts are read-only unless this
	// is set and policy permits it.
	Writable bool `json:"writable,omitempty"`
}

// Mount is a validated, canonicalized bind mount.
type Mount struct {
	HostPath      string `json:"hostPath"`
	ContainerPath string `json:"containerPath"`
	ReadOnly      bool   `json:"readOnly"`
}

// Validator authorizes mount requests. It is pure over filesystem metadata:
// no side effects beyond path resolution.
type Validator struct {
	allowlist *Allowlist
	home      string
}

// NewValidator builds a validator over a loaded allowlist.
func NewValidator(list *Allowlist) *Validator {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "/home/user"
	}
	return &Validator{allowlist: list, home: home}
}

// Authorize validates every requested mount. It fails closed: the first
// denial aborts with a DeniedMount-class error naming the offending path, and
// the caller must abort the run rather than proceed with a partial mount set.
func (v *Validator) Authorize(ctx context.Context, requested []MountRequest, groupFolder string, isMain bool) ([]Mount, error) {
	mounts := make([]Mount, 0, len(requested))
	for _, req := range requested {
		mount, err := v.authorizeOne(req, isMain)
		if err != nil {
			logger.Warn(ctx, "mount request denied",
				zap.String("group", groupFolder),
				zap.String("host_path", req.HostPath),
				zap.Error(err))
			return nil, err
		}
		logger.Debug(ctx, "mount request approved",
			zap.String("group", groupFolder),
			zap.String("host_path", mount.HostPath),
			zap.String("container_path", mount.ContainerPath),
			zap.Bool("read_only", mount.ReadOnly))
		mounts = append(mounts, mount)
	}
	return mounts, nil
}

func (v *Validator) authorizeOne(req MountRequest, isMain bool) (Mount, error) {
	target := req.ContainerPath
	if target == "" {
		target = filepath.Base(req.HostPath)
	}
	if err := validateContainerPath(target); err != nil {
		return Mount{}, err
	}

	realPath, err := v.canonicalize(req.HostPath)
	if err != nil {
		return Mount{}, err
	}

	if pattern := matchBlockedPattern(realPath, v.allowlist.BlockedPatterns); pattern != "" {
		return Mount{}, appErr.Newf(appErr.BlockedMountPattern,
			"path %q matches blocked pattern %q", realPath, pattern)
	}

	root := v.findAllowedRoot(realPath)
	if root == nil {
		return Mount{}, appErr.Newf(appErr.DeniedMount,
			"path %q is not under any allowed root", realPath)
	}

	readOnly := true
	if req.Writable {
		switch {
		case !isMain && v.allowlist.NonMainReadOnly:
			// Forced read-only for non-privileged groups.
		case !root.AllowReadWrite:
			// Root does not permit writes.
		default:
			readOnly = false
		}
	}

	return Mount{
		HostPath:      realPath,
		ContainerPath: filepath.Join(ExtraMountPrefix, target),
		ReadOnly:      readOnly,
	}, nil
}

// canonicalize expands ~, makes the path absolute, and resolves symlinks. A
// path that does not exist cannot be canonicalized and is denied.
func (v *Validator) canonicalize(p string) (string, error) {
	expanded := v.expandHome(p)
	abs, err := filepath.Abs(expanded)
	if err != nil {
		return "", appErr.Wrapf(err, appErr.DeniedMount, "resolve %q failed", p)
	}
	real, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return "", appErr.Newf(appErr.MountPathNotFound,
			"host path does not exist: %q (expanded %q)", p, abs)
	}
	return real, nil
}

func (v *Validator) expandHome(p string) string {
	if p == "~" {
		return v.home
	}
	if strings.HasPrefix(p, "~/") {
		return filepath.Join(v.home, p[2:])
	}
	return p
}

// findAllowedRoot returns the most specific allowed root containing realPath.
// When roots overlap, the longest canonical root path wins and its
// AllowReadWrite flag governs.
func (v *Validator) findAllowedRoot(realPath string) *AllowedRoot {
	var best *AllowedRoot
	bestLen := -1
	for i := range v.allowlist.AllowedRoots {
		root := &v.allowlist.AllowedRoots[i]
		realRoot, err := v.canonicalizeRoot(root.Path)
		if err != nil {
			continue
		}
		if !isWithin(realRoot, realPath) {
			continue
		}
		if len(realRoot) > bestLen {
			best = root
			bestLen = len(realRoot)
		}
	}
	return best
}

func (v *Validator) canonicalizeRoot(p string) (string, error) {
	abs, err := filepath.Abs(v.expandHome(p))
	if err != nil {
		return "", err
	}
	return filepath.EvalSymlinks(abs)
}

// isWithin reports whether path equals root or is a descendant of it, using
// canonical paths only.
func isWithin(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

func matchBlockedPattern(realPath string, patterns []string) string {
	parts := strings.Split(realPath, string(filepath.Separator))
	for _, pattern := range patterns {
		for _, part := range parts {
			if part == pattern || strings.Contains(part, pattern) {
				return pattern
			}
		}
	}
	return ""
}

func validateContainerPath(target string) error {
	if strings.TrimSpace(target) == "" {
		return appErr.New(appErr.InvalidContainerPath).WithMessage("container path is empty")
	}
	if filepath.IsAbs(target) {
		return appErr.Newf(appErr.InvalidContainerPath, "container path %q must be relative", target)
	}
	clean := filepath.Clean(target)
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) || strings.Contains(target, "..") {
		return appErr.Newf(appErr.InvalidContainerPath, "container path %q escapes the extra mount root", target)
	}
	return nil
}
