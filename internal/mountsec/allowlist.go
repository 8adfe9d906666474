// Package mountsec validates sandbox mount requests against a host-controlled
// allowlist kept outside every workspace, so an agent can never rewrite its
// own mount policy.
package mountsec

import (
	"encoding/json"
	"fmt"
	"os"

	appErr "burrow/pkg/errors"
)

// AllowedRoot is one directory tree that mounts may come from.
type AllowedRoot struct {
	// Path is an absolute path, or ~-prefixed for the home directory.
	Path string `json:"path"`
	// AllowReadWrite permits writable mounts under this root.
	AllowReadWrite bool `json:"allowReadWrite"`
	// Description is free-form documentation for operators.
	Description string `json:"description,omitempty"`
}

// Allowlist is the mount policy document. It is loaded once at startup and
// read-only afterwards; changes require a restart.
type Allowlist struct {
	AllowedRoots    []AllowedRoot `json:"allowedRoots"`
	BlockedPatterns []string      `json:"blockedPatterns"`
	// NonMainReadOnly forces every mount read-only for non-privileged groups.
	NonMainReadOnly bool `json:"nonMainReadOnly"`
}

// Paths that are never mountable regardless of operator configuration.
var defaultBlockedPatterns = []string{
	".ssh",
	".gnupg",
	".gpg",
	".aws",
	".azure",
	".gcloud",
	".kube",
	".docker",
	"credentials",
	".env",
	".netrc",
	".npmrc",
	".pypirc",
	"id_rsa",
	"id_ed25519",
	"private_key",
	".secret",
}

// LoadAllowlist reads and parses the allowlist file. An unreadable or
// malformed file is an unrecoverable startup error; callers must not proceed
// without a policy.
func LoadAllowlist(path string) (*Allowlist, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.AllowlistUnreadable, "read mount allowlist %s failed", path)
	}

	var list Allowlist
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, appErr.Wrapf(err, appErr.AllowlistUnreadable, "parse mount allowlist %s failed", path)
	}

	list.BlockedPatterns = mergeBlockedPatterns(list.BlockedPatterns)
	return &list, nil
}

func mergeBlockedPatterns(extra []string) []string {
	seen := make(map[string]struct{}, len(defaultBlockedPatterns)+len(extra))
	merged := make([]string, 0, len(defaultBlockedPatterns)+len(extra))
	for _, p := range append(append([]string{}, defaultBlockedPatterns...), extra...) {
		if p == "" {
			continue
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		merged = append(merged, p)
	}
	return merged
}

// Template returns a starter allowlist document for operators to customize.
func Template() string {
	tpl := Allowlist{
		AllowedRoots: []AllowedRoot{
			{Path: "~/projects", AllowReadWrite: true, Description: "Development projects"},
			{Path: "~/Documents/work", AllowReadWrite: false, Description: "Work documents (read-only)"},
		},
		BlockedPatterns: []string{"password", "secret", "token"},
		NonMainReadOnly: true,
	}
	out, err := json.MarshalIndent(tpl, "", "  ")
	if err != nil {
		return fmt.Sprintf("marshal template: %v", err)
	}
	return string(out)
}
