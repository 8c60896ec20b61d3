package mount

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

type fileAllowlist struct {
	AllowedRoots    []string `yaml:"allowed_roots"`
	BlockedGlobs    []string `yaml:"blocked_globs"`
	NonMainReadOnly bool     `yaml:"non_main_read_only"`
}

// LoadAllowlist reads the external mount allowlist YAML document from
// path. A missing file yields an empty (deny-all) allowlist rather than
// an error, since an absent allowlist should not crash the supervisor.
func LoadAllowlist(path string) (Allowlist, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Allowlist{}, nil
		}
		return Allowlist{}, fmt.Errorf("read mount allowlist %s: %w", path, err)
	}

	var parsed fileAllowlist
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return Allowlist{}, fmt.Errorf("decode mount allowlist %s: %w", path, err)
	}
	return Allowlist{
		AllowedRoots:    parsed.AllowedRoots,
		BlockedGlobs:    parsed.BlockedGlobs,
		NonMainReadOnly: parsed.NonMainReadOnly,
	}, nil
}

func expandUser(path string) (string, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return "", fmt.Errorf("empty path")
	}
	if trimmed == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return home, nil
	}
	if strings.HasPrefix(trimmed, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, strings.TrimPrefix(trimmed, "~/")), nil
	}
	return trimmed, nil
}
