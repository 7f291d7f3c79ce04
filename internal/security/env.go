package security

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// sensitiveEnvPrefixes are environment variable prefixes that are stripped
// from tool server environments. Secrets a tool actually needs are passed
// explicitly through its launch env instead.
var sensitiveEnvPrefixes = []string{
	"TOOLGATE_",
	"OPENAI_",
	"ANTHROPIC_",
	"AWS_SECRET",
	"AWS_SESSION_TOKEN",
	"GITHUB_TOKEN",
	"GH_TOKEN",
	"GITLAB_TOKEN",
	"BRAVE_API_KEY",
	"SMTP_PASSWORD",
}

// sensitiveEnvExact are environment variable names that are stripped exactly.
// DATABASE_URL and DB_PASSWORD are exact-only to avoid over-blocking variables
// like DB_PORT or DATABASE_HOST which share the same prefix.
var sensitiveEnvExact = map[string]struct{}{
	"AWS_SECRET_ACCESS_KEY": {},
	"DATABASE_URL":          {},
	"DB_PASSWORD":           {},
	"REDIS_PASSWORD":        {},
}

// SanitizedEnv returns a copy of os.Environ() with sensitive variables
// removed and credential values redacted. See SanitizeEnv.
func SanitizedEnv(store *CredentialStore) []string {
	return SanitizeEnv(os.Environ(), store)
}

// SanitizeEnv filters env, a list of KEY=VALUE pairs. Sensitive variables
// are dropped, and any credential value registered in store is replaced
// in the remaining values.
func SanitizeEnv(env []string, store *CredentialStore) []string {
	result := make([]string, 0, len(env))

	var secrets []string
	if store != nil {
		secrets = store.Values()
	}

	for _, entry := range env {
		key, _, ok := strings.Cut(entry, "=")
		if !ok {
			continue
		}
		if isSensitiveEnvVar(key) {
			continue
		}

		// Secrets shorter than 8 characters are too likely to collide with
		// ordinary values ("yes", "true").
		sanitized := entry
		for _, secret := range secrets {
			if len(secret) >= 8 && strings.Contains(sanitized, secret) {
				sanitized = strings.ReplaceAll(sanitized, secret, RedactPlaceholder)
			}
		}

		result = append(result, sanitized)
	}

	return result
}

// isSensitiveEnvVar checks if an environment variable name matches
// a known sensitive prefix or exact name.
func isSensitiveEnvVar(name string) bool {
	upper := strings.ToUpper(name)

	if _, ok := sensitiveEnvExact[upper]; ok {
		return true
	}
	for _, prefix := range sensitiveEnvPrefixes {
		if strings.HasPrefix(upper, prefix) {
			return true
		}
	}
	return false
}

// ErrRestrictedPath is returned when a file tool targets a restricted
// system path (/proc, /sys, /dev).
var ErrRestrictedPath = errors.New("access to restricted path is not allowed")

// JoinBase anchors a relative path at base. Absolute paths and an empty
// base leave path unchanged.
func JoinBase(base, path string) string {
	if base == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(base, path)
}

// ResolvePath returns the absolute, symlink-resolved form of path. Paths
// that do not exist yet resolve their longest existing parent so a write
// target cannot escape through a symlinked directory.
func ResolvePath(path string) string {
	cleaned := filepath.Clean(path)
	if abs, err := filepath.Abs(cleaned); err == nil {
		cleaned = abs
	}
	if resolved, err := filepath.EvalSymlinks(cleaned); err == nil {
		return resolved
	}
	dir, base := filepath.Split(cleaned)
	dir = filepath.Clean(dir)
	if dir == cleaned {
		return cleaned
	}
	return filepath.Join(ResolvePath(dir), base)
}

// ValidatePath checks that a filesystem path does not reach /proc, /sys
// or /dev, which could leak secrets or allow device manipulation. It
// returns the resolved path that was checked.
func ValidatePath(path string) (string, error) {
	resolved := ResolvePath(path)
	normalized := strings.ToLower(resolved) + "/"

	for _, prefix := range []string{"/proc/", "/sys/", "/dev/"} {
		if strings.HasPrefix(normalized, prefix) {
			return "", fmt.Errorf("%w: %s", ErrRestrictedPath, path)
		}
	}
	return resolved, nil
}
