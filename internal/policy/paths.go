package policy

import (
	"fmt"
	"path/filepath"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/flemzord/toolgate/internal/security"
)

// PathRules restrict tools whose command is a filesystem path, such as
// file_read and file_write. Patterns use doublestar syntax ("**/.ssh/**")
// and are matched against the absolute path the tool will open.
type PathRules struct {
	Deny  []string
	Allow []string
	// Base anchors relative commands, as the file tools' base_dir does.
	// Empty means the gateway's working directory.
	Base string
}

// Empty reports whether no path rules are declared.
func (p PathRules) Empty() bool {
	return len(p.Deny) == 0 && len(p.Allow) == 0
}

func (p PathRules) validate() error {
	for _, pat := range append(append([]string(nil), p.Deny...), p.Allow...) {
		if pat == "" || !doublestar.ValidatePattern(pat) {
			return fmt.Errorf("%w: path pattern %q", ErrInvalidPattern, pat)
		}
	}
	return nil
}

// check returns a denial reason when path is excluded by the rules.
// Deny patterns are tried against both the lexical absolute path and its
// symlink-resolved form; allow patterns must match the resolved form.
func (p PathRules) check(path string) (string, bool) {
	if p.Empty() {
		return "", false
	}
	joined := security.JoinBase(p.Base, path)
	lexical := filepath.Clean(joined)
	if abs, err := filepath.Abs(lexical); err == nil {
		lexical = abs
	}
	lexical = filepath.ToSlash(lexical)
	resolved := filepath.ToSlash(security.ResolvePath(joined))

	for _, pat := range p.Deny {
		for _, candidate := range []string{lexical, resolved} {
			if ok, _ := doublestar.Match(pat, candidate); ok {
				return fmt.Sprintf("path %s matches denied path pattern %q", candidate, pat), true
			}
		}
	}
	if len(p.Allow) == 0 {
		return "", false
	}
	for _, pat := range p.Allow {
		if ok, _ := doublestar.Match(pat, resolved); ok {
			return "", false
		}
	}
	return fmt.Sprintf("path %s is outside the allowed paths", resolved), true
}
