package policy

import (
	"fmt"
	"strings"
)

// Role is the privilege tier attached to an inbound request by the caller.
// Roles are totally ordered: owner > admin > friend > guest.
type Role int

// Known roles, lowest privilege first so comparisons read naturally.
const (
	RoleGuest Role = iota
	RoleFriend
	RoleAdmin
	RoleOwner
)

var roleNames = [...]string{
	RoleGuest:  "guest",
	RoleFriend: "friend",
	RoleAdmin:  "admin",
	RoleOwner:  "owner",
}

// String returns the lowercase role name.
func (r Role) String() string {
	if r < RoleGuest || r > RoleOwner {
		return fmt.Sprintf("role(%d)", int(r))
	}
	return roleNames[r]
}

// AtLeast reports whether r carries at least the privilege of minimum.
func (r Role) AtLeast(minimum Role) bool {
	return r >= minimum
}

// ParseRole converts a role name (case-insensitive) into a Role.
func ParseRole(s string) (Role, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for i, n := range roleNames {
		if n == name {
			return Role(i), nil
		}
	}
	return RoleGuest, fmt.Errorf("%w: %q", ErrUnknownRole, s)
}

// MarshalText implements encoding.TextMarshaler.
func (r Role) MarshalText() ([]byte, error) {
	if r < RoleGuest || r > RoleOwner {
		return nil, fmt.Errorf("%w: %d", ErrUnknownRole, int(r))
	}
	return []byte(r.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (r *Role) UnmarshalText(text []byte) error {
	parsed, err := ParseRole(string(text))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}
