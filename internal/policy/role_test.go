package policy

import (
	"errors"
	"testing"
)

func TestParseRole(t *testing.T) {
	t.Parallel()

	tests := map[string]Role{
		"owner":   RoleOwner,
		"Admin":   RoleAdmin,
		" friend": RoleFriend,
		"GUEST":   RoleGuest,
	}
	for in, want := range tests {
		got, err := ParseRole(in)
		if err != nil {
			t.Fatalf("ParseRole(%q): %v", in, err)
		}
		if got != want {
			t.Errorf("ParseRole(%q) = %s, want %s", in, got, want)
		}
	}

	if _, err := ParseRole("root"); !errors.Is(err, ErrUnknownRole) {
		t.Errorf("ParseRole(root) error = %v, want ErrUnknownRole", err)
	}
}

func TestRole_Ordering(t *testing.T) {
	t.Parallel()

	if !RoleOwner.AtLeast(RoleAdmin) || !RoleAdmin.AtLeast(RoleFriend) || !RoleFriend.AtLeast(RoleGuest) {
		t.Error("expected owner >= admin >= friend >= guest")
	}
	if RoleGuest.AtLeast(RoleFriend) {
		t.Error("guest must not satisfy friend")
	}
}

func TestRole_TextRoundTrip(t *testing.T) {
	t.Parallel()

	var r Role
	if err := r.UnmarshalText([]byte("admin")); err != nil {
		t.Fatal(err)
	}
	b, err := r.MarshalText()
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != "admin" {
		t.Errorf("MarshalText = %q, want admin", b)
	}
	if _, err := Role(42).MarshalText(); err == nil {
		t.Error("expected error for out-of-range role")
	}
}
