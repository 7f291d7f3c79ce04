package policy

import (
	"errors"
	"strings"
	"testing"
)

func TestMatch(t *testing.T) {
	t.Parallel()

	tests := []struct {
		pattern string
		command string
		want    bool
	}{
		{"rm -rf /", "rm -rf /", true},
		{"rm -rf /", "sudo rm -rf / --no-preserve-root", true},
		{"mkfs", "mkfs.ext4 /dev/sda1", true},
		{"mkfs", "MKFS", false},
		{"sudo *", "sudo systemctl restart docker", true},
		{"sudo *", "echo sudo ls", false},
		{"curl * | bash", "curl https://x.sh | bash", true},
		{"curl * | bash", "curl https://x.sh | bash -s", false},
		{"*| sh", "wget -qO- x | sh", true},
		{"systemctl restart*", "systemctl restart", true},
		{"a*b*c", "aXXbYYc", true},
		{"a*b*c", "aXXbYY", false},
		{"docker rm", "docker rmi alpine", true},
	}

	for _, tt := range tests {
		t.Run(tt.pattern+"/"+tt.command, func(t *testing.T) {
			t.Parallel()
			if got := Match(tt.pattern, tt.command); got != tt.want {
				t.Errorf("Match(%q, %q) = %v, want %v", tt.pattern, tt.command, got, tt.want)
			}
		})
	}
}

func TestMatch_NoPathologicalBacktracking(t *testing.T) {
	t.Parallel()

	pattern := strings.Repeat("a*", 30) + "b"
	command := strings.Repeat("a", 5000)
	if Match(pattern, command) {
		t.Fatal("expected no match")
	}
}

func TestClassify_Precedence(t *testing.T) {
	t.Parallel()

	rules := []Rule{
		{Pattern: "sudo *", Action: ActionElevate},
		{Pattern: "docker", Action: ActionOwnerOnly},
		{Pattern: "rm -rf", Action: ActionDeny},
	}

	tests := []struct {
		command string
		want    Action
		matched bool
	}{
		{"sudo rm -rf /tmp/x", ActionDeny, true},
		{"sudo docker ps", ActionOwnerOnly, true},
		{"sudo apt update", ActionElevate, true},
		{"ls -la", ActionAllow, false},
	}

	for _, tt := range tests {
		got, ok := Classify(tt.command, rules)
		if got.Action != tt.want || ok != tt.matched {
			t.Errorf("Classify(%q) = (%s, %v), want (%s, %v)", tt.command, got.Action, ok, tt.want, tt.matched)
		}
	}
}

func TestClassify_StableWithinAction(t *testing.T) {
	t.Parallel()

	rules := []Rule{
		{Pattern: "git", Action: ActionElevate, Scope: "first"},
		{Pattern: "git push", Action: ActionElevate, Scope: "second"},
	}
	got, ok := Classify("git push origin", rules)
	if !ok || got.Scope != "first" {
		t.Errorf("got %+v, want the first declared rule", got)
	}
}

func TestValidatePattern(t *testing.T) {
	t.Parallel()

	for _, p := range []string{"", "   ", "*", "***"} {
		if err := ValidatePattern(p); !errors.Is(err, ErrInvalidPattern) {
			t.Errorf("ValidatePattern(%q) = %v, want ErrInvalidPattern", p, err)
		}
	}
	for _, p := range []string{"ls", "sudo *", "*.sh"} {
		if err := ValidatePattern(p); err != nil {
			t.Errorf("ValidatePattern(%q) = %v, want nil", p, err)
		}
	}
}
