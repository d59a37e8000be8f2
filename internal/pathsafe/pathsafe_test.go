package pathsafe

import (
	"errors"
	"path/filepath"
	"testing"
)

func TestIsWithin(t *testing.T) {
	root := t.TempDir()
	tests := []struct {
		name      string
		candidate string
		want      bool
	}{
		{"root itself", root, true},
		{"child", filepath.Join(root, "a.txt"), true},
		{"nested", filepath.Join(root, "a", "b", "c"), true},
		{"sibling with shared prefix", root + "-other", false},
		{"parent", filepath.Dir(root), false},
		{"dotdot escape", filepath.Join(root, "a", "..", "..", "x"), false},
		{"dotdot that stays inside", filepath.Join(root, "a", "..", "b"), true},
		{"unrelated absolute", "/etc/passwd", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsWithin(root, tt.candidate); got != tt.want {
				t.Errorf("IsWithin(%q, %q) = %v, want %v", root, tt.candidate, got, tt.want)
			}
		})
	}
}

func TestValidateMemberPath(t *testing.T) {
	root := t.TempDir()
	tests := []struct {
		member string
		ok     bool
	}{
		{"a.txt", true},
		{"dir/b.txt", true},
		{"dir/", true},
		{"..config", true},
		{"...hidden", true},
		{"./a.txt", true},
		{"../../etc/passwd", false},
		{"a/../../b", false},
		{"a/..", false},
		{"..", false},
		{`a\..\..\b`, false},
		{"/etc/passwd", false},
		{`\windows\system32`, false},
		{"C:/boot.ini", false},
		{`C:\boot.ini`, false},
		{"", false},
		{"a\x00b", false},
	}
	for _, tt := range tests {
		err := ValidateMemberPath(root, tt.member)
		if tt.ok && err != nil {
			t.Errorf("ValidateMemberPath(%q) unexpected error: %v", tt.member, err)
		}
		if !tt.ok {
			if err == nil {
				t.Errorf("ValidateMemberPath(%q) expected error", tt.member)
				continue
			}
			if !errors.Is(err, ErrTraversal) {
				t.Errorf("ValidateMemberPath(%q) error %v does not match ErrTraversal", tt.member, err)
			}
			var pe *PathError
			if !errors.As(err, &pe) || pe.Member != tt.member {
				t.Errorf("ValidateMemberPath(%q) expected PathError naming the member, got %v", tt.member, err)
			}
		}
	}
}

func TestValidateLinkTarget(t *testing.T) {
	root := t.TempDir()
	tests := []struct {
		member string
		target string
		ok     bool
	}{
		{"link", "a.txt", true},
		{"dir/link", "../a.txt", true},
		{"dir/sub/link", "../../a.txt", true},
		{"link", "../outside", false},
		{"dir/link", "../../outside", false},
		{"link", "/etc/passwd", false},
		{"link", "", false},
	}
	for _, tt := range tests {
		err := ValidateLinkTarget(root, tt.member, tt.target)
		if (err == nil) != tt.ok {
			t.Errorf("ValidateLinkTarget(%q -> %q) err = %v, want ok=%v", tt.member, tt.target, err, tt.ok)
		}
	}
}

func TestValidateHardlinkTarget(t *testing.T) {
	root := t.TempDir()
	if err := ValidateHardlinkTarget(root, "b", "dir/a.txt"); err != nil {
		t.Fatalf("expected safe hardlink, got %v", err)
	}
	if err := ValidateHardlinkTarget(root, "b", "../a.txt"); !errors.Is(err, ErrTraversal) {
		t.Fatalf("expected traversal error, got %v", err)
	}
	if err := ValidateHardlinkTarget(root, "b", "/etc/shadow"); !errors.Is(err, ErrTraversal) {
		t.Fatalf("expected traversal error, got %v", err)
	}
}
