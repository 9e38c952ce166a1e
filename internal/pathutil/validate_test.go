package pathutil

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
)

func TestWithin(t *testing.T) {
	scenarios := t.TempDir()
	other := t.TempDir()
	nested := filepath.Join(scenarios, "nightly")
	if err := os.MkdirAll(nested, 0700); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		path    string
		dirs    []string
		wantErr string
	}{
		{"inside", filepath.Join(scenarios, "a.yaml"), []string{scenarios}, ""},
		{"nested", filepath.Join(nested, "a.yaml"), []string{scenarios}, ""},
		{"the directory itself", scenarios, []string{scenarios}, ""},
		{"doubled separator", scenarios + string(os.PathSeparator) + string(os.PathSeparator) + "a.yaml", []string{scenarios}, ""},
		{"second dir matches", filepath.Join(other, "a.yaml"), []string{scenarios, other}, ""},
		{"outside", filepath.Join(other, "a.yaml"), []string{scenarios}, "outside the allowed directories"},
		{"dot-dot escape", filepath.Join(scenarios, "..", "etc", "passwd"), []string{scenarios}, "outside the allowed directories"},
		{"nested dot-dot escape", filepath.Join(nested, "..", "..", "passwd"), []string{scenarios}, "outside the allowed directories"},
		{"null byte", filepath.Join(scenarios, "a\x00.yaml"), []string{scenarios}, "null byte"},
		{"empty path", "", []string{scenarios}, "empty"},
		{"no dirs", filepath.Join(scenarios, "a.yaml"), nil, "no allowed directories"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Within(tt.path, tt.dirs)
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Within() error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Within() error = %v, want %q", err, tt.wantErr)
			}
		})
	}
}

func TestWithin_Symlinks(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlinks need privileges on Windows")
	}

	scenarios := t.TempDir()
	outside := t.TempDir()
	real := filepath.Join(scenarios, "real")
	if err := os.MkdirAll(real, 0700); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink(outside, filepath.Join(scenarios, "escape")); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink(real, filepath.Join(scenarios, "link")); err != nil {
		t.Fatal(err)
	}

	if err := Within(filepath.Join(scenarios, "escape", "a.yaml"), []string{scenarios}); err == nil {
		t.Error("Within() accepted a symlink leading outside")
	}
	if err := Within(filepath.Join(scenarios, "link", "a.yaml"), []string{scenarios}); err != nil {
		t.Errorf("Within() rejected a symlink staying inside: %v", err)
	}
}

func TestRedactPath(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"", ""},
		{"/home/user/.simcore/scenarios/a.yaml", ".../scenarios/a.yaml"},
		{"/a.yaml", "a.yaml"},
		{"a.yaml", "a.yaml"},
		{"dir/a.yaml", ".../dir/a.yaml"},
		{"/home/user/.simcore/", ".../user/.simcore"},
	}
	for _, tt := range tests {
		if got := RedactPath(tt.input); got != tt.want {
			t.Errorf("RedactPath(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}
