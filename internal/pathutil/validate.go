// Package pathutil confines file access requested by remote clients to
// configured directories.
package pathutil

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// RedactPath shortens a path to .../<parent>/<base> for error messages.
// "/home/user/.simcore/scenarios/a.yaml" becomes ".../scenarios/a.yaml".
func RedactPath(path string) string {
	if path == "" {
		return ""
	}
	cleaned := filepath.Clean(path)
	parent := filepath.Base(filepath.Dir(cleaned))
	if parent == "." || parent == string(filepath.Separator) {
		return filepath.Base(cleaned)
	}
	return ".../" + parent + "/" + filepath.Base(cleaned)
}

// Within returns nil if path resolves inside one of dirs. Symlinks are
// resolved on both sides, so a link inside a directory cannot point out of it.
func Within(path string, dirs []string) error {
	if path == "" {
		return fmt.Errorf("path is empty")
	}
	if len(dirs) == 0 {
		return fmt.Errorf("no allowed directories configured")
	}
	if strings.ContainsRune(path, '\x00') {
		return fmt.Errorf("path contains null byte")
	}

	abs, err := filepath.Abs(filepath.Clean(path))
	if err != nil {
		return fmt.Errorf("resolving %s: %w", RedactPath(path), err)
	}
	parent, err := resolve(filepath.Dir(abs))
	if err != nil {
		return err
	}
	resolved := filepath.Join(parent, filepath.Base(abs))

	for _, dir := range dirs {
		dirAbs, err := filepath.Abs(filepath.Clean(dir))
		if err != nil {
			continue
		}
		dirResolved, err := resolve(dirAbs)
		if err != nil {
			continue
		}
		if isSubpath(resolved, dirResolved) {
			return nil
		}
	}
	return fmt.Errorf("%s is outside the allowed directories", RedactPath(abs))
}

// resolve evaluates symlinks on the deepest existing ancestor of dir and
// re-appends the missing tail.
func resolve(dir string) (string, error) {
	if r, err := filepath.EvalSymlinks(dir); err == nil {
		return r, nil
	}
	parent := filepath.Dir(dir)
	if parent == dir {
		return "", fmt.Errorf("cannot resolve %s", RedactPath(dir))
	}
	r, err := resolve(parent)
	if err != nil {
		return "", err
	}
	return filepath.Join(r, filepath.Base(dir)), nil
}

func isSubpath(path, base string) bool {
	return path == base || strings.HasPrefix(path, base+string(os.PathSeparator))
}
