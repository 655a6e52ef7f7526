// Package scan discovers candidate plugin executables in a directory.
package scan

import (
	"fmt"
	"os"
	"path/filepath"
)

// Dir lists the executable regular files directly under dir, in filename
// order. Non-executable files, subdirectories, and dotfiles are skipped.
// The returned error means the directory itself could not be read.
func Dir(dir string) ([]string, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve plugin directory %q: %w", dir, err)
	}

	entries, err := os.ReadDir(abs)
	if err != nil {
		return nil, fmt.Errorf("read plugin directory %s: %w", abs, err)
	}

	var out []string
	for _, entry := range entries {
		if entry.IsDir() || entry.Name()[0] == '.' {
			continue
		}
		full := filepath.Join(abs, entry.Name())
		if IsExecutable(full) {
			out = append(out, full)
		}
	}
	return out, nil
}

// IsExecutable reports whether path is a regular file with an execute bit.
func IsExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	mode := info.Mode()
	return mode.IsRegular() && mode&0111 != 0
}
