// Package utils provides shared helper functions.
package utils

import (
	"os"
	"path/filepath"
	"strings"
)

// EnsureDir ensures a directory exists, creating it if necessary.
func EnsureDir(path string) (string, error) {
	if err := os.MkdirAll(path, 0755); err != nil {
		return "", err
	}
	return path, nil
}

// WriteFile writes data to path, creating parent directories first.
func WriteFile(path string, data []byte, perm os.FileMode) error {
	if _, err := EnsureDir(filepath.Dir(path)); err != nil {
		return err
	}
	return os.WriteFile(path, data, perm)
}

// Truncate shortens s to at most maxLen characters, adding suffix if
// truncated. Lengths count runes, so multi-byte text is never split.
func Truncate(s string, maxLen int, suffix string) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	if suffix == "" {
		suffix = "..."
	}
	cutoff := maxLen - len([]rune(suffix))
	if cutoff < 0 {
		cutoff = 0
	}
	return string(runes[:cutoff]) + suffix
}

// Chunk splits s into pieces of at most size runes. Pieces break at the
// last newline or space in the window when there is one.
func Chunk(s string, size int) []string {
	runes := []rune(s)
	if size <= 0 || len(runes) <= size {
		return []string{s}
	}
	var parts []string
	for len(runes) > size {
		end := size
		window := string(runes[:size])
		if i := strings.LastIndexAny(window, "\n "); i > 0 {
			if n := len([]rune(window[:i])); n > size/2 {
				end = n + 1
			}
		}
		parts = append(parts, string(runes[:end]))
		runes = runes[end:]
	}
	if len(runes) > 0 {
		parts = append(parts, string(runes))
	}
	return parts
}
