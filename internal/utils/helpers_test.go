package utils

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnsureDir_Creates(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "a", "b", "c")
	result, err := EnsureDir(dir)
	require.NoError(t, err)
	assert.Equal(t, dir, result)

	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestEnsureDir_ExistingDir(t *testing.T) {
	dir := t.TempDir()
	result, err := EnsureDir(dir)
	require.NoError(t, err)
	assert.Equal(t, dir, result)
}

func TestWriteFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x", "y.txt")
	require.NoError(t, WriteFile(path, []byte("hi"), 0600))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "hi", string(data))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "hello", Truncate("hello", 10, "..."))
	assert.Equal(t, "hello", Truncate("hello", 5, "..."))
	assert.Equal(t, "he...", Truncate("hello world", 5, "..."))
	assert.Equal(t, "hello…", Truncate("hello world", 6, "…"))
	assert.Equal(t, "你好...", Truncate("你好世界和平", 5, ""))
}

func TestChunk(t *testing.T) {
	assert.Equal(t, []string{"short"}, Chunk("short", 10))

	parts := Chunk(strings.Repeat("字", 25), 10)
	require.Len(t, parts, 3)
	assert.Len(t, []rune(parts[0]), 10)
	assert.Len(t, []rune(parts[2]), 5)

	parts = Chunk("aaaa bbbb cccc", 10)
	assert.Equal(t, []string{"aaaa bbbb ", "cccc"}, parts)
	assert.Equal(t, "aaaa bbbb cccc", strings.Join(parts, ""))
}
