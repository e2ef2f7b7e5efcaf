package logger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRotatingWriter(t *testing.T) {
	t.Run("creates directory and appends", func(t *testing.T) {
		logFile := filepath.Join(t.TempDir(), "sub", "test.log")
		rw, err := NewRotatingWriter(logFile, 10, 7, false)
		require.NoError(t, err)
		defer rw.Close()

		n, err := rw.Write([]byte("first line\n"))
		require.NoError(t, err)
		assert.Equal(t, 11, n)

		content, err := os.ReadFile(logFile)
		require.NoError(t, err)
		assert.Equal(t, "first line\n", string(content))
	})

	t.Run("rotates past max size", func(t *testing.T) {
		dir := t.TempDir()
		logFile := filepath.Join(dir, "test.log")
		rw, err := NewRotatingWriter(logFile, 1, 7, false)
		require.NoError(t, err)
		defer rw.Close()
		rw.maxSize = 100

		_, err = rw.Write([]byte(strings.Repeat("a", 80)))
		require.NoError(t, err)
		_, err = rw.Write([]byte(strings.Repeat("b", 80)))
		require.NoError(t, err)

		rolled, err := filepath.Glob(logFile + ".*")
		require.NoError(t, err)
		require.Len(t, rolled, 1)

		old, err := os.ReadFile(rolled[0])
		require.NoError(t, err)
		assert.Equal(t, strings.Repeat("a", 80), string(old))

		current, err := os.ReadFile(logFile)
		require.NoError(t, err)
		assert.Equal(t, strings.Repeat("b", 80), string(current))
	})

	t.Run("write after close fails", func(t *testing.T) {
		rw, err := NewRotatingWriter(filepath.Join(t.TempDir(), "test.log"), 1, 0, false)
		require.NoError(t, err)
		require.NoError(t, rw.Close())
		require.NoError(t, rw.Close())

		_, err = rw.Write([]byte("x"))
		assert.ErrorIs(t, err, os.ErrClosed)
	})
}

func TestCompressFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.log.1")
	require.NoError(t, os.WriteFile(path, []byte("rolled content"), 0o644))

	require.NoError(t, compressFile(path))

	_, err := os.Stat(path + ".gz")
	assert.NoError(t, err)
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestCleanup(t *testing.T) {
	dir := t.TempDir()
	logFile := filepath.Join(dir, "test.log")

	oldFile := logFile + ".20200101-120000.000000"
	require.NoError(t, os.WriteFile(oldFile, []byte("old"), 0o644))
	oldTime := time.Now().AddDate(0, 0, -10)
	require.NoError(t, os.Chtimes(oldFile, oldTime, oldTime))

	recentFile := logFile + ".20991231-120000.000000"
	require.NoError(t, os.WriteFile(recentFile, []byte("recent"), 0o644))

	rw := &RotatingWriter{filename: logFile, maxAge: 7}
	rw.cleanup()

	_, err := os.Stat(oldFile)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(recentFile)
	assert.NoError(t, err)
}
