//nolint:paralleltest // Tests modify package-level session log state, cannot run in parallel
package pasori

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// cleanupSessionLog ensures session log state is clean after tests.
func cleanupSessionLog(t *testing.T) {
	t.Helper()
	t.Cleanup(func() {
		_ = CloseSessionLog()
	})
}

func TestInitSessionLog_CreatesFile(t *testing.T) {
	cleanupSessionLog(t)
	dir := t.TempDir()

	path, err := InitSessionLog(dir)
	require.NoError(t, err)
	assert.Equal(t, dir, filepath.Dir(path))

	_, err = os.Stat(path)
	require.NoError(t, err, "Log file should exist")

	// pasori_YYYYMMDD_HHMMSS.log
	matched, err := regexp.MatchString(`^pasori_\d{8}_\d{6}\.log$`, filepath.Base(path))
	require.NoError(t, err)
	assert.True(t, matched, "unexpected log name: %s", path)
}

func TestInitSessionLog_InvalidDirectory(t *testing.T) {
	cleanupSessionLog(t)

	_, err := InitSessionLog(filepath.Join(t.TempDir(), "missing", "dir"))
	require.Error(t, err)
	assert.Empty(t, GetSessionLogPath())
}

func TestSessionLog_HeaderMessagesFooter(t *testing.T) {
	cleanupSessionLog(t)
	origEnabled := DebugEnabled()
	SetDebugEnabled(false)
	t.Cleanup(func() { SetDebugEnabled(origEnabled) })

	path, err := InitSessionLog(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, path, GetSessionLogPath())

	// Written even with console debugging off
	Debugf("polled %s", SystemCodeNDEF)
	require.NoError(t, CloseSessionLog())
	assert.Empty(t, GetSessionLogPath())

	content, err := os.ReadFile(path) //nolint:gosec // path is from InitSessionLog
	require.NoError(t, err)
	text := string(content)

	assert.True(t, strings.HasPrefix(text, "=== PaSoRi Debug Session Log ==="))
	assert.Contains(t, text, "DEBUG: polled 12FC")
	assert.Contains(t, text, "=== Session ended ===")
}

func TestCloseSessionLog_NothingOpen(t *testing.T) {
	cleanupSessionLog(t)
	require.NoError(t, CloseSessionLog())
	require.NoError(t, CloseSessionLog())
}

func TestMultipleInitCloseCycles(t *testing.T) {
	cleanupSessionLog(t)
	dir := t.TempDir()

	for i := range 3 {
		path, err := InitSessionLog(dir)
		require.NoError(t, err, "Init cycle %d failed", i)

		Debugf("Test message %d", i)
		require.NoError(t, CloseSessionLog(), "Close cycle %d failed", i)
		assert.Empty(t, GetSessionLogPath())

		content, err := os.ReadFile(path) //nolint:gosec // path is from InitSessionLog
		require.NoError(t, err)
		assert.Contains(t, string(content), "Test message")
	}
}

func TestInitSessionLog_ReplacesOpenLog(t *testing.T) {
	cleanupSessionLog(t)

	first, err := InitSessionLog(t.TempDir())
	require.NoError(t, err)
	second, err := InitSessionLog(t.TempDir())
	require.NoError(t, err)

	assert.NotEqual(t, first, second)
	assert.Equal(t, second, GetSessionLogPath())

	Debugf("only in the second log")
	require.NoError(t, CloseSessionLog())

	content, err := os.ReadFile(first) //nolint:gosec // path is from InitSessionLog
	require.NoError(t, err)
	assert.NotContains(t, string(content), "only in the second log")
}

func TestWriteSessionHeader_ContentFormat(t *testing.T) {
	var buf strings.Builder

	writeSessionHeader(&buf)

	content := buf.String()
	assert.True(t, strings.HasPrefix(content, "=== PaSoRi Debug Session Log ==="))
	for _, field := range []string{"Started:", "PID:", "OS:", "Go Version:", "Command Line:"} {
		assert.Contains(t, content, field)
	}
	assert.True(t, strings.HasSuffix(content, "=================================\n\n"))
}
