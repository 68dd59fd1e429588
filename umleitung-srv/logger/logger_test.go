package logger

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// captureOutput redirects the package logger into a buffer while f runs.
func captureOutput(t *testing.T, f func()) string {
	t.Helper()
	var buf bytes.Buffer
	old := stdLogger.Writer()
	stdLogger.SetOutput(&buf)
	defer stdLogger.SetOutput(old)
	f()
	return buf.String()
}

func restoreLevel(t *testing.T) {
	t.Helper()
	original := GetLevel()
	t.Cleanup(func() { SetLevel(original) })
}

func TestSetLevel(t *testing.T) {
	restoreLevel(t)

	for _, level := range []LogLevel{TRACE, DEBUG, INFO, WARN, ERROR, FATAL} {
		t.Run(level.String(), func(t *testing.T) {
			SetLevel(level)
			assert.Equal(t, level, GetLevel())
		})
	}
}

func TestGetLevelFromString(t *testing.T) {
	tests := []struct {
		in   string
		want LogLevel
	}{
		{"TRACE", TRACE},
		{"debug", DEBUG},
		{"Info", INFO},
		{"WaRn", WARN},
		{"warning", WARN},
		{" error ", ERROR},
		{"FATAL", FATAL},
		{"verbose", INFO},
		{"", INFO},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, GetLevelFromString(tt.in))
		})
	}
}

func TestLevelString(t *testing.T) {
	assert.Equal(t, "TRACE", TRACE.String())
	assert.Equal(t, "ERROR", ERROR.String())
	assert.Equal(t, "UNKNOWN", LogLevel(42).String())
}

func TestLevelFiltering(t *testing.T) {
	restoreLevel(t)

	tests := []struct {
		name    string
		current LogLevel
		log     func(string, ...any)
		printed bool
	}{
		{"trace hidden at debug", DEBUG, Trace, false},
		{"debug shown at debug", DEBUG, Debug, true},
		{"debug hidden at info", INFO, Debug, false},
		{"info shown at info", INFO, Info, true},
		{"info hidden at warn", WARN, Info, false},
		{"warn shown at warn", WARN, Warn, true},
		{"warn hidden at error", ERROR, Warn, false},
		{"error shown at error", ERROR, Error, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			SetLevel(tt.current)
			out := captureOutput(t, func() { tt.log("rule %s matched", "r1") })
			if tt.printed {
				assert.Contains(t, out, "rule r1 matched")
			} else {
				assert.Empty(t, out)
			}
		})
	}
}

func TestMessageFormat(t *testing.T) {
	restoreLevel(t)
	SetLevel(TRACE)

	out := captureOutput(t, func() { Warn("handler %d of rule %q failed", 2, "slow") })
	assert.Contains(t, out, "[WARN] handler 2 of rule \"slow\" failed")
}

func TestWithRequestID(t *testing.T) {
	assert.Equal(t, "[abc] exchange done in 12ms", WithRequestID("abc", "exchange done in %dms", 12))
	assert.Equal(t, "[] plain", WithRequestID("", "plain"))
}

func TestSetFile(t *testing.T) {
	restoreLevel(t)
	SetLevel(INFO)

	path := filepath.Join(t.TempDir(), "umleitung.log")
	require.NoError(t, SetFile(FileOptions{Path: path, MaxSizeMB: 1}))
	t.Cleanup(func() { _ = SetFile(FileOptions{}) })

	Info("written to rotating file")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "written to rotating file")
}
