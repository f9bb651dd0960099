package logs

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_FileOutputJSON(t *testing.T) {
	file := filepath.Join(t.TempDir(), "nested", "sessiond.log")

	log, err := New(Options{Level: "debug", Format: "json", Output: "file", File: file})
	require.NoError(t, err)
	assert.Equal(t, logrus.DebugLevel, log.GetLevel())

	log.WithField("session_lock", "session_abc").Warn("lock timed out")

	data, err := os.ReadFile(file)
	require.NoError(t, err)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(data, &entry))
	assert.Equal(t, "lock timed out", entry["msg"])
	assert.Equal(t, "session_abc", entry["session_lock"])
	assert.Equal(t, "warning", entry["level"])
}

func TestNew_Errors(t *testing.T) {
	_, err := New(Options{Output: "syslog"})
	assert.ErrorContains(t, err, "unsupported log output")

	_, err = New(Options{Output: "both"})
	assert.ErrorContains(t, err, "log file is required")
}

func TestParseLogLevel(t *testing.T) {
	cases := map[string]logrus.Level{
		"":        logrus.InfoLevel,
		"DEBUG":   logrus.DebugLevel,
		" warn ":  logrus.WarnLevel,
		"warning": logrus.WarnLevel,
		"error":   logrus.ErrorLevel,
		"bogus":   logrus.InfoLevel,
	}
	for in, want := range cases {
		assert.Equal(t, want, parseLogLevel(in), "level %q", in)
	}
}

func TestTextFormatter(t *testing.T) {
	f := &textFormatter{}
	entry := &logrus.Entry{
		Level:   logrus.InfoLevel,
		Time:    time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		Message: "session gc finished",
		Data:    logrus.Fields{"table": "sessions", "removed": 3},
	}

	out, err := f.Format(entry)
	require.NoError(t, err)
	assert.Equal(t, "INFO 2024-05-01 12:00:00,000 session gc finished removed=3 table=sessions\n", string(out))
}

func TestStripANSI(t *testing.T) {
	colored := colorError.Sprint("ERROR")
	assert.Equal(t, "ERROR", string(stripANSI([]byte(colored))))
	assert.False(t, strings.Contains(string(stripANSI([]byte("\x1b[31mx\x1b[0m"))), "\x1b"))
}
