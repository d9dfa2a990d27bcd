package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLevelAndFormatFlags(t *testing.T) {
	require := require.New(t)

	var lvl Level
	require.NoError(lvl.Set("warn"), "Set(warn)")
	require.Equal(LevelWarn, lvl)
	require.Equal("WARN", lvl.String())
	require.Error(lvl.Set("loud"), "unknown level should fail")

	var f Format
	require.NoError(f.Set("json"), "Set(json)")
	require.Equal(FmtJSON, f)
	require.Error(f.Set("xml"), "unknown format should fail")
}

func TestJSONLogger(t *testing.T) {
	require := require.New(t)

	var buf bytes.Buffer
	logger := NewJSONLogger(&buf, "test/logging")
	logger.Info("hello", "answer", 42)

	var entry map[string]interface{}
	require.NoError(json.Unmarshal(buf.Bytes(), &entry), "log line should be JSON")
	require.Equal("hello", entry["msg"])
	require.Equal("test/logging", entry["module"])
	require.EqualValues(42, entry["answer"])
	require.Equal("info", entry["level"])
}

func TestModuleLevels(t *testing.T) {
	require := require.New(t)

	b := logBackend{
		defaultLevel: LevelError,
		moduleLevels: map[string]Level{
			"runtime":        LevelInfo,
			"runtime/worker": LevelDebug,
		},
	}

	l := &Logger{module: "runtime/worker/kv"}
	b.setupLogLevelLocked(l)
	require.Equal(LevelDebug, l.level, "longest prefix should win")

	l = &Logger{module: "runtime/host"}
	b.setupLogLevelLocked(l)
	require.Equal(LevelInfo, l.level)

	l = &Logger{module: "storage"}
	b.setupLogLevelLocked(l)
	require.Equal(LevelError, l.level, "default level should apply")
}
