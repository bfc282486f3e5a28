package msgbus

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseLogLevel(t *testing.T) {
	assert.Equal(t, LogLevelDebug, ParseLogLevel("debug"))
	assert.Equal(t, LogLevelWarn, ParseLogLevel("warning"))
	assert.Equal(t, LogLevelNone, ParseLogLevel("off"))
	assert.Equal(t, LogLevelInfo, ParseLogLevel("bogus"), "unknown levels default to info")
}

func TestStdLoggerLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := NewStdLogger(&buf, LogLevelWarn)

	l.Debug("hidden", nil)
	l.Info("hidden", nil)
	l.Warn("shown", nil)
	l.Error("also shown", nil)

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "[WARN] shown")
	assert.Contains(t, out, "[ERROR] also shown")
}

func TestStdLoggerWithFields(t *testing.T) {
	var buf bytes.Buffer
	l := NewStdLogger(&buf, LogLevelInfo).WithFields(LogFields{LogFieldSession: "c1"})

	l.Info("bound", LogFields{LogFieldFlowID: 7})

	out := buf.String()
	assert.Contains(t, out, "bound")
	assert.Contains(t, out, "session:c1")
	assert.Contains(t, out, "flow_id:7")
}
