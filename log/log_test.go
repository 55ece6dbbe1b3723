package log

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLevelFromString(t *testing.T) {
	for _, l := range []Level{DebugLevel, InfoLevel, WarnLevel, ErrorLevel, FatalLevel} {
		got, err := LevelFromString(l.String())
		require.NoError(t, err)
		assert.Equal(t, l, got)
	}
	_, err := LevelFromString("TRACE")
	assert.Error(t, err)
}

func TestLoggerLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(WarnLevel, &buf)

	l.Debugf("hidden %d", 1)
	l.Infof("hidden %d", 2)
	l.Warnf("visible %d", 3)
	l.Errorf("visible %d", 4)

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "visible 3")
	assert.Contains(t, out, "visible 4")
}

func TestNopLogger(t *testing.T) {
	l := NewNop()
	l.Info("discarded")
	l.Errorf("discarded %d", 1)
}
