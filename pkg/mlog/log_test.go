package mlog

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  LogLevel
		ok    bool
	}{
		{"fatal", FatalLevel, true},
		{"error", ErrorLevel, true},
		{"warn", WarnLevel, true},
		{"warning", WarnLevel, true},
		{"info", InfoLevel, true},
		{"debug", DebugLevel, true},
		{"DEBUG", DebugLevel, true},
		{"verbose", 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseLevel(tt.input)

			if tt.ok {
				assert.NoError(t, err)
				assert.Equal(t, tt.want, got)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestGoLogger_LevelGating(t *testing.T) {
	l := &GoLogger{Level: WarnLevel}

	assert.True(t, l.IsLevelEnabled(ErrorLevel))
	assert.True(t, l.IsLevelEnabled(WarnLevel))
	assert.False(t, l.IsLevelEnabled(InfoLevel))
	assert.False(t, l.IsLevelEnabled(DebugLevel))
}

func TestGoLogger_WithFieldsKeepsLevel(t *testing.T) {
	l := &GoLogger{Level: DebugLevel}

	child, ok := l.WithFields("component", "executor").(*GoLogger)
	assert.True(t, ok)
	assert.Equal(t, DebugLevel, child.Level)
	assert.NoError(t, child.Sync())
}

func TestNoneLogger_DoesNothing(t *testing.T) {
	l := &NoneLogger{}

	l.Info("ignored")
	l.Errorf("ignored %d", 1)
	l.Debugln("ignored")

	assert.Equal(t, l, l.WithFields("k", "v"))
	assert.NoError(t, l.Sync())
}
