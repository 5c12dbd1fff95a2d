package mzap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/flyingrobots/wesley/pkg/mlog"
)

func newTestLogger(t *testing.T) *ZapLogger {
	t.Helper()

	logger, err := zap.NewDevelopment()
	require.NoError(t, err)

	return &ZapLogger{Logger: logger.Sugar()}
}

func TestZapLogger_ImplementsInterface(t *testing.T) {
	var _ mlog.Logger = &ZapLogger{}
}

func TestZapLogger_WithFieldsReturnsNewLogger(t *testing.T) {
	l := newTestLogger(t)

	child := l.WithFields("component", "executor")

	assert.NotNil(t, child)
	assert.NotSame(t, l, child)
}

func TestZapLogger_LogCalls(t *testing.T) {
	l := newTestLogger(t)

	l.Info("info")
	l.Infof("info %d", 1)
	l.Infoln("info")
	l.Warn("warn")
	l.Warnf("warn %d", 1)
	l.Warnln("warn")
	l.Error("error")
	l.Errorf("error %d", 1)
	l.Errorln("error")
	l.Debug("debug")
	l.Debugf("debug %d", 1)
	l.Debugln("debug")
}

func TestInitializeLogger_RespectsEnv(t *testing.T) {
	t.Setenv("ENV_NAME", "local")
	t.Setenv("LOG_LEVEL", "debug")

	logger := InitializeLogger()
	require.NotNil(t, logger)

	logger.Debugf("visible at %s", "debug")
}

func TestInitializeLogger_InvalidLevelFallsBack(t *testing.T) {
	t.Setenv("ENV_NAME", "production")
	t.Setenv("LOG_LEVEL", "shouting")

	logger := InitializeLogger()
	require.NotNil(t, logger)
}
