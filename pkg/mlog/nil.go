package mlog

// NoneLogger discards everything. It is the fallback when no Logger was
// injected into the context.
type NoneLogger struct{}

// Info implements the Logger interface.
func (l *NoneLogger) Info(args ...any) {}

// Infof implements the Logger interface.
func (l *NoneLogger) Infof(format string, args ...any) {}

// Infoln implements the Logger interface.
func (l *NoneLogger) Infoln(args ...any) {}

// Error implements the Logger interface.
func (l *NoneLogger) Error(args ...any) {}

// Errorf implements the Logger interface.
func (l *NoneLogger) Errorf(format string, args ...any) {}

// Errorln implements the Logger interface.
func (l *NoneLogger) Errorln(args ...any) {}

// Warn implements the Logger interface.
func (l *NoneLogger) Warn(args ...any) {}

// Warnf implements the Logger interface.
func (l *NoneLogger) Warnf(format string, args ...any) {}

// Warnln implements the Logger interface.
func (l *NoneLogger) Warnln(args ...any) {}

// Debug implements the Logger interface.
func (l *NoneLogger) Debug(args ...any) {}

// Debugf implements the Logger interface.
func (l *NoneLogger) Debugf(format string, args ...any) {}

// Debugln implements the Logger interface.
func (l *NoneLogger) Debugln(args ...any) {}

// Fatal implements the Logger interface.
func (l *NoneLogger) Fatal(args ...any) {}

// Fatalf implements the Logger interface.
func (l *NoneLogger) Fatalf(format string, args ...any) {}

// Fatalln implements the Logger interface.
func (l *NoneLogger) Fatalln(args ...any) {}

// WithFields implements the Logger interface.
//
//nolint:ireturn
func (l *NoneLogger) WithFields(fields ...any) Logger { return l }

// Sync implements the Logger interface.
func (l *NoneLogger) Sync() error { return nil }
