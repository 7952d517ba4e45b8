package logging

import (
	"testing"

	"go.uber.org/zap/zapcore"
)

// testAppender logs through tb so lines show up under the running test.
type testAppender struct {
	tb testing.TB
}

// NewTestAppender returns an appender writing to tb.Log. Timestamps are in local time.
func NewTestAppender(tb testing.TB) Appender {
	return &testAppender{tb: tb}
}

func (app *testAppender) Write(entry zapcore.Entry, fields []zapcore.Field) error {
	app.tb.Helper()
	line, err := formatEntry(entry, fields)
	app.tb.Log(line)
	return err
}

func (app *testAppender) Sync() error {
	return nil
}
