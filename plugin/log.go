package plugin

import (
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogNotifier sends one log line to the host.
type LogNotifier func(level, line string) error

// NewLogCore returns a zapcore.Core that turns every entry into `log`
// notifications, one per line of the rendered entry. Plugins must never write
// incidental output to stdout since that stream carries the protocol.
func NewLogCore(notify LogNotifier, enab zapcore.LevelEnabler) zapcore.Core {
	enc := zapcore.NewConsoleEncoder(zapcore.EncoderConfig{
		MessageKey:     "msg",
		NameKey:        "logger",
		StacktraceKey:  "stacktrace",
		LineEnding:     "\n",
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeName:     zapcore.FullNameEncoder,
	})
	return &logCore{LevelEnabler: enab, enc: enc, notify: notify}
}

type logCore struct {
	zapcore.LevelEnabler
	enc    zapcore.Encoder
	notify LogNotifier
}

func (c *logCore) With(fields []zapcore.Field) zapcore.Core {
	clone := &logCore{LevelEnabler: c.LevelEnabler, enc: c.enc.Clone(), notify: c.notify}
	for _, f := range fields {
		f.AddTo(clone.enc)
	}
	return clone
}

func (c *logCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(ent.Level) {
		return ce.AddCore(ent, c)
	}
	return ce
}

func (c *logCore) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	buf, err := c.enc.EncodeEntry(ent, fields)
	if err != nil {
		return err
	}
	text := strings.TrimRight(buf.String(), "\n")
	buf.Free()

	level := levelName(ent.Level)
	for _, line := range strings.Split(text, "\n") {
		if err := c.notify(level, line); err != nil {
			return err
		}
	}
	return nil
}

func (c *logCore) Sync() error { return nil }

// levelName maps zap levels onto the four levels the host understands.
func levelName(l zapcore.Level) string {
	switch {
	case l <= zapcore.DebugLevel:
		return "debug"
	case l == zapcore.InfoLevel:
		return "info"
	case l == zapcore.WarnLevel:
		return "warn"
	}
	return "error"
}

// RedirectStdLog sends the standard library's global logger through l at
// info level. The returned func restores the previous output.
func RedirectStdLog(l *zap.Logger) func() {
	return zap.RedirectStdLog(l)
}
