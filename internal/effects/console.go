package effects

import (
	"io"

	"github.com/sirupsen/logrus"
)

// Fields are structured key=value pairs attached to a log line.
type Fields map[string]any

// Console is the logging capability.
type Console interface {
	Debug(msg string, f Fields)
	Info(msg string, f Fields)
	Warn(msg string, f Fields)
	Error(msg string, f Fields)
	With(f Fields) Console
}

// LogrusConsole writes through a logrus entry.
type LogrusConsole struct {
	entry *logrus.Entry
}

// NewLogrusConsole wraps logger; a nil logger uses the standard logrus logger.
func NewLogrusConsole(logger *logrus.Logger) *LogrusConsole {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &LogrusConsole{entry: logrus.NewEntry(logger)}
}

// NewLogger builds a logrus logger with the given level name ("debug", "info", ...).
func NewLogger(level string, out io.Writer, json bool) *logrus.Logger {
	l := logrus.New()
	if out != nil {
		l.SetOutput(out)
	}
	if lv, err := logrus.ParseLevel(level); err == nil {
		l.SetLevel(lv)
	}
	if json {
		l.SetFormatter(&logrus.JSONFormatter{})
	} else {
		l.SetFormatter(&logrus.TextFormatter{DisableColors: true, FullTimestamp: true})
	}
	return l
}

func (c *LogrusConsole) Debug(msg string, f Fields) { c.entry.WithFields(logrus.Fields(f)).Debug(msg) }
func (c *LogrusConsole) Info(msg string, f Fields)  { c.entry.WithFields(logrus.Fields(f)).Info(msg) }
func (c *LogrusConsole) Warn(msg string, f Fields)  { c.entry.WithFields(logrus.Fields(f)).Warn(msg) }
func (c *LogrusConsole) Error(msg string, f Fields) { c.entry.WithFields(logrus.Fields(f)).Error(msg) }

func (c *LogrusConsole) With(f Fields) Console {
	return &LogrusConsole{entry: c.entry.WithFields(logrus.Fields(f))}
}

// NopConsole discards everything.
type NopConsole struct{}

func (NopConsole) Debug(string, Fields) {}
func (NopConsole) Info(string, Fields)  {}
func (NopConsole) Warn(string, Fields)  {}
func (NopConsole) Error(string, Fields) {}
func (n NopConsole) With(Fields) Console { return n }
