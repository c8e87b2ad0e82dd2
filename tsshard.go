// Package tsshard holds the types shared between the orchestrator and the nodes of a
// time-series cluster: datasets, cluster nodes, the wire protocol used to push shard
// lifecycle commands to nodes, and the logger abstraction used throughout.
package tsshard

import (
	"github.com/sirupsen/logrus"
)

type LogLevel int

const (
	LogError LogLevel = iota
	LogWarning
	LogInfo
	LogDebug
)

func (l LogLevel) String() string {
	switch l {
	case LogError:
		return "ERRO"
	case LogWarning:
		return "WARN"
	case LogInfo:
		return "INFO"
	case LogDebug:
		return "DEBG"
	}

	return "UNKN"
}

// ParseLogLevel parses the names used in config files and flags ("error", "warn", "info", "debug")
func ParseLogLevel(s string) LogLevel {
	switch s {
	case "error":
		return LogError
	case "warn", "warning":
		return LogWarning
	case "debug":
		return LogDebug
	}

	return LogInfo
}

type Logger interface {
	Log(level LogLevel, message string)
}

var StdLogInstance = &StdLogger{Level: LogInfo}

// StdLogger logs through the global logrus logger, dropping anything above Level
type StdLogger struct {
	Level LogLevel
}

func (stdl *StdLogger) Log(level LogLevel, message string) {
	if stdl.Level < level {
		return
	}

	logrusLog(logrus.NewEntry(logrus.StandardLogger()), level, message)
}

// LogrusLogger adapts a logrus entry (with whatever fields it carries) to Logger
type LogrusLogger struct {
	Entry *logrus.Entry
}

func NewLogrusLogger(entry *logrus.Entry) *LogrusLogger {
	return &LogrusLogger{Entry: entry}
}

func (l *LogrusLogger) Log(level LogLevel, message string) {
	logrusLog(l.Entry, level, message)
}

func logrusLog(entry *logrus.Entry, level LogLevel, message string) {
	switch level {
	case LogError:
		entry.Error(message)
	case LogWarning:
		entry.Warn(message)
	case LogInfo:
		entry.Info(message)
	default:
		entry.Debug(message)
	}
}

// LogErr is a small helper that appends err (if any) to msg before logging it with l,
// falling back to StdLogInstance if l is nil
func LogErr(l Logger, level LogLevel, err error, msg string) {
	if err != nil {
		msg = msg + ": " + err.Error()
	}

	if l == nil {
		StdLogInstance.Log(level, msg)
		return
	}

	l.Log(level, msg)
}
