// Package logger provides the substrate's process-wide structured
// logger: a text-handler slog.Logger writing to stdout and, optionally,
// a log file, plus helpers for the LOG packet's worker-id prefixing and
// log-source/log-type classification (spec.md §4.6, §7).
package logger

import (
	"io"
	"log/slog"
	"os"
)

var Log *slog.Logger

// Init initializes the global logger.
func Init(level string, logFile string) error {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelDebug
	}

	var writers []io.Writer
	writers = append(writers, os.Stdout)

	if logFile != "" {
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err != nil {
			return err
		}
		writers = append(writers, f)
	}

	multiWriter := io.MultiWriter(writers...)

	handler := slog.NewTextHandler(multiWriter, &slog.HandlerOptions{
		Level: logLevel,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				return slog.String("time", a.Value.Time().Format("15:04:05"))
			}
			return a
		},
	})

	Log = slog.New(handler)
	slog.SetDefault(Log)

	return nil
}

// Debug logs at debug level.
func Debug(msg string, args ...any) { Log.Debug(msg, args...) }

// Info logs at info level.
func Info(msg string, args ...any) { Log.Info(msg, args...) }

// Warn logs at warn level.
func Warn(msg string, args ...any) { Log.Warn(msg, args...) }

// Error logs at error level.
func Error(msg string, args ...any) { Log.Error(msg, args...) }

// Source identifies which role emitted a LOG packet, matching the
// source framework's LogSource enumeration.
type Source int

const (
	SourceGridManager Source = iota
	SourceGridWorker
	SourceManagerProcess
	SourceWorkerProcess
)

func (s Source) String() string {
	switch s {
	case SourceGridManager:
		return "Grid Manager"
	case SourceGridWorker:
		return "Grid Worker"
	case SourceManagerProcess:
		return "Manager Process"
	case SourceWorkerProcess:
		return "Worker Process"
	default:
		return "Unknown Source"
	}
}

// Type is the severity carried by a LOG packet, matching the source
// framework's LogType enumeration.
type Type int

const (
	TypeInfo Type = iota
	TypeWarning
	TypeError
)

func (t Type) String() string {
	switch t {
	case TypeInfo:
		return "Info"
	case TypeWarning:
		return "Warning"
	case TypeError:
		return "Error"
	default:
		return "Unknown"
	}
}

// Emit writes msg through the global logger at the slog level matching
// typ, tagging it with src and, when workerID is non-empty, prefixing
// the message with "(worker_id)" as spec.md §4.6 requires for packets
// forwarded from a peer to the log sink.
func Emit(src Source, typ Type, workerID, msg string) {
	if workerID != "" {
		msg = "(" + workerID + ") " + msg
	}
	switch typ {
	case TypeWarning:
		Log.Warn(msg, "source", src.String())
	case TypeError:
		Log.Error(msg, "source", src.String())
	default:
		Log.Info(msg, "source", src.String())
	}
}
