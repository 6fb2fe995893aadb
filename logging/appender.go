package logging

import (
	"fmt"
	"io"
	"os"
	"path"
	"strings"

	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// DefaultTimeFormatStr is the default time format string for log appenders.
const DefaultTimeFormatStr = "2006-01-02T15:04:05.000Z0700"

// Appender is an output for log entries. This is a subset of the `zapcore.Core` interface.
type Appender interface {
	// Write submits a structured log entry to the appender for logging.
	Write(zapcore.Entry, []zapcore.Field) error
	// Sync is for signaling that any buffered logs to `Write` should be flushed. E.g: at shutdown.
	Sync() error
}

// ConsoleAppender will create human readable lines from log events and write them to the desired
// output sync. E.g: stdout or a file.
type ConsoleAppender struct {
	io.Writer
}

// NewStdoutAppender creates a new appender that outputs to stdout.
func NewStdoutAppender() ConsoleAppender {
	return ConsoleAppender{os.Stdout}
}

// NewWriterAppender creates a new appender that outputs to the input writer.
func NewWriterAppender(writer io.Writer) ConsoleAppender {
	return ConsoleAppender{writer}
}

// FileConfig describes a rotating log file.
type FileConfig struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// NewFileAppender creates an appender that writes console formatted lines into a size-rotated
// file. The returned closer releases the file handle.
func NewFileAppender(cfg FileConfig) (ConsoleAppender, io.Closer) {
	if cfg.MaxSizeMB <= 0 {
		cfg.MaxSizeMB = 10
	}
	rotator := &lumberjack.Logger{
		Filename:   cfg.Path,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   true,
	}
	return ConsoleAppender{rotator}, rotator
}

// Write outputs the log entry to the underlying stream.
func (appender ConsoleAppender) Write(entry zapcore.Entry, fields []zapcore.Field) error {
	line, err := formatEntry(entry, fields)
	if _, writeErr := fmt.Fprintln(appender.Writer, line); writeErr != nil {
		return writeErr
	}
	return err
}

// formatEntry renders a tab separated line: time, level, logger name, caller, message and, for
// structured calls, the fields as a json object. On an encoding error the line without fields
// is returned alongside the error.
func formatEntry(entry zapcore.Entry, fields []zapcore.Field) (string, error) {
	var caller string
	if entry.Caller.Defined {
		caller = callerToString(&entry.Caller)
	}

	var line strings.Builder
	line.WriteString(entry.Time.Format(DefaultTimeFormatStr))
	line.WriteString("\t" + entry.Level.CapitalString())
	for _, column := range []string{entry.LoggerName, caller} {
		if column != "" {
			line.WriteString("\t" + column)
		}
	}
	line.WriteString("\t" + entry.Message)
	if len(fields) == 0 {
		return line.String(), nil
	}

	encoded, err := encodeFields(fields)
	if err != nil {
		return line.String(), err
	}
	line.WriteString("\t" + encoded)
	return line.String(), nil
}

// encodeFields renders fields as a json object in call order. Encoding an empty Entry leaves only
// the fields.
func encodeFields(fields []zapcore.Field) (string, error) {
	enc := zapcore.NewJSONEncoder(zapcore.EncoderConfig{SkipLineEnding: true})
	buf, err := enc.EncodeEntry(zapcore.Entry{}, fields)
	if err != nil {
		return "", err
	}
	defer buf.Free()
	return buf.String(), nil
}

// Sync is a no-op.
func (appender ConsoleAppender) Sync() error {
	return nil
}

// callerToString returns "<package dir>/<file>:<line>", e.g. "manager/dispatch.go:41".
// runtime.Caller reports slash separated paths on every platform.
func callerToString(caller *zapcore.EntryCaller) string {
	dir, file := path.Split(caller.File)
	if dir == "" {
		return fmt.Sprintf("%s:%d", file, caller.Line)
	}
	return fmt.Sprintf("%s/%s:%d", path.Base(dir), file, caller.Line)
}
