// Package logger configures the process wide phuslu logger from the
// [logging] configuration and hands out component loggers.
package logger

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/phuslu/log"

	"github.com/yew011/etwpilot-sub000/internal/config"
)

// asyncChannelSize is the queue length of every async writer.
const asyncChannelSize = 4096

// libLogger is the logger handed to the native tracing library.
var libLogger atomic.Pointer[log.Logger]

// parseLogLevel converts a configured level name, defaulting to info.
func parseLogLevel(level string) log.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "trace":
		return log.TraceLevel
	case "debug":
		return log.DebugLevel
	case "warn", "warning":
		return log.WarnLevel
	case "error":
		return log.ErrorLevel
	case "fatal":
		return log.FatalLevel
	default:
		return log.InfoLevel
	}
}

func parseTimeLocation(location string) *time.Location {
	switch location {
	case "", "Local":
		return time.Local
	case "UTC":
		return time.UTC
	}
	if loc, err := time.LoadLocation(location); err == nil {
		return loc
	}
	return time.Local
}

func mapTimeFormat(format string) string {
	switch format {
	case "Unix":
		return log.TimeFormatUnix
	case "UnixMs":
		return log.TimeFormatUnixMs
	default:
		return format
	}
}

// GlogFormatter implements a glog-style text format.
type GlogFormatter struct{}

// Formatter writes "Lmmdd hh:mm:ss.uuuuuu goid caller] msg".
func (f GlogFormatter) Formatter(w io.Writer, a *log.FormatterArgs) (int, error) {
	var buf bytes.Buffer

	if len(a.Level) > 0 {
		buf.WriteByte(a.Level[0] - 32) // upper case initial
	} else {
		buf.WriteByte('?')
	}
	buf.WriteString(a.Time)
	buf.WriteByte(' ')
	buf.WriteString(a.Goid)
	buf.WriteByte(' ')
	buf.WriteString(a.Caller)
	buf.WriteString("] ")
	buf.WriteString(a.Message)
	buf.WriteByte('\n')

	return w.Write(buf.Bytes())
}

func withAsync(w log.Writer, async bool) log.Writer {
	if !async {
		return w
	}
	return &log.AsyncWriter{ChannelSize: asyncChannelSize, Writer: w}
}

func createConsoleWriter(cfg *config.ConsoleConfig) (log.Writer, error) {
	var out io.Writer = os.Stderr
	if cfg.Writer == "stdout" {
		out = os.Stdout
	}

	if cfg.FastIO {
		return withAsync(&log.IOWriter{Writer: out}, cfg.Async), nil
	}

	cw := &log.ConsoleWriter{
		ColorOutput:    cfg.ColorOutput,
		QuoteString:    cfg.QuoteString,
		EndWithMessage: true,
		Writer:         out,
	}
	switch cfg.Format {
	case "logfmt":
		cw.Formatter = log.LogfmtFormatter{TimeField: "time"}.Formatter
	case "glog":
		cw.Formatter = GlogFormatter{}.Formatter
	case "", "auto":
	default:
		return nil, fmt.Errorf("unknown console format: %s", cfg.Format)
	}
	return withAsync(cw, cfg.Async), nil
}

func createFileWriter(cfg *config.FileConfig) (log.Writer, error) {
	if cfg.Filename == "" {
		return nil, fmt.Errorf("file output requires a filename")
	}
	if cfg.EnsureFolder {
		if err := os.MkdirAll(filepath.Dir(cfg.Filename), 0755); err != nil {
			return nil, err
		}
	}

	fw := &log.FileWriter{
		Filename:     cfg.Filename,
		FileMode:     0644,
		MaxSize:      cfg.MaxSize * 1024 * 1024,
		MaxBackups:   cfg.MaxBackups,
		TimeFormat:   mapTimeFormat(cfg.TimeFormat),
		LocalTime:    cfg.LocalTime,
		HostName:     cfg.HostName,
		ProcessID:    cfg.ProcessID,
		EnsureFolder: cfg.EnsureFolder,
	}
	return withAsync(fw, cfg.Async), nil
}

func createSyslogWriter(cfg *config.SyslogConfig) (log.Writer, error) {
	sw := &log.SyslogWriter{
		Network:  cfg.Network,
		Address:  cfg.Address,
		Hostname: cfg.Hostname,
		Tag:      cfg.Tag,
		Marker:   cfg.Marker,
	}
	return withAsync(sw, cfg.Async), nil
}

// createWriter creates a log.Writer based on the output configuration.
// Disabled outputs yield a nil writer.
func createWriter(output config.LogOutput) (log.Writer, error) {
	if !output.Enabled {
		return nil, nil
	}

	switch output.Type {
	case "console":
		if output.Console == nil {
			return nil, fmt.Errorf("console output missing console configuration")
		}
		return createConsoleWriter(output.Console)
	case "file":
		if output.File == nil {
			return nil, fmt.Errorf("file output missing file configuration")
		}
		return createFileWriter(output.File)
	case "syslog":
		if output.Syslog == nil {
			return nil, fmt.Errorf("syslog output missing syslog configuration")
		}
		return createSyslogWriter(output.Syslog)
	case "eventlog":
		if output.Eventlog == nil {
			return nil, fmt.Errorf("eventlog output missing eventlog configuration")
		}
		return createEventlogWriter(output.Eventlog)
	default:
		return nil, fmt.Errorf("unknown output type: %s", output.Type)
	}
}

// createMultiWriter fans out to every enabled output, falling back to
// stderr when none is enabled.
func createMultiWriter(outputs []config.LogOutput) (log.Writer, error) {
	var writers []log.Writer
	for _, output := range outputs {
		w, err := createWriter(output)
		if err != nil {
			return nil, err
		}
		if w != nil {
			writers = append(writers, w)
		}
	}

	switch len(writers) {
	case 0:
		return &log.IOWriter{Writer: os.Stderr}, nil
	case 1:
		return writers[0], nil
	}
	multi := log.MultiEntryWriter(writers)
	return &multi, nil
}

// ConfigureLogging configures the global DefaultLogger with user configuration
func ConfigureLogging(cfg config.LoggingConfig) error {
	writer, err := createMultiWriter(cfg.Outputs)
	if err != nil {
		return err
	}

	log.DefaultLogger = log.Logger{
		Level:        parseLogLevel(cfg.Defaults.Level),
		Caller:       cfg.Defaults.Caller,
		TimeField:    cfg.Defaults.TimeField,
		TimeFormat:   mapTimeFormat(cfg.Defaults.TimeFormat),
		TimeLocation: parseTimeLocation(cfg.Defaults.TimeLocation),
		Writer:       writer,
	}

	// The tracing library shares the writers but keeps its own level.
	libLogger.Store(&log.Logger{
		Level:        parseLogLevel(cfg.LibLevel),
		TimeField:    cfg.Defaults.TimeField,
		TimeFormat:   mapTimeFormat(cfg.Defaults.TimeFormat),
		TimeLocation: parseTimeLocation(cfg.Defaults.TimeLocation),
		Writer:       writer,
		Context:      log.NewContext(nil).Str("source", "etw-lib").Value(),
	})

	log.Info().
		Str("app_level", cfg.Defaults.Level).
		Str("lib_level", cfg.LibLevel).
		Int("outputs", len(cfg.Outputs)).
		Msg("Loggers configured")

	return nil
}

// LibraryLogger returns the logger configured for the native tracing
// library. Before ConfigureLogging ran it is a warn level copy of the
// default logger.
func LibraryLogger() *log.Logger {
	if l := libLogger.Load(); l != nil {
		return l
	}
	l := NewLoggerWithContext("etw-lib")
	l.Level = log.WarnLevel
	return &l
}

// NewLoggerWithContext creates a new logger by copying the global DefaultLogger
// (which contains all user configuration) and adding component-specific context.
// Call it after ConfigureLogging so the copy carries the configured writers.
func NewLoggerWithContext(component string) log.Logger {
	bl := &log.DefaultLogger
	return log.Logger{
		Level:        bl.Level,
		Caller:       0, // Disable caller for component loggers to avoid confusion
		TimeField:    bl.TimeField,
		TimeFormat:   bl.TimeFormat,
		TimeLocation: bl.TimeLocation,
		Writer:       bl.Writer,
		Context:      log.NewContext(bl.Context).Str("component", component).Value(),
	}
}
