package logger

import (
	"bytes"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/phuslu/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yew011/etwpilot-sub000/internal/config"
)

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in   string
		want log.Level
	}{
		{"trace", log.TraceLevel},
		{"debug", log.DebugLevel},
		{"INFO", log.InfoLevel},
		{"warning", log.WarnLevel},
		{" error ", log.ErrorLevel},
		{"nonsense", log.InfoLevel},
	}
	for _, tt := range tests {
		if got := parseLogLevel(tt.in); got != tt.want {
			t.Errorf("parseLogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestCreateWriter(t *testing.T) {
	tests := []struct {
		name    string
		output  config.LogOutput
		wantNil bool
		wantErr bool
	}{
		{"disabled", config.LogOutput{Type: "console"}, true, false},
		{"console", config.LogOutput{Type: "console", Enabled: true, Console: &config.ConsoleConfig{Format: "glog"}}, false, false},
		{"console missing section", config.LogOutput{Type: "console", Enabled: true}, true, true},
		{"console bad format", config.LogOutput{Type: "console", Enabled: true, Console: &config.ConsoleConfig{Format: "xml"}}, true, true},
		{"file", config.LogOutput{Type: "file", Enabled: true, File: &config.FileConfig{
			Filename: filepath.Join(t.TempDir(), "logs", "x.log"), EnsureFolder: true, Async: true,
		}}, false, false},
		{"unknown", config.LogOutput{Type: "carrier-pigeon", Enabled: true}, true, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, err := createWriter(tt.output)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantNil, w == nil)
		})
	}
}

func TestConfigureLoggingDefaults(t *testing.T) {
	saved := log.DefaultLogger
	t.Cleanup(func() {
		log.DefaultLogger = saved
		libLogger.Store(nil)
	})

	cfg := config.DefaultConfig().Logging
	cfg.Defaults.Level = "debug"
	cfg.LibLevel = "error"
	require.NoError(t, ConfigureLogging(cfg))

	assert.Equal(t, log.DebugLevel, log.DefaultLogger.Level)
	assert.Equal(t, log.ErrorLevel, LibraryLogger().Level)
	assert.Equal(t, log.DebugLevel, NewLoggerWithContext("x").Level)
}

func TestSampledLogger(t *testing.T) {
	var buf bytes.Buffer
	base := log.Logger{Level: log.DebugLevel, Writer: &log.IOWriter{Writer: &buf}}
	s := NewSampledLoggerWith(base, 1, time.Hour)
	defer s.Close()

	errBad := errors.New("bad record")
	for i := 0; i < 10; i++ {
		s.SampledWarn(ErrorKey("decode", errBad), errBad).Int("i", i).Msg("flood")
	}
	s.SampledWarn("buffer", nil).Msg("other site")
	assert.Equal(t, 1, strings.Count(buf.String(), "flood"))
	assert.Contains(t, buf.String(), "other site")
	assert.Contains(t, buf.String(), `"sample_key":"decode: bad record"`)

	s.Flush()
	assert.Contains(t, buf.String(), "Suppressed repeated log entries")
	assert.Contains(t, buf.String(), `"suppressed":9`)

	// Below the logger level nothing is written.
	quiet := NewSampledLoggerWith(log.Logger{Level: log.ErrorLevel, Writer: &log.IOWriter{Writer: &buf}}, 1, time.Hour)
	defer quiet.Close()
	assert.Nil(t, quiet.SampledDebug("decode", nil))
	assert.NotNil(t, quiet.SampledError("decode", nil))
}

func TestErrorKey(t *testing.T) {
	assert.Equal(t, "site", ErrorKey("site", nil))
	assert.Equal(t, "site: boom", ErrorKey("site", errors.New("boom")))
	long := ErrorKey("site", errors.New(strings.Repeat("x", 200)))
	assert.Len(t, long, len("site: ")+64)
}

func TestGlogFormatter(t *testing.T) {
	var buf bytes.Buffer
	_, err := GlogFormatter{}.Formatter(&buf, &log.FormatterArgs{
		Level:   "info",
		Time:    "1018 12:00:00.000000",
		Goid:    "7",
		Caller:  "engine.go:42",
		Message: "started",
	})
	require.NoError(t, err)
	assert.Equal(t, "I1018 12:00:00.000000 7 engine.go:42] started\n", buf.String())
}
