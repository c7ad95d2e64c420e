package logger

import (
	"sync"
	"time"

	"github.com/phuslu/log"
	"github.com/tekert/golang-etw/logsampler"
)

// Sampling defaults for hot-path loggers. Each key is written once per
// window, and again every DefaultSampleRate hits inside a window.
const (
	DefaultSampleRate   = 100
	DefaultSampleWindow = 5 * time.Second
)

var (
	// mainSampler is shared by every component logger from NewSampledLogger.
	mainSampler     logsampler.Sampler
	mainSamplerOnce sync.Once
)

// sharedSampler returns the process wide sampler, starting its summary
// reporter on first use.
func sharedSampler() logsampler.Sampler {
	mainSamplerOnce.Do(func() {
		mainSampler = logsampler.NewDeduplicatingSampler(DefaultSampleRate, DefaultSampleWindow,
			summaryReporter{})
	})
	return mainSampler
}

// summaryReporter writes sampler summaries through the current default
// logger.
type summaryReporter struct{}

func (summaryReporter) LogSummary(key string, suppressed int64) {
	l := NewLoggerWithContext("log_sampler")
	l.Warn().Str("key", key).Int64("suppressed", suppressed).Msg("Suppressed repeated log entries")
}

// SampledLogger deduplicates hot-path log entries by key. Level methods
// return nil when the key is sampled out; phuslu entries ignore calls on
// nil, so callers chain as usual.
type SampledLogger struct {
	log     log.Logger
	sampler logsampler.Sampler
	owned   bool
}

// NewSampledLogger creates a sampled logger for component on the shared
// sampler.
func NewSampledLogger(component string) *SampledLogger {
	return &SampledLogger{
		log:     NewLoggerWithContext(component),
		sampler: sharedSampler(),
	}
}

// NewSampledLoggerWith wraps l with its own sampler. Summaries of the
// suppressed entries are written to l. Close stops the sampler.
func NewSampledLoggerWith(l log.Logger, rate int, window time.Duration) *SampledLogger {
	s := &SampledLogger{log: l, owned: true}
	s.sampler = logsampler.NewDeduplicatingSampler(rate, window, s)
	return s
}

func (s *SampledLogger) entry(level log.Level, key string, err error, mk func() *log.Entry) *log.Entry {
	if level < s.log.Level {
		return nil
	}
	if !s.sampler.ShouldLog(key, err) {
		return nil
	}
	e := mk()
	if err != nil {
		e = e.Err(err)
	}
	return e.Str("sample_key", key)
}

// SampledDebug returns a debug entry for key, or nil when sampled out.
// err, when not nil, is attached to the entry.
func (s *SampledLogger) SampledDebug(key string, err error) *log.Entry {
	return s.entry(log.DebugLevel, key, err, s.log.Debug)
}

func (s *SampledLogger) SampledInfo(key string, err error) *log.Entry {
	return s.entry(log.InfoLevel, key, err, s.log.Info)
}

func (s *SampledLogger) SampledWarn(key string, err error) *log.Entry {
	return s.entry(log.WarnLevel, key, err, s.log.Warn)
}

func (s *SampledLogger) SampledError(key string, err error) *log.Entry {
	return s.entry(log.ErrorLevel, key, err, s.log.Error)
}

// LogSummary implements logsampler.SummaryReporter.
func (s *SampledLogger) LogSummary(key string, suppressed int64) {
	s.log.Warn().Str("key", key).Int64("suppressed", suppressed).Msg("Suppressed repeated log entries")
}

// Flush writes the summaries of the entries suppressed so far.
func (s *SampledLogger) Flush() { s.sampler.Flush() }

// Close stops a sampler created by NewSampledLoggerWith. Loggers on the
// shared sampler are left running.
func (s *SampledLogger) Close() {
	if s.owned {
		s.sampler.Close()
	}
}

// ErrorKey builds a sample key for site that separates distinct errors.
func ErrorKey(site string, err error) string {
	if err == nil {
		return site
	}
	msg := err.Error()
	if len(msg) > 64 {
		msg = msg[:64]
	}
	return site + ": " + msg
}
