// Package metrics exposes the trace session engines as Prometheus metrics.
package metrics

import (
	"strconv"

	"github.com/phuslu/log"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/yew011/etwpilot-sub000/internal/logger"
	"github.com/yew011/etwpilot-sub000/internal/manager"
	"github.com/yew011/etwpilot-sub000/internal/session"
)

// SessionLister is the part of the session manager the collector reads.
type SessionLister interface {
	List() []*manager.Entry
}

// SessionCollector implements prometheus.Collector for the sessions of a
// manager. Values are read from the engines on each scrape.
type SessionCollector struct {
	sessions SessionLister
	log      log.Logger

	eventsDesc       *prometheus.Desc
	bytesDesc        *prometheus.Desc
	buffersDesc      *prometheus.Desc
	bufferErrorsDesc *prometheus.Desc
	droppedDesc      *prometheus.Desc
	progressDropDesc *prometheus.Desc
	stateDesc        *prometheus.Desc
	elapsedDesc      *prometheus.Desc
	sessionsDesc     *prometheus.Desc
}

// NewSessionCollector creates a collector over the sessions of l.
func NewSessionCollector(l SessionLister) *SessionCollector {
	labels := []string{"id", "label"}
	return &SessionCollector{
		sessions: l,
		log:      logger.NewLoggerWithContext("session_collector"),

		eventsDesc: prometheus.NewDesc(
			"etwpilot_session_events_total",
			"Total number of decoded events appended to the session sink.",
			labels, nil,
		),
		bytesDesc: prometheus.NewDesc(
			"etwpilot_session_bytes_total",
			"Total number of buffer bytes consumed by the session.",
			labels, nil,
		),
		buffersDesc: prometheus.NewDesc(
			"etwpilot_session_buffers_total",
			"Total number of native buffers delivered to the session.",
			labels, nil,
		),
		bufferErrorsDesc: prometheus.NewDesc(
			"etwpilot_session_buffer_errors_total",
			"Total number of buffers whose metadata could not be read.",
			labels, nil,
		),
		droppedDesc: prometheus.NewDesc(
			"etwpilot_session_dropped_events_total",
			"Total number of events dropped because they could not be decoded.",
			labels, nil,
		),
		progressDropDesc: prometheus.NewDesc(
			"etwpilot_session_progress_dropped_total",
			"Total number of progress updates discarded because nobody drained the channel.",
			labels, nil,
		),
		stateDesc: prometheus.NewDesc(
			"etwpilot_session_state",
			"Lifecycle state of the session; 1 for the current state.",
			append(labels, "state", "reason"), nil,
		),
		elapsedDesc: prometheus.NewDesc(
			"etwpilot_session_elapsed_seconds",
			"Time the session has been running, or ran before it stopped.",
			labels, nil,
		),
		sessionsDesc: prometheus.NewDesc(
			"etwpilot_sessions",
			"Number of registered sessions.",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *SessionCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.eventsDesc
	ch <- c.bytesDesc
	ch <- c.buffersDesc
	ch <- c.bufferErrorsDesc
	ch <- c.droppedDesc
	ch <- c.progressDropDesc
	ch <- c.stateDesc
	ch <- c.elapsedDesc
	ch <- c.sessionsDesc
}

// Collect implements prometheus.Collector.
func (c *SessionCollector) Collect(ch chan<- prometheus.Metric) {
	entries := c.sessions.List()
	ch <- prometheus.MustNewConstMetric(c.sessionsDesc, prometheus.GaugeValue, float64(len(entries)))

	for _, ent := range entries {
		c.collectSession(ch, ent)
	}
	c.log.Trace().Int("sessions", len(entries)).Msg("Collected session metrics")
}

func (c *SessionCollector) collectSession(ch chan<- prometheus.Metric, ent *manager.Entry) {
	st := ent.Engine.Stats()
	id := strconv.FormatUint(ent.ID, 10)

	counter := func(d *prometheus.Desc, v uint64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), id, ent.Label)
	}
	counter(c.eventsDesc, st.Events)
	counter(c.bytesDesc, st.Bytes)
	counter(c.buffersDesc, st.Buffers)
	counter(c.bufferErrorsDesc, st.BufferErrors)
	counter(c.droppedDesc, st.Dropped)
	if ent.Progress != nil {
		counter(c.progressDropDesc, ent.Progress.Dropped())
	}

	ch <- prometheus.MustNewConstMetric(
		c.stateDesc, prometheus.GaugeValue, 1,
		id, ent.Label, st.State.String(), reasonLabel(st),
	)
	ch <- prometheus.MustNewConstMetric(
		c.elapsedDesc, prometheus.GaugeValue, st.Elapsed.Seconds(), id, ent.Label,
	)
}

func reasonLabel(st session.Stats) string {
	if !st.State.Terminal() {
		return ""
	}
	return st.Reason.String()
}
