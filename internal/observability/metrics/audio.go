// Package metrics provides Prometheus collectors for the capture pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// AudioMetrics covers the source catalog, the capture stream, the delivery
// ring buffer and the level meter.
type AudioMetrics struct {
	sourcesKnown      prometheus.Gauge
	sourcesAvailable  prometheus.Gauge
	streamState       *prometheus.GaugeVec
	streamReopens     prometheus.Counter
	streamFailures    *prometheus.CounterVec
	audioBytes        prometheus.Counter
	audioChunks       prometheus.Counter
	ringOverflowBytes prometheus.Counter
	ringBuffered      prometheus.Gauge
	meterLevel        *prometheus.GaugeVec
	normalizeFactor   prometheus.Gauge

	collectors []prometheus.Collector
}

// NewAudioMetrics creates and registers the audio collectors.
func NewAudioMetrics(registry prometheus.Registerer) (*AudioMetrics, error) {
	m := &AudioMetrics{}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *AudioMetrics) initMetrics() {
	m.sourcesKnown = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pulsetap_sources_known",
		Help: "Number of sources in the catalog, available or not",
	})
	m.sourcesAvailable = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pulsetap_sources_available",
		Help: "Number of sources currently reported by the audio service",
	})
	m.streamState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "pulsetap_stream_state",
		Help: "Capture stream state (1 for the current state, 0 otherwise)",
	}, []string{"state"})
	m.streamReopens = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pulsetap_stream_reopens_total",
		Help: "Total number of capture streams opened",
	})
	m.streamFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pulsetap_stream_failures_total",
		Help: "Total number of capture stream failures by reason",
	}, []string{"reason"})
	m.audioBytes = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pulsetap_audio_bytes_total",
		Help: "Total bytes of captured audio delivered to the ring buffer",
	})
	m.audioChunks = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pulsetap_audio_chunks_total",
		Help: "Total number of captured audio chunks processed",
	})
	m.ringOverflowBytes = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pulsetap_ringbuffer_overflow_bytes_total",
		Help: "Total bytes overwritten because the consumer fell behind",
	})
	m.ringBuffered = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pulsetap_ringbuffer_buffered_bytes",
		Help: "Bytes waiting in the delivery ring buffer",
	})
	m.meterLevel = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "pulsetap_meter_level",
		Help: "Ranged meter level (0..1) per channel",
	}, []string{"channel"})
	m.normalizeFactor = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pulsetap_normalize_factor",
		Help: "Gain applied by volume normalization to the last chunk",
	})

	m.collectors = []prometheus.Collector{
		m.sourcesKnown, m.sourcesAvailable, m.streamState, m.streamReopens, m.streamFailures,
		m.audioBytes, m.audioChunks, m.ringOverflowBytes, m.ringBuffered, m.meterLevel,
		m.normalizeFactor,
	}
}

// Describe implements the Collector interface
func (m *AudioMetrics) Describe(ch chan<- *prometheus.Desc) {
	for _, c := range m.collectors {
		c.Describe(ch)
	}
}

// Collect implements the Collector interface
func (m *AudioMetrics) Collect(ch chan<- prometheus.Metric) {
	for _, c := range m.collectors {
		c.Collect(ch)
	}
}

// UpdateSources sets the catalog gauges.
func (m *AudioMetrics) UpdateSources(known, available int) {
	m.sourcesKnown.Set(float64(known))
	m.sourcesAvailable.Set(float64(available))
}

// SetStreamState marks state as the only active state among states.
func (m *AudioMetrics) SetStreamState(state string, states []string) {
	for _, s := range states {
		v := 0.0
		if s == state {
			v = 1
		}
		m.streamState.WithLabelValues(s).Set(v)
	}
}

// RecordStreamOpened counts a new capture stream.
func (m *AudioMetrics) RecordStreamOpened() {
	m.streamReopens.Inc()
}

// RecordStreamFailure counts a failed capture stream.
func (m *AudioMetrics) RecordStreamFailure(reason string) {
	m.streamFailures.WithLabelValues(reason).Inc()
}

// RecordAudio counts a processed chunk of n bytes.
func (m *AudioMetrics) RecordAudio(n int, factor float64) {
	m.audioChunks.Inc()
	m.audioBytes.Add(float64(n))
	m.normalizeFactor.Set(factor)
}

// RecordOverflow counts bytes overwritten in the ring buffer.
func (m *AudioMetrics) RecordOverflow(n int) {
	m.ringOverflowBytes.Add(float64(n))
}

// SetBuffered sets the ring buffer fill level.
func (m *AudioMetrics) SetBuffered(n int) {
	m.ringBuffered.Set(float64(n))
}

// SetMeterLevels sets the ranged meter values.
func (m *AudioMetrics) SetMeterLevels(left, right float32) {
	m.meterLevel.WithLabelValues("left").Set(float64(left))
	m.meterLevel.WithLabelValues("right").Set(float64(right))
}
