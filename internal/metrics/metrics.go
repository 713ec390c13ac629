package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics. A nil *Metrics records nothing.
type Metrics struct {
	// Publish metrics
	ActivePublishers prometheus.Gauge
	PublishesStarted prometheus.Counter
	PublishesStopped prometheus.Counter
	PublishDuration  prometheus.Histogram

	// Frame metrics
	FramesReceived *prometheus.CounterVec
	FramesDropped  *prometheus.CounterVec
	FrameSize      *prometheus.HistogramVec
	KeyFrames      prometheus.Counter
	DecodeErrors   *prometheus.CounterVec

	// fMP4 metrics
	FragmentsWritten *prometheus.CounterVec
	SegmentsCreated  prometheus.Counter
	SegmentDuration  prometheus.Histogram
	SegmentSize      prometheus.Histogram
	SegmentsStored   prometheus.Gauge

	// HTTP metrics
	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec

	// RTMP metrics
	RTMPConnections   prometheus.Counter
	RTMPDisconnects   prometheus.Counter
	RTMPErrors        *prometheus.CounterVec
	RTMPBytesReceived prometheus.Counter
}

// New creates all metrics and registers them with reg
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	m := &Metrics{
		// Publish metrics
		ActivePublishers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "mseingest_active_publishers",
			Help: "Number of currently connected publishers",
		}),
		PublishesStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "mseingest_publishes_started_total",
			Help: "Total number of publish sessions started",
		}),
		PublishesStopped: factory.NewCounter(prometheus.CounterOpts{
			Name: "mseingest_publishes_stopped_total",
			Help: "Total number of publish sessions stopped",
		}),
		PublishDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "mseingest_publish_duration_seconds",
			Help:    "Duration of publish sessions in seconds",
			Buckets: prometheus.ExponentialBuckets(10, 2, 10), // 10s to ~2.8h
		}),

		// Frame metrics
		FramesReceived: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mseingest_frames_received_total",
				Help: "Total number of frames delivered to a mountpoint",
			},
			[]string{"mountpoint", "type"}, // type: video or audio
		),
		FramesDropped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mseingest_frames_dropped_total",
				Help: "Total number of packets dropped by the ingest pipelines",
			},
			[]string{"mountpoint", "reason"},
		),
		FrameSize: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mseingest_frame_size_bytes",
				Help:    "Size of encoded frames in bytes",
				Buckets: prometheus.ExponentialBuckets(64, 2, 14), // 64B to ~512KB
			},
			[]string{"type"},
		),
		KeyFrames: factory.NewCounter(prometheus.CounterOpts{
			Name: "mseingest_keyframes_total",
			Help: "Total number of video key frames received",
		}),
		DecodeErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mseingest_decode_errors_total",
				Help: "Total number of decoder backend failures",
			},
			[]string{"codec"},
		),

		// fMP4 metrics
		FragmentsWritten: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mseingest_fragments_written_total",
				Help: "Total number of moof/mdat fragments produced",
			},
			[]string{"track"},
		),
		SegmentsCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "mseingest_segments_created_total",
			Help: "Total number of fMP4 media segments created",
		}),
		SegmentDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "mseingest_segment_duration_seconds",
			Help:    "Duration of fMP4 media segments",
			Buckets: []float64{0.5, 1, 2, 3, 4, 5, 10},
		}),
		SegmentSize: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "mseingest_segment_size_bytes",
			Help:    "Size of fMP4 media segments in bytes",
			Buckets: prometheus.ExponentialBuckets(10240, 2, 10), // 10KB to ~5MB
		}),
		SegmentsStored: factory.NewGauge(prometheus.GaugeOpts{
			Name: "mseingest_segments_stored",
			Help: "Number of segments currently stored",
		}),

		// HTTP metrics
		HTTPRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mseingest_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mseingest_http_request_duration_seconds",
				Help:    "Duration of HTTP requests",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),

		// RTMP metrics
		RTMPConnections: factory.NewCounter(prometheus.CounterOpts{
			Name: "mseingest_rtmp_connections_total",
			Help: "Total number of RTMP connections",
		}),
		RTMPDisconnects: factory.NewCounter(prometheus.CounterOpts{
			Name: "mseingest_rtmp_disconnects_total",
			Help: "Total number of RTMP disconnections",
		}),
		RTMPErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mseingest_rtmp_errors_total",
				Help: "Total number of RTMP sessions terminated by an error",
			},
			[]string{"reason"},
		),
		RTMPBytesReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "mseingest_rtmp_bytes_received_total",
			Help: "Total bytes received via RTMP",
		}),
	}

	return m
}

// RecordPublishStart records a publisher going live
func (m *Metrics) RecordPublishStart() {
	if m == nil {
		return
	}
	m.ActivePublishers.Inc()
	m.PublishesStarted.Inc()
}

// RecordPublishStop records a publisher leaving
func (m *Metrics) RecordPublishStop(durationSeconds float64) {
	if m == nil {
		return
	}
	m.ActivePublishers.Dec()
	m.PublishesStopped.Inc()
	m.PublishDuration.Observe(durationSeconds)
}

// RecordFrame records a frame delivered to a mountpoint
func (m *Metrics) RecordFrame(mountpoint string, isVideo bool, size int) {
	if m == nil {
		return
	}
	frameType := "audio"
	if isVideo {
		frameType = "video"
	}
	m.FramesReceived.WithLabelValues(mountpoint, frameType).Inc()
	m.FrameSize.WithLabelValues(frameType).Observe(float64(size))
}

// RecordKeyFrame records a keyframe
func (m *Metrics) RecordKeyFrame() {
	if m == nil {
		return
	}
	m.KeyFrames.Inc()
}

// RecordFrameDropped records a dropped packet
func (m *Metrics) RecordFrameDropped(mountpoint, reason string) {
	if m == nil {
		return
	}
	m.FramesDropped.WithLabelValues(mountpoint, reason).Inc()
}

// RecordDecodeError records a decoder backend failure
func (m *Metrics) RecordDecodeError(codec string) {
	if m == nil {
		return
	}
	m.DecodeErrors.WithLabelValues(codec).Inc()
}

// RecordFragment records a moof/mdat pair produced for a track
func (m *Metrics) RecordFragment(track string) {
	if m == nil {
		return
	}
	m.FragmentsWritten.WithLabelValues(track).Inc()
}

// RecordSegment records a segment created
func (m *Metrics) RecordSegment(durationSeconds float64, sizeBytes int64) {
	if m == nil {
		return
	}
	m.SegmentsCreated.Inc()
	m.SegmentDuration.Observe(durationSeconds)
	m.SegmentSize.Observe(float64(sizeBytes))
	m.SegmentsStored.Inc()
}

// RecordSegmentDeleted records a segment deleted
func (m *Metrics) RecordSegmentDeleted() {
	if m == nil {
		return
	}
	m.SegmentsStored.Dec()
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, path string, status int, durationSeconds float64) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, path, statusCodeToString(status)).Inc()
	m.HTTPDuration.WithLabelValues(method, path).Observe(durationSeconds)
}

// RecordRTMPConnection records an RTMP connection
func (m *Metrics) RecordRTMPConnection() {
	if m == nil {
		return
	}
	m.RTMPConnections.Inc()
}

// RecordRTMPDisconnect records an RTMP disconnection
func (m *Metrics) RecordRTMPDisconnect() {
	if m == nil {
		return
	}
	m.RTMPDisconnects.Inc()
}

// RecordRTMPError records a session terminated by an error
func (m *Metrics) RecordRTMPError(reason string) {
	if m == nil {
		return
	}
	m.RTMPErrors.WithLabelValues(reason).Inc()
}

// RecordRTMPBytes records bytes received via RTMP
func (m *Metrics) RecordRTMPBytes(bytes uint64) {
	if m == nil {
		return
	}
	m.RTMPBytesReceived.Add(float64(bytes))
}

// statusCodeToString converts an HTTP status code to a string
func statusCodeToString(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
