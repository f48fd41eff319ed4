// Package metrics exposes prometheus collectors for the frame, channel, RPC
// and log layers. Collectors register lazily on first use.
package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Direction labels for frame counters.
const (
	TX = "tx"
	RX = "rx"
)

var (
	registerOnce sync.Once

	frames = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ccf",
			Subsystem: "transport",
			Name:      "frames_total",
			Help:      "Frames sent or received, by channel.",
		},
		[]string{"direction", "channel"},
	)
	frameBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ccf",
			Subsystem: "transport",
			Name:      "bytes_total",
			Help:      "Encoded bytes on the wire, delimiter included.",
		},
		[]string{"direction"},
	)
	frameErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ccf",
			Subsystem: "transport",
			Name:      "frame_errors_total",
			Help:      "Frames rejected by the codec, by reason.",
		},
		[]string{"reason"},
	)
	dropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ccf",
			Subsystem: "channel",
			Name:      "dropped_total",
			Help:      "Payloads dropped because no consumer had opened the channel.",
		},
		[]string{"channel"},
	)
	calls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ccf",
			Subsystem: "rpc",
			Name:      "calls_total",
			Help:      "RPC calls by function and outcome.",
		},
		[]string{"function", "success"},
	)
	callDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ccf",
			Subsystem: "rpc",
			Name:      "call_duration_seconds",
			Help:      "RPC round trip time in seconds.",
			Buckets:   []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
		[]string{"function"},
	)
	staleResponses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "ccf",
			Subsystem: "rpc",
			Name:      "stale_responses_total",
			Help:      "Responses discarded because their sequence number was not awaited.",
		},
	)
	logRecords = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ccf",
			Subsystem: "log",
			Name:      "records_total",
			Help:      "Target log records by severity; malformed records use severity=malformed.",
		},
		[]string{"severity"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(frames, frameBytes, frameErrors, dropped,
			calls, callDuration, staleResponses, logRecords)
	})
}

func RecordFrame(direction string, channel byte, size int) {
	RegisterMetrics()
	frames.WithLabelValues(direction, strconv.Itoa(int(channel))).Inc()
	frameBytes.WithLabelValues(direction).Add(float64(size))
}

func RecordFrameError(reason string) {
	RegisterMetrics()
	frameErrors.WithLabelValues(reason).Inc()
}

func RecordDropped(channel byte) {
	RegisterMetrics()
	dropped.WithLabelValues(strconv.Itoa(int(channel))).Inc()
}

func RecordCall(function string, duration time.Duration, success bool) {
	RegisterMetrics()
	calls.WithLabelValues(function, strconv.FormatBool(success)).Inc()
	callDuration.WithLabelValues(function).Observe(duration.Seconds())
}

func RecordStaleResponse() {
	RegisterMetrics()
	staleResponses.Inc()
}

func RecordLogRecord(severity string) {
	RegisterMetrics()
	logRecords.WithLabelValues(severity).Inc()
}
