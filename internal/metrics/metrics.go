// Package metrics implements Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// FramesSentTotal counts frames handed to the I/O subprocess.
	FramesSentTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dpni_frames_sent_total",
			Help: "Total number of frames transmitted",
		},
		[]string{"device"},
	)

	// FramesReceivedTotal counts frames delivered to the guest.
	FramesReceivedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dpni_frames_received_total",
			Help: "Total number of frames delivered to the guest",
		},
		[]string{"device"},
	)

	// DropsTotal counts received frames not delivered, by reason.
	DropsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dpni_drops_total",
			Help: "Total number of received frames dropped",
		},
		[]string{"device", "reason"},
	)

	// EchoesSuppressedTotal counts own transmissions recognized on receive.
	EchoesSuppressedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dpni_echoes_suppressed_total",
			Help: "Total number of looped-back own frames suppressed",
		},
		[]string{"device"},
	)

	// CommandsTotal counts guest commands by opcode and completion status.
	CommandsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dpni_commands_total",
			Help: "Total number of guest commands executed",
		},
		[]string{"device", "opcode", "status"},
	)

	// QueueDeferralsTotal counts operations deferred by a held interlock.
	QueueDeferralsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dpni_queue_deferrals_total",
			Help: "Total number of queue operations deferred because the queue was locked",
		},
		[]string{"device", "queue"},
	)

	// TransportRetriesTotal counts retried transport system-call errors.
	TransportRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dpni_transport_retries_total",
			Help: "Total number of transient transport errors retried",
		},
		[]string{"device", "direction"},
	)

	// DeviceState tracks the controller state (0=reset, 1=disabled, 2=enabled, 3=failed).
	DeviceState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dpni_device_state",
			Help: "Current controller state (0=reset, 1=disabled, 2=enabled, 3=failed)",
		},
		[]string{"device"},
	)

	// SendLatencySeconds measures the wait for the outbound buffer.
	SendLatencySeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dpni_send_wait_seconds",
			Help:    "Time spent waiting for the outbound channel buffer",
			Buckets: prometheus.ExponentialBuckets(0.000001, 2, 20), // 1µs to ~1s
		},
		[]string{"device"},
	)
)

// DeviceStateFailed is the DeviceState value of a device whose subprocess died.
const DeviceStateFailed = 3
