package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// MessagesDispatched counts dispatch outcomes by terminal contact status.
	MessagesDispatched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_messages_total",
			Help: "Number of dispatched messages by outcome",
		},
		[]string{"status"}, // sent or error
	)

	// SendDuration tracks gateway send latency.
	SendDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dispatch_send_duration_seconds",
			Help:    "Duration of gateway send calls in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
	)

	// ActiveWorkers is the number of campaign dispatch loops currently alive.
	ActiveWorkers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dispatch_active_workers",
			Help: "Number of active campaign workers",
		},
	)
)
