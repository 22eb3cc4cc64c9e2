package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ride_driver"

var (
	LocationUploadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "location_uploads_total", Help: "Location uploads by sink and result"},
		[]string{"sink", "result"},
	)
	LocationSamplesFiltered = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "location_samples_filtered_total", Help: "Samples dropped by the movement filter"})
	DriverOnline            = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "driver_online", Help: "1 while the driver is online"})

	ChannelUp                = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "channel_up", Help: "1 while the dispatch channel is connected"})
	ChannelConnectAttempts   = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "channel_connect_attempts_total", Help: "Dispatch channel dial attempts by result"}, []string{"result"})
	ChannelFramesTotal       = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "channel_frames_total", Help: "Inbound channel frames by event"}, []string{"event"})
	ChannelOffersCoalesced   = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "channel_offers_coalesced_total", Help: "Duplicate ride offers collapsed before delivery"})

	OffersTotal        = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "offers_total", Help: "Ride offers handled by the lifecycle by outcome"}, []string{"outcome"})
	RideTransitions    = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "ride_transitions_total", Help: "Committed ride state transitions"}, []string{"from", "to", "cause"})
	RideCallsTotal     = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "ride_calls_total", Help: "Outbound ride calls by action and result"}, []string{"action", "result"})
	RideCallDuration   = promauto.NewHistogramVec(prometheus.HistogramOpts{Namespace: namespace, Name: "ride_call_duration_seconds", Help: "Outbound ride call latency", Buckets: prometheus.DefBuckets}, []string{"action"})
	RidePollsTotal     = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "ride_polls_total", Help: "Available-ride polls by result"}, []string{"result"})
	JournalWriteErrors = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "journal_write_errors_total", Help: "Ride journal appends that failed"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "http_requests_total", Help: "Total control API requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Control API request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

// BoolGauge is a tiny helper for 0/1 gauges.
func BoolGauge(g prometheus.Gauge, v bool) {
	if v {
		g.Set(1)
		return
	}
	g.Set(0)
}
