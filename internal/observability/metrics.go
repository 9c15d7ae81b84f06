package observability

import "github.com/prometheus/client_golang/prometheus"

var (
	APIRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "vend_api_requests_total", Help: "API requests"},
		[]string{"endpoint", "status"},
	)
	Enqueues = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "vend_enqueue_total", Help: "SQS enqueue results"},
		[]string{"topic", "result"},
	)
	VendorCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "vend_vendor_calls_total", Help: "Vendor API call outcomes"},
		[]string{"vendor", "request_type", "result", "http_status"},
	)
	VendorLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "vend_vendor_latency_seconds", Help: "Vendor API call latency"},
		[]string{"vendor", "request_type"},
	)
	Classifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "vend_classifications_total", Help: "Classifier decisions"},
		[]string{"vendor", "request_type", "action"},
	)
	VendorSwitches = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "vend_vendor_switches_total", Help: "Vendor switches"},
		[]string{"from", "to"},
	)
	Requeries = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "vend_requeries_scheduled_total", Help: "Scheduled requeries"},
		[]string{"vendor"},
	)
	Flagged = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "vend_flagged_total", Help: "Transactions flagged for review"},
		[]string{"reason"},
	)
	Rescheduled = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "vend_early_redeliveries_total", Help: "Envelopes re-published because they arrived before their delay elapsed"},
	)
	Notifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "vend_notifications_total", Help: "Notification dispatch results"},
		[]string{"audience", "result"},
	)
)

func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		APIRequests, Enqueues, VendorCalls, VendorLatency, Classifications,
		VendorSwitches, Requeries, Flagged, Rescheduled, Notifications,
	)
}
