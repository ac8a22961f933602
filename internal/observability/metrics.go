package observability

import "github.com/prometheus/client_golang/prometheus"

var (
	APIRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "wacast_api_requests_total", Help: "API requests"},
		[]string{"endpoint", "status"},
	)
	WASend = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "wacast_wa_send_total", Help: "WhatsApp template send outcomes"},
		[]string{"result", "code"},
	)
	WASendLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "wacast_wa_send_latency_seconds", Help: "WhatsApp send latency"},
	)
	DispatchWindows = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "wacast_dispatch_windows_total", Help: "One-second send windows dispatched"},
	)
	RetriesScheduled = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "wacast_retries_scheduled_total", Help: "Recipients moved to retry"},
	)
	CampaignsFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "wacast_campaigns_finished_total", Help: "Campaign dispatch runs ended, by final status"},
		[]string{"status"},
	)
	WebhookEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "wacast_webhook_events_total", Help: "Webhook events received"},
		[]string{"status"},
	)
	WebhookEnqueues = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "wacast_webhook_enqueue_total", Help: "SQS enqueue results for webhook events"},
		[]string{"result"},
	)
)

func Register(reg prometheus.Registerer) {
	reg.MustRegister(APIRequests, WASend, WASendLatency, DispatchWindows,
		RetriesScheduled, CampaignsFinished, WebhookEvents, WebhookEnqueues)
}
