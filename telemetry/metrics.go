// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	EventsReceived    prometheus.Counter
	EventsMalformed   prometheus.Counter
	Deliveries        prometheus.Counter
	DeliveryFailures  prometheus.Counter
	SubscribeFailures prometheus.Counter
	TokenExchanges    *prometheus.CounterVec

	// Histograms (seconds)
	BroadcastDuration prometheus.Observer

	// Gauges
	SubscribersGauge  prometheus.Gauge
	SessionStateGauge prometheus.Gauge // numeric chat.State
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		EventsReceived = promauto.NewCounter(prometheus.CounterOpts{Name: "relay_events_received_total", Help: "Chat events received from the upstream session"})
		EventsMalformed = promauto.NewCounter(prometheus.CounterOpts{Name: "relay_events_malformed_total", Help: "Upstream chat events dropped because the payload was not valid JSON"})
		Deliveries = promauto.NewCounter(prometheus.CounterOpts{Name: "relay_deliveries_total", Help: "Per-subscriber event deliveries"})
		DeliveryFailures = promauto.NewCounter(prometheus.CounterOpts{Name: "relay_delivery_failures_total", Help: "Subscribers dropped after a failed delivery"})
		SubscribeFailures = promauto.NewCounter(prometheus.CounterOpts{Name: "session_subscribe_failures_total", Help: "Failed chat subscription calls"})
		TokenExchanges = promauto.NewCounterVec(prometheus.CounterOpts{Name: "oauth_token_exchanges_total", Help: "Authorization grant exchanges by result"}, []string{"result"})
		BroadcastDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "relay_broadcast_duration_seconds", Help: "Time to fan out one event to all subscribers", Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1}})
		SubscribersGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "relay_subscribers", Help: "Currently connected downstream subscribers"})
		SessionStateGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "session_state", Help: "Upstream session state (0=idle 1=connecting 2=awaiting_session_key 3=subscribed 4=degraded 5=closed)"})
	})
}

// RecordEventReceived counts one upstream chat event.
func RecordEventReceived() {
	if EventsReceived != nil {
		EventsReceived.Inc()
	}
}

// RecordMalformedEvent counts one dropped upstream payload.
func RecordMalformedEvent() {
	if EventsMalformed != nil {
		EventsMalformed.Inc()
	}
}

// RecordDeliveries adds n successful per-subscriber deliveries.
func RecordDeliveries(n int) {
	if Deliveries != nil && n > 0 {
		Deliveries.Add(float64(n))
	}
}

// RecordDeliveryFailure counts one dropped subscriber.
func RecordDeliveryFailure() {
	if DeliveryFailures != nil {
		DeliveryFailures.Inc()
	}
}

// RecordSubscribeFailure counts one failed chat subscription.
func RecordSubscribeFailure() {
	if SubscribeFailures != nil {
		SubscribeFailures.Inc()
	}
}

// RecordTokenExchange counts a grant exchange outcome.
func RecordTokenExchange(ok bool) {
	if TokenExchanges == nil {
		return
	}
	if ok {
		TokenExchanges.WithLabelValues("success").Inc()
	} else {
		TokenExchanges.WithLabelValues("failure").Inc()
	}
}

// SetSubscribers records the current subscriber count.
func SetSubscribers(n int) {
	if SubscribersGauge != nil {
		SubscribersGauge.Set(float64(n))
	}
}

// SetSessionState records the numeric session state.
func SetSessionState(state int) {
	if SessionStateGauge != nil {
		SessionStateGauge.Set(float64(state))
	}
}

// TimeFunc measures the duration of fn and records in observer if non-nil.
func TimeFunc(obs prometheus.Observer, fn func()) time.Duration {
	start := time.Now()
	fn()
	d := time.Since(start)
	if obs != nil {
		obs.Observe(d.Seconds())
	}
	return d
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding the correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	if s, ok := ctx.Value(corrKey).(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
