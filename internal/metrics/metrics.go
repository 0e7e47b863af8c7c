// Package metrics provides Prometheus instrumentation for the vault engine.
package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"

	"github.com/perpx/vault-engine/internal/journal"
	"github.com/perpx/vault-engine/internal/model"
)

var (
	// EventsTotal counts journal events, partitioned by type.
	EventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vault_engine_events_total",
		Help: "Total journal events emitted",
	}, []string{"type"})

	// PositionsIncreasedTotal counts position increases by side.
	PositionsIncreasedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vault_engine_positions_increased_total",
		Help: "Total position increase operations",
	}, []string{"side"})

	// PositionsDecreasedTotal counts position decreases by side.
	PositionsDecreasedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vault_engine_positions_decreased_total",
		Help: "Total position decrease operations",
	}, []string{"side"})

	// LiquidationsTotal counts position liquidations by side.
	LiquidationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vault_engine_liquidations_total",
		Help: "Total positions liquidated",
	}, []string{"side"})

	// SwapVolume accumulates swap input amounts in the input token's
	// native units, so each series is self-consistent per token.
	SwapVolume = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vault_engine_swap_volume",
		Help: "Cumulative swap input volume in native token units",
	}, []string{"token"})

	// UsdpMinted accumulates USDP minted through pool buys.
	UsdpMinted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vault_engine_usdp_minted_total",
		Help: "Cumulative USDP minted",
	})

	// UsdpBurned accumulates USDP burned through pool sells.
	UsdpBurned = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vault_engine_usdp_burned_total",
		Help: "Cumulative USDP burned",
	})

	// FeesCollectedTotal counts fee collection events by kind.
	FeesCollectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vault_engine_fees_collected_total",
		Help: "Total fee collection events",
	}, []string{"kind"})

	// FundingRate reports the last sampled funding rate per token, in
	// funding-rate precision units.
	FundingRate = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "vault_engine_funding_rate",
		Help: "Last funding rate per token",
	}, []string{"token"})

	// OrdersResting tracks orders currently resting on the book.
	OrdersResting = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "vault_engine_orders_resting",
		Help: "Number of resting trigger orders",
	})

	// RequestsPending tracks delayed position requests awaiting execution.
	RequestsPending = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "vault_engine_requests_pending",
		Help: "Number of pending position requests",
	})

	// OrderResolutionsTotal counts resolved book orders and queued requests
	// by kind and outcome.
	OrderResolutionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vault_engine_order_resolutions_total",
		Help: "Total order and request resolutions",
	}, []string{"kind", "outcome"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "vault_engine_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vault_engine_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "vault_engine_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})

	// HTTPInFlight tracks requests currently being served.
	HTTPInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "vault_engine_http_in_flight_requests",
		Help: "HTTP requests currently in flight",
	})
)

// Recorder returns a journal recorder that keeps the engine metrics current.
// Resting-order and pending-request gauges follow the create/resolve event
// pairs; volume counters parse the decimal amounts carried in event data.
func Recorder() journal.Recorder {
	return journal.RecorderFunc(func(_ context.Context, ev *model.Event) {
		EventsTotal.WithLabelValues(ev.Type).Inc()
		switch ev.Type {
		case model.EventIncreasePosition:
			PositionsIncreasedTotal.WithLabelValues(ev.Data["side"]).Inc()
		case model.EventDecreasePosition:
			PositionsDecreasedTotal.WithLabelValues(ev.Data["side"]).Inc()
		case model.EventLiquidatePosition:
			LiquidationsTotal.WithLabelValues(ev.Data["side"]).Inc()
		case model.EventSwap:
			SwapVolume.WithLabelValues(ev.Data["token_in"]).Add(dataFloat(ev, "amount_in"))
		case model.EventBuyUSDP:
			UsdpMinted.Add(dataFloat(ev, "mint_amount"))
		case model.EventSellUSDP:
			UsdpBurned.Add(dataFloat(ev, "usdp_amount"))
		case model.EventCollectMarginFees:
			FeesCollectedTotal.WithLabelValues("margin").Inc()
		case model.EventCollectSwapFees:
			FeesCollectedTotal.WithLabelValues("swap").Inc()
		case model.EventUpdateFundingRate:
			FundingRate.WithLabelValues(ev.Token).Set(dataFloat(ev, "rate"))

		case model.EventCreateSwapOrder, model.EventCreateIncreaseOrder, model.EventCreateDecreaseOrder:
			OrdersResting.Inc()
		case model.EventExecuteSwapOrder:
			OrdersResting.Dec()
			OrderResolutionsTotal.WithLabelValues("swap_order", "executed").Inc()
		case model.EventExecuteIncreaseOrder:
			OrdersResting.Dec()
			OrderResolutionsTotal.WithLabelValues("increase_order", "executed").Inc()
		case model.EventExecuteDecreaseOrder:
			OrdersResting.Dec()
			OrderResolutionsTotal.WithLabelValues("decrease_order", "executed").Inc()
		case model.EventCancelSwapOrder:
			OrdersResting.Dec()
			OrderResolutionsTotal.WithLabelValues("swap_order", "cancelled").Inc()
		case model.EventCancelIncreaseOrder:
			OrdersResting.Dec()
			OrderResolutionsTotal.WithLabelValues("increase_order", "cancelled").Inc()
		case model.EventCancelDecreaseOrder:
			OrdersResting.Dec()
			OrderResolutionsTotal.WithLabelValues("decrease_order", "cancelled").Inc()

		case model.EventCreateIncreaseRequest, model.EventCreateDecreaseRequest:
			RequestsPending.Inc()
		case model.EventExecuteIncreaseRequest:
			RequestsPending.Dec()
			OrderResolutionsTotal.WithLabelValues("increase_request", "executed").Inc()
		case model.EventExecuteDecreaseRequest:
			RequestsPending.Dec()
			OrderResolutionsTotal.WithLabelValues("decrease_request", "executed").Inc()
		case model.EventCancelIncreaseRequest:
			RequestsPending.Dec()
			OrderResolutionsTotal.WithLabelValues("increase_request", "cancelled").Inc()
		case model.EventCancelDecreaseRequest:
			RequestsPending.Dec()
			OrderResolutionsTotal.WithLabelValues("decrease_request", "cancelled").Inc()
		}
	})
}

// dataFloat parses a decimal string out of event data. Unparseable or
// missing values count as zero rather than failing the recorder.
func dataFloat(ev *model.Event, key string) float64 {
	v, err := decimal.NewFromString(ev.Data[key])
	if err != nil {
		return 0
	}
	return v.InexactFloat64()
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		HTTPInFlight.Inc()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		HTTPInFlight.Dec()
		duration := time.Since(start).Seconds()

		// Use the request path for labels; the API surface is small and
		// fixed enough that cardinality stays bounded.
		path := r.URL.Path
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
