// Package metrics provides Prometheus instrumentation for the auction relay.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// BidsTotal counts admitted bids, partitioned by chain and kind.
	BidsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_bids_total",
		Help: "Total number of bids admitted",
	}, []string{"chain", "kind"})

	// BidRejections counts bids refused at admission, by error class.
	BidRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_bid_rejections_total",
		Help: "Bids rejected at admission",
	}, []string{"reason"})

	// BidTransitions counts committed status transitions by target state.
	BidTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_bid_transitions_total",
		Help: "Bid status transitions committed",
	}, []string{"chain", "status"})

	// IllegalTransitions counts transitions refused by the state machine.
	IllegalTransitions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_illegal_transitions_total",
		Help: "Bid status transitions rejected as illegal",
	})

	// AuctionRounds counts auction rounds by outcome.
	AuctionRounds = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_auction_rounds_total",
		Help: "Auction rounds run",
	}, []string{"chain", "outcome"})

	// AuctionRoundLatency tracks the time from round start to settlement.
	AuctionRoundLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "relay_auction_round_seconds",
		Help:    "Auction round duration in seconds",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"chain"})

	// Simulations counts bid simulations by result (ok, reverted, error).
	Simulations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_simulations_total",
		Help: "Bid simulations by result",
	}, []string{"chain", "result"})

	// SubmissionRetries counts failed submission attempts that were retried.
	SubmissionRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_submission_retries_total",
		Help: "Winning bid submission attempts that failed and were retried",
	}, []string{"chain"})

	// ActiveAuctions tracks running per-key auction actors.
	ActiveAuctions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relay_active_auctions",
		Help: "Number of running permission key auction actors",
	})

	// OpportunitiesTotal counts registered opportunities.
	OpportunitiesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_opportunities_total",
		Help: "Opportunities registered",
	}, []string{"chain"})

	// OpportunitiesRemoved counts opportunities leaving the active set.
	OpportunitiesRemoved = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_opportunities_removed_total",
		Help: "Opportunities removed from active listings",
	}, []string{"reason"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relay_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// DroppedMessages counts updates dropped because a connection's send
	// queue was full.
	DroppedMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_ws_dropped_messages_total",
		Help: "Updates dropped on full per-connection queues",
	}, []string{"type"})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "relay_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Use the route pattern for path label to avoid high cardinality.
		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
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

// Hijack lets WebSocket upgrades pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}
