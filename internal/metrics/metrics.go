package metrics

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "crash"

// Labels
const (
	LabelMethod = "method"
	LabelPath   = "path"
	LabelStatus = "status"
	LabelKind   = "kind"
	LabelCode   = "code"
)

// Cashout and round end kinds
const (
	KindAuto    = "auto"
	KindManual  = "manual"
	KindForced  = "forced"
	KindNatural = "natural"
)

var roundDurationBuckets = []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120}

// Round metrics
var (
	RoundsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rounds_total",
			Help:      "Total number of finished rounds",
		},
		[]string{LabelKind},
	)

	CrashPoint = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "crash_point",
			Help:      "Crash point of finished rounds, in multiples",
			Buckets:   []float64{1, 1.5, 2, 3, 5, 10, 50, 100, 1000},
		},
	)

	RoundRunTime = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "round_run_seconds",
			Help:      "Time rounds spend in progress",
			Buckets:   roundDurationBuckets,
		},
	)

	SettlementDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "settlement_seconds",
			Help:      "Time from crash until the ledger confirmed settlement",
			Buckets:   roundDurationBuckets,
		},
	)

	Bankroll = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "bankroll",
			Help:      "House bankroll in currency units",
		},
	)

	PendingJoins = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_joins",
			Help:      "Bet admissions with a ledger write in flight",
		},
	)
)

// Bet metrics
var (
	BetsPlaced = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bets_placed_total",
			Help:      "Total number of accepted bets",
		},
	)

	BetsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bets_rejected_total",
			Help:      "Total number of rejected bets by code",
		},
		[]string{LabelCode},
	)

	CashOuts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cashouts_total",
			Help:      "Total number of cashouts by kind",
		},
		[]string{LabelKind},
	)

	BonusPaid = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bonus_paid_total",
			Help:      "Total bonus credited to players",
		},
	)

	InvariantViolations = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invariant_violations_total",
			Help:      "Engine invariant violations; any non-zero value needs an operator",
		},
	)
)

// HTTP metrics
var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{LabelMethod, LabelPath, LabelStatus},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{LabelMethod, LabelPath},
	)
)

// Middleware collects HTTP request metrics for fiber routes.
func Middleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()

		path := c.Route().Path
		status := c.Response().StatusCode()
		if err != nil {
			if fe, ok := err.(*fiber.Error); ok {
				status = fe.Code
			} else {
				status = fiber.StatusInternalServerError
			}
		}

		HTTPRequestsTotal.WithLabelValues(c.Method(), path, statusLabel(status)).Inc()
		HTTPRequestDuration.WithLabelValues(c.Method(), path).Observe(time.Since(start).Seconds())
		return err
	}
}

func statusLabel(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
