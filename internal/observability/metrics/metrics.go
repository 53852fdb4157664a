package metrics

import (
	"database/sql"
	"log"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricPrefix = "droidfleet_"

	resultSuccess = "success"
	resultError   = "error"
)

var (
	registerOnce sync.Once

	commandsEnqueued *prometheus.CounterVec
	commandsClaimed  prometheus.Counter
	commandResults   *prometheus.CounterVec

	claimTotal   *prometheus.CounterVec
	claimLatency *prometheus.HistogramVec

	sweepTotal   *prometheus.CounterVec
	sweepLatency prometheus.Histogram

	wakeTotal *prometheus.CounterVec

	consumerLag *prometheus.GaugeVec
)

// Init registers metrics and, when db is set, DB-backed gauges.
func Init(db *sql.DB, logger *log.Logger) {
	registerOnce.Do(func() {
		commandsEnqueued = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "commands_enqueued_total",
				Help: "Total enqueued commands by type",
			},
			[]string{"command_type"},
		)
		commandsClaimed = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "commands_claimed_total",
				Help: "Total commands handed to devices",
			},
		)
		commandResults = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "command_results_total",
				Help: "Total commands reaching a final status",
			},
			[]string{"status"},
		)

		claimTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "claim_requests_total",
				Help: "Total device claim requests by result",
			},
			[]string{"result"},
		)
		claimLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "claim_latency_seconds",
				Help:    "Claim latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"result"},
		)

		sweepTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "sweep_runs_total",
				Help: "Total expiry sweeper passes by result",
			},
			[]string{"result"},
		)
		sweepLatency = prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "sweep_latency_seconds",
				Help:    "Expiry sweeper pass latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
		)

		wakeTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "wake_notifications_total",
				Help: "Total device wake notifications by result",
			},
			[]string{"result"},
		)

		consumerLag = prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: metricPrefix + "event_consumer_lag_seconds",
				Help: "Consumer processing lag in seconds",
			},
			[]string{"consumer"},
		)

		prometheus.MustRegister(
			commandsEnqueued,
			commandsClaimed,
			commandResults,
			claimTotal,
			claimLatency,
			sweepTotal,
			sweepLatency,
			wakeTotal,
			consumerLag,
		)

		if db != nil {
			registerDBMetrics(db, logger)
		}
	})
}

// IncCommandEnqueued counts an enqueued command.
func IncCommandEnqueued(commandType string) {
	if commandType == "" {
		commandType = "unknown"
	}
	if commandsEnqueued != nil {
		commandsEnqueued.WithLabelValues(commandType).Inc()
	}
}

// IncCommandResult counts a command reaching status.
func IncCommandResult(status string) {
	if status == "" {
		status = "unknown"
	}
	if commandResults != nil {
		commandResults.WithLabelValues(status).Inc()
	}
}

// AddCommandResults counts count commands reaching status.
func AddCommandResults(status string, count int) {
	if count <= 0 {
		return
	}
	if commandResults != nil {
		commandResults.WithLabelValues(status).Add(float64(count))
	}
}

// ObserveClaim records a claim request and the number of commands it handed out.
func ObserveClaim(result string, claimed int, duration time.Duration) {
	if result == "" {
		result = resultSuccess
	}
	if claimTotal != nil {
		claimTotal.WithLabelValues(result).Inc()
	}
	if claimLatency != nil {
		claimLatency.WithLabelValues(result).Observe(duration.Seconds())
	}
	if claimed > 0 && commandsClaimed != nil {
		commandsClaimed.Add(float64(claimed))
	}
}

// ObserveSweep records one sweeper pass.
func ObserveSweep(result string, duration time.Duration) {
	if result == "" {
		result = resultSuccess
	}
	if sweepTotal != nil {
		sweepTotal.WithLabelValues(result).Inc()
	}
	if sweepLatency != nil {
		sweepLatency.Observe(duration.Seconds())
	}
}

// IncWake counts a wake notification attempt.
func IncWake(result string) {
	if result == "" {
		result = "unknown"
	}
	if wakeTotal != nil {
		wakeTotal.WithLabelValues(result).Inc()
	}
}

// ObserveConsumerLag sets consumer lag in seconds.
func ObserveConsumerLag(consumer string, lag time.Duration) {
	if consumer == "" {
		consumer = "unknown"
	}
	if lag < 0 {
		lag = 0
	}
	if consumerLag != nil {
		consumerLag.WithLabelValues(consumer).Set(lag.Seconds())
	}
}

// Exported constants for callers.
const (
	ResultSuccess = resultSuccess
	ResultError   = resultError

	WakeDelivered = "delivered"
	WakeFailed    = "failed"
	WakeSkipped   = "skipped"
)
