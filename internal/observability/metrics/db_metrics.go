package metrics

import (
	"database/sql"
	"log"

	"github.com/prometheus/client_golang/prometheus"
)

func registerDBMetrics(db *sql.DB, logger *log.Logger) {
	gauges := []struct {
		name  string
		help  string
		query string
	}{
		{"event_outbox_pending", "Pending outbox records", "SELECT COUNT(*) FROM event_outbox WHERE status = 'pending'"},
		{"event_dlq_count", "Dead letter queue records", "SELECT COUNT(*) FROM dead_letter_events"},
		{"commands_pending", "Commands waiting to be claimed", "SELECT COUNT(*) FROM commands WHERE status IN ('pending','queued')"},
		{"commands_in_progress", "Commands claimed and awaiting acknowledgement", "SELECT COUNT(*) FROM commands WHERE status = 'in_progress'"},
	}
	for _, g := range gauges {
		query := g.query
		prometheus.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Name: metricPrefix + g.name,
				Help: g.help,
			},
			func() float64 {
				return queryCount(db, logger, query)
			},
		))
	}
}

func queryCount(db *sql.DB, logger *log.Logger, query string) float64 {
	if db == nil {
		return 0
	}
	var count int64
	if err := db.QueryRow(query).Scan(&count); err != nil {
		if logger != nil {
			logger.Printf("metrics query failed: %v", err)
		}
		return 0
	}
	if count < 0 {
		return 0
	}
	return float64(count)
}
