package txn

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	TxTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_tx_total",
			Help: "Ledger transaction units by outcome",
		},
		[]string{"outcome"},
	)
	TxDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ledger_tx_duration_seconds",
			Help:    "Wall time of ledger transaction units including retries",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(TxTotal)
	prometheus.MustRegister(TxDuration)
}
