package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SettlementRuns counts settlement runs by path (success/failure) and result
	// (completed, parked, rejected, in_progress).
	SettlementRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "launchpad",
		Subsystem: "settlement",
		Name:      "runs_total",
		Help:      "Settlement runs by path and result.",
	}, []string{"path", "result"})

	// Transfers counts custody transfers by kind (release, distribution, refund, token_return) and result.
	Transfers = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "launchpad",
		Subsystem: "escrow",
		Name:      "transfers_total",
		Help:      "Custody transfers by kind and result.",
	}, []string{"kind", "result"})

	TransferDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "launchpad",
		Subsystem: "escrow",
		Name:      "transfer_duration_seconds",
		Help:      "Time spent per custody transfer including retries.",
		Buckets:   prometheus.ExponentialBuckets(0.25, 2, 8),
	}, []string{"kind"})

	DepositChecks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "launchpad",
		Subsystem: "escrow",
		Name:      "deposit_checks_total",
		Help:      "Token deposit verifications by result (deposited, short, unavailable).",
	}, []string{"result"})

	SweepDuePresales = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "launchpad",
		Subsystem: "scheduler",
		Name:      "due_presales",
		Help:      "Presales found past their deadline in the last sweep.",
	})
)
