package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// TransfersTotal counts money movements by type and outcome.
var TransfersTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "chainpay_transfers_total",
		Help: "Total number of transfer operations processed by the engine",
	},
	[]string{"type", "outcome"},
)

// TransferLatency records latency distribution for ledger operations.
var TransferLatency = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "chainpay_transfer_latency_seconds",
		Help:    "Latency in seconds of ledger operations",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"type"},
)

// ComplianceDenials counts compliance rejections by rule.
var ComplianceDenials = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "chainpay_compliance_denials_total",
		Help: "Total number of transfers denied by the compliance evaluator",
	},
	[]string{"rule"},
)

// SettlementCallbacks counts provider callback dispositions.
var SettlementCallbacks = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "chainpay_settlement_callbacks_total",
		Help: "Total provider settlement callbacks by disposition",
	},
	[]string{"disposition"}, // confirmed, failed, ignored, mismatch, duplicate
)

// SettlementsExpired counts pending settlements closed by the expiry sweep.
var SettlementsExpired = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "chainpay_settlements_expired_total",
		Help: "Total pending settlements marked EXPIRED by the sweeper",
	},
)

// ReversalDecisions counts reversal workflow outcomes.
var ReversalDecisions = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "chainpay_reversal_decisions_total",
		Help: "Total reversal requests decided, by outcome",
	},
	[]string{"outcome"}, // approved, rejected
)

// OutboxDropped counts fire-and-forget events dropped on overflow.
var OutboxDropped = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "chainpay_outbox_dropped_total",
		Help: "Total outbound side-effect events dropped because the outbox was full",
	},
)

// TransferTimer measures one operation against TransferLatency.
type TransferTimer struct {
	txType string
	start  time.Time
}

func NewTransferTimer(txType string) *TransferTimer {
	return &TransferTimer{txType: txType, start: time.Now()}
}

func (t *TransferTimer) Done() {
	TransferLatency.WithLabelValues(t.txType).Observe(time.Since(t.start).Seconds())
}

// Register registers all engine metrics on the given registerer.
func Register(r prometheus.Registerer) {
	r.MustRegister(
		TransfersTotal,
		TransferLatency,
		ComplianceDenials,
		SettlementCallbacks,
		SettlementsExpired,
		ReversalDecisions,
		OutboxDropped,
	)
}
