package observability

import (
	"math/big"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// FacilitatorMetrics aggregates the prometheus instruments the facilitator
// emits. Obtain it through Facilitator(); registration happens once.
type FacilitatorMetrics struct {
	Verifications      *prometheus.CounterVec
	Settlements        *prometheus.CounterVec
	SettlementAttempts prometheus.Counter
	PendingSettlements prometheus.Gauge
	PendingAmount      prometheus.Gauge
	BondExposure       prometheus.Gauge
	FCRInstance        prometheus.Gauge
	FCRPhase           prometheus.Gauge
	FCRRoundBumps      prometheus.Counter
	FCRLevelChanges    *prometheus.CounterVec
	VouchersStored     prometheus.Counter
	VouchersSettled    prometheus.Counter
}

var (
	facilitatorOnce sync.Once
	facilitatorReg  *FacilitatorMetrics
)

// Facilitator returns the lazily-initialised facilitator metrics registry.
func Facilitator() *FacilitatorMetrics {
	facilitatorOnce.Do(func() {
		facilitatorReg = &FacilitatorMetrics{
			Verifications: promauto.NewCounterVec(prometheus.CounterOpts{
				Namespace: "filpay",
				Name:      "verifications_total",
				Help:      "Payment verifications by outcome reason (ok for accepted).",
			}, []string{"reason"}),
			Settlements: promauto.NewCounterVec(prometheus.CounterOpts{
				Namespace: "filpay",
				Name:      "settlements_total",
				Help:      "Settlement records reaching a status.",
			}, []string{"status"}),
			SettlementAttempts: promauto.NewCounter(prometheus.CounterOpts{
				Namespace: "filpay",
				Name:      "settlement_attempts_total",
				Help:      "On-chain submission attempts, including retries.",
			}),
			PendingSettlements: promauto.NewGauge(prometheus.GaugeOpts{
				Namespace: "filpay",
				Name:      "pending_settlements",
				Help:      "Non-terminal settlement records.",
			}),
			PendingAmount: promauto.NewGauge(prometheus.GaugeOpts{
				Namespace: "filpay",
				Name:      "pending_amount_tokens",
				Help:      "Total reserved credit across wallets, in whole tokens.",
			}),
			BondExposure: promauto.NewGauge(prometheus.GaugeOpts{
				Namespace: "filpay",
				Name:      "bond_exposure_tokens",
				Help:      "Committed bond collateral, in whole tokens.",
			}),
			FCRInstance: promauto.NewGauge(prometheus.GaugeOpts{
				Namespace: "filpay",
				Name:      "fcr_instance",
				Help:      "Current consensus instance observed by the monitor.",
			}),
			FCRPhase: promauto.NewGauge(prometheus.GaugeOpts{
				Namespace: "filpay",
				Name:      "fcr_phase",
				Help:      "Current consensus phase (0=QUALITY .. 4=DECIDE).",
			}),
			FCRRoundBumps: promauto.NewCounter(prometheus.CounterOpts{
				Namespace: "filpay",
				Name:      "fcr_round_bumps_total",
				Help:      "Backup rounds observed across instances.",
			}),
			FCRLevelChanges: promauto.NewCounterVec(prometheus.CounterOpts{
				Namespace: "filpay",
				Name:      "fcr_level_changes_total",
				Help:      "Per-settlement confirmation level advances.",
			}, []string{"level"}),
			VouchersStored: promauto.NewCounter(prometheus.CounterOpts{
				Namespace: "filpay",
				Name:      "vouchers_stored_total",
				Help:      "Deferred-payment vouchers accepted by the store.",
			}),
			VouchersSettled: promauto.NewCounter(prometheus.CounterOpts{
				Namespace: "filpay",
				Name:      "vouchers_settled_total",
				Help:      "Deferred-payment vouchers settled on-chain.",
			}),
		}
	})
	return facilitatorReg
}

// TokensFromBase converts a base-unit amount to whole tokens for gauge
// export. Precision loss is acceptable here; ledgers keep the exact values.
func TokensFromBase(amount *big.Int, decimals uint8) float64 {
	if amount == nil {
		return 0
	}
	f := new(big.Float).SetInt(amount)
	scale := new(big.Float).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil))
	out, _ := new(big.Float).Quo(f, scale).Float64()
	return out
}
