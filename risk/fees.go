package risk

import "math/big"

// Fee schedule in basis points. The breakdown is reported to callers but is
// never deducted anywhere: how fees are collected is still unsettled, so
// this stays an off-path calculator.
const (
	baseFeeBps     = 10
	riskFeeMaxBps  = 40
	providerFeeBps = 25
)

// FeeBreakdown itemizes the fees a payment would carry under the draft
// schedule. All values in token base units, serialized as decimal strings.
type FeeBreakdown struct {
	BaseFee     string `json:"baseFee"`
	RiskFee     string `json:"riskFee"`
	ProviderFee string `json:"providerFee"`
	Total       string `json:"total"`
}

// Fees computes the draft fee breakdown for an amount. The risk fee scales
// with the rejection score that a hypothetical limit breach would have
// carried; an allowed payment (score 0) pays no risk fee.
func Fees(amount *big.Int, score int) FeeBreakdown {
	if amount == nil {
		amount = new(big.Int)
	}
	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	base := bps(amount, baseFeeBps)
	risky := bps(amount, int64(riskFeeMaxBps*score/100))
	provider := bps(amount, providerFeeBps)
	total := new(big.Int).Add(base, risky)
	total.Add(total, provider)
	return FeeBreakdown{
		BaseFee:     base.String(),
		RiskFee:     risky.String(),
		ProviderFee: provider.String(),
		Total:       total.String(),
	}
}

func bps(amount *big.Int, points int64) *big.Int {
	out := new(big.Int).Mul(amount, big.NewInt(points))
	return out.Quo(out, big.NewInt(10_000))
}
