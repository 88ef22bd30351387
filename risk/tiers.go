// Package risk maintains the facilitator's per-wallet exposure ledger:
// reserved credit for in-flight settlements, confirmed daily volume, and
// history-derived wallet tiers that bound the daily cap.
package risk

import (
	"fmt"
	"strings"
	"time"
)

// Tier classifies a wallet by observed history. Older wallets earn higher
// daily caps.
type Tier int

const (
	TierUnknown Tier = iota
	TierHistory7d
	TierHistory30d
	TierVerified
)

func (t Tier) String() string {
	switch t {
	case TierUnknown:
		return "UNKNOWN"
	case TierHistory7d:
		return "HISTORY_7D"
	case TierHistory30d:
		return "HISTORY_30D"
	case TierVerified:
		return "VERIFIED"
	}
	return fmt.Sprintf("TIER(%d)", int(t))
}

// ParseTier parses a tier name as stored in overrides.
func ParseTier(s string) (Tier, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "UNKNOWN":
		return TierUnknown, nil
	case "HISTORY_7D":
		return TierHistory7d, nil
	case "HISTORY_30D":
		return TierHistory30d, nil
	case "VERIFIED":
		return TierVerified, nil
	}
	return TierUnknown, fmt.Errorf("unknown tier %q", s)
}

// TierDailyCapsUSD is the default daily cap per tier, in whole USD.
var TierDailyCapsUSD = map[Tier]int64{
	TierUnknown:    5,
	TierHistory7d:  50,
	TierHistory30d: 500,
	TierVerified:   5000,
}

// DeriveTier computes a wallet's tier from its first observation. VERIFIED
// is never derived; it requires a manual override.
func DeriveTier(firstSeen, now time.Time) Tier {
	if firstSeen.IsZero() {
		return TierUnknown
	}
	age := now.Sub(firstSeen)
	switch {
	case age >= 30*24*time.Hour:
		return TierHistory30d
	case age >= 7*24*time.Hour:
		return TierHistory7d
	default:
		return TierUnknown
	}
}
