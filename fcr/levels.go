package fcr

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Level is a rung on the confirmation lattice. Levels order totally: a
// settlement's recorded level only ever moves upward.
type Level int

const (
	// LevelL0 covers the window between acceptance and inclusion in any
	// tipset. The monitor never reports it; the settlement engine does when
	// the tipset height is still unknown.
	LevelL0 Level = iota
	// LevelL1 means included in a tipset but not yet safe under the fast
	// confirmation rule.
	LevelL1
	// LevelL2 means FCR-safe: a quorum was witnessed, or round-0 PREPARE has
	// aged past the propagation guard.
	LevelL2
	// LevelL3 means finalized by a consensus certificate.
	LevelL3
)

func (l Level) String() string {
	switch l {
	case LevelL0:
		return "L0"
	case LevelL1:
		return "L1"
	case LevelL2:
		return "L2"
	case LevelL3:
		return "L3"
	}
	return fmt.Sprintf("L?(%d)", int(l))
}

func (l Level) MarshalJSON() ([]byte, error) {
	return json.Marshal(l.String())
}

func (l *Level) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseLevel(s)
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

// ParseLevel parses a level code such as "L2".
func ParseLevel(s string) (Level, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "L0":
		return LevelL0, nil
	case "L1":
		return LevelL1, nil
	case "L2":
		return LevelL2, nil
	case "L3":
		return LevelL3, nil
	}
	return 0, fmt.Errorf("unknown confirmation level %q", s)
}

// LevelInfo describes one catalogue entry served by GET /fcr/levels.
type LevelInfo struct {
	Code        string `json:"code"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Latency     string `json:"latency"`
}

// Catalog returns the static confirmation-level catalogue, including the LB
// bond backstop which is not part of the monitor's lattice.
func Catalog() []LevelInfo {
	return []LevelInfo{
		{Code: "L0", Name: "Mempool", Description: "Transaction accepted by the facilitator, not yet included in a tipset.", Latency: "~0s"},
		{Code: "L1", Name: "Included", Description: "Transaction included in a tipset; reorganization still possible.", Latency: "~30s"},
		{Code: "L2", Name: "FCR safe", Description: "Fast confirmation rule satisfied: consensus quorum witnessed for the covering instance.", Latency: "~1-2min"},
		{Code: "L3", Name: "Finalized", Description: "Covered by a consensus certificate; irreversible.", Latency: "~2-5min"},
		{Code: "LB", Name: "Bond backstop", Description: "Provider payout guaranteed by facilitator bond collateral regardless of settlement outcome.", Latency: "immediate"},
	}
}
