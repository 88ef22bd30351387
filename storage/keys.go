package storage

import "fmt"

// Keyspace builds the facilitator's persisted-state keys under a deployment
// prefix so several environments can share one database.
type Keyspace struct {
	prefix string
}

func NewKeyspace(prefix string) Keyspace {
	if prefix == "" {
		prefix = "filpay"
	}
	return Keyspace{prefix: prefix}
}

func (k Keyspace) key(parts ...interface{}) []byte {
	out := k.prefix
	for _, p := range parts {
		out += fmt.Sprintf(":%v", p)
	}
	return []byte(out)
}

// Pending holds a wallet's reserved (non-terminal) credit.
func (k Keyspace) Pending(addr string) []byte { return k.key("pending", addr) }

// PendingPrefix scans every wallet's pending credit.
func (k Keyspace) PendingPrefix() []byte { return k.key("pending", "") }

// Daily holds a wallet's confirmed volume for one UTC date.
func (k Keyspace) Daily(addr, date string) []byte { return k.key("daily", addr, date) }

// DailyPrefix scans a wallet's daily buckets.
func (k Keyspace) DailyPrefix(addr string) []byte { return k.key("daily", addr, "") }

// DailyAllPrefix scans every wallet's daily buckets.
func (k Keyspace) DailyAllPrefix() []byte { return k.key("daily", "") }

// Tier holds a manual tier override.
func (k Keyspace) Tier(addr string) []byte { return k.key("tier", addr) }

// TierPrefix scans every tier override.
func (k Keyspace) TierPrefix() []byte { return k.key("tier", "") }

// FirstSeen holds the wallet's first observation, unix milliseconds.
func (k Keyspace) FirstSeen(addr string) []byte { return k.key("firstseen", addr) }

// FirstSeenPrefix scans every wallet's first observation.
func (k Keyspace) FirstSeenPrefix() []byte { return k.key("firstseen", "") }

// Settlement holds one settlement record, JSON encoded.
func (k Keyspace) Settlement(id string) []byte { return k.key("settlement", id) }

// SettlementPrefix scans every settlement record.
func (k Keyspace) SettlementPrefix() []byte { return k.key("settlement", "") }

// PendingSettlements holds the set of non-terminal payment ids, JSON encoded.
func (k Keyspace) PendingSettlements() []byte { return k.key("settlements", "pending") }
