package risk

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/holiman/uint256"

	"filpay/payment"
)

// Persistence is best-effort: the ledger stays authoritative in memory and a
// failed write only costs durability across a restart, so errors are logged
// rather than propagated.

func (e *Engine) persistWallet(addr string, ws *walletState) {
	if e.store == nil {
		return
	}
	key := payment.NormalizeAddress(addr)
	if err := e.store.Put(e.keys.Pending(key), []byte(ws.pending.Dec())); err != nil {
		e.log.Error("persist pending", "wallet", key, "err", err)
	}
	if ws.dailyDate != "" {
		if err := e.store.Put(e.keys.Daily(key, ws.dailyDate), []byte(ws.dailyAmount.Dec())); err != nil {
			e.log.Error("persist daily", "wallet", key, "err", err)
		}
	}
	if !ws.firstSeen.IsZero() {
		millis := strconv.FormatInt(ws.firstSeen.UnixMilli(), 10)
		if err := e.store.Put(e.keys.FirstSeen(key), []byte(millis)); err != nil {
			e.log.Error("persist firstseen", "wallet", key, "err", err)
		}
	}
	if ws.tierOverride != nil {
		if err := e.store.Put(e.keys.Tier(key), []byte(ws.tierOverride.String())); err != nil {
			e.log.Error("persist tier", "wallet", key, "err", err)
		}
	}
}

func (e *Engine) persistSettlement(rec Settlement) {
	if e.store == nil {
		return
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		e.log.Error("encode settlement", "paymentId", rec.PaymentID, "err", err)
		return
	}
	if err := e.store.Put(e.keys.Settlement(rec.PaymentID), raw); err != nil {
		e.log.Error("persist settlement", "paymentId", rec.PaymentID, "err", err)
	}
}

func (e *Engine) persistOpenSet() {
	if e.store == nil {
		return
	}
	e.smu.RLock()
	ids := make([]string, 0, len(e.open))
	for id := range e.open {
		ids = append(ids, id)
	}
	e.smu.RUnlock()
	raw, err := json.Marshal(ids)
	if err != nil {
		return
	}
	if err := e.store.Put(e.keys.PendingSettlements(), raw); err != nil {
		e.log.Error("persist open set", "err", err)
	}
}

// restore loads the persisted ledger at startup. Partial data is tolerated;
// anything unreadable is skipped with a log line.
func (e *Engine) restore() {
	restoredWallets := 0
	_ = e.store.IteratePrefix(e.keys.PendingPrefix(), func(key, value []byte) bool {
		addr := suffixAfter(key, e.keys.PendingPrefix())
		if addr == "" {
			return true
		}
		amount, err := uint256.FromDecimal(string(value))
		if err != nil {
			return true
		}
		ws := e.wallet(addr)
		ws.mu.Lock()
		ws.pending = amount
		ws.mu.Unlock()
		restoredWallets++
		return true
	})

	today := e.dateKey()
	_ = e.store.IteratePrefix(e.keys.DailyAllPrefix(), func(key, value []byte) bool {
		rest := suffixAfter(key, e.keys.DailyAllPrefix())
		idx := strings.LastIndex(rest, ":")
		if idx <= 0 || rest[idx+1:] != today {
			return true
		}
		amount, err := uint256.FromDecimal(string(value))
		if err != nil {
			return true
		}
		ws := e.wallet(rest[:idx])
		ws.mu.Lock()
		ws.dailyAmount = amount
		ws.dailyDate = today
		ws.mu.Unlock()
		return true
	})

	_ = e.store.IteratePrefix(e.keys.FirstSeenPrefix(), func(key, value []byte) bool {
		addr := suffixAfter(key, e.keys.FirstSeenPrefix())
		millis, err := strconv.ParseInt(string(value), 10, 64)
		if err != nil || addr == "" {
			return true
		}
		ws := e.wallet(addr)
		ws.mu.Lock()
		ws.firstSeen = time.UnixMilli(millis)
		ws.mu.Unlock()
		return true
	})

	_ = e.store.IteratePrefix(e.keys.TierPrefix(), func(key, value []byte) bool {
		addr := suffixAfter(key, e.keys.TierPrefix())
		tier, err := ParseTier(string(value))
		if err != nil || addr == "" {
			return true
		}
		ws := e.wallet(addr)
		ws.mu.Lock()
		ws.tierOverride = &tier
		ws.mu.Unlock()
		return true
	})

	restoredSettlements := 0
	_ = e.store.IteratePrefix(e.keys.SettlementPrefix(), func(key, value []byte) bool {
		var rec Settlement
		if err := json.Unmarshal(value, &rec); err != nil || rec.PaymentID == "" {
			return true
		}
		e.smu.Lock()
		e.settlements[rec.PaymentID] = &settlementEntry{rec: rec}
		if !rec.Status.Terminal() {
			e.open[rec.PaymentID] = struct{}{}
		}
		e.smu.Unlock()
		restoredSettlements++
		return true
	})

	if restoredWallets > 0 || restoredSettlements > 0 {
		e.log.Info("restored risk state", "wallets", restoredWallets, "settlements", restoredSettlements)
	}
}

func suffixAfter(key, prefix []byte) string {
	if !bytes.HasPrefix(key, prefix) {
		return ""
	}
	return string(key[len(prefix):])
}
