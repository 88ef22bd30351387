// Package gateway is the facilitator's HTTP edge: payment verification and
// settlement, settlement status, confirmation-level queries, and the deferred
// voucher routes. All bodies are JSON with amounts as decimal strings.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"filpay/deferred"
	"filpay/eip712"
	"filpay/fcr"
	"filpay/payment"
	"filpay/risk"
	"filpay/settle"
	"filpay/verify"
)

// ChainInfo is reported on /health.
type ChainInfo struct {
	ChainID int64  `json:"chainId"`
	Name    string `json:"name"`
}

// Options wires the server's collaborators. Monitor and Vouchers may be nil
// when the corresponding subsystem is disabled.
type Options struct {
	Engine   *settle.Engine
	Risk     *risk.Engine
	Monitor  *fcr.Monitor
	Vouchers *deferred.Store
	Chain    ChainInfo
	ChainOK  func(ctx context.Context) bool

	RateLimitPerMinute float64
	RateLimitBurst     int
	Logger             *slog.Logger
}

// Server serves the facilitator API.
type Server struct {
	opts   Options
	log    *slog.Logger
	router chi.Router
}

// NewServer builds the router.
func NewServer(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{opts: opts, log: logger.With("component", "gateway")}

	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(cors)
	r.Use(bodyLimit)
	r.Use(fcrHeaders(opts.Monitor))

	limiter := newRateLimiter(opts.RateLimitPerMinute, opts.RateLimitBurst)

	r.Group(func(r chi.Router) {
		r.Use(limiter.middleware)
		r.Post("/verify", s.handleVerify)
		r.Post("/settle", s.handleSettle)
		r.Post("/deferred/vouchers", s.handleStoreVoucher)
		r.Post("/deferred/vouchers/{id}/settle", s.handleSettleVoucher)
	})

	r.Get("/settle/{paymentId}", s.handleSettlementStatus)
	r.Get("/health", s.handleHealth)
	r.Get("/healthz", s.handleHealthz)
	r.Get("/fcr/status", s.handleFCRStatus)
	r.Get("/fcr/levels", s.handleFCRLevels)
	r.Get("/fcr/wait/{level}", s.handleFCRWait)
	r.Get("/deferred/buyers/{addr}", s.handleBuyer)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	s.router = r
	return s
}

// Handler returns the root handler, instrumented for tracing.
func (s *Server) Handler() http.Handler {
	return otelhttp.NewHandler(s.router, "facilitator")
}

type paymentRequest struct {
	Payment      *payment.Authorization `json:"payment"`
	Requirements *payment.Requirements  `json:"requirements"`
}

func (s *Server) decodePayment(w http.ResponseWriter, r *http.Request) (*paymentRequest, bool) {
	var req paymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid_json"})
		return nil, false
	}
	if req.Payment == nil || req.Requirements == nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "payment and requirements required"})
		return nil, false
	}
	return &req, true
}

type verifyResponse struct {
	Valid         bool               `json:"valid"`
	RiskScore     int                `json:"riskScore"`
	Reason        string             `json:"reason,omitempty"`
	WalletBalance string             `json:"walletBalance,omitempty"`
	PendingAmount string             `json:"pendingAmount,omitempty"`
	Fees          *risk.FeeBreakdown `json:"fees,omitempty"`
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodePayment(w, r)
	if !ok {
		return
	}
	res := s.opts.Engine.Verify(r.Context(), req.Payment, req.Requirements)
	body := verifyResponse{
		Valid:         res.Valid,
		RiskScore:     res.Score,
		Reason:        res.Reason,
		WalletBalance: bigString(res.WalletBalance),
		PendingAmount: bigString(res.PendingAmount),
		Fees:          res.Fees,
	}
	status := http.StatusOK
	if !res.Valid {
		status = http.StatusBadRequest
	}
	writeJSON(w, status, body)
}

func (s *Server) handleSettle(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodePayment(w, r)
	if !ok {
		return
	}
	res := s.opts.Engine.Settle(r.Context(), req.Payment, req.Requirements)
	status := http.StatusOK
	if !res.Success {
		status = http.StatusBadRequest
	}
	writeJSON(w, status, res)
}

type fcrFields struct {
	Level       fcr.Level  `json:"level"`
	Instance    uint64     `json:"instance,omitempty"`
	Round       uint64     `json:"round,omitempty"`
	Phase       string     `json:"phase,omitempty"`
	ConfirmedAt *time.Time `json:"confirmedAt,omitempty"`
}

type statusResponse struct {
	PaymentID         string     `json:"paymentId"`
	Status            string     `json:"status"`
	TransactionHandle string     `json:"transactionHandle,omitempty"`
	Attempts          int        `json:"attempts"`
	CreatedAt         time.Time  `json:"createdAt"`
	UpdatedAt         time.Time  `json:"updatedAt"`
	Error             string     `json:"error,omitempty"`
	FCR               *fcrFields `json:"fcr,omitempty"`
}

func (s *Server) handleSettlementStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "paymentId")
	rec, ok := s.opts.Engine.Status(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "settlement not found"})
		return
	}
	body := statusResponse{
		PaymentID:         rec.PaymentID,
		Status:            string(rec.Status),
		TransactionHandle: rec.TxHash,
		Attempts:          rec.Attempts,
		CreatedAt:         rec.CreatedAt,
		UpdatedAt:         rec.UpdatedAt,
		Error:             rec.LastError,
	}
	if rec.TipsetHeight > 0 || rec.Level > fcr.LevelL0 {
		body.FCR = &fcrFields{
			Level:       rec.Level,
			Instance:    rec.F3Instance,
			Round:       rec.F3Round,
			Phase:       rec.F3Phase,
			ConfirmedAt: rec.ConfirmedAt,
		}
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	count, total, wallets := s.opts.Risk.PendingStats()
	limits := s.opts.Risk.Limits()

	chainOK := true
	if s.opts.ChainOK != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		chainOK = s.opts.ChainOK(ctx)
		cancel()
	}

	body := map[string]any{
		"status": "ok",
		"chain": map[string]any{
			"chainId":   s.opts.Chain.ChainID,
			"name":      s.opts.Chain.Name,
			"connected": chainOK,
		},
		"settlements": map[string]any{
			"pendingCount":   count,
			"pendingAmount":  total.String(),
			"pendingWallets": wallets,
		},
		"limits": map[string]any{
			"maxPerTransactionUSD":   limits.MaxPerTransactionUSD,
			"maxPendingPerWalletUSD": limits.MaxPendingPerWalletUSD,
			"dailyLimitPerWalletUSD": limits.DailyLimitPerWalletUSD,
		},
	}
	if s.opts.Monitor != nil && s.opts.Monitor.Enabled() {
		body["fcr"] = map[string]any{"healthy": s.opts.Monitor.Healthy()}
	}
	if !chainOK {
		body["status"] = "degraded"
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleFCRStatus(w http.ResponseWriter, _ *http.Request) {
	if s.opts.Monitor == nil || !s.opts.Monitor.Enabled() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "fcr monitor disabled"})
		return
	}
	state, sampled := s.opts.Monitor.State()
	writeJSON(w, http.StatusOK, map[string]any{
		"sampled": sampled,
		"state":   state,
		"level":   s.opts.Monitor.TopLevel().String(),
		"healthy": s.opts.Monitor.Healthy(),
	})
}

func (s *Server) handleFCRLevels(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"levels": fcr.Catalog()})
}

func (s *Server) handleFCRWait(w http.ResponseWriter, r *http.Request) {
	if s.opts.Monitor == nil || !s.opts.Monitor.Enabled() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "fcr monitor disabled"})
		return
	}
	level, err := fcr.ParseLevel(chi.URLParam(r, "level"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}
	timeout := 30 * time.Second
	if raw := r.URL.Query().Get("timeout"); raw != "" {
		ms, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || ms <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid timeout"})
			return
		}
		timeout = time.Duration(ms) * time.Millisecond
	}

	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()
	if err := s.opts.Monitor.WaitForLevel(ctx, level); err != nil {
		writeJSON(w, http.StatusRequestTimeout, map[string]any{
			"error":   "timeout waiting for level",
			"level":   level.String(),
			"current": s.opts.Monitor.TopLevel().String(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"level":   level.String(),
		"current": s.opts.Monitor.TopLevel().String(),
	})
}

func (s *Server) handleBuyer(w http.ResponseWriter, r *http.Request) {
	store := s.opts.Vouchers
	if store == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "deferred store disabled"})
		return
	}
	addr := chi.URLParam(r, "addr")
	account, err := store.Account(r.Context(), addr)
	if err != nil {
		s.log.Warn("escrow account read failed", "err", err)
		writeJSON(w, http.StatusBadGateway, map[string]any{"error": "escrow unavailable"})
		return
	}
	vouchers, err := store.VouchersForBuyer(r.Context(), addr)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "internal_error"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"balance":       account.Balance.String(),
		"thawingAmount": account.ThawingAmount.String(),
		"thawEndTime":   account.ThawEndTime,
		"voucherCount":  len(vouchers),
		"vouchers":      vouchers,
	})
}

func (s *Server) handleStoreVoucher(w http.ResponseWriter, r *http.Request) {
	store := s.opts.Vouchers
	if store == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "deferred store disabled"})
		return
	}
	var v deferred.Voucher
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid_json"})
		return
	}
	if err := store.StoreVoucher(r.Context(), &v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": voucherError(err)})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "voucherId": v.ID})
}

type settleVoucherRequest struct {
	Buyer  string `json:"buyer"`
	Seller string `json:"seller"`
}

func (s *Server) handleSettleVoucher(w http.ResponseWriter, r *http.Request) {
	store := s.opts.Vouchers
	if store == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "deferred store disabled"})
		return
	}
	id := chi.URLParam(r, "id")
	var req settleVoucherRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid_json"})
		return
	}
	v, err := store.SettleVoucher(r.Context(), id, req.Buyer, req.Seller)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, deferred.ErrNotFound) {
			status = http.StatusNotFound
		}
		writeJSON(w, status, map[string]any{"success": false, "error": voucherError(err)})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":           true,
		"voucherId":         v.ID,
		"transactionHandle": v.TransactionHandle,
	})
}

func voucherError(err error) string {
	switch {
	case errors.Is(err, deferred.ErrStaleVoucher):
		return "stale_voucher"
	case errors.Is(err, deferred.ErrValueNotIncreasing):
		return "value_not_increasing"
	case errors.Is(err, deferred.ErrWrongDomain):
		return "voucher_domain_mismatch"
	case errors.Is(err, deferred.ErrNotFound):
		return "voucher_not_found"
	case errors.Is(err, deferred.ErrAlreadySettled):
		return "voucher_already_settled"
	case errors.Is(err, eip712.ErrInvalidSignature):
		return verify.ReasonInvalidSignature
	}
	return err.Error()
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func bigString(v *big.Int) string {
	if v == nil {
		return ""
	}
	return v.String()
}

func formatUint(v uint64) string {
	return strconv.FormatUint(v, 10)
}
