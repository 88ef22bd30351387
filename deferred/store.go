package deferred

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	_ "modernc.org/sqlite"

	"filpay/observability"
	"filpay/payment"
)

// Store persists vouchers in SQLite and settles them through the escrow
// adapter. One row per (id, buyer, seller); a newly accepted voucher replaces
// the previous row for its triple.
type Store struct {
	db      *sql.DB
	escrow  Escrow
	chainID int64
	address string
	log     *slog.Logger
	nowFn   func() time.Time
}

// NewStore opens (or creates) the voucher database at path. Use ":memory:"
// for tests.
func NewStore(path string, escrow Escrow, chainID int64, address string, logger *slog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open voucher db: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		db:      db,
		escrow:  escrow,
		chainID: chainID,
		address: address,
		log:     logger.With("component", "deferred"),
		nowFn:   time.Now,
	}
	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS vouchers (
            id TEXT NOT NULL,
            buyer TEXT NOT NULL,
            seller TEXT NOT NULL,
            nonce INTEGER NOT NULL,
            value_aggregate TEXT NOT NULL,
            asset TEXT NOT NULL,
            timestamp INTEGER NOT NULL,
            signature TEXT NOT NULL,
            settled INTEGER NOT NULL DEFAULT 0,
            tx_hash TEXT,
            stored_at TIMESTAMP NOT NULL,
            expires_at TIMESTAMP NOT NULL,
            PRIMARY KEY (id, buyer, seller)
        );`,
		`CREATE INDEX IF NOT EXISTS vouchers_by_buyer ON vouchers(buyer);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close releases the database.
func (s *Store) Close() error { return s.db.Close() }

// StoreVoucher validates and persists a voucher. The nonce must advance past
// every stored voucher under the same id, and the aggregate must grow for the
// triple being replaced.
func (s *Store) StoreVoucher(ctx context.Context, v *Voucher) error {
	if v.ChainID != s.chainID || !payment.SameAddress(v.Escrow, s.address) {
		return ErrWrongDomain
	}
	if err := v.VerifyBuyerSignature(); err != nil {
		return err
	}
	newAggregate, ok := new(big.Int).SetString(v.ValueAggregate, 10)
	if !ok || newAggregate.Sign() <= 0 {
		return fmt.Errorf("invalid voucher aggregate %q", v.ValueAggregate)
	}

	buyer := payment.NormalizeAddress(v.Buyer)
	seller := payment.NormalizeAddress(v.Seller)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var maxNonce sql.NullInt64
	if err := tx.QueryRowContext(ctx,
		`SELECT MAX(nonce) FROM vouchers WHERE id = ?`, v.ID).Scan(&maxNonce); err != nil {
		return fmt.Errorf("nonce lookup: %w", err)
	}
	if maxNonce.Valid && uint64(maxNonce.Int64) >= v.Nonce {
		return ErrStaleVoucher
	}

	var prevAggregate string
	var prevSettled bool
	err = tx.QueryRowContext(ctx,
		`SELECT value_aggregate, settled FROM vouchers WHERE id = ? AND buyer = ? AND seller = ?`,
		v.ID, buyer, seller).Scan(&prevAggregate, &prevSettled)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return fmt.Errorf("voucher lookup: %w", err)
	default:
		prev, ok := new(big.Int).SetString(prevAggregate, 10)
		if ok && newAggregate.Cmp(prev) <= 0 {
			return ErrValueNotIncreasing
		}
	}

	now := s.nowFn().UTC()
	if _, err := tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO vouchers
            (id, buyer, seller, nonce, value_aggregate, asset, timestamp, signature, settled, tx_hash, stored_at, expires_at)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, NULL, ?, ?)`,
		v.ID, buyer, seller, int64(v.Nonce), v.ValueAggregate, v.Asset, v.Timestamp,
		v.Signature, now, now.Add(VoucherTTL)); err != nil {
		return fmt.Errorf("store voucher: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	observability.Facilitator().VouchersStored.Inc()
	s.log.Info("voucher stored", "voucherId", v.ID, "buyer", buyer, "nonce", v.Nonce)
	return nil
}

// SettleVoucher collects the latest stored voucher on chain and marks it
// settled.
func (s *Store) SettleVoucher(ctx context.Context, id, buyer, seller string) (*Voucher, error) {
	v, err := s.Voucher(ctx, id, buyer, seller)
	if err != nil {
		return nil, err
	}
	if v.Settled {
		return nil, ErrAlreadySettled
	}

	txHash, err := s.escrow.Collect(ctx, v)
	if err != nil {
		return nil, fmt.Errorf("collect voucher %s: %w", id, err)
	}

	if _, err := s.db.ExecContext(ctx,
		`UPDATE vouchers SET settled = 1, tx_hash = ? WHERE id = ? AND buyer = ? AND seller = ?`,
		txHash, id, payment.NormalizeAddress(buyer), payment.NormalizeAddress(seller)); err != nil {
		// The collect already landed; the next settle attempt is refused by
		// the contract's nonce map, so only log.
		s.log.Error("mark voucher settled", "voucherId", id, "err", err)
	}
	v.Settled = true
	v.TransactionHandle = txHash

	observability.Facilitator().VouchersSettled.Inc()
	s.log.Info("voucher settled", "voucherId", id, "tx", txHash)
	return v, nil
}

// Account reads the buyer's escrow position through the adapter.
func (s *Store) Account(ctx context.Context, buyer string) (*Account, error) {
	return s.escrow.GetAccount(ctx, buyer)
}

// Voucher returns the live stored voucher for the triple.
func (s *Store) Voucher(ctx context.Context, id, buyer, seller string) (*Voucher, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, buyer, seller, nonce, value_aggregate, asset, timestamp, signature, settled, tx_hash, stored_at, expires_at
         FROM vouchers WHERE id = ? AND buyer = ? AND seller = ? AND expires_at > ?`,
		id, payment.NormalizeAddress(buyer), payment.NormalizeAddress(seller), s.nowFn().UTC())
	v, err := scanVoucher(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	v.ChainID = s.chainID
	v.Escrow = s.address
	return v, nil
}

// VouchersForBuyer lists the buyer's live vouchers.
func (s *Store) VouchersForBuyer(ctx context.Context, buyer string) ([]*Voucher, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, buyer, seller, nonce, value_aggregate, asset, timestamp, signature, settled, tx_hash, stored_at, expires_at
         FROM vouchers WHERE buyer = ? AND expires_at > ? ORDER BY stored_at`,
		payment.NormalizeAddress(buyer), s.nowFn().UTC())
	if err != nil {
		return nil, fmt.Errorf("list vouchers: %w", err)
	}
	defer rows.Close()

	out := make([]*Voucher, 0)
	for rows.Next() {
		v, err := scanVoucher(rows)
		if err != nil {
			return nil, err
		}
		v.ChainID = s.chainID
		v.Escrow = s.address
		out = append(out, v)
	}
	return out, rows.Err()
}

// Run sweeps expired vouchers on interval until the context is cancelled.
func (s *Store) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.PurgeExpired(ctx)
			if err != nil {
				if ctx.Err() == nil {
					s.log.Warn("voucher purge failed", "err", err)
				}
				continue
			}
			if n > 0 {
				s.log.Info("expired vouchers purged", "count", n)
			}
		}
	}
}

// PurgeExpired deletes vouchers past their TTL. Returns the number removed.
func (s *Store) PurgeExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM vouchers WHERE expires_at <= ?`, s.nowFn().UTC())
	if err != nil {
		return 0, fmt.Errorf("purge vouchers: %w", err)
	}
	return res.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanVoucher(row rowScanner) (*Voucher, error) {
	var v Voucher
	var nonce int64
	var settled int
	var txHash sql.NullString
	if err := row.Scan(&v.ID, &v.Buyer, &v.Seller, &nonce, &v.ValueAggregate, &v.Asset,
		&v.Timestamp, &v.Signature, &settled, &txHash, &v.StoredAt, &v.ExpiresAt); err != nil {
		return nil, err
	}
	v.Nonce = uint64(nonce)
	v.Settled = settled == 1
	v.TransactionHandle = txHash.String
	return &v, nil
}
