package risk

import (
	"time"

	"filpay/fcr"
	"filpay/payment"
)

// Status is a settlement record's lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSubmitted Status = "submitted"
	StatusRetry     Status = "retry"
	StatusConfirmed Status = "confirmed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusConfirmed || s == StatusFailed
}

// Settlement is the record attached to one payment id from credit
// reservation to terminal state. Mutations go through the engine so that
// per-id serialization and persistence hold.
type Settlement struct {
	PaymentID    string               `json:"paymentId"`
	Payment      payment.Authorization `json:"payment"`
	Requirements payment.Requirements  `json:"requirements"`
	Status       Status               `json:"status"`
	TxHash       string               `json:"transactionHash,omitempty"`
	Attempts     int                  `json:"attempts"`
	MaxAttempts  int                  `json:"maxAttempts"`
	CreatedAt    time.Time            `json:"createdAt"`
	UpdatedAt    time.Time            `json:"updatedAt"`
	LastError    string               `json:"lastError,omitempty"`

	// Fast-confirmation fields. TipsetHeight of zero means the transaction
	// has not been observed in any tipset yet (level L0).
	TipsetHeight uint64     `json:"tipsetHeight,omitempty"`
	Level        fcr.Level  `json:"confirmationLevel"`
	F3Instance   uint64     `json:"f3Instance,omitempty"`
	F3Round      uint64     `json:"f3Round,omitempty"`
	F3Phase      string     `json:"f3Phase,omitempty"`
	ConfirmedAt  *time.Time `json:"confirmedAt,omitempty"`
}
