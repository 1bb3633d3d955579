package models

import (
	"time"

	"github.com/google/uuid"
)

// Transaction types recorded in the ledger.
const (
	TxTypeSend            = "SEND"
	TxTypeDeposit         = "DEPOSIT"
	TxTypeWithdraw        = "WITHDRAW"
	TxTypeFXConvert       = "FX_CONVERT"
	TxTypeExternalDeposit = "EXTERNAL_DEPOSIT"
	TxTypeReversal        = "REVERSAL"
)

// Transaction statuses. A committed transaction is CONFIRMED; an approved
// reversal flips the original to REVERSED.
const (
	TxStatusConfirmed = "CONFIRMED"
	TxStatusReversed  = "REVERSED"
)

// Settlement statuses for externally confirmed deposits.
const (
	SettlementPending   = "PENDING"
	SettlementConfirmed = "CONFIRMED"
	SettlementFailed    = "FAILED"
	SettlementExpired   = "EXPIRED"
)

// Reversal request statuses. APPROVED implies the compensation executed.
const (
	ReversalPending  = "PENDING"
	ReversalApproved = "APPROVED"
	ReversalRejected = "REJECTED"
)

// Fraud flag severities.
const (
	SeverityCritical = "CRITICAL"
	SeverityHigh     = "HIGH"
	SeverityMedium   = "MEDIUM"
)

// User represents an account holder in the directory
type User struct {
	ID        uuid.UUID `json:"id" gorm:"primaryKey;type:uuid"`
	Phone     string    `json:"phone" gorm:"uniqueIndex"`
	Name      string    `json:"name"`
	Country   string    `json:"country"`
	Role      string    `json:"role" gorm:"default:user"` // user, admin
	Suspended bool      `json:"suspended"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Wallet represents a user's balance for a specific currency.
// Amounts are integer minor units (cents). Invariant: Balance - Locked >= 0.
type Wallet struct {
	ID        uuid.UUID `json:"id" gorm:"primaryKey;type:uuid"`
	UserID    uuid.UUID `json:"user_id" gorm:"type:uuid;uniqueIndex:idx_wallet_user_ccy"`
	Currency  string    `json:"currency" gorm:"uniqueIndex:idx_wallet_user_ccy"`
	Balance   int64     `json:"balance"`
	Locked    int64     `json:"locked"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Spendable returns the portion of the balance not held by a lock.
func (w *Wallet) Spendable() int64 { return w.Balance - w.Locked }

// Transaction is the immutable ledger record. One row carries both the debit
// and credit legs via the Sender/Recipient roles, keeping the ledger
// double-entry-equivalent without two physical rows.
type Transaction struct {
	ID        uuid.UUID `json:"id" gorm:"primaryKey;type:uuid"`
	Sender    uuid.UUID `json:"sender" gorm:"type:uuid;index"`
	Recipient uuid.UUID `json:"recipient" gorm:"type:uuid;index"`
	Amount    int64     `json:"amount"`
	Currency  string    `json:"currency"`
	Type      string    `json:"type" gorm:"index"` // SEND, DEPOSIT, WITHDRAW, FX_CONVERT, EXTERNAL_DEPOSIT, REVERSAL
	Fee       int64     `json:"fee"`
	AmountUSD int64     `json:"amount_usd"`          // USD-equivalent minor units at execution time
	Status    string    `json:"status" gorm:"index"` // CONFIRMED, REVERSED
	Metadata  string    `json:"metadata" gorm:"type:text"`
	Signature string    `json:"signature,omitempty"`
	CreatedAt time.Time `json:"created_at" gorm:"index"`
}

// PendingSettlement tracks an external deposit request from initiation until
// the provider's asynchronous result is applied. Terminal states are final.
type PendingSettlement struct {
	ID              uuid.UUID  `json:"id" gorm:"primaryKey;type:uuid"`
	InternalRef     string     `json:"internal_ref" gorm:"uniqueIndex"`
	TrackingID      string     `json:"tracking_id" gorm:"index"` // assigned by provider, unique once known
	UserID          uuid.UUID  `json:"user_id" gorm:"type:uuid;index"`
	Phone           string     `json:"phone"`
	AmountRequested int64      `json:"amount_requested"`
	Currency        string     `json:"currency"`
	Status          string     `json:"status" gorm:"index"` // PENDING, CONFIRMED, FAILED, EXPIRED
	ResultCode      int        `json:"result_code"`
	ResultDesc      string     `json:"result_desc"`
	ReceiptID       string     `json:"receipt_id" gorm:"index"` // provider receipt, unique once present
	LinkedTxID      *uuid.UUID `json:"linked_tx_id" gorm:"type:uuid"`
	RawCallback     string     `json:"-" gorm:"type:text"`
	InitiatedAt     time.Time  `json:"initiated_at"`
	CallbackAt      *time.Time `json:"callback_at"`
	ExpiresAt       time.Time  `json:"expires_at" gorm:"index"`
}

// ReversalRequest is a user-initiated request to undo a confirmed SEND.
// At most one PENDING or APPROVED request may exist per TxID; the partial
// unique index enforces that at insert time, so two racing requests cannot
// both land.
type ReversalRequest struct {
	ID           uuid.UUID  `json:"id" gorm:"primaryKey;type:uuid"`
	TxID         uuid.UUID  `json:"tx_id" gorm:"type:uuid;index;index:idx_reversal_active_tx,unique,where:status <> 'REJECTED'"`
	RequesterID  uuid.UUID  `json:"requester_id" gorm:"type:uuid;index"`
	Reason       string     `json:"reason"`
	Status       string     `json:"status" gorm:"index"` // PENDING, APPROVED, REJECTED
	ReviewerID   *uuid.UUID `json:"reviewer_id" gorm:"type:uuid"`
	ReviewerNote string     `json:"reviewer_note"`
	CreatedAt    time.Time  `json:"created_at"`
	DecidedAt    *time.Time `json:"decided_at"`
}

// FraudFlag is written when a compliance rule fires with a reportable finding.
type FraudFlag struct {
	ID        uuid.UUID `json:"id" gorm:"primaryKey;type:uuid"`
	UserID    uuid.UUID `json:"user_id" gorm:"type:uuid;index"`
	FlagType  string    `json:"flag_type"` // SANCTIONS_HIT, STRUCTURING, VELOCITY
	Severity  string    `json:"severity"`  // CRITICAL, HIGH, MEDIUM
	Details   string    `json:"details" gorm:"type:text"`
	Resolved  bool      `json:"resolved"`
	CreatedAt time.Time `json:"created_at"`
}

// Notification is a best-effort message to a user about an engine event.
type Notification struct {
	ID        uuid.UUID `json:"id" gorm:"primaryKey;type:uuid"`
	UserID    uuid.UUID `json:"user_id" gorm:"type:uuid;index"`
	Kind      string    `json:"kind"`
	Message   string    `json:"message"`
	Data      string    `json:"data" gorm:"type:text"`
	Read      bool      `json:"read"`
	CreatedAt time.Time `json:"created_at"`
}

// AuditRecord mirrors an engine action for the back-office trail.
type AuditRecord struct {
	ID        uuid.UUID `json:"id" gorm:"primaryKey;type:uuid"`
	ActorID   uuid.UUID `json:"actor_id" gorm:"type:uuid;index"`
	Action    string    `json:"action"`
	Details   string    `json:"details" gorm:"type:text"`
	CreatedAt time.Time `json:"created_at"`
}
