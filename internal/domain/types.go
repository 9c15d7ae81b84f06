package domain

import (
	"errors"
	"time"
)

type TransactionStatus string

const (
	StatusPending    TransactionStatus = "pending"
	StatusInProgress TransactionStatus = "inprogress"
	StatusComplete   TransactionStatus = "complete"
	StatusFailed     TransactionStatus = "failed"
	StatusFlagged    TransactionStatus = "flagged"
)

// Terminal reports whether no further orchestration work may touch the
// transaction. Complete, failed and flagged are all terminal.
func (s TransactionStatus) Terminal() bool {
	return s == StatusComplete || s == StatusFailed || s == StatusFlagged
}

type Vendor string

const (
	Buypower  Vendor = "buypower"
	Irecharge Vendor = "irecharge"
	Baxi      Vendor = "baxi"
)

// Vendors is the closed set of superagents, in default preference order.
var Vendors = []Vendor{Buypower, Irecharge, Baxi}

func (v Vendor) Valid() bool {
	switch v {
	case Buypower, Irecharge, Baxi:
		return true
	}
	return false
}

type UtilityType string

const (
	UtilityElectricity UtilityType = "electricity"
	UtilityAirtime     UtilityType = "airtime"
	UtilityData        UtilityType = "data"
)

type VendType string

const (
	Prepaid  VendType = "PREPAID"
	Postpaid VendType = "POSTPAID"
)

type RequestType string

const (
	VendRequest RequestType = "VENDREQUEST"
	Requery     RequestType = "REQUERY"
)

// Transaction is the aggregate the orchestrator loops over. Updated via
// whole-field upserts; status changes are guarded by terminal pre-checks
// rather than row locks.
type Transaction struct {
	ID                string
	Reference         string
	VendorReferenceID string
	BankRefID         string
	IdempotencyKey    string

	UserID    string
	PartnerID string

	UtilityType UtilityType
	VendType    VendType

	// Electricity transactions carry a meter + disco; airtime/data carry a
	// phone number and a bundle.
	MeterNumber string
	Disco       string
	PhoneNumber string

	Amount        string // decimal-as-string, parsed only for ranking math
	ProductCodeID string
	BundleID      string

	Status     TransactionStatus
	Superagent Vendor

	PreviousVendors []Vendor
	RetryRecord     RetryRecord

	// Irecharge hands out a per-session access token from its validate
	// call; it must accompany every purchase/requery on that vendor.
	IrechargeAccessToken string

	TransactionTimestamp time.Time
	UpdatedAt            time.Time
}

// StaleAfter reports whether the transaction has exceeded the absolute
// retry ceiling measured from its creation instant.
func (t *Transaction) StaleAfter(ceiling time.Duration, now time.Time) bool {
	return now.Sub(t.TransactionTimestamp) >= ceiling
}

// ProductID returns whichever catalog id the transaction purchases
// against: the tariff for electricity, the bundle for airtime/data.
func (t *Transaction) ProductID() string {
	if t.ProductCodeID != "" {
		return t.ProductCodeID
	}
	return t.BundleID
}

// HasTried reports whether the vendor already appears in previousVendors.
func (t *Transaction) HasTried(v Vendor) bool {
	for _, p := range t.PreviousVendors {
		if p == v {
			return true
		}
	}
	return false
}

// PowerUnit holds the token payload for a completed prepaid purchase.
// Upserted keyed by transaction id so replays cannot mint a second token row.
type PowerUnit struct {
	ID            string
	TransactionID string
	MeterNumber   string
	Token         string
	Units         string
	Disco         string
	CreatedAt     time.Time
}

// VendorProduct links a vendor to a product/bundle with its commission
// economics and the vendor's own product code. Reference data only.
type VendorProduct struct {
	Vendor     Vendor
	ProductID  string
	Commission float64
	Bonus      float64
	Code       string
}

// EffectiveRate is the ranking key: commission on the purchase amount plus
// the flat bonus.
func (vp VendorProduct) EffectiveRate(amount float64) float64 {
	return vp.Commission*amount + vp.Bonus
}

// Event names recorded on the audit trail. TokenReceived doubles as the
// idempotence guard for terminal success.
const (
	EventVendInitiated    = "vend_initiated"
	EventRequeryScheduled = "requery_scheduled"
	EventVendorSwitched   = "vendor_switched"
	EventTokenReceived    = "token_received"
	EventFlagged          = "transaction_flagged"
	EventPartnerNotified  = "partner_notified"
)

var (
	ErrProductNotFound       = errors.New("product not found")
	ErrVendorNotFound        = errors.New("vendor not found")
	ErrVendorProductNotFound = errors.New("vendor product not found")
	ErrTransactionNotFound   = errors.New("transaction not found")
	ErrMissingBankRef        = errors.New("transaction has no bank reference")
	ErrMissingFields         = errors.New("missing required fields")
)
