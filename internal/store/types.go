package store

import (
	"time"

	"vend/internal/domain"
)

type IdempotencyResult struct {
	TransactionID string
	Status        domain.TransactionStatus
	Found         bool
}

// VendStateUpdate persists the vendor-side state of a transaction in one
// shot after a retry or switch: the whole retry ledger, the vendor list and
// the current reference are written together so a crash between fields
// can't leave the ledger pointing at a reference that was never stored.
type VendStateUpdate struct {
	ID                   string
	Superagent           domain.Vendor
	Reference            string
	VendorReferenceID    string
	PreviousVendors      []domain.Vendor
	RetryRecord          domain.RetryRecord
	IrechargeAccessToken string
	Now                  time.Time
}

type StatusUpdate struct {
	ID     string
	Status domain.TransactionStatus
	Now    time.Time
}
