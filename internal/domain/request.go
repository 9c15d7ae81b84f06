package domain

// CreateTransactionRequest is the partner-facing purchase order.
type CreateTransactionRequest struct {
	PartnerID      string `json:"partnerId"`
	UserID         string `json:"userId"`
	IdempotencyKey string `json:"idempotencyKey"`

	UtilityType UtilityType `json:"utilityType"`
	VendType    VendType    `json:"vendType"`

	MeterNumber string `json:"meterNumber,omitempty"`
	Disco       string `json:"disco,omitempty"`
	PhoneNumber string `json:"phoneNumber,omitempty"`

	Amount        string `json:"amount"`
	ProductCodeID string `json:"productCodeId,omitempty"`
	BundleID      string `json:"bundleId,omitempty"`

	// Payment-rail confirmation reference. Vendor switching refuses to run
	// without it.
	BankRefID string `json:"bankRefId"`
}

func (r CreateTransactionRequest) Validate() error {
	if r.PartnerID == "" || r.UserID == "" || r.IdempotencyKey == "" || r.Amount == "" {
		return ErrMissingFields
	}
	switch r.UtilityType {
	case UtilityElectricity:
		if r.MeterNumber == "" || r.Disco == "" || r.ProductCodeID == "" {
			return ErrMissingFields
		}
	case UtilityAirtime, UtilityData:
		if r.PhoneNumber == "" || r.BundleID == "" {
			return ErrMissingFields
		}
	default:
		return ErrMissingFields
	}
	return nil
}

type CreateResponse struct {
	TransactionID string            `json:"transactionId"`
	Status        TransactionStatus `json:"status"`
	CustomerName  string            `json:"customerName,omitempty"`
}

// TransactionView is what partners poll: a processing placeholder while the
// engine loops, the token payload once terminal success lands. Flagged
// transactions read as processing here; they surface on the admin side.
type TransactionView struct {
	TransactionID string            `json:"transactionId"`
	Status        TransactionStatus `json:"status"`
	Superagent    Vendor            `json:"-"`
	Token         string            `json:"token,omitempty"`
	Units         string            `json:"units,omitempty"`
}
