package pg

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"vend/internal/classifier"
	"vend/internal/domain"
	"vend/internal/store"
)

type Store struct {
	DB *pgxpool.Pool
}

func New(db *pgxpool.Pool) *Store { return &Store{DB: db} }

func (s *Store) InsertTransaction(ctx context.Context, t domain.Transaction) error {
	prev, _ := json.Marshal(t.PreviousVendors)
	rr, _ := json.Marshal(t.RetryRecord)
	_, err := s.DB.Exec(ctx, `
		INSERT INTO transactions
			(id, reference, vendor_reference_id, bank_ref_id, idempotency_key,
			 user_id, partner_id, utility_type, vend_type,
			 meter_number, disco, phone_number,
			 amount, product_code_id, bundle_id,
			 status, superagent, previous_vendors, retry_record,
			 irecharge_access_token, transaction_timestamp, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$21)
	`, t.ID, t.Reference, nullIfEmpty(t.VendorReferenceID), nullIfEmpty(t.BankRefID), t.IdempotencyKey,
		t.UserID, t.PartnerID, t.UtilityType, t.VendType,
		nullIfEmpty(t.MeterNumber), nullIfEmpty(t.Disco), nullIfEmpty(t.PhoneNumber),
		t.Amount, nullIfEmpty(t.ProductCodeID), nullIfEmpty(t.BundleID),
		t.Status, t.Superagent, prev, rr,
		nullIfEmpty(t.IrechargeAccessToken), t.TransactionTimestamp)
	return err
}

func (s *Store) FindTransactionByIdempotency(ctx context.Context, partnerID, idemKey string) (store.IdempotencyResult, error) {
	row := s.DB.QueryRow(ctx, `
		SELECT id, status FROM transactions WHERE partner_id=$1 AND idempotency_key=$2
	`, partnerID, idemKey)
	var out store.IdempotencyResult
	err := row.Scan(&out.TransactionID, &out.Status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.IdempotencyResult{}, nil
		}
		return store.IdempotencyResult{}, err
	}
	out.Found = true
	return out, nil
}

func (s *Store) GetTransaction(ctx context.Context, id string) (domain.Transaction, bool, error) {
	var t domain.Transaction
	var prev, rr []byte
	row := s.DB.QueryRow(ctx, `
		SELECT id, reference, COALESCE(vendor_reference_id,''), COALESCE(bank_ref_id,''), idempotency_key,
		       user_id, partner_id, utility_type, vend_type,
		       COALESCE(meter_number,''), COALESCE(disco,''), COALESCE(phone_number,''),
		       amount, COALESCE(product_code_id,''), COALESCE(bundle_id,''),
		       status, superagent, previous_vendors, retry_record,
		       COALESCE(irecharge_access_token,''), transaction_timestamp, updated_at
		FROM transactions WHERE id=$1
	`, id)
	err := row.Scan(&t.ID, &t.Reference, &t.VendorReferenceID, &t.BankRefID, &t.IdempotencyKey,
		&t.UserID, &t.PartnerID, &t.UtilityType, &t.VendType,
		&t.MeterNumber, &t.Disco, &t.PhoneNumber,
		&t.Amount, &t.ProductCodeID, &t.BundleID,
		&t.Status, &t.Superagent, &prev, &rr,
		&t.IrechargeAccessToken, &t.TransactionTimestamp, &t.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Transaction{}, false, nil
		}
		return domain.Transaction{}, false, err
	}
	_ = json.Unmarshal(prev, &t.PreviousVendors)
	_ = json.Unmarshal(rr, &t.RetryRecord)
	return t, true, nil
}

// MarkTransactionStatus is guarded against terminal overwrites in SQL: a
// completed, failed or flagged row never changes status again.
func (s *Store) MarkTransactionStatus(ctx context.Context, in store.StatusUpdate) error {
	_, err := s.DB.Exec(ctx, `
		UPDATE transactions SET status=$2, updated_at=$3
		WHERE id=$1 AND status NOT IN ('complete','failed','flagged')
	`, in.ID, in.Status, in.Now)
	return err
}

func (s *Store) SetVendState(ctx context.Context, in store.VendStateUpdate) error {
	prev, _ := json.Marshal(in.PreviousVendors)
	rr, _ := json.Marshal(in.RetryRecord)
	_, err := s.DB.Exec(ctx, `
		UPDATE transactions
		SET superagent=$2, reference=$3, vendor_reference_id=$4,
		    previous_vendors=$5, retry_record=$6, irecharge_access_token=$7,
		    updated_at=$8
		WHERE id=$1
	`, in.ID, in.Superagent, in.Reference, nullIfEmpty(in.VendorReferenceID),
		prev, rr, nullIfEmpty(in.IrechargeAccessToken), in.Now)
	return err
}

// UpsertPowerUnit is keyed by transaction id so a replayed success can
// never mint a second token row.
func (s *Store) UpsertPowerUnit(ctx context.Context, pu domain.PowerUnit) error {
	_, err := s.DB.Exec(ctx, `
		INSERT INTO power_units (id, transaction_id, meter_number, token, units, disco, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (transaction_id)
		DO UPDATE SET token=EXCLUDED.token, units=EXCLUDED.units
	`, pu.ID, pu.TransactionID, nullIfEmpty(pu.MeterNumber), pu.Token, pu.Units, nullIfEmpty(pu.Disco), pu.CreatedAt)
	return err
}

func (s *Store) GetPowerUnit(ctx context.Context, transactionID string) (domain.PowerUnit, bool, error) {
	var pu domain.PowerUnit
	row := s.DB.QueryRow(ctx, `
		SELECT id, transaction_id, COALESCE(meter_number,''), token, units, COALESCE(disco,''), created_at
		FROM power_units WHERE transaction_id=$1
	`, transactionID)
	err := row.Scan(&pu.ID, &pu.TransactionID, &pu.MeterNumber, &pu.Token, &pu.Units, &pu.Disco, &pu.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.PowerUnit{}, false, nil
		}
		return domain.PowerUnit{}, false, err
	}
	return pu, true, nil
}

func (s *Store) InsertEvent(ctx context.Context, transactionID, name string, payload any, now time.Time) error {
	b, _ := json.Marshal(payload)
	_, err := s.DB.Exec(ctx, `
		INSERT INTO events (transaction_id, name, payload_json, occurred_at)
		VALUES ($1,$2,$3,$4)
	`, transactionID, name, b, now)
	return err
}

func (s *Store) HasEvent(ctx context.Context, transactionID, name string) (bool, error) {
	row := s.DB.QueryRow(ctx, `
		SELECT 1 FROM events WHERE transaction_id=$1 AND name=$2 LIMIT 1
	`, transactionID, name)
	var one int
	err := row.Scan(&one)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *Store) ListVendorProducts(ctx context.Context, productID string) ([]domain.VendorProduct, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT vendor, product_id, commission, bonus, code
		FROM vendor_products WHERE product_id=$1
		ORDER BY id
	`, productID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.VendorProduct
	for rows.Next() {
		var vp domain.VendorProduct
		if err := rows.Scan(&vp.Vendor, &vp.ProductID, &vp.Commission, &vp.Bonus, &vp.Code); err != nil {
			return nil, err
		}
		out = append(out, vp)
	}
	return out, rows.Err()
}

func (s *Store) ResponsePaths(ctx context.Context, requestType domain.RequestType, vendor domain.Vendor, isError bool) ([]classifier.ResponsePath, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT request_type, vendor, path, ref_code
		FROM response_paths
		WHERE request_type=$1 AND vendor=$2 AND is_error=$3
		ORDER BY priority, id
	`, requestType, vendor, isError)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []classifier.ResponsePath
	for rows.Next() {
		var rp classifier.ResponsePath
		if err := rows.Scan(&rp.RequestType, &rp.Vendor, &rp.Path, &rp.RefCode); err != nil {
			return nil, err
		}
		out = append(out, rp)
	}
	return out, rows.Err()
}

func (s *Store) ErrorCodes(ctx context.Context, requestType domain.RequestType, vendor domain.Vendor) ([]classifier.ErrorCode, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT request_type, vendor, expect_json, master_response_code
		FROM error_codes
		WHERE request_type=$1 AND vendor=$2
		ORDER BY priority, id
	`, requestType, vendor)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []classifier.ErrorCode
	for rows.Next() {
		var ec classifier.ErrorCode
		var expect []byte
		if err := rows.Scan(&ec.RequestType, &ec.Vendor, &expect, &ec.MasterResponseCode); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(expect, &ec.Expect); err != nil {
			return nil, err
		}
		out = append(out, ec)
	}
	return out, rows.Err()
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
