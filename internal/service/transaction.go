package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"vend/internal/domain"
	"vend/internal/observability"
	sqsqueue "vend/internal/queue/sqs"
	"vend/internal/ranker"
	"vend/internal/store"
	"vend/internal/util"
	"vend/internal/vendors"
)

type Store interface {
	FindTransactionByIdempotency(ctx context.Context, partnerID, idemKey string) (store.IdempotencyResult, error)
	InsertTransaction(ctx context.Context, t domain.Transaction) error
	MarkTransactionStatus(ctx context.Context, in store.StatusUpdate) error
	GetTransaction(ctx context.Context, id string) (domain.Transaction, bool, error)
	GetPowerUnit(ctx context.Context, transactionID string) (domain.PowerUnit, bool, error)
	InsertEvent(ctx context.Context, transactionID, name string, payload any, now time.Time) error
}

type Queue interface {
	Publish(ctx context.Context, ev sqsqueue.VendEvent) error
}

type TokenCache interface {
	Put(ctx context.Context, vendor, transactionID, token string) error
}

// TransactionService creates transactions and hands them to the
// orchestration loop. Everything after the initiating publish happens on
// the queue side.
type TransactionService struct {
	Store   Store
	Queue   Queue
	Ranker  *ranker.Ranker
	Vendors *vendors.Registry
	Tokens  TokenCache
}

func (s *TransactionService) CreateAndVend(ctx context.Context, req domain.CreateTransactionRequest, transactionID string, now time.Time) (domain.CreateResponse, error) {
	req.PhoneNumber = util.NormalizePhone(req.PhoneNumber)

	// Idempotent create: replays return the original transaction.
	if res, err := s.Store.FindTransactionByIdempotency(ctx, req.PartnerID, req.IdempotencyKey); err != nil {
		return domain.CreateResponse{}, err
	} else if res.Found {
		return domain.CreateResponse{TransactionID: res.TransactionID, Status: res.Status}, nil
	}

	productID := req.ProductCodeID
	if productID == "" {
		productID = req.BundleID
	}
	best, err := s.Ranker.Best(ctx, productID, req.Amount)
	if err != nil {
		return domain.CreateResponse{}, fmt.Errorf("rank vendors: %w", err)
	}

	tx := domain.Transaction{
		ID:                   transactionID,
		Reference:            util.VendorReference(string(best.Vendor)),
		BankRefID:            req.BankRefID,
		IdempotencyKey:       req.IdempotencyKey,
		UserID:               req.UserID,
		PartnerID:            req.PartnerID,
		UtilityType:          req.UtilityType,
		VendType:             req.VendType,
		MeterNumber:          req.MeterNumber,
		Disco:                req.Disco,
		PhoneNumber:          req.PhoneNumber,
		Amount:               req.Amount,
		ProductCodeID:        req.ProductCodeID,
		BundleID:             req.BundleID,
		Status:               domain.StatusPending,
		Superagent:           best.Vendor,
		PreviousVendors:      []domain.Vendor{best.Vendor},
		TransactionTimestamp: now,
	}

	// Validate the meter/phone with the chosen vendor up front; this also
	// obtains the session token for vendors that issue one.
	validation, err := s.validate(ctx, &tx)
	if err != nil {
		return domain.CreateResponse{}, fmt.Errorf("vendor validation: %w", err)
	}

	if err := s.Store.InsertTransaction(ctx, tx); err != nil {
		return domain.CreateResponse{}, err
	}
	if err := s.Store.InsertEvent(ctx, tx.ID, domain.EventVendInitiated, map[string]any{
		"superagent": tx.Superagent, "reference": tx.Reference,
	}, now); err != nil {
		slog.Warn("initiated-event insert failed", "err", err, "transaction_id", tx.ID)
	}

	if err := s.Queue.Publish(ctx, sqsqueue.VendEvent{
		TransactionID: tx.ID,
		Step:          sqsqueue.StepVend,
		Superagent:    tx.Superagent,
		TimeStamp:     now,
	}); err != nil {
		observability.Enqueues.WithLabelValues("vend", "error").Inc()
		return domain.CreateResponse{}, fmt.Errorf("publish vend event: %w", err)
	}
	observability.Enqueues.WithLabelValues("vend", "ok").Inc()

	if err := s.Store.MarkTransactionStatus(ctx, store.StatusUpdate{
		ID: tx.ID, Status: domain.StatusInProgress, Now: now,
	}); err != nil {
		slog.Warn("status update failed after publish", "err", err, "transaction_id", tx.ID)
	}

	return domain.CreateResponse{
		TransactionID: tx.ID,
		Status:        domain.StatusInProgress,
		CustomerName:  validation.CustomerName,
	}, nil
}

func (s *TransactionService) validate(ctx context.Context, tx *domain.Transaction) (vendors.ValidateResult, error) {
	client, err := s.Vendors.Client(tx.Superagent)
	if err != nil {
		return vendors.ValidateResult{}, err
	}
	res, err := client.Validate(ctx, vendors.ValidateRequest{
		MeterNumber: tx.MeterNumber,
		Disco:       tx.Disco,
		PhoneNumber: tx.PhoneNumber,
		VendType:    tx.VendType,
		UtilityType: tx.UtilityType,
		Reference:   tx.Reference,
	})
	if err != nil {
		return vendors.ValidateResult{}, err
	}
	if res.AccessToken != "" {
		tx.IrechargeAccessToken = res.AccessToken
		if s.Tokens != nil {
			if err := s.Tokens.Put(ctx, string(tx.Superagent), tx.ID, res.AccessToken); err != nil {
				slog.Warn("session token cache write failed", "err", err, "transaction_id", tx.ID)
			}
		}
	}
	return res, nil
}

// GetTransaction returns the partner view: terminal payload once complete,
// a processing placeholder while the engine is still looping.
func (s *TransactionService) GetTransaction(ctx context.Context, id string) (domain.TransactionView, bool, error) {
	tx, found, err := s.Store.GetTransaction(ctx, id)
	if err != nil || !found {
		return domain.TransactionView{}, found, err
	}

	view := domain.TransactionView{
		TransactionID: tx.ID,
		Status:        tx.Status,
		Superagent:    tx.Superagent,
	}
	if tx.Status == domain.StatusFlagged {
		// Flagged is an operator state; partners keep seeing processing.
		view.Status = domain.StatusInProgress
	}
	if tx.Status == domain.StatusComplete {
		if pu, ok, err := s.Store.GetPowerUnit(ctx, tx.ID); err == nil && ok {
			view.Token = pu.Token
			view.Units = pu.Units
		}
	}
	return view, true, nil
}

// ForceRequery schedules an immediate requery; admin surface for reviewing
// flagged transactions.
func (s *TransactionService) ForceRequery(ctx context.Context, id string, now time.Time) (bool, error) {
	tx, found, err := s.Store.GetTransaction(ctx, id)
	if err != nil || !found {
		return found, err
	}
	return true, s.Queue.Publish(ctx, sqsqueue.VendEvent{
		TransactionID: tx.ID,
		Step:          sqsqueue.StepRequery,
		Superagent:    tx.Superagent,
		Confirm:       tx.Status.Terminal(),
		TimeStamp:     now,
	})
}
