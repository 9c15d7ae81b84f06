package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"vend/internal/domain"
	"vend/internal/observability"
	sqsqueue "vend/internal/queue/sqs"
	"vend/internal/scheduler"
	"vend/internal/store"
	"vend/internal/util"
	"vend/internal/vendors"
)

// switchVendor handles a classified failure (action 0). Switching has real
// cost: the reference changes and money may already be in flight on the old
// vendor, so the ledger keeps the transaction on one vendor for a few
// attempts before paying for a switch. When the candidate pool is exhausted
// the best vendor is reused instead of stalling.
func (p *Processor) switchVendor(ctx context.Context, tx *domain.Transaction, now time.Time) error {
	if tx.BankRefID == "" {
		// The payment rail never confirmed this transaction; resubmitting
		// it anywhere would spend unconfirmed money.
		return fmt.Errorf("transaction %s: %w", tx.ID, domain.ErrMissingBankRef)
	}

	tx.RetryRecord.Init(tx.Superagent, tx.Reference)

	if tx.RetryRecord.ShouldStay(tx.Superagent, p.Policy.RetryBeforeSwitch) {
		return p.retrySameVendor(ctx, tx, now)
	}
	return p.switchToNext(ctx, tx, now)
}

// retrySameVendor records one more attempt against the current vendor under
// a fresh reference and schedules the vend.
func (p *Processor) retrySameVendor(ctx context.Context, tx *domain.Transaction, now time.Time) error {
	ref := util.VendorReference(string(tx.Superagent))
	tx.RetryRecord.Stay(ref)
	tx.Reference = ref

	last := tx.RetryRecord.Last()
	wait := scheduler.Backoff(p.Policy.SwitchBackoff, last.RetryCount)

	if err := p.Store.SetVendState(ctx, store.VendStateUpdate{
		ID:                   tx.ID,
		Superagent:           tx.Superagent,
		Reference:            tx.Reference,
		VendorReferenceID:    tx.VendorReferenceID,
		PreviousVendors:      tx.PreviousVendors,
		RetryRecord:          tx.RetryRecord,
		IrechargeAccessToken: tx.IrechargeAccessToken,
		Now:                  now,
	}); err != nil {
		return err
	}

	slog.Info("retrying same vendor under fresh reference",
		"transaction_id", tx.ID, "superagent", tx.Superagent,
		"retry_count", last.RetryCount, "reference", ref)

	return p.Sched.Schedule(ctx, sqsqueue.VendEvent{
		TransactionID: tx.ID,
		Step:          sqsqueue.StepVend,
		Superagent:    tx.Superagent,
	}, wait, now)
}

// switchToNext moves the transaction to the next-best vendor by commission,
// pushing a fresh ledger entry and obtaining a session token when the new
// vendor needs one.
func (p *Processor) switchToNext(ctx context.Context, tx *domain.Transaction, now time.Time) error {
	next, err := p.Ranker.NextBest(ctx, tx.ProductID(), tx.Amount, tx.Superagent, tx.PreviousVendors)
	if err != nil {
		return err
	}

	from := tx.Superagent
	ref := util.VendorReference(string(next.Vendor))

	tx.RetryRecord.Switch(next.Vendor, ref)
	if !tx.HasTried(next.Vendor) {
		tx.PreviousVendors = append(tx.PreviousVendors, next.Vendor)
	}
	tx.Superagent = next.Vendor
	tx.Reference = ref

	if next.Vendor == domain.Irecharge {
		if err := p.refreshSession(ctx, tx); err != nil {
			// Without a session token the vend would be rejected outright;
			// surface the error, the consumer boundary logs and acks.
			return fmt.Errorf("refresh irecharge session: %w", err)
		}
	}

	if err := p.Store.SetVendState(ctx, store.VendStateUpdate{
		ID:                   tx.ID,
		Superagent:           tx.Superagent,
		Reference:            tx.Reference,
		VendorReferenceID:    tx.VendorReferenceID,
		PreviousVendors:      tx.PreviousVendors,
		RetryRecord:          tx.RetryRecord,
		IrechargeAccessToken: tx.IrechargeAccessToken,
		Now:                  now,
	}); err != nil {
		return err
	}
	if err := p.Store.InsertEvent(ctx, tx.ID, domain.EventVendorSwitched, map[string]any{
		"from": from, "to": next.Vendor, "reference": ref,
	}, now); err != nil {
		return err
	}
	observability.VendorSwitches.WithLabelValues(string(from), string(next.Vendor)).Inc()

	slog.Info("switched vendor",
		"transaction_id", tx.ID, "from", from, "to", next.Vendor, "reference", ref)

	wait := scheduler.Backoff(p.Policy.SwitchBackoff, 1)
	return p.Sched.Schedule(ctx, sqsqueue.VendEvent{
		TransactionID: tx.ID,
		Step:          sqsqueue.StepVend,
		Superagent:    tx.Superagent,
	}, wait, now)
}

// refreshSession re-runs the vendor's validation side channel to obtain a
// session token and caches it for the remaining steps.
func (p *Processor) refreshSession(ctx context.Context, tx *domain.Transaction) error {
	client, err := p.Vendors.Client(tx.Superagent)
	if err != nil {
		return err
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
		return err
	}
	tx.IrechargeAccessToken = res.AccessToken
	if p.Tokens != nil && res.AccessToken != "" {
		if err := p.Tokens.Put(ctx, string(tx.Superagent), tx.ID, res.AccessToken); err != nil {
			slog.Warn("session token cache write failed", "err", err, "transaction_id", tx.ID)
		}
	}
	return nil
}
