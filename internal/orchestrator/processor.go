// Package orchestrator drives a transaction from its first purchase attempt
// to a terminal state. Each step is triggered by a queue delivery, does one
// vendor call, classifies the answer, and either finishes the transaction
// or schedules the next step. Nothing blocks between steps; the loop lives
// in the queue.
package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"vend/internal/classifier"
	"vend/internal/domain"
	"vend/internal/observability"
	sqsqueue "vend/internal/queue/sqs"
	"vend/internal/ranker"
	"vend/internal/scheduler"
	"vend/internal/store"
	"vend/internal/util"
	"vend/internal/vendors"
)

type Store interface {
	GetTransaction(ctx context.Context, id string) (domain.Transaction, bool, error)
	MarkTransactionStatus(ctx context.Context, in store.StatusUpdate) error
	SetVendState(ctx context.Context, in store.VendStateUpdate) error
	UpsertPowerUnit(ctx context.Context, pu domain.PowerUnit) error
	InsertEvent(ctx context.Context, transactionID, name string, payload any, now time.Time) error
	HasEvent(ctx context.Context, transactionID, name string) (bool, error)
}

type TokenCache interface {
	Get(ctx context.Context, vendor, transactionID string) (string, error)
	Put(ctx context.Context, vendor, transactionID, token string) error
}

type Notifier interface {
	NotifyPartner(ctx context.Context, transactionID, outcome, token string)
	NotifyUser(ctx context.Context, transactionID, outcome, token string)
}

// Policy carries the retry knobs. Backoff tables are in seconds, clamped at
// their last entry.
type Policy struct {
	MaxRequeryPerVendor     int
	RetryBeforeSwitch       int
	StaleCeiling            time.Duration
	RequeryBackoff          []int
	SwitchBackoff           []int
	IrechargeMinRequeryWait int
}

type Processor struct {
	Store      Store
	Vendors    *vendors.Registry
	Classifier *classifier.Classifier
	Ranker     *ranker.Ranker
	Sched      *scheduler.Scheduler
	Notifier   Notifier
	Tokens     TokenCache
	Policy     Policy

	// Per-vendor protection; nil maps disable limiting/breaking (tests).
	Limiters map[domain.Vendor]*rate.Limiter
	Breakers map[domain.Vendor]*gobreaker.CircuitBreaker
}

// Handle runs one orchestration step for the envelope. It is safe under
// duplicate and early delivery: terminal transactions no-op, early
// envelopes are re-published, and success side effects are guarded by the
// token-received event.
func (p *Processor) Handle(ctx context.Context, ev sqsqueue.VendEvent) error {
	now := util.NowUTC()

	tx, found, err := p.Store.GetTransaction(ctx, ev.TransactionID)
	if err != nil {
		return err
	}
	if !found {
		// Stale or replayed topic; nothing to act on.
		slog.Warn("transaction not found, dropping event", "transaction_id", ev.TransactionID, "step", ev.Step)
		return nil
	}
	if tx.Status.Terminal() {
		// Duplicate deliveries land here. Confirmation requeries (and the
		// admin-triggered kind on flagged transactions) are the one step
		// allowed through on a terminal transaction: they re-check what the
		// vendor actually did, and their side effects are still guarded
		// downstream.
		if !(ev.Confirm && ev.Step == sqsqueue.StepRequery) {
			return nil
		}
	}

	if !scheduler.Due(ev, now) {
		return p.Sched.Reschedule(ctx, ev)
	}

	if !ev.Confirm && tx.StaleAfter(p.Policy.StaleCeiling, now) {
		return p.flag(ctx, &tx, "stale", now)
	}

	switch ev.Step {
	case sqsqueue.StepRequery:
		return p.requery(ctx, &tx, ev, now)
	default:
		return p.vend(ctx, &tx, ev, now)
	}
}

func (p *Processor) vend(ctx context.Context, tx *domain.Transaction, ev sqsqueue.VendEvent, now time.Time) error {
	client, err := p.Vendors.Client(tx.Superagent)
	if err != nil {
		return err
	}
	vp, err := p.Ranker.CodeFor(ctx, tx.ProductID(), tx.Superagent)
	if err != nil {
		// Missing reference data; retrying cannot fix it.
		slog.Error("vendor product lookup failed", "err", err,
			"transaction_id", tx.ID, "superagent", tx.Superagent, "product_id", tx.ProductID())
		return err
	}

	accessToken, err := p.sessionToken(ctx, tx)
	if err != nil {
		slog.Warn("session token lookup failed", "err", err, "transaction_id", tx.ID)
	}

	resp, callErr := p.call(ctx, tx.Superagent, domain.VendRequest, func(callCtx context.Context) (vendors.Response, error) {
		return client.Purchase(callCtx, vendors.PurchaseRequest{
			TransactionID: tx.ID,
			Reference:     tx.Reference,
			Amount:        tx.Amount,
			MeterNumber:   tx.MeterNumber,
			Disco:         tx.Disco,
			PhoneNumber:   tx.PhoneNumber,
			ProductCode:   vp.Code,
			VendType:      tx.VendType,
			UtilityType:   tx.UtilityType,
			AccessToken:   accessToken,
		})
	})
	if callErr != nil {
		// Transport failures go through classification like any other
		// answer; unknown shapes default to requery.
		slog.Warn("vendor purchase call failed", "err", callErr,
			"transaction_id", tx.ID, "superagent", tx.Superagent)
	}

	res, err := p.Classifier.Classify(ctx, classifier.Input{
		RequestType: domain.VendRequest,
		Vendor:      tx.Superagent,
		HTTPCode:    resp.HTTPStatus,
		Response:    resp.Body,
		VendType:    tx.VendType,
		Disco:       tx.Disco,
		IsError:     callErr != nil,
	})
	if err != nil {
		return err
	}
	return p.branch(ctx, tx, res, ev.RetryCount, now)
}

func (p *Processor) requery(ctx context.Context, tx *domain.Transaction, ev sqsqueue.VendEvent, now time.Time) error {
	client, err := p.Vendors.Client(tx.Superagent)
	if err != nil {
		return err
	}

	accessToken, err := p.sessionToken(ctx, tx)
	if err != nil {
		slog.Warn("session token lookup failed", "err", err, "transaction_id", tx.ID)
	}

	resp, callErr := p.call(ctx, tx.Superagent, domain.Requery, func(callCtx context.Context) (vendors.Response, error) {
		return client.Requery(callCtx, vendors.RequeryRequest{
			TransactionID: tx.ID,
			Reference:     tx.Reference,
			Disco:         tx.Disco,
			AccessToken:   accessToken,
			UtilityType:   tx.UtilityType,
		})
	})
	if callErr != nil {
		slog.Warn("vendor requery call failed", "err", callErr,
			"transaction_id", tx.ID, "superagent", tx.Superagent)
	}

	res, err := p.Classifier.Classify(ctx, classifier.Input{
		RequestType: domain.Requery,
		Vendor:      tx.Superagent,
		HTTPCode:    resp.HTTPStatus,
		Response:    resp.Body,
		VendType:    tx.VendType,
		Disco:       tx.Disco,
		IsError:     callErr != nil,
	})
	if err != nil {
		return err
	}
	return p.branch(ctx, tx, res, ev.RetryCount, now)
}

func (p *Processor) branch(ctx context.Context, tx *domain.Transaction, res classifier.Result, retryCount int, now time.Time) error {
	if tx.Status.Terminal() && res.Action != classifier.ActionSuccess {
		// Confirmation pass on a finished transaction: anything short of a
		// clean success is an operator concern, not a reason to loop.
		slog.Warn("confirmation requery did not confirm success",
			"transaction_id", tx.ID, "superagent", tx.Superagent, "action", res.Action)
		return nil
	}
	switch res.Action {
	case classifier.ActionSuccess:
		return p.complete(ctx, tx, res, now)
	case classifier.ActionSwitch:
		return p.switchVendor(ctx, tx, now)
	default:
		return p.scheduleRequery(ctx, tx, retryCount, now)
	}
}

// scheduleRequery defers a same-vendor status check. The cycle count rides
// in the envelope; once it reaches the per-vendor ceiling the transaction
// is flagged instead.
func (p *Processor) scheduleRequery(ctx context.Context, tx *domain.Transaction, retryCount int, now time.Time) error {
	if retryCount >= p.Policy.MaxRequeryPerVendor {
		return p.flag(ctx, tx, "requery_limit", now)
	}
	next := retryCount + 1

	wait := scheduler.Backoff(p.Policy.RequeryBackoff, next)
	if tx.Superagent == domain.Irecharge {
		// Irecharge rejects status checks fired sooner than its documented
		// minimum interval.
		if minWait := time.Duration(p.Policy.IrechargeMinRequeryWait) * time.Second; wait < minWait {
			wait = minWait
		}
	}

	if err := p.Store.InsertEvent(ctx, tx.ID, domain.EventRequeryScheduled, map[string]any{
		"superagent": tx.Superagent, "retryCount": next, "waitSeconds": int(wait.Seconds()),
	}, now); err != nil {
		return err
	}
	observability.Requeries.WithLabelValues(string(tx.Superagent)).Inc()

	return p.Sched.Schedule(ctx, sqsqueue.VendEvent{
		TransactionID: tx.ID,
		Step:          sqsqueue.StepRequery,
		Superagent:    tx.Superagent,
		RetryCount:    next,
	}, wait, now)
}

// complete applies the terminal success exactly once. The token-received
// event is the guard: a second delivery that raced past the status check
// still finds the event and backs off.
func (p *Processor) complete(ctx context.Context, tx *domain.Transaction, res classifier.Result, now time.Time) error {
	done, err := p.Store.HasEvent(ctx, tx.ID, domain.EventTokenReceived)
	if err != nil {
		return err
	}
	if done {
		return nil
	}

	if tx.VendType == domain.Prepaid && res.Token != "" {
		if err := p.Store.UpsertPowerUnit(ctx, domain.PowerUnit{
			ID:            util.NewTransactionID(),
			TransactionID: tx.ID,
			MeterNumber:   tx.MeterNumber,
			Token:         res.Token,
			Units:         res.TokenUnits,
			Disco:         tx.Disco,
			CreatedAt:     now,
		}); err != nil {
			return err
		}
	}

	if err := p.Store.MarkTransactionStatus(ctx, store.StatusUpdate{
		ID: tx.ID, Status: domain.StatusComplete, Now: now,
	}); err != nil {
		return err
	}
	if err := p.Store.InsertEvent(ctx, tx.ID, domain.EventTokenReceived, map[string]any{
		"superagent": tx.Superagent,
		"reference":  tx.Reference,
		"token":      res.Token,
		"tokenUnits": res.TokenUnits,
	}, now); err != nil {
		return err
	}
	tx.Status = domain.StatusComplete

	p.Notifier.NotifyPartner(ctx, tx.ID, string(domain.StatusComplete), res.Token)
	p.Notifier.NotifyUser(ctx, tx.ID, string(domain.StatusComplete), res.Token)
	if err := p.Store.InsertEvent(ctx, tx.ID, domain.EventPartnerNotified, nil, now); err != nil {
		slog.Warn("notified-event insert failed", "err", err, "transaction_id", tx.ID)
	}

	// One confirmation requery after success: some vendors report success
	// before the token is finalized on their side.
	return p.Sched.Schedule(ctx, sqsqueue.VendEvent{
		TransactionID: tx.ID,
		Step:          sqsqueue.StepRequery,
		Superagent:    tx.Superagent,
		RetryCount:    p.Policy.MaxRequeryPerVendor,
		Confirm:       true,
	}, scheduler.Backoff(p.Policy.RequeryBackoff, 1), now)
}

// flag parks the transaction for operator review and stops scheduling.
func (p *Processor) flag(ctx context.Context, tx *domain.Transaction, reason string, now time.Time) error {
	if err := p.Store.MarkTransactionStatus(ctx, store.StatusUpdate{
		ID: tx.ID, Status: domain.StatusFlagged, Now: now,
	}); err != nil {
		return err
	}
	if err := p.Store.InsertEvent(ctx, tx.ID, domain.EventFlagged, map[string]any{
		"reason": reason, "superagent": tx.Superagent,
	}, now); err != nil {
		return err
	}
	tx.Status = domain.StatusFlagged
	observability.Flagged.WithLabelValues(reason).Inc()
	slog.Warn("transaction flagged for review",
		"transaction_id", tx.ID, "reason", reason, "superagent", tx.Superagent)
	return nil
}

// sessionToken resolves the vendor session token for vendors that need
// one, preferring the cache over the persisted copy.
func (p *Processor) sessionToken(ctx context.Context, tx *domain.Transaction) (string, error) {
	if tx.Superagent != domain.Irecharge {
		return "", nil
	}
	if p.Tokens != nil {
		tok, err := p.Tokens.Get(ctx, string(tx.Superagent), tx.ID)
		if err == nil && tok != "" {
			return tok, nil
		}
		if err != nil {
			return tx.IrechargeAccessToken, err
		}
	}
	return tx.IrechargeAccessToken, nil
}

// call wraps a vendor request with the per-vendor rate limiter and circuit
// breaker and records metrics. A breaker-open result is returned as the
// call error; classification turns it into a requery like any other
// transport failure.
func (p *Processor) call(ctx context.Context, vendor domain.Vendor, requestType domain.RequestType, fn func(ctx context.Context) (vendors.Response, error)) (vendors.Response, error) {
	if lim := p.Limiters[vendor]; lim != nil {
		waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err := lim.Wait(waitCtx)
		cancel()
		if err != nil {
			observability.VendorCalls.WithLabelValues(string(vendor), string(requestType), "rate_limited_local", "0").Inc()
			return vendors.Response{}, err
		}
	}

	start := time.Now()
	invoke := func() (any, error) {
		callCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		defer cancel()
		return fn(callCtx)
	}

	var resAny any
	var err error
	if br := p.Breakers[vendor]; br != nil {
		resAny, err = br.Execute(invoke)
	} else {
		resAny, err = invoke()
	}

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		observability.VendorCalls.WithLabelValues(string(vendor), string(requestType), "cb_open", "0").Inc()
		return vendors.Response{}, err
	}
	if err != nil {
		observability.VendorCalls.WithLabelValues(string(vendor), string(requestType), "error", "0").Inc()
		return vendors.Response{}, err
	}

	resp := resAny.(vendors.Response)
	observability.VendorCalls.WithLabelValues(string(vendor), string(requestType), "ok", strconv.Itoa(resp.HTTPStatus)).Inc()
	observability.VendorLatency.WithLabelValues(string(vendor), string(requestType)).Observe(time.Since(start).Seconds())
	return resp, nil
}
