// Package notify hands terminal outcomes to the downstream email/SMS
// senders. Dispatch is best-effort: the orchestration loop never retries or
// fails a transaction over a notification problem.
package notify

import (
	"context"
	"log/slog"

	"vend/internal/observability"
	sqsqueue "vend/internal/queue/sqs"
	"vend/internal/util"
)

type Dispatcher interface {
	NotifyPartner(ctx context.Context, transactionID, outcome, token string)
	NotifyUser(ctx context.Context, transactionID, outcome, token string)
}

// QueueDispatcher publishes notification envelopes onto the notification
// queue consumed by the sender fleet.
type QueueDispatcher struct {
	Queue *sqsqueue.NotificationProducer
}

func (d *QueueDispatcher) NotifyPartner(ctx context.Context, transactionID, outcome, token string) {
	d.enqueue(ctx, "partner", transactionID, outcome, token)
}

func (d *QueueDispatcher) NotifyUser(ctx context.Context, transactionID, outcome, token string) {
	d.enqueue(ctx, "user", transactionID, outcome, token)
}

func (d *QueueDispatcher) enqueue(ctx context.Context, audience, transactionID, outcome, token string) {
	err := d.Queue.Enqueue(ctx, sqsqueue.NotificationEvent{
		TransactionID: transactionID,
		Audience:      audience,
		Outcome:       outcome,
		Token:         token,
		OccurredAt:    util.NowUTC(),
	})
	if err != nil {
		observability.Notifications.WithLabelValues(audience, "error").Inc()
		slog.Error("notification enqueue failed",
			"err", err, "transaction_id", transactionID, "audience", audience, "outcome", outcome)
		return
	}
	observability.Notifications.WithLabelValues(audience, "ok").Inc()
}
