// Package scheduler defers orchestration steps through the durable queue.
// Delivery is at-least-once and may come early (redelivery, clock skew), so
// every consumer must run the Due check and hand envelopes that arrived too
// soon back to Reschedule instead of acting on them.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"vend/internal/observability"
	sqsqueue "vend/internal/queue/sqs"
)

// Publisher is the slice of the queue producer the scheduler needs.
type Publisher interface {
	Publish(ctx context.Context, ev sqsqueue.VendEvent) error
}

type Scheduler struct {
	Queue Publisher
}

// Schedule stamps the envelope with the creation instant and requested
// delay, then publishes it.
func (s *Scheduler) Schedule(ctx context.Context, ev sqsqueue.VendEvent, delay time.Duration, now time.Time) error {
	ev.TimeStamp = now
	ev.DelaySeconds = int(delay.Seconds())
	return s.Queue.Publish(ctx, ev)
}

// Due reports whether the envelope's requested delay has genuinely elapsed.
func Due(ev sqsqueue.VendEvent, now time.Time) bool {
	if ev.TimeStamp.IsZero() || ev.DelaySeconds <= 0 {
		return true
	}
	return now.Sub(ev.TimeStamp) >= time.Duration(ev.DelaySeconds)*time.Second
}

// Reschedule re-publishes an envelope that was delivered before its delay
// elapsed, unchanged, so the original deadline still governs.
func (s *Scheduler) Reschedule(ctx context.Context, ev sqsqueue.VendEvent) error {
	observability.Rescheduled.Inc()
	slog.Info("envelope delivered early, re-publishing",
		"transaction_id", ev.TransactionID,
		"step", ev.Step,
		"delay_seconds", ev.DelaySeconds,
	)
	return s.Queue.Publish(ctx, ev)
}

// Backoff indexes a wait table by retry count, clamping to the last entry
// for higher counts. Tables are short and empirically tuned per policy.
func Backoff(table []int, retryCount int) time.Duration {
	if len(table) == 0 {
		return 0
	}
	i := retryCount - 1
	if i < 0 {
		i = 0
	}
	if i >= len(table) {
		i = len(table) - 1
	}
	return time.Duration(table[i]) * time.Second
}
