package sqsqueue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
)

// NotificationEvent is the envelope handed to the downstream email/SMS
// senders when a transaction reaches a terminal state. Keep it small; the
// senders re-read the transaction for anything else they need.
type NotificationEvent struct {
	TransactionID string    `json:"transactionId"`
	Audience      string    `json:"audience"` // "partner" | "user"
	Outcome       string    `json:"outcome"`  // terminal status
	Token         string    `json:"token,omitempty"`
	OccurredAt    time.Time `json:"occurredAt"`
}

type NotificationProducer struct {
	SQS      *sqs.Client
	QueueURL string
}

func (p *NotificationProducer) Enqueue(ctx context.Context, ev NotificationEvent) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = p.SQS.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    &p.QueueURL,
		MessageBody: str(string(body)),
	})
	return err
}
