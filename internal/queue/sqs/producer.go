package sqsqueue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"vend/internal/domain"
)

// StepType names the orchestration step a VendEvent asks for.
type StepType string

const (
	StepVend    StepType = "vend"    // fresh purchase attempt on the current vendor
	StepRequery StepType = "requery" // status check of an already-submitted purchase
)

// VendEvent is the envelope driving the orchestration loop. TimeStamp and
// DelaySeconds travel with the payload so consumers can verify the
// requested delay genuinely elapsed: the transport is at-least-once and may
// deliver early or more than once.
type VendEvent struct {
	TransactionID string        `json:"transactionId"`
	Step          StepType      `json:"step"`
	Superagent    domain.Vendor `json:"superagent,omitempty"`

	// RetryCount is the requery cycle this envelope belongs to. It rides in
	// the envelope, never in process state, so concurrent transactions
	// cannot cross-contaminate counters.
	RetryCount int `json:"retryCount"`

	// Confirm marks the post-success verification requery. It is the one
	// step allowed to run against a completed transaction; its side
	// effects are still guarded by the token-received event.
	Confirm      bool      `json:"confirm,omitempty"`
	TimeStamp    time.Time `json:"timeStamp"`
	DelaySeconds int       `json:"delayInSeconds"`
}

type Producer struct {
	SQS      *sqs.Client
	QueueURL string
}

// Publish sends the envelope. delaySeconds also sets the SQS-level delivery
// delay, capped at the SQS maximum of 900s; anything beyond the cap is
// absorbed by the consumer-side elapsed check and re-publication.
func (p *Producer) Publish(ctx context.Context, ev VendEvent) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	delay := int32(ev.DelaySeconds)
	if remaining := ev.DelaySeconds - int(time.Since(ev.TimeStamp).Seconds()); remaining < ev.DelaySeconds {
		// Re-published envelope: only the remaining wait applies.
		delay = int32(max(remaining, 0))
	}
	if delay > 900 {
		delay = 900
	}
	_, err = p.SQS.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:     &p.QueueURL,
		MessageBody:  str(string(body)),
		DelaySeconds: delay,
	})
	return err
}

func str(s string) *string { return &s }
