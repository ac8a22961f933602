// Package sqsqueue moves provider callback events from the webhook receiver
// to the processor through SQS, so a processor outage never drops delivery
// receipts.
package sqsqueue

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

// Event kinds carried on the queue.
const (
	EventStatus  = "status"
	EventInbound = "inbound"
)

// DeliveryEvent is the internal envelope for one WhatsApp callback entry.
// Keep it small; SQS has a 256KB message size limit.
type DeliveryEvent struct {
	Kind          string    `json:"kind"`
	ProviderMsgID string    `json:"providerMsgId,omitempty"`
	Status        string    `json:"status,omitempty"`
	From          string    `json:"from,omitempty"`
	ErrorCode     string    `json:"errorCode,omitempty"`
	ErrorMessage  string    `json:"errorMessage,omitempty"`
	Timestamp     string    `json:"timestamp,omitempty"`
	ReceivedAt    time.Time `json:"receivedAt"`
}

type Producer struct {
	SQS      *sqs.Client
	QueueURL string
}

func (p *Producer) Enqueue(ctx context.Context, ev DeliveryEvent) error {
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

type Handler func(ctx context.Context, ev DeliveryEvent) error

type Consumer struct {
	SQS      *sqs.Client
	QueueURL string

	WaitTimeSeconds   int32
	MaxMessages       int32
	VisibilityTimeout int32
}

// PollConcurrent processes delivery events with a worker pool. A message is
// deleted only after its handler succeeds; failures stay on the queue for
// redrive/DLQ.
func (c *Consumer) PollConcurrent(ctx context.Context, workers int, handler Handler) error {
	if workers <= 0 {
		workers = 1
	}

	jobs := make(chan types.Message, workers*2)
	errCh := make(chan error, 1)

	sendErr := func(err error) {
		select {
		case errCh <- err:
		default:
		}
	}

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for m := range jobs {
				if m.Body == nil {
					c.delete(ctx, m)
					continue
				}

				var ev DeliveryEvent
				if err := json.Unmarshal([]byte(*m.Body), &ev); err != nil {
					// bad payload => delete to avoid endless redrive
					c.delete(ctx, m)
					continue
				}

				if err := handler(ctx, ev); err == nil {
					c.delete(ctx, m)
				} else {
					slog.Error("delivery event handler error", "err", err,
						"kind", ev.Kind, "status", ev.Status, "provider_msg_id", ev.ProviderMsgID)
				}
			}
		}()
	}

	// Producer: fetch messages and enqueue for workers
	go func() {
		defer close(jobs)

		for {
			if ctx.Err() != nil {
				sendErr(ctx.Err())
				return
			}

			out, err := c.SQS.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
				QueueUrl:            &c.QueueURL,
				MaxNumberOfMessages: c.MaxMessages,
				WaitTimeSeconds:     c.WaitTimeSeconds,
				VisibilityTimeout:   c.VisibilityTimeout,
			})
			if err != nil {
				slog.Error("sqs receive delivery event failed", "err", err)
				time.Sleep(500 * time.Millisecond)
				continue
			}

			for _, m := range out.Messages {
				select {
				case jobs <- m:
				case <-ctx.Done():
					sendErr(ctx.Err())
					return
				}
			}
		}
	}()

	err := <-errCh

	// Drain whatever is already in `jobs`; the producer closed the channel.
	wg.Wait()
	return err
}

func (c *Consumer) delete(ctx context.Context, m types.Message) {
	_, _ = c.SQS.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      &c.QueueURL,
		ReceiptHandle: m.ReceiptHandle,
	})
}

func str(s string) *string { return &s }
