// Package worker turns queued provider callback events into recipient and
// campaign delivery state.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"wacast/internal/observability"
	sqsqueue "wacast/internal/queue/sqs"
	"wacast/internal/store"
	"wacast/internal/util"
)

type Store interface {
	MarkDelivered(ctx context.Context, providerMsgID string, now time.Time) (bool, error)
	MarkRead(ctx context.Context, providerMsgID string, now time.Time) (bool, error)
	MarkDeliveryFailed(ctx context.Context, providerMsgID, errCode, errMsg string, now time.Time) (bool, error)
	MarkResponded(ctx context.Context, phone string, now time.Time) (bool, error)
	HasProviderMsgID(ctx context.Context, providerMsgID string) (bool, error)
	InsertDeliveryEvent(ctx context.Context, in store.DeliveryEvent) error
}

type Processor struct {
	Store Store

	// Now is overridable for tests; nil uses real time.
	Now func() time.Time
}

// Process applies one callback event. Returning an error leaves the message
// on the queue for redrive; callbacks can outrun the send bookkeeping that
// persists provider_msg_id, so an unknown message id is retried rather than
// dropped.
func (p *Processor) Process(ctx context.Context, ev sqsqueue.DeliveryEvent) error {
	// Make DB work bounded. Errors should cause SQS redrive.
	dbCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	now := p.now()

	if ev.Kind == sqsqueue.EventInbound {
		attributed, err := p.Store.MarkResponded(dbCtx, ev.From, now)
		if err != nil {
			return err
		}
		if !attributed {
			// Inbound from a number we never sent to, or a second reply.
			slog.Debug("inbound message not attributed", "from", ev.From)
		}
		observability.WebhookEvents.WithLabelValues("inbound").Inc()
		return p.Store.InsertDeliveryEvent(dbCtx, store.DeliveryEvent{
			Provider:     "whatsapp",
			VendorStatus: "inbound",
			OccurredAt:   parseEpoch(ev.Timestamp),
		})
	}

	applied := false
	var err error
	switch ev.Status {
	case "delivered":
		applied, err = p.Store.MarkDelivered(dbCtx, ev.ProviderMsgID, now)
	case "read":
		applied, err = p.Store.MarkRead(dbCtx, ev.ProviderMsgID, now)
	case "failed", "undelivered":
		applied, err = p.Store.MarkDeliveryFailed(dbCtx, ev.ProviderMsgID, ev.ErrorCode, ev.ErrorMessage, now)
	case "sent":
		// Already recorded when the send call returned.
	default:
		slog.Warn("unrecognized callback status", "status", ev.Status, "provider_msg_id", ev.ProviderMsgID)
	}
	if err != nil {
		return err
	}

	if !applied && ev.ProviderMsgID != "" {
		known, err := p.Store.HasProviderMsgID(dbCtx, ev.ProviderMsgID)
		if err != nil {
			return err
		}
		if !known {
			return fmt.Errorf("no recipient for provider_msg_id %s", ev.ProviderMsgID)
		}
		// Known but not restamped: a redelivered callback. Idempotent, move on.
	}

	observability.WebhookEvents.WithLabelValues(ev.Status).Inc()
	// Persist the event (payload omitted to reduce DB load).
	return p.Store.InsertDeliveryEvent(dbCtx, store.DeliveryEvent{
		Provider:      "whatsapp",
		ProviderMsgID: ev.ProviderMsgID,
		VendorStatus:  ev.Status,
		ErrorCode:     ev.ErrorCode,
		OccurredAt:    parseEpoch(ev.Timestamp),
	})
}

func (p *Processor) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return util.NowUTC()
}

// parseEpoch converts the provider's epoch-seconds timestamp string; nil
// when absent or malformed.
func parseEpoch(s string) *time.Time {
	if s == "" {
		return nil
	}
	sec, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return nil
	}
	t := time.Unix(sec, 0).UTC()
	return &t
}
