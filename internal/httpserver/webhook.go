package httpserver

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/mux"

	"wacast/internal/observability"
	"wacast/internal/providers/whatsapp"
	sqsqueue "wacast/internal/queue/sqs"
	"wacast/internal/util"
)

const maxWebhookBody = 1 << 20 // Graph sends small payloads; cap defensively

type EventQueue interface {
	Enqueue(ctx context.Context, ev sqsqueue.DeliveryEvent) error
}

// Webhook receives WhatsApp Business callbacks. The receiver only verifies
// and enqueues; all database work happens in the processor, so a slow DB
// never makes Meta mark the endpoint unhealthy.
type Webhook struct {
	Queue       EventQueue
	AppSecret   string
	VerifyToken string
}

func (w *Webhook) Register(mux *mux.Router) {
	mux.HandleFunc("/v1/webhooks/whatsapp", w.handleVerify).Methods(http.MethodGet)
	mux.HandleFunc("/v1/webhooks/whatsapp", w.handleNotification).Methods(http.MethodPost)
}

// handleVerify answers Meta's subscription handshake.
func (w *Webhook) handleVerify(rw http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("hub.mode") == "subscribe" && q.Get("hub.verify_token") == w.VerifyToken {
		_, _ = rw.Write([]byte(q.Get("hub.challenge")))
		return
	}
	http.Error(rw, ErrUnauthorized, http.StatusForbidden)
}

func (w *Webhook) handleNotification(rw http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		http.Error(rw, "read failed", http.StatusBadRequest)
		return
	}

	if !whatsapp.VerifySignature(w.AppSecret, body, r.Header.Get("X-Hub-Signature-256")) {
		observability.WebhookEvents.WithLabelValues("bad_signature").Inc()
		http.Error(rw, ErrInvalidSignature, http.StatusUnauthorized)
		return
	}

	n, err := whatsapp.ParseNotification(body)
	if err != nil {
		http.Error(rw, ErrInvalidJSON, http.StatusBadRequest)
		return
	}

	events := flatten(n)
	for _, ev := range events {
		if err := w.enqueue(r.Context(), ev); err != nil {
			slog.Error("webhook enqueue failed", "err", err, "kind", ev.Kind, "provider_msg_id", ev.ProviderMsgID)
			observability.WebhookEnqueues.WithLabelValues("error").Inc()
			// 5xx makes Meta redeliver the whole notification.
			http.Error(rw, ErrDependency, http.StatusInternalServerError)
			return
		}
		observability.WebhookEnqueues.WithLabelValues("ok").Inc()
	}

	rw.WriteHeader(http.StatusOK)
}

// enqueue retries transient SQS failures briefly before giving up and
// letting Meta redeliver.
func (w *Webhook) enqueue(ctx context.Context, ev sqsqueue.DeliveryEvent) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxElapsedTime = 2 * time.Second
	return backoff.Retry(func() error {
		return w.Queue.Enqueue(ctx, ev)
	}, backoff.WithContext(bo, ctx))
}

// flatten turns one notification into the queue events it carries.
func flatten(n whatsapp.Notification) []sqsqueue.DeliveryEvent {
	now := util.NowUTC()
	var out []sqsqueue.DeliveryEvent
	for _, entry := range n.Entry {
		for _, ch := range entry.Changes {
			for _, st := range ch.Value.Statuses {
				ev := sqsqueue.DeliveryEvent{
					Kind:          sqsqueue.EventStatus,
					ProviderMsgID: st.ID,
					Status:        st.Status,
					Timestamp:     st.Timestamp,
					ReceivedAt:    now,
				}
				if len(st.Errors) > 0 {
					ev.ErrorCode = strconv.Itoa(st.Errors[0].Code)
					ev.ErrorMessage = st.Errors[0].Title
				}
				out = append(out, ev)
			}
			for _, msg := range ch.Value.Messages {
				out = append(out, sqsqueue.DeliveryEvent{
					Kind:       sqsqueue.EventInbound,
					From:       msg.From,
					Timestamp:  msg.Timestamp,
					ReceivedAt: now,
				})
			}
		}
	}
	return out
}
