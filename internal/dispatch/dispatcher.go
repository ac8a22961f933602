// Package dispatch drives a campaign's send run: it repeatedly pulls a
// batch of eligible recipients, partitions them into one-second windows
// sized to the campaign's rate limit, sends each window concurrently, and
// paces windows so throughput never exceeds the configured rate.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"wacast/internal/domain"
	"wacast/internal/observability"
	"wacast/internal/providers/whatsapp"
	"wacast/internal/store"
	"wacast/internal/template"
)

const (
	windowDuration    = time.Second
	pausePollInterval = 5 * time.Second
	minBatchSize      = 20
	batchWindows      = 5 // batch covers this many seconds of sending
	defaultMaxRetries = 3
	limiterWait       = 2 * time.Second
)

type Store interface {
	GetCampaign(ctx context.Context, id string) (store.Campaign, bool, error)
	MarkCampaignStatus(ctx context.Context, id, status string, completedAt *time.Time, now time.Time) error
	SetCampaignCompletedAt(ctx context.Context, id string, now time.Time) error
	ListDispatchable(ctx context.Context, campaignID string, limit int) ([]store.Recipient, error)
	CountInFlight(ctx context.Context, campaignID string) (int, error)
	MarkRecipientSending(ctx context.Context, id string, now time.Time) error
	MarkRecipientSent(ctx context.Context, id, campaignID, providerMsgID string, now time.Time) error
	MarkRecipientRetry(ctx context.Context, id string, retryCount int, errCode, errMsg string, now time.Time) error
	MarkRecipientTerminal(ctx context.Context, id, campaignID, status, errCode, errMsg string, now time.Time) error
}

type Sender interface {
	SendTemplate(ctx context.Context, req whatsapp.SendRequest) (whatsapp.SendResponse, int, []byte, error)
}

type Dispatcher struct {
	Store  Store
	Sender Sender

	// Limiter is a local guardrail on provider calls, not the campaign
	// pacing mechanism; nil disables it.
	Limiter *rate.Limiter
	Breaker *gobreaker.CircuitBreaker

	// SendTimeout bounds a single provider call so a hung send cannot stall
	// its window forever. Zero disables the bound.
	SendTimeout time.Duration

	// Now and Sleep are overridable for tests; nil uses real time.
	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error

	running sync.Map // campaign id -> in-flight guard
}

// Run executes the dispatch loop for one campaign until it completes, is
// externally paused/cancelled, or hits a bookkeeping failure. Per-recipient
// send failures never abort the run; only an error in the loop's own
// bookkeeping marks the whole campaign failed.
func (d *Dispatcher) Run(ctx context.Context, campaignID string) {
	if _, loaded := d.running.LoadOrStore(campaignID, struct{}{}); loaded {
		slog.Warn("dispatch already running for campaign", "campaign_id", campaignID)
		return
	}
	defer d.running.Delete(campaignID)

	if err := d.run(ctx, campaignID); err != nil {
		if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			// A store error surfaced by shutdown is not a campaign failure;
			// leaving the status as-is lets a restart pick the run back up.
			slog.Info("dispatch stopped by shutdown", "campaign_id", campaignID)
			return
		}
		slog.Error("campaign dispatch failed", "campaign_id", campaignID, "err", err)
		now := d.clock()
		// The run context may already be gone; the terminal status still
		// has to land.
		markCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = d.Store.MarkCampaignStatus(markCtx, campaignID, string(domain.CampaignFailed), &now, now)
		observability.CampaignsFinished.WithLabelValues(string(domain.CampaignFailed)).Inc()
	}
}

func (d *Dispatcher) run(ctx context.Context, campaignID string) error {
	for {
		if ctx.Err() != nil {
			slog.Info("dispatch stopped by shutdown", "campaign_id", campaignID)
			return nil
		}

		c, ok, err := d.Store.GetCampaign(ctx, campaignID)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("campaign %s not found", campaignID)
		}

		switch domain.CampaignStatus(c.Status) {
		case domain.CampaignCancelled, domain.CampaignFailed:
			return nil
		case domain.CampaignPaused:
			if err := d.pause(ctx, pausePollInterval); err != nil {
				return nil
			}
			continue
		}

		mps := ResolveMessagesPerSecond(c.RateLimit)
		batchSize := mps * batchWindows
		if batchSize < minBatchSize {
			batchSize = minBatchSize
		}

		batch, err := d.Store.ListDispatchable(ctx, campaignID, batchSize)
		if err != nil {
			return err
		}

		if len(batch) == 0 {
			inFlight, err := d.Store.CountInFlight(ctx, campaignID)
			if err != nil {
				return err
			}
			if inFlight == 0 {
				now := d.clock()
				if err := d.Store.MarkCampaignStatus(ctx, campaignID, string(domain.CampaignCompleted), &now, now); err != nil {
					return err
				}
				slog.Info("campaign completed", "campaign_id", campaignID)
				observability.CampaignsFinished.WithLabelValues(string(domain.CampaignCompleted)).Inc()
				return nil
			}
			// Sends still racing or retries still in their backoff window;
			// re-check shortly instead of spinning on the store.
			if err := d.pause(ctx, defaultPollInterval); err != nil {
				return nil
			}
			continue
		}

		now := d.clock()
		ready := make([]store.Recipient, 0, len(batch))
		for _, r := range batch {
			if RetryWindowElapsed(r, now) {
				ready = append(ready, r)
			}
		}
		if len(ready) == 0 {
			if err := d.pause(ctx, NextRetryDelay(batch, now)); err != nil {
				return nil
			}
			continue
		}

		if halted, err := d.dispatchWindows(ctx, campaignID, ready, mps); err != nil || halted {
			return err
		}
	}
}

// dispatchWindows sends the ready batch in consecutive one-second windows of
// mps recipients each. Campaign status is re-checked before every window so
// an external pause/cancel is honored between windows, never mid-flight.
func (d *Dispatcher) dispatchWindows(ctx context.Context, campaignID string, ready []store.Recipient, mps int) (halted bool, err error) {
	for start := 0; start < len(ready); start += mps {
		end := start + mps
		if end > len(ready) {
			end = len(ready)
		}
		window := ready[start:end]

		c, ok, err := d.Store.GetCampaign(ctx, campaignID)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, fmt.Errorf("campaign %s not found", campaignID)
		}
		switch domain.CampaignStatus(c.Status) {
		case domain.CampaignPaused, domain.CampaignCancelled:
			if err := d.Store.SetCampaignCompletedAt(ctx, campaignID, d.clock()); err != nil {
				return false, err
			}
			slog.Info("campaign dispatch halted", "campaign_id", campaignID, "status", c.Status)
			observability.CampaignsFinished.WithLabelValues(c.Status).Inc()
			return true, nil
		case domain.CampaignFailed:
			return true, nil
		}

		windowStart := d.clock()
		var wg sync.WaitGroup
		for _, rec := range window {
			wg.Add(1)
			go func(rec store.Recipient) {
				defer wg.Done()
				d.sendOne(ctx, c, rec)
			}(rec)
		}
		wg.Wait()
		observability.DispatchWindows.Inc()

		// Fill out the rest of the second even when the sends returned
		// early; the window budget is a hard throughput ceiling.
		if remainder := windowDuration - d.clock().Sub(windowStart); remainder > 0 {
			if err := d.pause(ctx, remainder); err != nil {
				return true, nil
			}
		}
	}
	return false, nil
}

func (d *Dispatcher) sendOne(ctx context.Context, c store.Campaign, rec store.Recipient) {
	if err := d.Store.MarkRecipientSending(ctx, rec.ID, d.clock()); err != nil {
		slog.Error("mark recipient sending failed", "recipient_id", rec.ID, "err", err)
		return
	}

	vars := template.Merge(c.TemplateVars, rec.Vars)

	start := time.Now()
	resp, err := d.send(ctx, whatsapp.SendRequest{
		To:           rec.Phone,
		TemplateName: c.TemplateName,
		LanguageCode: c.TemplateLanguage,
		Params:       template.Derive(vars),
	})
	observability.WASendLatency.Observe(time.Since(start).Seconds())

	if err == nil {
		observability.WASend.WithLabelValues("ok", "").Inc()
		if err := d.Store.MarkRecipientSent(ctx, rec.ID, rec.CampaignID, resp.MessageID(), d.clock()); err != nil {
			slog.Error("mark recipient sent failed", "recipient_id", rec.ID, "err", err)
		}
		return
	}

	code := whatsapp.ErrorCode(err)
	observability.WASend.WithLabelValues("error", strconv.Itoa(code)).Inc()
	slog.Warn("send failed", "recipient_id", rec.ID, "phone", rec.Phone, "code", code, "err", err)
	d.settleFailure(ctx, c, rec, code, err.Error())
}

// send wraps the provider call with the guardrail limiter, the circuit
// breaker, and the per-send timeout. Any error that comes back here with no
// extractable code (network failure, breaker open, limiter timeout) lands on
// the retryable path.
func (d *Dispatcher) send(ctx context.Context, req whatsapp.SendRequest) (whatsapp.SendResponse, error) {
	if d.Limiter != nil {
		waitCtx, cancel := context.WithTimeout(ctx, limiterWait)
		err := d.Limiter.Wait(waitCtx)
		cancel()
		if err != nil {
			return whatsapp.SendResponse{}, fmt.Errorf("rate limiter: %w", err)
		}
	}

	call := func() (any, error) {
		sendCtx := ctx
		if d.SendTimeout > 0 {
			var cancel context.CancelFunc
			sendCtx, cancel = context.WithTimeout(ctx, d.SendTimeout)
			defer cancel()
		}
		resp, _, _, err := d.Sender.SendTemplate(sendCtx, req)
		if err != nil {
			return nil, err
		}
		return resp, nil
	}

	if d.Breaker == nil {
		res, err := call()
		if err != nil {
			return whatsapp.SendResponse{}, err
		}
		return res.(whatsapp.SendResponse), nil
	}
	res, err := d.Breaker.Execute(call)
	if err != nil {
		return whatsapp.SendResponse{}, err
	}
	return res.(whatsapp.SendResponse), nil
}

// settleFailure applies the retry/terminal decision for a failed send.
func (d *Dispatcher) settleFailure(ctx context.Context, c store.Campaign, rec store.Recipient, code int, msg string) {
	now := d.clock()
	codeStr := ""
	if code > 0 {
		codeStr = strconv.Itoa(code)
	}

	if !whatsapp.IsNonRetryable(code) {
		maxRetries := c.MaxRetries
		if maxRetries <= 0 {
			maxRetries = defaultMaxRetries
		}
		if c.RetryFailed && rec.RetryCount+1 <= maxRetries {
			if err := d.Store.MarkRecipientRetry(ctx, rec.ID, rec.RetryCount+1, codeStr, msg, now); err != nil {
				slog.Error("mark recipient retry failed", "recipient_id", rec.ID, "err", err)
			}
			observability.RetriesScheduled.Inc()
			return
		}
	}

	status := string(domain.RecipientFailed)
	if code == whatsapp.CodeUserOptedOut {
		status = string(domain.RecipientOptedOut)
	}
	if err := d.Store.MarkRecipientTerminal(ctx, rec.ID, rec.CampaignID, status, codeStr, msg, now); err != nil {
		slog.Error("mark recipient terminal failed", "recipient_id", rec.ID, "err", err)
	}
}

func (d *Dispatcher) clock() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now().UTC()
}

func (d *Dispatcher) pause(ctx context.Context, dur time.Duration) error {
	if d.Sleep != nil {
		return d.Sleep(ctx, dur)
	}
	t := time.NewTimer(dur)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
