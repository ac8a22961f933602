// Package service implements campaign lifecycle operations on top of the
// store, and hands claimed campaigns to the dispatcher.
package service

import (
	"context"
	"log/slog"
	"time"

	"wacast/internal/domain"
	"wacast/internal/store"
	"wacast/internal/util"
)

type Store interface {
	InsertCampaign(ctx context.Context, in store.CampaignInsert) error
	GetCampaign(ctx context.Context, id string) (store.Campaign, bool, error)
	InsertRecipients(ctx context.Context, in []store.RecipientInsert) error
	UpdateCampaignStatusIf(ctx context.Context, id string, from []string, to string, now time.Time) (bool, error)
	SetCampaignCompletedAt(ctx context.Context, id string, now time.Time) error
	ResetCampaignForResend(ctx context.Context, id string, now time.Time) error
	CountPending(ctx context.Context, campaignID string) (int, error)
	ListRecipients(ctx context.Context, campaignID, status string, limit int) ([]store.Recipient, error)
	ListCampaignIDsByStatus(ctx context.Context, status string) ([]string, error)
}

// Runner drives one campaign's send loop to completion.
type Runner interface {
	Run(ctx context.Context, campaignID string)
}

type CampaignService struct {
	Store      Store
	Dispatcher Runner

	// DispatchCtx is the lifetime for fire-and-forget dispatch runs; main
	// cancels it on shutdown so loops stop draining.
	DispatchCtx context.Context
}

func (s *CampaignService) CreateCampaign(ctx context.Context, req domain.CreateCampaignRequest) (store.Campaign, error) {
	if err := req.Validate(); err != nil {
		return store.Campaign{}, err
	}

	retryFailed := true
	if req.RetryFailed != nil {
		retryFailed = *req.RetryFailed
	}

	now := util.NowUTC()
	in := store.CampaignInsert{
		ID:               util.NewCampaignID(),
		Name:             req.Name,
		TemplateName:     req.TemplateName,
		TemplateLanguage: req.TemplateLanguage,
		TemplateVars:     req.TemplateVars,
		RateLimit:        req.RateLimit,
		RetryFailed:      retryFailed,
		MaxRetries:       req.MaxRetries,
		Status:           string(domain.CampaignDraft),
		Now:              now,
	}
	if err := s.Store.InsertCampaign(ctx, in); err != nil {
		return store.Campaign{}, err
	}

	return store.Campaign{
		ID:               in.ID,
		Name:             in.Name,
		TemplateName:     in.TemplateName,
		TemplateLanguage: in.TemplateLanguage,
		TemplateVars:     in.TemplateVars,
		RateLimit:        in.RateLimit,
		RetryFailed:      in.RetryFailed,
		MaxRetries:       in.MaxRetries,
		Status:           in.Status,
		CreatedAt:        now,
		UpdatedAt:        now,
	}, nil
}

func (s *CampaignService) GetCampaign(ctx context.Context, id string) (store.Campaign, error) {
	c, ok, err := s.Store.GetCampaign(ctx, id)
	if err != nil {
		return store.Campaign{}, err
	}
	if !ok {
		return store.Campaign{}, domain.ErrNotFound
	}
	return c, nil
}

func (s *CampaignService) AddRecipients(ctx context.Context, campaignID string, req domain.AddRecipientsRequest) (int, error) {
	if err := req.Validate(); err != nil {
		return 0, err
	}
	if _, err := s.GetCampaign(ctx, campaignID); err != nil {
		return 0, err
	}

	now := util.NowUTC()
	inserts := make([]store.RecipientInsert, 0, len(req.Recipients))
	for _, r := range req.Recipients {
		phone := util.NormalizePhone(r.Phone)
		if phone == "" {
			continue
		}
		inserts = append(inserts, store.RecipientInsert{
			ID:         util.NewRecipientID(),
			CampaignID: campaignID,
			Phone:      phone,
			Vars:       r.Vars,
			Now:        now,
		})
	}
	if len(inserts) == 0 {
		return 0, domain.ErrMissingFields
	}

	if err := s.Store.InsertRecipients(ctx, inserts); err != nil {
		return 0, err
	}
	return len(inserts), nil
}

func (s *CampaignService) ListRecipients(ctx context.Context, campaignID, status string, limit int) ([]store.Recipient, error) {
	if _, err := s.GetCampaign(ctx, campaignID); err != nil {
		return nil, err
	}
	return s.Store.ListRecipients(ctx, campaignID, status, limit)
}

// Start arms a campaign and fires its dispatch loop. Restarting a completed
// campaign first resets every recipient and counter, then resends the whole
// list. The status transition is a conditional update, so two concurrent
// starts produce exactly one running loop.
func (s *CampaignService) Start(ctx context.Context, id string) (domain.StartCampaignResponse, error) {
	c, err := s.GetCampaign(ctx, id)
	if err != nil {
		return domain.StartCampaignResponse{}, err
	}
	if !domain.CampaignStatus(c.Status).Startable() {
		return domain.StartCampaignResponse{}, domain.ErrNotStartable
	}

	now := util.NowUTC()
	if c.Status == string(domain.CampaignCompleted) {
		if err := s.Store.ResetCampaignForResend(ctx, id, now); err != nil {
			return domain.StartCampaignResponse{}, err
		}
	}

	pending, err := s.Store.CountPending(ctx, id)
	if err != nil {
		return domain.StartCampaignResponse{}, err
	}
	if pending == 0 {
		return domain.StartCampaignResponse{}, domain.ErrNoRecipients
	}

	claimed, err := s.Store.UpdateCampaignStatusIf(ctx, id,
		[]string{string(domain.CampaignDraft), string(domain.CampaignScheduled), string(domain.CampaignCompleted)},
		string(domain.CampaignSending), now)
	if err != nil {
		return domain.StartCampaignResponse{}, err
	}
	if !claimed {
		return domain.StartCampaignResponse{}, domain.ErrNotStartable
	}

	slog.Info("campaign started", "campaign_id", id, "recipients", pending)
	go s.Dispatcher.Run(s.dispatchCtx(), id)

	return domain.StartCampaignResponse{
		CampaignID: id,
		Status:     string(domain.CampaignSending),
		Recipients: pending,
	}, nil
}

func (s *CampaignService) Pause(ctx context.Context, id string) error {
	ok, err := s.Store.UpdateCampaignStatusIf(ctx, id,
		[]string{string(domain.CampaignSending)}, string(domain.CampaignPaused), util.NowUTC())
	if err != nil {
		return err
	}
	if !ok {
		return s.explainRejection(ctx, id)
	}
	slog.Info("campaign paused", "campaign_id", id)
	return nil
}

// Resume flips a paused campaign back to sending and re-fires the dispatch
// loop. If the original loop is still alive in its pause wait, the new Run
// is rejected by the dispatcher's per-campaign guard and the old loop picks
// the campaign back up.
func (s *CampaignService) Resume(ctx context.Context, id string) error {
	ok, err := s.Store.UpdateCampaignStatusIf(ctx, id,
		[]string{string(domain.CampaignPaused)}, string(domain.CampaignSending), util.NowUTC())
	if err != nil {
		return err
	}
	if !ok {
		return s.explainRejection(ctx, id)
	}
	slog.Info("campaign resumed", "campaign_id", id)
	go s.Dispatcher.Run(s.dispatchCtx(), id)
	return nil
}

func (s *CampaignService) Cancel(ctx context.Context, id string) error {
	now := util.NowUTC()
	ok, err := s.Store.UpdateCampaignStatusIf(ctx, id,
		[]string{
			string(domain.CampaignDraft), string(domain.CampaignScheduled),
			string(domain.CampaignSending), string(domain.CampaignPaused),
		}, string(domain.CampaignCancelled), now)
	if err != nil {
		return err
	}
	if !ok {
		return s.explainRejection(ctx, id)
	}
	if err := s.Store.SetCampaignCompletedAt(ctx, id, now); err != nil {
		return err
	}
	slog.Info("campaign cancelled", "campaign_id", id)
	return nil
}

// ResumeInFlight re-fires the dispatch loop for every campaign left in
// sending by a previous process, so a restart picks interrupted runs back
// up without operator intervention. The dispatcher's per-campaign guard
// makes re-firing an already-running campaign a no-op.
func (s *CampaignService) ResumeInFlight(ctx context.Context) (int, error) {
	ids, err := s.Store.ListCampaignIDsByStatus(ctx, string(domain.CampaignSending))
	if err != nil {
		return 0, err
	}
	for _, id := range ids {
		slog.Info("resuming interrupted campaign", "campaign_id", id)
		go s.Dispatcher.Run(s.dispatchCtx(), id)
	}
	return len(ids), nil
}

// explainRejection distinguishes a missing campaign from one in the wrong
// status after a conditional transition matched no row.
func (s *CampaignService) explainRejection(ctx context.Context, id string) error {
	if _, err := s.GetCampaign(ctx, id); err != nil {
		return err
	}
	return domain.ErrWrongStatus
}

func (s *CampaignService) dispatchCtx() context.Context {
	if s.DispatchCtx != nil {
		return s.DispatchCtx
	}
	return context.Background()
}
