package domain

import "errors"

type CampaignStatus string

const (
	CampaignDraft     CampaignStatus = "draft"
	CampaignScheduled CampaignStatus = "scheduled"
	CampaignSending   CampaignStatus = "sending"
	CampaignPaused    CampaignStatus = "paused"
	CampaignCompleted CampaignStatus = "completed"
	CampaignCancelled CampaignStatus = "cancelled"
	CampaignFailed    CampaignStatus = "failed"
)

// Startable reports whether the send action may (re)arm the campaign.
// A completed campaign is startable: starting it resets every recipient
// and all counters and resends the whole campaign.
func (s CampaignStatus) Startable() bool {
	return s == CampaignDraft || s == CampaignScheduled || s == CampaignCompleted
}

type RecipientStatus string

const (
	RecipientPending  RecipientStatus = "pending"
	RecipientSending  RecipientStatus = "sending"
	RecipientRetry    RecipientStatus = "retry"
	RecipientSent     RecipientStatus = "sent"
	RecipientFailed   RecipientStatus = "failed"
	RecipientOptedOut RecipientStatus = "opted_out"
)

type CreateCampaignRequest struct {
	Name             string            `json:"name"`
	TemplateName     string            `json:"templateName"`
	TemplateLanguage string            `json:"templateLanguage"`
	TemplateVars     map[string]string `json:"templateVars,omitempty"`
	RateLimit        int               `json:"rateLimit,omitempty"` // messages per minute, 0 = default
	RetryFailed      *bool             `json:"retryFailed,omitempty"`
	MaxRetries       int               `json:"maxRetries,omitempty"`
}

func (r CreateCampaignRequest) Validate() error {
	if r.Name == "" || r.TemplateName == "" || r.TemplateLanguage == "" {
		return ErrMissingFields
	}
	if r.RateLimit < 0 || r.MaxRetries < 0 {
		return ErrInvalidValue
	}
	return nil
}

type RecipientInput struct {
	Phone string            `json:"phone"`
	Vars  map[string]string `json:"vars,omitempty"`
}

type AddRecipientsRequest struct {
	Recipients []RecipientInput `json:"recipients"`
}

func (r AddRecipientsRequest) Validate() error {
	if len(r.Recipients) == 0 {
		return ErrMissingFields
	}
	for _, rec := range r.Recipients {
		if rec.Phone == "" {
			return ErrMissingFields
		}
	}
	return nil
}

type CreateCampaignResponse struct {
	CampaignID string `json:"campaignId"`
	Status     string `json:"status"`
}

type StartCampaignResponse struct {
	CampaignID string `json:"campaignId"`
	Status     string `json:"status"`
	Recipients int    `json:"recipients"`
}

var (
	ErrMissingFields = errors.New("missing required fields")
	ErrInvalidValue  = errors.New("invalid field value")
	ErrNotFound      = errors.New("campaign not found")
	ErrNotStartable  = errors.New("campaign is not in a startable state")
	ErrNoRecipients  = errors.New("campaign has no pending recipients")
	ErrWrongStatus   = errors.New("campaign is not in the required status")
)
