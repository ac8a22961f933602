package store

import "time"

type Campaign struct {
	ID               string            `json:"id"`
	Name             string            `json:"name"`
	TemplateName     string            `json:"templateName"`
	TemplateLanguage string            `json:"templateLanguage"`
	TemplateVars     map[string]string `json:"templateVars,omitempty"`
	RateLimit        int               `json:"rateLimit,omitempty"` // messages/minute, 0 = unset
	RetryFailed      bool              `json:"retryFailed"`
	MaxRetries       int               `json:"maxRetries"`
	Status           string            `json:"status"`
	SentCount        int               `json:"sentCount"`
	DeliveredCount   int               `json:"deliveredCount"`
	ReadCount        int               `json:"readCount"`
	FailedCount      int               `json:"failedCount"`
	RespondedCount   int               `json:"respondedCount"`
	StartedAt        *time.Time        `json:"startedAt,omitempty"`
	CompletedAt      *time.Time        `json:"completedAt,omitempty"`
	CreatedAt        time.Time         `json:"createdAt"`
	UpdatedAt        time.Time         `json:"updatedAt"`
}

type Recipient struct {
	ID            string            `json:"id"`
	CampaignID    string            `json:"campaignId"`
	Phone         string            `json:"phone"`
	Vars          map[string]string `json:"vars,omitempty"`
	Status        string            `json:"status"`
	RetryCount    int               `json:"retryCount"`
	LastRetryAt   *time.Time        `json:"lastRetryAt,omitempty"`
	ErrorCode     string            `json:"errorCode,omitempty"`
	ErrorMessage  string            `json:"errorMessage,omitempty"`
	SentAt        *time.Time        `json:"sentAt,omitempty"`
	FailedAt      *time.Time        `json:"failedAt,omitempty"`
	DeliveredAt   *time.Time        `json:"deliveredAt,omitempty"`
	ReadAt        *time.Time        `json:"readAt,omitempty"`
	RespondedAt   *time.Time        `json:"respondedAt,omitempty"`
	ProviderMsgID string            `json:"providerMsgId,omitempty"`
	CreatedAt     time.Time         `json:"createdAt"`
}

type CampaignInsert struct {
	ID               string
	Name             string
	TemplateName     string
	TemplateLanguage string
	TemplateVars     map[string]string
	RateLimit        int
	RetryFailed      bool
	MaxRetries       int
	Status           string
	Now              time.Time
}

type RecipientInsert struct {
	ID         string
	CampaignID string
	Phone      string
	Vars       map[string]string
	Now        time.Time
}

type DeliveryEvent struct {
	Provider      string
	ProviderMsgID string
	VendorStatus  string
	ErrorCode     string
	Payload       any
	OccurredAt    *time.Time
}
