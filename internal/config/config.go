package config

import (
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

type APIConfig struct {
	DBDSN       string `envconfig:"DB_DSN" required:"true"`
	Port        string `envconfig:"PORT" default:"8080"`
	MetricsPort string `envconfig:"METRICS_PORT" default:"9090"`
	LogFormat   string `envconfig:"LOG_FORMAT" default:"json"`
	APIKey      string `envconfig:"API_KEY"`

	DBPoolMaxConns          int32  `envconfig:"DB_POOL_MAX_CONNS" default:"8"`
	DBPoolMinConns          int32  `envconfig:"DB_POOL_MIN_CONNS" default:"0"`
	DBPoolMaxConnLifetime   string `envconfig:"DB_POOL_MAX_CONN_LIFETIME" default:"30m"`
	DBPoolMaxConnIdleTime   string `envconfig:"DB_POOL_MAX_CONN_IDLE_TIME" default:"5m"`
	DBPoolHealthCheckPeriod string `envconfig:"DB_POOL_HEALTH_CHECK_PERIOD" default:"30s"`

	// WhatsApp Cloud API
	WAAccessToken   string  `envconfig:"WA_ACCESS_TOKEN" required:"true"`
	WAPhoneNumberID string  `envconfig:"WA_PHONE_NUMBER_ID" required:"true"`
	WABaseURL       string  `envconfig:"WA_BASE_URL" default:"https://graph.facebook.com"`
	WAAPIVersion    string  `envconfig:"WA_API_VERSION" default:"v19.0"`
	WASendTimeout   string  `envconfig:"WA_SEND_TIMEOUT" default:"8s"`
	WARPSGuardrail  float64 `envconfig:"WA_RPS_GUARDRAIL" default:"0"` // 0 disables the local limiter
	WABurst         int     `envconfig:"WA_BURST" default:"25"`
}

type WebhookConfig struct {
	Port        string `envconfig:"PORT" default:"8080"`
	MetricsPort string `envconfig:"METRICS_PORT" default:"9090"`
	LogFormat   string `envconfig:"LOG_FORMAT" default:"json"`

	// Meta webhook subscription
	WAAppSecret   string `envconfig:"WA_APP_SECRET" required:"true"`
	WAVerifyToken string `envconfig:"WA_VERIFY_TOKEN" required:"true"`

	// AWS / SQS
	AWSRegion             string `envconfig:"AWS_REGION" required:"true"`
	WebhookEventsQueueURL string `envconfig:"WEBHOOK_EVENTS_QUEUE_URL" required:"true"`
	LocalstackEndpoint    string `envconfig:"LOCALSTACK_ENDPOINT"`
}

type WebhookProcessorConfig struct {
	DBDSN       string `envconfig:"DB_DSN" required:"true"`
	Port        string `envconfig:"PORT" default:"8080"`
	MetricsPort string `envconfig:"METRICS_PORT" default:"9090"`
	LogFormat   string `envconfig:"LOG_FORMAT" default:"json"`

	DBPoolMaxConns          int32  `envconfig:"DB_POOL_MAX_CONNS" default:"8"`
	DBPoolMinConns          int32  `envconfig:"DB_POOL_MIN_CONNS" default:"0"`
	DBPoolMaxConnLifetime   string `envconfig:"DB_POOL_MAX_CONN_LIFETIME" default:"30m"`
	DBPoolMaxConnIdleTime   string `envconfig:"DB_POOL_MAX_CONN_IDLE_TIME" default:"5m"`
	DBPoolHealthCheckPeriod string `envconfig:"DB_POOL_HEALTH_CHECK_PERIOD" default:"30s"`

	// AWS / SQS
	AWSRegion             string `envconfig:"AWS_REGION" required:"true"`
	WebhookEventsQueueURL string `envconfig:"WEBHOOK_EVENTS_QUEUE_URL" required:"true"`
	LocalstackEndpoint    string `envconfig:"LOCALSTACK_ENDPOINT"`
	SQSWaitTime           int32  `envconfig:"SQS_WAIT_TIME" default:"20"`
	SQSMaxMsgs            int32  `envconfig:"SQS_MAX_MSGS" default:"10"`
	SQSVizTimeout         int32  `envconfig:"SQS_VISIBILITY_TIMEOUT" default:"60"`
	Concurrency           int    `envconfig:"PROCESSOR_CONCURRENCY" default:"10"`
}

func LoadAPI() APIConfig {
	_ = godotenv.Load()
	var cfg APIConfig
	if err := envconfig.Process("", &cfg); err != nil {
		panic(err)
	}
	return cfg
}

func LoadWebhook() WebhookConfig {
	_ = godotenv.Load()
	var cfg WebhookConfig
	if err := envconfig.Process("", &cfg); err != nil {
		panic(err)
	}
	return cfg
}

func LoadWebhookProcessor() WebhookProcessorConfig {
	_ = godotenv.Load()
	var cfg WebhookProcessorConfig
	if err := envconfig.Process("", &cfg); err != nil {
		panic(err)
	}
	return cfg
}
