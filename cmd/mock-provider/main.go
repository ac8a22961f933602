// mock-provider imitates the WhatsApp Cloud API messages endpoint for local
// and load testing: it accepts template sends, picks an outcome per the
// configured mode, and posts signed status callbacks (sent, delivered, read)
// to the webhook receiver the way Meta would.
package main

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/kelseyhightower/envconfig"
)

type config struct {
	Port        string `envconfig:"PORT" default:"8090"`
	AccessToken string `envconfig:"WA_ACCESS_TOKEN" default:"mock_token"`
	AppSecret   string `envconfig:"WA_APP_SECRET" default:"mock_secret"`

	// fixed | round_robin | random | weighted
	OutcomeMode string  `envconfig:"MOCK_OUTCOME_MODE" default:"fixed"`
	OutcomesRaw string  `envconfig:"MOCK_OUTCOMES" default:"ok"`
	SuccessRate float64 `envconfig:"MOCK_SUCCESS_RATE" default:"0.95"`

	DelayMs int `envconfig:"MOCK_DELAY_MS" default:"0"`

	WebhookURL          string `envconfig:"MOCK_WEBHOOK_URL" default:""`
	WebhookSentDelayMs  int    `envconfig:"MOCK_WEBHOOK_SENT_DELAY_MS" default:"200"`
	WebhookFinalDelayMs int    `envconfig:"MOCK_WEBHOOK_DELAY_MS" default:"800"`
	WebhookReadRate     float64 `envconfig:"MOCK_WEBHOOK_READ_RATE" default:"0.5"`
	WebhookMaxRetries   int    `envconfig:"MOCK_WEBHOOK_MAX_RETRIES" default:"5"`

	Outcomes []string
}

// graphError mirrors the Cloud API error envelope.
type graphError struct {
	Message   string `json:"message"`
	Type      string `json:"type"`
	Code      int    `json:"code"`
	Subcode   int    `json:"error_subcode,omitempty"`
	FBTraceID string `json:"fbtrace_id"`
}

type sendPayload struct {
	MessagingProduct string `json:"messaging_product"`
	To               string `json:"to"`
	Type             string `json:"type"`
	Template         *struct {
		Name string `json:"name"`
	} `json:"template"`
}

type server struct {
	cfg    config
	idx    uint64
	rng    *rand.Rand
	rngMu  sync.Mutex
	client *http.Client
}

func main() {
	var cfg config
	if err := envconfig.Process("", &cfg); err != nil {
		fmt.Fprintln(os.Stderr, "mock provider config load failed:", err)
		os.Exit(1)
	}
	cfg.OutcomeMode = strings.ToLower(cfg.OutcomeMode)
	cfg.Outcomes = parseCSV(cfg.OutcomesRaw)

	h := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})
	slog.SetDefault(slog.New(h))

	s := &server{
		cfg:    cfg,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
		client: &http.Client{Timeout: 5 * time.Second},
	}

	router := mux.NewRouter()
	router.HandleFunc("/{version}/{phoneNumberID}/messages", s.handleSend).Methods(http.MethodPost)

	slog.Info("mock provider listening", "port", cfg.Port)
	if err := http.ListenAndServe(":"+cfg.Port, router); err != nil {
		slog.Error("mock provider server failed", "err", err)
		os.Exit(1)
	}
}

func (s *server) handleSend(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Authorization") != "Bearer "+s.cfg.AccessToken {
		writeGraphError(w, http.StatusUnauthorized, 190, "Invalid OAuth access token")
		return
	}

	var p sendPayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeGraphError(w, http.StatusBadRequest, 100, "Invalid parameter")
		return
	}
	if p.MessagingProduct != "whatsapp" || p.To == "" || p.Template == nil || p.Template.Name == "" {
		writeGraphError(w, http.StatusBadRequest, 100, "(#100) Invalid parameter")
		return
	}

	if s.cfg.DelayMs > 0 {
		time.Sleep(time.Duration(s.cfg.DelayMs) * time.Millisecond)
	}

	outcome := s.nextOutcome()
	if outcome != "ok" && outcome != "success" {
		code, httpStatus, msg := classifyOutcome(outcome)
		if outcome == "timeout" {
			time.Sleep(10 * time.Second)
		}
		writeGraphError(w, httpStatus, code, msg)
		return
	}

	wamid := fmt.Sprintf("wamid.MOCK%06d", atomic.AddUint64(&s.idx, 1))
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"messaging_product": "whatsapp",
		"contacts":          []map[string]string{{"input": p.To, "wa_id": strings.TrimPrefix(p.To, "+")}},
		"messages":          []map[string]string{{"id": wamid}},
	})

	s.callbackSequence(wamid, strings.TrimPrefix(p.To, "+"))
}

// callbackSequence fires sent -> delivered (-> read, per configured rate)
// status callbacks, each signed the way Meta signs webhook deliveries.
func (s *server) callbackSequence(wamid, waID string) {
	if s.cfg.WebhookURL == "" {
		return
	}
	go func() {
		time.Sleep(time.Duration(s.cfg.WebhookSentDelayMs) * time.Millisecond)
		s.postStatus(wamid, waID, "sent")

		time.Sleep(time.Duration(s.cfg.WebhookFinalDelayMs) * time.Millisecond)
		s.postStatus(wamid, waID, "delivered")

		s.rngMu.Lock()
		read := s.rng.Float64() < s.cfg.WebhookReadRate
		s.rngMu.Unlock()
		if read {
			time.Sleep(time.Duration(s.cfg.WebhookFinalDelayMs) * time.Millisecond)
			s.postStatus(wamid, waID, "read")
		}
	}()
}

func (s *server) postStatus(wamid, waID, status string) {
	body, _ := json.Marshal(map[string]any{
		"object": "whatsapp_business_account",
		"entry": []map[string]any{{
			"id": "0",
			"changes": []map[string]any{{
				"field": "messages",
				"value": map[string]any{
					"statuses": []map[string]any{{
						"id":           wamid,
						"status":       status,
						"timestamp":    strconv.FormatInt(time.Now().Unix(), 10),
						"recipient_id": waID,
					}},
				},
			}},
		}},
	})

	mac := hmac.New(sha256.New, []byte(s.cfg.AppSecret))
	mac.Write(body)
	sig := "sha256=" + hex.EncodeToString(mac.Sum(nil))

	wait := 250 * time.Millisecond
	for attempt := 0; attempt <= s.cfg.WebhookMaxRetries; attempt++ {
		req, _ := http.NewRequest(http.MethodPost, s.cfg.WebhookURL, bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Hub-Signature-256", sig)

		resp, err := s.client.Do(req)
		if err == nil && resp.StatusCode >= 200 && resp.StatusCode < 300 {
			_ = resp.Body.Close()
			return
		}
		code := 0
		if resp != nil {
			code = resp.StatusCode
			_ = resp.Body.Close()
		}
		slog.Warn("mock status callback retrying",
			"wamid", wamid, "status", status, "attempt", attempt+1, "http_status", code, "err", err)
		time.Sleep(wait)
		wait *= 2
	}
	slog.Error("mock status callback gave up", "wamid", wamid, "status", status)
}

func (s *server) nextOutcome() string {
	switch s.cfg.OutcomeMode {
	case "round_robin":
		idx := atomic.AddUint64(&s.idx, 1) - 1
		return s.cfg.Outcomes[int(idx)%len(s.cfg.Outcomes)]
	case "random":
		s.rngMu.Lock()
		i := s.rng.Intn(len(s.cfg.Outcomes))
		s.rngMu.Unlock()
		return s.cfg.Outcomes[i]
	case "weighted":
		s.rngMu.Lock()
		ok := s.rng.Float64() <= s.cfg.SuccessRate
		s.rngMu.Unlock()
		if ok {
			return "ok"
		}
		for _, o := range s.cfg.Outcomes {
			if o != "ok" && o != "success" {
				return o
			}
		}
		return "131026"
	default:
		return s.cfg.Outcomes[0]
	}
}

// classifyOutcome maps an outcome token to a Cloud API error. Tokens are
// either a symbolic name or a raw error code.
func classifyOutcome(token string) (code, httpStatus int, msg string) {
	switch token {
	case "invalid_template", "100":
		return 100, http.StatusBadRequest, "(#100) Invalid parameter"
	case "window_expired", "131047":
		return 131047, http.StatusBadRequest, "(#131047) Re-engagement message"
	case "marketing_limit", "131049":
		return 131049, http.StatusBadRequest, "(#131049) This message was not delivered to maintain healthy ecosystem engagement"
	case "opted_out", "131050":
		return 131050, http.StatusBadRequest, "(#131050) User preferences prevented message delivery"
	case "undeliverable", "131026":
		return 131026, http.StatusBadRequest, "(#131026) Message undeliverable"
	case "rate_limit", "429":
		return 80007, http.StatusTooManyRequests, "(#80007) Rate limit hit"
	case "server_error", "500", "timeout":
		return 1, http.StatusInternalServerError, "An unknown error occurred"
	default:
		if n, err := strconv.Atoi(token); err == nil {
			return n, http.StatusBadRequest, fmt.Sprintf("(#%d) Mock error", n)
		}
		return 1, http.StatusInternalServerError, "mock error: " + token
	}
}

func writeGraphError(w http.ResponseWriter, status, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]graphError{
		"error": {Message: msg, Type: "OAuthException", Code: code, FBTraceID: "mock"},
	})
}

func parseCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return []string{"ok"}
	}
	return out
}
