package whatsapp

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
)

// VerifySignature checks the X-Hub-Signature-256 header against the raw
// request body. The header carries "sha256=" followed by a hex HMAC.
func VerifySignature(appSecret string, body []byte, provided string) bool {
	provided = strings.TrimPrefix(provided, "sha256=")

	mac := hmac.New(sha256.New, []byte(appSecret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(expected), []byte(strings.ToLower(provided)))
}

// Notification is the webhook payload shape for the whatsapp_business_account
// object. Only the fields this service consumes are modeled.
type Notification struct {
	Object string `json:"object"`
	Entry  []struct {
		ID      string `json:"id"`
		Changes []struct {
			Field string      `json:"field"`
			Value ChangeValue `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

type ChangeValue struct {
	Statuses []StatusEvent    `json:"statuses,omitempty"`
	Messages []InboundMessage `json:"messages,omitempty"`
}

// StatusEvent reports delivery progress for a previously sent message.
// Status is one of sent, delivered, read, failed.
type StatusEvent struct {
	ID          string `json:"id"` // provider message id
	Status      string `json:"status"`
	Timestamp   string `json:"timestamp"`
	RecipientID string `json:"recipient_id"`
	Errors      []struct {
		Code  int    `json:"code"`
		Title string `json:"title"`
	} `json:"errors,omitempty"`
}

type InboundMessage struct {
	From      string `json:"from"`
	ID        string `json:"id"`
	Timestamp string `json:"timestamp"`
	Type      string `json:"type"`
}

func ParseNotification(body []byte) (Notification, error) {
	var n Notification
	err := json.Unmarshal(body, &n)
	return n, err
}
