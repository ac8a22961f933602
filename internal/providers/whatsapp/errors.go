package whatsapp

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
)

// Cloud API error codes that terminate a recipient regardless of retry
// policy.
const (
	CodeInvalidTemplate = 100    // template name/language does not exist
	CodeWindowExpired   = 131047 // re-engagement window expired
	CodeMarketingLimit  = 131049 // per-user marketing message limit
	CodeUserOptedOut    = 131050 // user stopped marketing messages
)

var nonRetryable = map[int]bool{
	CodeInvalidTemplate: true,
	CodeWindowExpired:   true,
	CodeMarketingLimit:  true,
	CodeUserOptedOut:    true,
}

func IsNonRetryable(code int) bool { return nonRetryable[code] }

// APIError is the Graph API error object.
type APIError struct {
	Code    int    `json:"code"`
	Subcode int    `json:"error_subcode,omitempty"`
	Type    string `json:"type,omitempty"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Code > 0 {
		return fmt.Sprintf("(#%d) %s", e.Code, e.Message)
	}
	return e.Message
}

var codePattern = regexp.MustCompile(`\(#(\d+)\)`)

// ErrorCode extracts the provider error code from a send failure: the typed
// code when available, else the "(#NNN)" marker in the message. Returns 0
// when no code can be extracted (treated as transient).
func ErrorCode(err error) int {
	if err == nil {
		return 0
	}
	var ae *APIError
	if errors.As(err, &ae) && ae.Code > 0 {
		return ae.Code
	}
	if m := codePattern.FindStringSubmatch(err.Error()); m != nil {
		n, _ := strconv.Atoi(m[1])
		return n
	}
	return 0
}
