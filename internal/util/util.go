package util

import (
	"crypto/rand"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

func NormalizePhone(p string) string {
	// keep it simple for MVP
	// TODO -  may use libphonenumber
	return strings.ReplaceAll(strings.TrimSpace(p), " ", "")
}

// ULIDs are sortable (nice for DB indexes and dashboards)

func NewCampaignID() string {
	t := time.Now().UTC()
	return "cmp_" + ulid.MustNew(ulid.Timestamp(t), rand.Reader).String()
}

func NewRecipientID() string {
	t := time.Now().UTC()
	return "rcp_" + ulid.MustNew(ulid.Timestamp(t), rand.Reader).String()
}

func NowUTC() time.Time {
	return time.Now().UTC()
}
