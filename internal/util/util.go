package util

import (
	"crypto/rand"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// NewTransactionID returns a random UUID; transaction ids are exposed to
// partners and must not be guessable or sortable.
func NewTransactionID() string {
	return uuid.NewString()
}

// NewReference returns a ULID-based reference (sortable, handy for vendor
// support tickets and DB indexes).
func NewReference() string {
	t := time.Now().UTC()
	return ulid.MustNew(ulid.Timestamp(t), rand.Reader).String()
}

func NowUTC() time.Time {
	return time.Now().UTC()
}

// NormalizePhone strips whitespace; vendors expect MSISDNs without spacing.
func NormalizePhone(p string) string {
	return strings.ReplaceAll(strings.TrimSpace(p), " ", "")
}
