package domain

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/coursepay/pkg/db/pagination"
	"gorm.io/gorm"
)

type Outcome string

const (
	OutcomeOK      Outcome = "ok"
	OutcomeIgnored Outcome = "ignored"
	OutcomeError   Outcome = "error"
)

// Entry is the audit record of one received notification.
type Entry struct {
	ID               snowflake.ID `json:"id" gorm:"primaryKey"`
	ProcessorEventID string       `json:"processor_event_id"`
	EventType        string       `json:"event_type"`
	Verified         bool         `json:"verified"`
	Verifier         string       `json:"verifier,omitempty"`
	Outcome          Outcome      `json:"outcome"`
	Message          string       `json:"message,omitempty"`
	RawPayload       string       `json:"-"`
	DeliveryCount    int          `json:"delivery_count"`
	ReceivedAt       time.Time    `json:"received_at"`
	ProcessedAt      time.Time    `json:"processed_at"`
}

func (Entry) TableName() string { return "payment_notifications" }

// UnverifiedKey is the log key of a delivery whose signature did not match.
// It is derived from the body so it can never collide with a real event id.
func UnverifiedKey(payload []byte) string {
	return bodyKey("unverified:", payload)
}

// NoIDKey is the log key of a signed delivery that carries no event id.
func NoIDKey(payload []byte) string {
	return bodyKey("noid:", payload)
}

func bodyKey(prefix string, payload []byte) string {
	sum := sha256.Sum256(payload)
	return prefix + hex.EncodeToString(sum[:])
}

type ListFilter struct {
	Outcome   Outcome
	EventType string
	pagination.Pagination
}

type Repository interface {
	// Upsert inserts the entry or refreshes an existing one, counting the
	// delivery.
	Upsert(ctx context.Context, db *gorm.DB, e *Entry) error
	UpdateOutcome(ctx context.Context, db *gorm.DB, eventID string, outcome Outcome, message string, processedAt time.Time) error
	Get(ctx context.Context, db *gorm.DB, eventID string) (*Entry, error)
	List(ctx context.Context, db *gorm.DB, filter ListFilter, after *pagination.Cursor, limit int) ([]Entry, error)
}

type Service interface {
	Record(ctx context.Context, e Entry) error
	UpdateOutcome(ctx context.Context, eventID string, outcome Outcome, message string) error
	Get(ctx context.Context, eventID string) (*Entry, error)
	List(ctx context.Context, filter ListFilter) ([]Entry, pagination.PageInfo, error)
}

var (
	ErrNotFound       = errors.New("notification not found")
	ErrInvalidOutcome = errors.New("invalid outcome filter")
)
