package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// Status is the access state of a (subject, course) pair.
type Status string

const (
	StatusUnpaid   Status = "unpaid"
	StatusActive   Status = "active"
	StatusPastDue  Status = "past_due"
	StatusCanceled Status = "canceled"
	StatusRefunded Status = "refunded"
)

// PaymentStatus mirrors the billing state that produced Status. An ended
// subscription can keep StatusActive while PaymentStatus is canceled.
type PaymentStatus string

const (
	PaymentUnpaid   PaymentStatus = "unpaid"
	PaymentPaid     PaymentStatus = "paid"
	PaymentPastDue  PaymentStatus = "past_due"
	PaymentCanceled PaymentStatus = "canceled"
	PaymentRefunded PaymentStatus = "refunded"
)

type Entitlement struct {
	ID                       snowflake.ID  `json:"id" gorm:"primaryKey"`
	SubjectID                string        `json:"subject_id"`
	CourseID                 string        `json:"course_id"`
	Status                   Status        `json:"status"`
	PaymentStatus            PaymentStatus `json:"payment_status"`
	PaidAt                   *time.Time    `json:"paid_at,omitempty"`
	ProcessorCustomerRef     *string       `json:"processor_customer_ref,omitempty"`
	ProcessorSubscriptionRef *string       `json:"processor_subscription_ref,omitempty"`
	ProcessorSessionRef      *string       `json:"processor_session_ref,omitempty"`
	LastEventAt              *time.Time    `json:"last_event_at,omitempty"`
	CreatedAt                time.Time     `json:"created_at"`
	UpdatedAt                time.Time     `json:"updated_at"`
}

func (Entitlement) TableName() string { return "entitlements" }

// Refs are the processor correlation identifiers carried by an event.
// Empty values leave the stored identifier untouched.
type Refs struct {
	CustomerRef     string
	SubscriptionRef string
	SessionRef      string
}

// Transition is one change to an entitlement. Event-driven transitions carry
// the processor event time. Snapshot transitions come from reading current
// processor state (restore, checkout verification); they have no event time,
// never leave a refunded row, and keep the stored event time so a later
// delivered event still orders against the last real event.
type Transition struct {
	SubjectID  string
	CourseID   string
	Refs       Refs
	OccurredAt time.Time
	Snapshot   bool
}

// Result reports the row after a write. Applied is false when the write lost
// to a newer stored event and left the row unchanged.
type Result struct {
	Entitlement *Entitlement
	Applied     bool
}

type Access struct {
	CourseID      string        `json:"course_id"`
	HasAccess     bool          `json:"has_access"`
	Status        Status        `json:"status,omitempty"`
	PaymentStatus PaymentStatus `json:"payment_status,omitempty"`
}

type Repository interface {
	Upsert(ctx context.Context, db *gorm.DB, e *Entitlement) (bool, error)
	EnsurePending(ctx context.Context, db *gorm.DB, e *Entitlement) error
	Get(ctx context.Context, db *gorm.DB, subjectID, courseID string) (*Entitlement, error)
	ListBySubject(ctx context.Context, db *gorm.DB, subjectID string) ([]Entitlement, error)
	LatestCustomerRef(ctx context.Context, db *gorm.DB, subjectID string) (string, error)
}

type Service interface {
	EnsurePending(ctx context.Context, subjectID, courseID, sessionRef string) error
	Activate(ctx context.Context, t Transition) (Result, error)
	MarkPastDue(ctx context.Context, t Transition) (Result, error)
	EndSubscription(ctx context.Context, t Transition) (Result, error)
	Refund(ctx context.Context, t Transition) (Result, error)
	Get(ctx context.Context, subjectID, courseID string) (*Entitlement, error)
	List(ctx context.Context, subjectID string) ([]Entitlement, error)
	CheckAccess(ctx context.Context, subjectID, courseID string) (Access, error)
	LatestCustomerRef(ctx context.Context, subjectID string) (string, error)
}

var (
	ErrInvalidKey = errors.New("entitlement: subject_id and course_id are required")
	ErrNotFound   = errors.New("entitlement: not found")
)
