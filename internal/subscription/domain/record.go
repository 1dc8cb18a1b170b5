package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	paymentdomain "github.com/smallbiznis/coursepay/internal/payment/domain"
	"gorm.io/gorm"
)

const StatusCanceled = "canceled"

// Record mirrors one processor subscription together with the course it pays
// for. Status uses the processor's vocabulary.
type Record struct {
	ID                       snowflake.ID `json:"id" gorm:"primaryKey"`
	ProcessorSubscriptionRef string       `json:"processor_subscription_ref"`
	ProcessorCustomerRef     *string      `json:"processor_customer_ref,omitempty"`
	SubjectID                string       `json:"subject_id"`
	CourseID                 string       `json:"course_id"`
	Status                   string       `json:"status"`
	PriceRef                 *string      `json:"price_ref,omitempty"`
	CancelAtPeriodEnd        bool         `json:"cancel_at_period_end"`
	CurrentPeriodEnd         *time.Time   `json:"current_period_end,omitempty"`
	CanceledAt               *time.Time   `json:"canceled_at,omitempty"`
	EventAt                  time.Time    `json:"event_at"`
	CreatedAt                time.Time    `json:"created_at"`
	UpdatedAt                time.Time    `json:"updated_at"`
}

func (Record) TableName() string { return "course_subscriptions" }

type Repository interface {
	// Upsert reports whether the write applied. A record from an older
	// event, or a non-canceled record at the same instant as a stored
	// cancellation, is left untouched.
	Upsert(ctx context.Context, db *gorm.DB, rec *Record) (bool, error)
	Get(ctx context.Context, db *gorm.DB, ref string) (*Record, error)
	// FindLatestBySubjectCourse prefers subscriptions that have not ended.
	FindLatestBySubjectCourse(ctx context.Context, db *gorm.DB, subjectID, courseID string) (*Record, error)
	FindLatestByCustomer(ctx context.Context, db *gorm.DB, customerRef string) (*Record, error)
}

// MirrorResult is the stored record after a mirror write.
type MirrorResult struct {
	Record  *Record
	Applied bool
}

type Service interface {
	Mirror(ctx context.Context, sub paymentdomain.Subscription, md paymentdomain.Metadata, eventAt time.Time) (MirrorResult, error)
	CancelAtPeriodEnd(ctx context.Context, subjectID, courseID string) (*Record, error)
	FindByCustomer(ctx context.Context, customerRef string) (*Record, error)
	Get(ctx context.Context, ref string) (*Record, error)
}

var (
	ErrSubscriptionNotFound = errors.New("no active subscription found")
	ErrUnauthenticated      = errors.New("not signed in")
	ErrMissingCourse        = errors.New("course_id is required")
	ErrInvalidRecord        = errors.New("subscription record requires ref, subject_id and course_id")
)
