package domain

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

const (
	BillingModePayment      = "payment"
	BillingModeSubscription = "subscription"
)

// Course is the storefront's catalog row. This service only writes the
// cached processor refs.
type Course struct {
	ID                  string    `json:"id" gorm:"primaryKey"`
	Title               string    `json:"title"`
	PriceCents          *int64    `json:"price_cents,omitempty"`
	Currency            string    `json:"currency"`
	BillingMode         string    `json:"billing_mode"`
	BillingInterval     *string   `json:"billing_interval,omitempty"`
	ProcessorProductRef *string   `json:"processor_product_ref,omitempty"`
	ProcessorPriceRef   *string   `json:"processor_price_ref,omitempty"`
	CreatedAt           time.Time `json:"created_at"`
	UpdatedAt           time.Time `json:"updated_at"`
}

func (Course) TableName() string { return "courses" }

func (c Course) IsSubscription() bool {
	return c.BillingMode == BillingModeSubscription
}

// Interval is the recurring interval of a subscription course, month when
// unset.
func (c Course) Interval() string {
	if c.BillingInterval != nil && *c.BillingInterval != "" {
		return *c.BillingInterval
	}
	return "month"
}

type Repository interface {
	Get(ctx context.Context, db *gorm.DB, id string) (*Course, error)
	Upsert(ctx context.Context, db *gorm.DB, c *Course) error
	UpdateProcessorRefs(ctx context.Context, db *gorm.DB, id string, productRef, priceRef string, updatedAt time.Time) error
}

type Service interface {
	Get(ctx context.Context, id string) (*Course, error)
	SyncPrice(ctx context.Context, id string, force bool) (*Course, error)
}

var (
	ErrCourseNotFound   = errors.New("course not found")
	ErrCourseHasNoPrice = errors.New("course has no price configured")
	ErrMissingCourse    = errors.New("course_id is required")
)
