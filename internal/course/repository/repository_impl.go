package repository

import (
	"context"
	"time"

	"github.com/smallbiznis/coursepay/internal/course/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

const courseColumns = `id, title, price_cents, currency, billing_mode, billing_interval,
	processor_product_ref, processor_price_ref, created_at, updated_at`

func (r *repo) Get(ctx context.Context, db *gorm.DB, id string) (*domain.Course, error) {
	var item domain.Course
	err := db.WithContext(ctx).Raw(
		`SELECT `+courseColumns+` FROM courses WHERE id = ? LIMIT 1`,
		id,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == "" {
		return nil, nil
	}
	return &item, nil
}

// Upsert writes the catalog fields. Cached processor refs are kept unless
// the incoming row carries new ones.
func (r *repo) Upsert(ctx context.Context, db *gorm.DB, c *domain.Course) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO courses (`+courseColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			title = excluded.title,
			price_cents = excluded.price_cents,
			currency = excluded.currency,
			billing_mode = excluded.billing_mode,
			billing_interval = excluded.billing_interval,
			processor_product_ref = COALESCE(excluded.processor_product_ref, courses.processor_product_ref),
			processor_price_ref = COALESCE(excluded.processor_price_ref, courses.processor_price_ref),
			updated_at = excluded.updated_at`,
		c.ID,
		c.Title,
		c.PriceCents,
		c.Currency,
		c.BillingMode,
		c.BillingInterval,
		c.ProcessorProductRef,
		c.ProcessorPriceRef,
		c.CreatedAt,
		c.UpdatedAt,
	).Error
}

func (r *repo) UpdateProcessorRefs(ctx context.Context, db *gorm.DB, id string, productRef, priceRef string, updatedAt time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE courses
		 SET processor_product_ref = ?, processor_price_ref = ?, updated_at = ?
		 WHERE id = ?`,
		productRef,
		priceRef,
		updatedAt,
		id,
	).Error
}
