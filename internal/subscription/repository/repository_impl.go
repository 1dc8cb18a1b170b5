package repository

import (
	"context"

	"github.com/smallbiznis/coursepay/internal/subscription/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

const recordColumns = `id, processor_subscription_ref, processor_customer_ref, subject_id, course_id,
	status, price_ref, cancel_at_period_end, current_period_end, canceled_at,
	event_at, created_at, updated_at`

func (r *repo) Upsert(ctx context.Context, db *gorm.DB, rec *domain.Record) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`INSERT INTO course_subscriptions (`+recordColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (processor_subscription_ref) DO UPDATE SET
			processor_customer_ref = COALESCE(excluded.processor_customer_ref, course_subscriptions.processor_customer_ref),
			subject_id = excluded.subject_id,
			course_id = excluded.course_id,
			status = excluded.status,
			price_ref = COALESCE(excluded.price_ref, course_subscriptions.price_ref),
			cancel_at_period_end = excluded.cancel_at_period_end,
			current_period_end = excluded.current_period_end,
			canceled_at = excluded.canceled_at,
			event_at = excluded.event_at,
			updated_at = excluded.updated_at
		WHERE excluded.event_at > course_subscriptions.event_at
			OR (excluded.event_at = course_subscriptions.event_at
				AND NOT (course_subscriptions.status = 'canceled' AND excluded.status <> 'canceled'))`,
		rec.ID,
		rec.ProcessorSubscriptionRef,
		rec.ProcessorCustomerRef,
		rec.SubjectID,
		rec.CourseID,
		rec.Status,
		rec.PriceRef,
		rec.CancelAtPeriodEnd,
		rec.CurrentPeriodEnd,
		rec.CanceledAt,
		rec.EventAt,
		rec.CreatedAt,
		rec.UpdatedAt,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) Get(ctx context.Context, db *gorm.DB, ref string) (*domain.Record, error) {
	return r.first(ctx, db,
		`SELECT `+recordColumns+` FROM course_subscriptions
		 WHERE processor_subscription_ref = ?
		 LIMIT 1`,
		ref,
	)
}

func (r *repo) FindLatestBySubjectCourse(ctx context.Context, db *gorm.DB, subjectID, courseID string) (*domain.Record, error) {
	return r.first(ctx, db,
		`SELECT `+recordColumns+` FROM course_subscriptions
		 WHERE subject_id = ? AND course_id = ?
		 ORDER BY CASE WHEN status = 'canceled' THEN 1 ELSE 0 END, updated_at DESC, id DESC
		 LIMIT 1`,
		subjectID,
		courseID,
	)
}

func (r *repo) FindLatestByCustomer(ctx context.Context, db *gorm.DB, customerRef string) (*domain.Record, error) {
	return r.first(ctx, db,
		`SELECT `+recordColumns+` FROM course_subscriptions
		 WHERE processor_customer_ref = ?
		 ORDER BY updated_at DESC, id DESC
		 LIMIT 1`,
		customerRef,
	)
}

func (r *repo) first(ctx context.Context, db *gorm.DB, query string, args ...any) (*domain.Record, error) {
	var item domain.Record
	if err := db.WithContext(ctx).Raw(query, args...).Scan(&item).Error; err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}
