package repository

import (
	"context"

	"github.com/smallbiznis/coursepay/internal/entitlement/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

const entitlementColumns = `id, subject_id, course_id, status, payment_status, paid_at,
	processor_customer_ref, processor_subscription_ref, processor_session_ref,
	last_event_at, created_at, updated_at`

// Upsert writes e keyed on (subject_id, course_id). An event write is skipped
// when the stored row came from a newer event. A write without an event time
// is a state snapshot: it applies unless the row is refunded and keeps the
// stored event time. A refunded row only leaves refunded for a new payment
// event, and paid_at is kept across repeated paid writes.
func (r *repo) Upsert(ctx context.Context, db *gorm.DB, e *domain.Entitlement) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`INSERT INTO entitlements (`+entitlementColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (subject_id, course_id) DO UPDATE SET
			status = CASE
				WHEN entitlements.status = 'refunded' AND excluded.payment_status <> 'paid' THEN entitlements.status
				ELSE excluded.status END,
			payment_status = CASE
				WHEN entitlements.status = 'refunded' AND excluded.payment_status <> 'paid' THEN entitlements.payment_status
				ELSE excluded.payment_status END,
			paid_at = CASE
				WHEN excluded.payment_status = 'paid' AND entitlements.status = 'active'
					AND entitlements.payment_status = 'paid' AND entitlements.paid_at IS NOT NULL THEN entitlements.paid_at
				WHEN excluded.payment_status = 'paid' THEN COALESCE(excluded.paid_at, entitlements.paid_at)
				ELSE entitlements.paid_at END,
			processor_customer_ref = COALESCE(excluded.processor_customer_ref, entitlements.processor_customer_ref),
			processor_subscription_ref = COALESCE(excluded.processor_subscription_ref, entitlements.processor_subscription_ref),
			processor_session_ref = COALESCE(excluded.processor_session_ref, entitlements.processor_session_ref),
			last_event_at = COALESCE(excluded.last_event_at, entitlements.last_event_at),
			updated_at = excluded.updated_at
		WHERE (excluded.last_event_at IS NULL AND entitlements.status <> 'refunded')
			OR (excluded.last_event_at IS NOT NULL AND (
				entitlements.last_event_at IS NULL
				OR excluded.last_event_at > entitlements.last_event_at
				OR (excluded.last_event_at = entitlements.last_event_at
					AND (entitlements.status <> 'refunded' OR excluded.status = 'refunded'))))`,
		e.ID,
		e.SubjectID,
		e.CourseID,
		e.Status,
		e.PaymentStatus,
		e.PaidAt,
		e.ProcessorCustomerRef,
		e.ProcessorSubscriptionRef,
		e.ProcessorSessionRef,
		e.LastEventAt,
		e.CreatedAt,
		e.UpdatedAt,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// EnsurePending inserts an unpaid row. An existing unpaid row only gets the
// new session ref; rows in any other state are left alone.
func (r *repo) EnsurePending(ctx context.Context, db *gorm.DB, e *domain.Entitlement) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO entitlements (`+entitlementColumns+`)
		VALUES (?, ?, ?, ?, ?, NULL, NULL, NULL, ?, NULL, ?, ?)
		ON CONFLICT (subject_id, course_id) DO UPDATE SET
			processor_session_ref = COALESCE(excluded.processor_session_ref, entitlements.processor_session_ref),
			updated_at = excluded.updated_at
		WHERE entitlements.status = 'unpaid'`,
		e.ID,
		e.SubjectID,
		e.CourseID,
		domain.StatusUnpaid,
		domain.PaymentUnpaid,
		e.ProcessorSessionRef,
		e.CreatedAt,
		e.UpdatedAt,
	).Error
}

func (r *repo) Get(ctx context.Context, db *gorm.DB, subjectID, courseID string) (*domain.Entitlement, error) {
	var item domain.Entitlement
	err := db.WithContext(ctx).Raw(
		`SELECT `+entitlementColumns+`
		 FROM entitlements
		 WHERE subject_id = ? AND course_id = ?
		 LIMIT 1`,
		subjectID,
		courseID,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) ListBySubject(ctx context.Context, db *gorm.DB, subjectID string) ([]domain.Entitlement, error) {
	var items []domain.Entitlement
	err := db.WithContext(ctx).Raw(
		`SELECT `+entitlementColumns+`
		 FROM entitlements
		 WHERE subject_id = ?
		 ORDER BY course_id ASC`,
		subjectID,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) LatestCustomerRef(ctx context.Context, db *gorm.DB, subjectID string) (string, error) {
	var refs []string
	err := db.WithContext(ctx).Raw(
		`SELECT processor_customer_ref
		 FROM entitlements
		 WHERE subject_id = ?
		   AND processor_customer_ref IS NOT NULL
		   AND processor_customer_ref <> ''
		 ORDER BY updated_at DESC
		 LIMIT 1`,
		subjectID,
	).Scan(&refs).Error
	if err != nil {
		return "", err
	}
	if len(refs) == 0 {
		return "", nil
	}
	return refs[0], nil
}
