package repository

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/smallbiznis/coursepay/internal/notificationlog/domain"
	"github.com/smallbiznis/coursepay/pkg/db/pagination"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

const entryColumns = `id, processor_event_id, event_type, verified, verifier, outcome, message,
	raw_payload, delivery_count, received_at, processed_at`

func (r *repo) Upsert(ctx context.Context, db *gorm.DB, e *domain.Entry) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO payment_notifications (`+entryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?)
		ON CONFLICT (processor_event_id) DO UPDATE SET
			event_type = excluded.event_type,
			verified = excluded.verified,
			verifier = excluded.verifier,
			outcome = excluded.outcome,
			message = excluded.message,
			raw_payload = excluded.raw_payload,
			delivery_count = payment_notifications.delivery_count + 1,
			processed_at = excluded.processed_at`,
		e.ID,
		e.ProcessorEventID,
		e.EventType,
		e.Verified,
		e.Verifier,
		e.Outcome,
		e.Message,
		e.RawPayload,
		e.ReceivedAt,
		e.ProcessedAt,
	).Error
}

func (r *repo) UpdateOutcome(ctx context.Context, db *gorm.DB, eventID string, outcome domain.Outcome, message string, processedAt time.Time) error {
	res := db.WithContext(ctx).Exec(
		`UPDATE payment_notifications
		 SET outcome = ?, message = ?, processed_at = ?
		 WHERE processor_event_id = ?`,
		outcome,
		message,
		processedAt,
		eventID,
	)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *repo) Get(ctx context.Context, db *gorm.DB, eventID string) (*domain.Entry, error) {
	var item domain.Entry
	err := db.WithContext(ctx).Raw(
		`SELECT `+entryColumns+`
		 FROM payment_notifications
		 WHERE processor_event_id = ?
		 LIMIT 1`,
		eventID,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

// List returns entries newest first, starting after the cursor.
func (r *repo) List(ctx context.Context, db *gorm.DB, filter domain.ListFilter, after *pagination.Cursor, limit int) ([]domain.Entry, error) {
	var (
		where []string
		args  []any
	)
	if filter.Outcome != "" {
		where = append(where, "outcome = ?")
		args = append(args, filter.Outcome)
	}
	if filter.EventType != "" {
		where = append(where, "event_type = ?")
		args = append(args, filter.EventType)
	}
	if after != nil {
		receivedAt, err := time.Parse(time.RFC3339Nano, after.CreatedAt)
		if err != nil {
			return nil, pagination.ErrInvalidPageToken
		}
		id, err := strconv.ParseInt(after.ID, 10, 64)
		if err != nil {
			return nil, pagination.ErrInvalidPageToken
		}
		where = append(where, "(received_at < ? OR (received_at = ? AND id < ?))")
		args = append(args, receivedAt.UTC(), receivedAt.UTC(), id)
	}

	query := `SELECT ` + entryColumns + ` FROM payment_notifications`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY received_at DESC, id DESC LIMIT ?"
	args = append(args, limit)

	var items []domain.Entry
	if err := db.WithContext(ctx).Raw(query, args...).Scan(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}
