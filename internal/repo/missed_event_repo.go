// Package repo implements the persistence layer for the realtime subsystem,
// backed by GORM. This file provides repository functions for the per-user
// missed-event queue: bounded appends, ordered reads for replay, and the
// deletes performed after delivery or retention expiry.
package repo

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/go-realtime-backend/internal/domain"
)

// AppendMissedEvent stores an event for a fully-offline user and enforces the
// per-user bound: when the queue already holds maxPerUser entries the oldest
// rows are dropped to make room. The delete runs unscoped so evicted rows do
// not linger as soft-deleted tombstones.
func AppendMissedEvent(ctx context.Context, db *gorm.DB, userID string, ev domain.EventPayload, maxPerUser int) (*domain.MissedEvent, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}

	rec := &domain.MissedEvent{
		ID:        uuid.NewString(),
		UserID:    userID,
		EventType: ev.Type,
		Payload:   payload,
		MissedAt:  time.Now().UTC(),
	}

	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if maxPerUser > 0 {
			var total int64
			if err := tx.Model(&domain.MissedEvent{}).Where("user_id = ?", userID).Count(&total).Error; err != nil {
				return err
			}
			if over := int(total) - maxPerUser + 1; over > 0 {
				var oldest []domain.MissedEvent
				if err := tx.Where("user_id = ?", userID).
					Order("missed_at ASC, id ASC").
					Limit(over).
					Find(&oldest).Error; err != nil {
					return err
				}
				ids := make([]string, 0, len(oldest))
				for _, m := range oldest {
					ids = append(ids, m.ID)
				}
				if err := tx.Unscoped().Where("id IN ?", ids).Delete(&domain.MissedEvent{}).Error; err != nil {
					return err
				}
			}
		}
		return tx.Create(rec).Error
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// ListMissedEvents returns a user's queued events ordered deterministically
// (MissedAt ASC, ID ASC). A zero since returns the whole queue; otherwise only
// events captured strictly after since are returned.
func ListMissedEvents(ctx context.Context, db *gorm.DB, userID string, since time.Time) ([]domain.MissedEvent, error) {
	var out []domain.MissedEvent
	q := db.WithContext(ctx).Where("user_id = ?", userID)
	if !since.IsZero() {
		q = q.Where("missed_at > ?", since)
	}
	err := q.Order("missed_at ASC, id ASC").Find(&out).Error
	return out, err
}

// DeleteMissedEvents removes delivered rows by id. Called exactly once per
// replay so an event is never both retained and replayed twice.
func DeleteMissedEvents(ctx context.Context, db *gorm.DB, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	return db.WithContext(ctx).Unscoped().Where("id IN ?", ids).Delete(&domain.MissedEvent{}).Error
}

// PurgeMissedEventsBefore drops all rows captured before the cutoff,
// regardless of user. The retention sweep calls this periodically.
func PurgeMissedEventsBefore(ctx context.Context, db *gorm.DB, cutoff time.Time) (int64, error) {
	res := db.WithContext(ctx).Unscoped().Where("missed_at < ?", cutoff).Delete(&domain.MissedEvent{})
	return res.RowsAffected, res.Error
}

// CountMissedEvents uses a raw COUNT so a missing table surfaces as an error.
func CountMissedEvents(ctx context.Context, db *gorm.DB, userID string) (int64, error) {
	var total int64
	err := db.WithContext(ctx).Raw("SELECT COUNT(*) FROM missed_events WHERE user_id = ? AND deleted_at IS NULL", userID).Scan(&total).Error
	return total, err
}
