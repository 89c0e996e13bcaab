// Package repo implements the persistence layer for the realtime subsystem,
// backed by GORM. This file provides repository helpers for the
// PublishReceipt model used to implement safe-retry semantics for the
// internal publish endpoint.
package repo

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/go-realtime-backend/internal/domain"
)

// ErrDuplicate indicates that a publish receipt already exists for the
// given (producer_id, key) tuple.
var ErrDuplicate = errors.New("duplicate")

// GetPublishReceipt returns a non-expired receipt or ErrNotFound.
func GetPublishReceipt(ctx context.Context, db *gorm.DB, producerID, key string, now time.Time) (*domain.PublishReceipt, error) {
	if strings.TrimSpace(producerID) == "" {
		return nil, ErrNotFound
	}
	var rec domain.PublishReceipt
	err := db.WithContext(ctx).
		Where("producer_id = ? AND key = ? AND expires_at > ?", producerID, key, now).
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	return &rec, err
}

// CreatePublishReceipt inserts a receipt and returns ErrDuplicate on unique violation.
func CreatePublishReceipt(ctx context.Context, db *gorm.DB, producerID, key, eventID string, ttl time.Duration) (*domain.PublishReceipt, error) {
	now := time.Now().UTC()
	rec := &domain.PublishReceipt{
		ID:         uuid.NewString(),
		ProducerID: producerID,
		Key:        key,
		EventID:    eventID,
		CreatedAt:  now,
		ExpiresAt:  now.Add(ttl),
	}
	if err := db.WithContext(ctx).Create(rec).Error; err != nil {
		// glebarez/sqlite often returns plain-text errors for UNIQUE violations.
		low := strings.ToLower(err.Error())
		if errors.Is(err, gorm.ErrDuplicatedKey) ||
			strings.Contains(low, "unique constraint failed") ||
			strings.Contains(low, "constraint failed: unique") {
			return nil, ErrDuplicate
		}
		return nil, err
	}
	return rec, nil
}

// PurgeExpiredReceipts drops receipts whose TTL has lapsed.
func PurgeExpiredReceipts(ctx context.Context, db *gorm.DB, now time.Time) (int64, error) {
	res := db.WithContext(ctx).Where("expires_at <= ?", now).Delete(&domain.PublishReceipt{})
	return res.RowsAffected, res.Error
}
