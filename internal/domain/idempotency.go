// Package domain defines the core entities of the realtime subsystem. This
// file holds the publish-receipt model backing idempotent event publication
// through the internal HTTP API.
package domain

import "time"

// PublishReceipt records a previously accepted publish request, keyed by
// (producer_id, key). Domain mutation handlers retry publishes on transient
// failures; the receipt lets a retried request acknowledge without fanning
// the same event out twice.
type PublishReceipt struct {
	ID         string    `gorm:"type:TEXT NOT NULL;primaryKey"`
	ProducerID string    `gorm:"type:TEXT NOT NULL;uniqueIndex:ux_producer_key,priority:1"`
	Key        string    `gorm:"type:TEXT NOT NULL;uniqueIndex:ux_producer_key,priority:2"`
	EventID    string    `gorm:"type:TEXT NOT NULL"`
	CreatedAt  time.Time `gorm:"type:DATETIME NOT NULL;autoCreateTime"`
	ExpiresAt  time.Time `gorm:"type:DATETIME NOT NULL;index"`
}

// TableName implements the GORM tabler interface.
func (PublishReceipt) TableName() string { return "publish_receipts" }
