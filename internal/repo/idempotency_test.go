package repo

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestCreatePublishReceipt_RoundTrip(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	rec, err := CreatePublishReceipt(ctx, db, "svc-tasks", "k1", "ev1", time.Hour)
	if err != nil {
		t.Fatalf("CreatePublishReceipt: %v", err)
	}
	if rec.EventID != "ev1" || rec.ProducerID != "svc-tasks" {
		t.Fatalf("receipt = %+v; want event ev1 for svc-tasks", rec)
	}

	got, err := GetPublishReceipt(ctx, db, "svc-tasks", "k1", time.Now().UTC())
	if err != nil {
		t.Fatalf("GetPublishReceipt: %v", err)
	}
	if got.EventID != "ev1" {
		t.Fatalf("EventID = %s; want ev1", got.EventID)
	}
}

func TestCreatePublishReceipt_DuplicateKey(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	if _, err := CreatePublishReceipt(ctx, db, "svc-tasks", "k1", "ev1", time.Hour); err != nil {
		t.Fatalf("CreatePublishReceipt: %v", err)
	}
	if _, err := CreatePublishReceipt(ctx, db, "svc-tasks", "k1", "ev2", time.Hour); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("duplicate create = %v; want ErrDuplicate", err)
	}

	// Same key under a different producer is a distinct receipt.
	if _, err := CreatePublishReceipt(ctx, db, "svc-cal", "k1", "ev3", time.Hour); err != nil {
		t.Fatalf("other-producer create: %v", err)
	}
}

func TestGetPublishReceipt_MissingAndBlankProducer(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	if _, err := GetPublishReceipt(ctx, db, "svc-tasks", "nope", time.Now().UTC()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing receipt = %v; want ErrNotFound", err)
	}
	if _, err := GetPublishReceipt(ctx, db, "  ", "k1", time.Now().UTC()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("blank producer = %v; want ErrNotFound", err)
	}
}

func TestGetPublishReceipt_ExpiredIsNotFound(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	if _, err := CreatePublishReceipt(ctx, db, "svc-tasks", "k1", "ev1", time.Hour); err != nil {
		t.Fatalf("CreatePublishReceipt: %v", err)
	}

	later := time.Now().UTC().Add(2 * time.Hour)
	if _, err := GetPublishReceipt(ctx, db, "svc-tasks", "k1", later); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expired receipt = %v; want ErrNotFound", err)
	}
}

func TestPurgeExpiredReceipts_DropsOnlyLapsed(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	if _, err := CreatePublishReceipt(ctx, db, "svc-tasks", "short", "ev1", time.Millisecond); err != nil {
		t.Fatalf("CreatePublishReceipt: %v", err)
	}
	if _, err := CreatePublishReceipt(ctx, db, "svc-tasks", "long", "ev2", time.Hour); err != nil {
		t.Fatalf("CreatePublishReceipt: %v", err)
	}

	n, err := PurgeExpiredReceipts(ctx, db, time.Now().UTC().Add(time.Minute))
	if err != nil {
		t.Fatalf("PurgeExpiredReceipts: %v", err)
	}
	if n != 1 {
		t.Fatalf("purged = %d; want 1", n)
	}

	if _, err := GetPublishReceipt(ctx, db, "svc-tasks", "long", time.Now().UTC()); err != nil {
		t.Fatalf("surviving receipt: %v", err)
	}
}
