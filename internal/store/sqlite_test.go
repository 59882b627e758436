package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/ashureev/clipbot/internal/domain"
)

func newTestStore(t *testing.T) Repository {
	t.Helper()
	repo, err := NewSQLite(filepath.Join(t.TempDir(), "nested", "events.db"))
	if err != nil {
		t.Fatalf("NewSQLite() error: %v", err)
	}
	t.Cleanup(func() {
		if err := repo.Close(); err != nil {
			t.Errorf("Close() error: %v", err)
		}
	})
	return repo
}

func event(id, jobID string, typ domain.EventType, at time.Time) domain.JobEvent {
	return domain.JobEvent{
		ID:        id,
		JobID:     jobID,
		ChatID:    "42",
		Type:      typ,
		Status:    domain.JobStatusPending,
		Processor: domain.ProcessorUnassigned,
		Detail:    "auto",
		CreatedAt: at,
	}
}

func TestRecordAndList(t *testing.T) {
	repo := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	for _, ev := range []domain.JobEvent{
		event("e2", "job_1", domain.EventClaimed, now.Add(time.Second)),
		event("e1", "job_1", domain.EventCreated, now),
		event("e3", "job_2", domain.EventCreated, now),
	} {
		if err := repo.Record(ctx, ev); err != nil {
			t.Fatalf("Record(%s) error: %v", ev.ID, err)
		}
	}

	events, err := repo.ListEvents(ctx, "job_1")
	if err != nil {
		t.Fatalf("ListEvents() error: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("Expected 2 events, got %d", len(events))
	}
	if events[0].ID != "e1" || events[1].Type != domain.EventClaimed {
		t.Errorf("Events out of order: %+v", events)
	}
	if events[0].ChatID != "42" || events[0].Detail != "auto" || events[0].CreatedAt.UnixMilli() != now.UnixMilli() {
		t.Errorf("Event fields not preserved: %+v", events[0])
	}
}

func TestRecord_DuplicateIDIgnored(t *testing.T) {
	repo := newTestStore(t)
	ctx := context.Background()
	ev := event("dup", "job_1", domain.EventCreated, time.Now())

	if err := repo.Record(ctx, ev); err != nil {
		t.Fatalf("Record() error: %v", err)
	}
	if err := repo.Record(ctx, ev); err != nil {
		t.Fatalf("second Record() error: %v", err)
	}
	events, _ := repo.ListEvents(ctx, "job_1")
	if len(events) != 1 {
		t.Errorf("Expected 1 event, got %d", len(events))
	}
}

func TestListEvents_UnknownJob(t *testing.T) {
	repo := newTestStore(t)
	events, err := repo.ListEvents(context.Background(), "job_missing")
	if err != nil {
		t.Fatalf("ListEvents() error: %v", err)
	}
	if events == nil || len(events) != 0 {
		t.Errorf("Expected empty non-nil slice, got %#v", events)
	}
}

func TestCleanupExpiredEvents(t *testing.T) {
	repo := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	if err := repo.Record(ctx, event("old", "job_1", domain.EventCreated, now.Add(-2*time.Hour))); err != nil {
		t.Fatal(err)
	}
	if err := repo.Record(ctx, event("new", "job_1", domain.EventClaimed, now.Add(-10*time.Minute))); err != nil {
		t.Fatal(err)
	}

	removed, err := repo.CleanupExpiredEvents(ctx, time.Hour)
	if err != nil {
		t.Fatalf("CleanupExpiredEvents() error: %v", err)
	}
	if removed != 1 {
		t.Errorf("Expected 1 removed, got %d", removed)
	}
	events, _ := repo.ListEvents(ctx, "job_1")
	if len(events) != 1 || events[0].ID != "new" {
		t.Errorf("Expected only the recent event, got %+v", events)
	}
}

func TestPing(t *testing.T) {
	repo := newTestStore(t)
	if err := repo.Ping(context.Background()); err != nil {
		t.Errorf("Ping() error: %v", err)
	}
}

func TestWithConflictRetry(t *testing.T) {
	calls := 0
	err := withConflictRetry(context.Background(), "op", func() error {
		calls++
		if calls < 2 {
			return errors.New("database is locked")
		}
		return nil
	})
	if err != nil || calls != 2 {
		t.Errorf("Expected success on second attempt, got err=%v calls=%d", err, calls)
	}

	calls = 0
	err = withConflictRetry(context.Background(), "op", func() error {
		calls++
		return errors.New("constraint failed")
	})
	if err == nil || calls != 1 {
		t.Errorf("Non-conflict errors must not retry, got err=%v calls=%d", err, calls)
	}
}
