package scheduler

import (
	"testing"
	"time"

	"github.com/dashwall/calhub/internal/db"
)

func TestNew(t *testing.T) {
	t.Run("creates scheduler with nil dependencies", func(t *testing.T) {
		sched := New(nil, nil)

		if sched == nil {
			t.Fatal("expected non-nil scheduler")
		}
		if sched.jobs == nil {
			t.Error("expected jobs map to be initialized")
		}
		if sched.ctx == nil {
			t.Error("expected context to be initialized")
		}
		if sched.cancel == nil {
			t.Error("expected cancel function to be initialized")
		}
	})
}

func TestGetJobCount(t *testing.T) {
	t.Run("returns zero for new scheduler", func(t *testing.T) {
		sched := New(nil, nil)

		if count := sched.GetJobCount(); count != 0 {
			t.Errorf("expected 0 jobs, got %d", count)
		}
	})
}

func TestIntervalFor(t *testing.T) {
	t.Run("uses the connection's configured interval", func(t *testing.T) {
		conn := &db.CalendarConnection{SyncInterval: 120}
		if got := intervalFor(conn); got != 2*time.Minute {
			t.Errorf("expected 2m, got %v", got)
		}
	})

	t.Run("falls back to the default for unset intervals", func(t *testing.T) {
		conn := &db.CalendarConnection{}
		if got := intervalFor(conn); got != defaultInterval {
			t.Errorf("expected default interval, got %v", got)
		}
	})
}

func TestSchedulerConstants(t *testing.T) {
	t.Run("cleanup interval is 24 hours", func(t *testing.T) {
		if cleanupInterval != 24*time.Hour {
			t.Errorf("expected cleanupInterval to be 24h, got %v", cleanupInterval)
		}
	})

	t.Run("log retention is 30 days", func(t *testing.T) {
		if logRetentionDays != 30 {
			t.Errorf("expected logRetentionDays to be 30, got %d", logRetentionDays)
		}
	})
}

func TestRemoveJobOnEmptyScheduler(t *testing.T) {
	sched := New(nil, nil)

	// Removing a job that does not exist must not panic.
	sched.RemoveJob("missing")
	if count := sched.GetJobCount(); count != 0 {
		t.Errorf("expected 0 jobs, got %d", count)
	}
}
