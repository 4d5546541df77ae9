package warm

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loomsuite/mailroom/internal/config"
)

func noopWarm(ctx context.Context, userID string) error { return nil }

func TestNew(t *testing.T) {
	w := New(noopWarm)

	if w == nil {
		t.Fatal("New() returned nil")
	}
	if w.cron == nil {
		t.Error("cron is nil")
	}
	if w.jobs == nil {
		t.Error("jobs map is nil")
	}
}

func TestAddAccount(t *testing.T) {
	w := New(noopWarm)

	if err := w.AddAccount("u1", "*/15 * * * *"); err != nil {
		t.Errorf("AddAccount() with valid cron = %v, want nil", err)
	}

	if !w.IsScheduled("u1") {
		t.Error("job was not added to jobs map")
	}
}

func TestAddAccountInvalidCron(t *testing.T) {
	w := New(noopWarm)

	if err := w.AddAccount("u1", "invalid cron"); err == nil {
		t.Error("AddAccount() with invalid cron = nil, want error")
	}
}

func TestAddAccountReplacesExisting(t *testing.T) {
	w := New(noopWarm)

	if err := w.AddAccount("u1", "0 2 * * *"); err != nil {
		t.Fatalf("AddAccount() = %v", err)
	}

	w.mu.RLock()
	firstID := w.jobs["u1"]
	w.mu.RUnlock()

	if err := w.AddAccount("u1", "0 3 * * *"); err != nil {
		t.Fatalf("AddAccount() replacement = %v", err)
	}

	w.mu.RLock()
	secondID := w.jobs["u1"]
	w.mu.RUnlock()

	if firstID == secondID {
		t.Error("job ID was not updated after replacement")
	}
}

func TestRemoveAccount(t *testing.T) {
	w := New(noopWarm)

	if err := w.AddAccount("u1", "0 2 * * *"); err != nil {
		t.Fatalf("AddAccount: %v", err)
	}
	w.RemoveAccount("u1")

	if w.IsScheduled("u1") {
		t.Error("job still present after RemoveAccount")
	}
}

func TestAddAccountsFromConfig(t *testing.T) {
	w := New(noopWarm)

	cfg := &config.Config{
		Warm: []config.WarmAccount{
			{UserID: "u1", Schedule: "*/15 * * * *", Enabled: true},
			{UserID: "u2", Schedule: "0 * * * *", Enabled: false},
			{UserID: "u3", Schedule: "bogus", Enabled: true},
		},
	}

	scheduled, errs := w.AddAccountsFromConfig(cfg)
	if scheduled != 1 {
		t.Errorf("scheduled = %d, want 1", scheduled)
	}
	if len(errs) != 1 {
		t.Errorf("errs = %v, want one error for the bogus schedule", errs)
	}
	if !w.IsScheduled("u1") || w.IsScheduled("u2") {
		t.Error("wrong accounts scheduled")
	}
}

func TestTriggerWarm(t *testing.T) {
	var calls atomic.Int64
	done := make(chan struct{}, 1)
	w := New(func(ctx context.Context, userID string) error {
		calls.Add(1)
		done <- struct{}{}
		return nil
	})

	if err := w.AddAccount("u1", "0 2 * * *"); err != nil {
		t.Fatalf("AddAccount: %v", err)
	}
	w.Start()
	defer w.Stop()

	if err := w.TriggerWarm("u1"); err != nil {
		t.Fatalf("TriggerWarm() = %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("warm callback never ran")
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}
}

func TestTriggerWarmUnscheduled(t *testing.T) {
	w := New(noopWarm)
	w.Start()
	defer w.Stop()

	if err := w.TriggerWarm("ghost"); err == nil {
		t.Error("TriggerWarm() for unscheduled user = nil, want error")
	}
}

func TestTriggerWarmAfterStop(t *testing.T) {
	w := New(noopWarm)
	if err := w.AddAccount("u1", "0 2 * * *"); err != nil {
		t.Fatalf("AddAccount: %v", err)
	}
	w.Start()

	stopCtx := w.Stop()
	select {
	case <-stopCtx.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("Stop() context never completed")
	}

	if err := w.TriggerWarm("u1"); err == nil {
		t.Error("TriggerWarm() after Stop = nil, want error")
	}
}

func TestStatusReportsLastError(t *testing.T) {
	warmErr := errors.New("provider down")
	done := make(chan struct{}, 1)
	w := New(func(ctx context.Context, userID string) error {
		done <- struct{}{}
		return warmErr
	})

	if err := w.AddAccount("u1", "0 2 * * *"); err != nil {
		t.Fatalf("AddAccount: %v", err)
	}
	w.Start()
	defer w.Stop()

	if err := w.TriggerWarm("u1"); err != nil {
		t.Fatalf("TriggerWarm() = %v", err)
	}
	<-done

	// Wait for runWarm bookkeeping to finish.
	deadline := time.After(2 * time.Second)
	for {
		statuses := w.Status()
		if len(statuses) == 1 && statuses[0].LastError != "" {
			if statuses[0].LastError != "provider down" {
				t.Errorf("LastError = %q", statuses[0].LastError)
			}
			return
		}
		select {
		case <-deadline:
			t.Fatal("status never recorded the error")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestIsRunning(t *testing.T) {
	w := New(noopWarm)

	if w.IsRunning() {
		t.Error("IsRunning() = true before Start")
	}
	w.Start()
	if !w.IsRunning() {
		t.Error("IsRunning() = false after Start")
	}
	w.Stop()
	if w.IsRunning() {
		t.Error("IsRunning() = true after Stop")
	}
}

func TestValidateCronExpr(t *testing.T) {
	if err := ValidateCronExpr("*/15 * * * *"); err != nil {
		t.Errorf("ValidateCronExpr(valid) = %v", err)
	}
	if err := ValidateCronExpr("nope"); err == nil {
		t.Error("ValidateCronExpr(invalid) = nil, want error")
	}
}
