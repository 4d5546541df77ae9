// Package warm provides cron-based pre-fetching of mailbox first pages so
// interactive list requests for configured accounts stay fast and token
// refreshes happen off the request path.
package warm

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/loomsuite/mailroom/internal/config"
)

// WarmFunc is the callback invoked when a scheduled warm should run.
// It receives the user id and should fetch the mailbox's first page.
type WarmFunc func(ctx context.Context, userID string) error

// AccountStatus represents the warm status of a scheduled account.
type AccountStatus struct {
	UserID    string    `json:"user_id"`
	Running   bool      `json:"running"`
	LastRun   time.Time `json:"last_run,omitempty"`
	NextRun   time.Time `json:"next_run"`
	Schedule  string    `json:"schedule"`
	LastError string    `json:"last_error,omitempty"`
}

// Warmer manages cron-based mailbox warming.
type Warmer struct {
	cron     *cron.Cron
	warmFunc WarmFunc
	logger   *slog.Logger

	mu        sync.RWMutex
	jobs      map[string]cron.EntryID // userID -> cron entry ID
	schedules map[string]string       // userID -> cron expression
	running   map[string]bool         // userID -> currently warming
	lastRun   map[string]time.Time    // userID -> last successful run
	lastErr   map[string]error        // userID -> last error

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
	stopped bool
}

// New creates a new Warmer with the given warm callback.
func New(warmFunc WarmFunc) *Warmer {
	ctx, cancel := context.WithCancel(context.Background())
	return &Warmer{
		cron: cron.New(cron.WithParser(cron.NewParser(
			cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow,
		))),
		warmFunc:  warmFunc,
		logger:    slog.Default(),
		jobs:      make(map[string]cron.EntryID),
		schedules: make(map[string]string),
		running:   make(map[string]bool),
		lastRun:   make(map[string]time.Time),
		lastErr:   make(map[string]error),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// WithLogger sets the logger for the warmer.
func (w *Warmer) WithLogger(logger *slog.Logger) *Warmer {
	w.logger = logger
	return w
}

// AddAccount schedules warming for a user using the given cron expression.
// Returns an error if the cron expression is invalid.
func (w *Warmer) AddAccount(userID, cronExpr string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	// Remove existing schedule if present
	if entryID, exists := w.jobs[userID]; exists {
		w.cron.Remove(entryID)
		delete(w.jobs, userID)
		delete(w.schedules, userID)
	}

	entryID, err := w.cron.AddFunc(cronExpr, func() {
		w.mu.Lock()
		if w.stopped || w.running[userID] {
			w.mu.Unlock()
			return
		}
		w.running[userID] = true
		w.wg.Add(1)
		w.mu.Unlock()
		w.runWarm(userID)
	})
	if err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", cronExpr, err)
	}

	w.jobs[userID] = entryID
	w.schedules[userID] = cronExpr
	w.logger.Info("scheduled mailbox warm",
		"user_id", userID,
		"schedule", cronExpr,
		"next_run", w.cron.Entry(entryID).Next)

	return nil
}

// AddAccountsFromConfig adds all enabled warm accounts from the config.
// Returns the number of accounts scheduled and any errors encountered.
func (w *Warmer) AddAccountsFromConfig(cfg *config.Config) (int, []error) {
	var errs []error
	scheduled := 0

	for _, acc := range cfg.WarmAccounts() {
		if err := w.AddAccount(acc.UserID, acc.Schedule); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", acc.UserID, err))
		} else {
			scheduled++
		}
	}

	return scheduled, errs
}

// RemoveAccount removes the schedule for a user.
func (w *Warmer) RemoveAccount(userID string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if entryID, exists := w.jobs[userID]; exists {
		w.cron.Remove(entryID)
		delete(w.jobs, userID)
		delete(w.schedules, userID)
		w.logger.Info("removed warm schedule", "user_id", userID)
	}
}

// Start begins executing scheduled jobs.
func (w *Warmer) Start() {
	w.mu.Lock()
	w.started = true
	w.stopped = false
	w.mu.Unlock()

	w.cron.Start()
	w.logger.Info("warmer started", "jobs", len(w.jobs))
}

// IsRunning returns true if the warmer has been started and not yet stopped.
func (w *Warmer) IsRunning() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.started && !w.stopped
}

// Stop gracefully stops the warmer, cancels running jobs, and waits for
// them to finish. Returns a context that is done when all work completes.
func (w *Warmer) Stop() context.Context {
	w.logger.Info("warmer stopping")

	w.mu.Lock()
	w.stopped = true
	w.mu.Unlock()

	cronCtx := w.cron.Stop()
	w.cancel()

	done := make(chan struct{})
	go func() {
		<-cronCtx.Done()
		w.wg.Wait()
		close(done)
	}()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-done
		cancel()
	}()
	return ctx
}

// runWarm executes one warm for a user (called by cron or TriggerWarm).
// The caller must have already called wg.Add(1) and set running[userID].
func (w *Warmer) runWarm(userID string) {
	defer w.wg.Done()
	defer func() {
		w.mu.Lock()
		w.running[userID] = false
		w.mu.Unlock()
	}()

	w.logger.Info("starting mailbox warm", "user_id", userID)
	start := time.Now()

	err := w.warmFunc(w.ctx, userID)

	w.mu.Lock()
	if err != nil {
		w.lastErr[userID] = err
		w.logger.Error("mailbox warm failed",
			"user_id", userID,
			"duration", time.Since(start),
			"error", err)
	} else {
		w.lastRun[userID] = time.Now()
		w.lastErr[userID] = nil
		w.logger.Info("mailbox warm completed",
			"user_id", userID,
			"duration", time.Since(start))
	}
	w.mu.Unlock()
}

// IsScheduled returns true if the user has been added to the warmer.
func (w *Warmer) IsScheduled(userID string) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	_, exists := w.jobs[userID]
	return exists
}

// TriggerWarm manually triggers a warm for a user outside the schedule.
// Returns an error if a warm is already running, the user is not scheduled,
// or the warmer has been stopped.
func (w *Warmer) TriggerWarm(userID string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.stopped {
		return fmt.Errorf("warmer is stopped")
	}

	if _, exists := w.jobs[userID]; !exists {
		return fmt.Errorf("user %s is not scheduled", userID)
	}
	if w.running[userID] {
		return fmt.Errorf("warm already running for %s", userID)
	}

	w.running[userID] = true
	w.wg.Add(1)
	go w.runWarm(userID)
	return nil
}

// Status returns the current status of all scheduled accounts.
func (w *Warmer) Status() []AccountStatus {
	w.mu.RLock()
	defer w.mu.RUnlock()

	var statuses []AccountStatus
	for userID, entryID := range w.jobs {
		entry := w.cron.Entry(entryID)
		status := AccountStatus{
			UserID:   userID,
			Running:  w.running[userID],
			LastRun:  w.lastRun[userID],
			NextRun:  entry.Next,
			Schedule: w.schedules[userID],
		}
		if err := w.lastErr[userID]; err != nil {
			status.LastError = err.Error()
		}
		statuses = append(statuses, status)
	}
	return statuses
}

// ValidateCronExpr validates a cron expression without scheduling anything.
func ValidateCronExpr(expr string) error {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	if _, err := parser.Parse(expr); err != nil {
		return fmt.Errorf("invalid cron expression: %w", err)
	}
	return nil
}
