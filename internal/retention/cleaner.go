// Package retention periodically deletes old job records.
package retention

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Deleter removes job records created before cutoff.
type Deleter interface {
	DeleteJobsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Cleaner runs Sweep on a standard 5-field cron schedule
// (minute hour day-of-month month day-of-week).
type Cleaner struct {
	store    Deleter
	schedule cron.Schedule
	maxAge   time.Duration
	logger   *slog.Logger

	now   func() time.Time
	after func(time.Duration) <-chan time.Time
}

// New creates a Cleaner. An empty schedule yields a disabled Cleaner whose
// Run returns immediately.
func New(store Deleter, schedule string, days int, logger *slog.Logger) (*Cleaner, error) {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Cleaner{
		store:  store,
		maxAge: time.Duration(days) * 24 * time.Hour,
		logger: logger,
		now:    time.Now,
		after:  time.After,
	}

	schedule = strings.TrimSpace(schedule)
	if schedule == "" {
		return c, nil
	}
	if days <= 0 {
		return nil, fmt.Errorf("retention days must be positive, got %d", days)
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	sched, err := parser.Parse(schedule)
	if err != nil {
		return nil, fmt.Errorf("parse retention schedule %q: %w", schedule, err)
	}
	c.schedule = sched
	return c, nil
}

// Enabled reports whether a schedule was configured.
func (c *Cleaner) Enabled() bool {
	return c.schedule != nil
}

// Run sweeps at every scheduled time until ctx is cancelled.
func (c *Cleaner) Run(ctx context.Context) error {
	if !c.Enabled() {
		c.logger.Info("retention disabled")
		return nil
	}

	for {
		now := c.now()
		next := c.schedule.Next(now)
		c.logger.Info("next retention sweep", "at", next, "in", next.Sub(now).Round(time.Second))

		select {
		case <-ctx.Done():
			return nil
		case <-c.after(next.Sub(now)):
		}

		if _, err := c.Sweep(ctx); err != nil {
			c.logger.Error("retention sweep failed", "error", err)
		}
	}
}

// Sweep deletes job records older than the retention window once.
func (c *Cleaner) Sweep(ctx context.Context) (int64, error) {
	cutoff := c.now().Add(-c.maxAge)
	n, err := c.store.DeleteJobsBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete jobs before %s: %w", cutoff.Format(time.RFC3339), err)
	}
	c.logger.Info("retention sweep complete", "deleted", n, "cutoff", cutoff)
	return n, nil
}
