package campaign

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	gocron "github.com/go-co-op/gocron/v2"

	"github.com/CZERTAINLY/Legion/internal/exchange"
	"github.com/CZERTAINLY/Legion/internal/model"
)

// ActiveFunc reports whether a campaign still uses its run directory.
type ActiveFunc func(id string) bool

// Reaper removes run directories left behind by failed or never joined
// campaigns. Directories of active campaigns are never touched.
type Reaper struct {
	exchange *exchange.Exchange
	maxAge   time.Duration
	active   ActiveFunc
	now      func() time.Time
}

// NewReaper returns a reaper for x removing run directories older than
// maxAge. A nil active func treats every campaign as inactive.
func NewReaper(x *exchange.Exchange, maxAge time.Duration, active ActiveFunc) *Reaper {
	if active == nil {
		active = func(string) bool { return false }
	}
	return &Reaper{
		exchange: x,
		maxAge:   maxAge,
		active:   active,
		now:      time.Now,
	}
}

// NewReaperFromConfig reads reaper.max_age from cfg.
func NewReaperFromConfig(ctl *Controller, cfg *model.Config) (*Reaper, error) {
	x, err := ctl.Exchange(cfg)
	if err != nil {
		return nil, err
	}
	raw := cfg.GetString(model.KeyReaperMaxAge, "24h")
	maxAge, err := model.ParseAge(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", model.ErrConfiguration, model.KeyReaperMaxAge, err)
	}
	return NewReaper(x, maxAge, ctl.Active), nil
}

// WithClock replaces the time source, used by tests.
func (r *Reaper) WithClock(now func() time.Time) *Reaper {
	r.now = now
	return r
}

// Reap removes stale run directories once and returns their ids.
func (r *Reaper) Reap(ctx context.Context) ([]string, error) {
	dirs, err := r.exchange.RunDirs()
	if err != nil {
		return nil, fmt.Errorf("listing run directories: %w", err)
	}
	cutoff := r.now().Add(-r.maxAge)
	var removed []string
	var errs []error
	for _, d := range dirs {
		if !d.Modified.Before(cutoff) {
			continue
		}
		if r.active(d.ID) {
			slog.DebugContext(ctx, "skipping run directory of active campaign", "campaign_id", d.ID)
			continue
		}
		if err := os.RemoveAll(d.Path); err != nil {
			errs = append(errs, fmt.Errorf("removing %s: %w", d.Path, err))
			continue
		}
		slog.InfoContext(ctx, "stale run directory removed", "campaign_id", d.ID, "modified", d.Modified)
		removed = append(removed, d.ID)
	}
	return removed, errors.Join(errs...)
}

// Scheduler returns a stopped scheduler calling Reap on schedule.
func (r *Reaper) Scheduler(ctx context.Context, schedule model.Schedule) (gocron.Scheduler, error) {
	var job gocron.JobDefinition
	switch {
	case schedule.Cron != "":
		job = gocron.CronJob(schedule.Cron, false)
	case schedule.Every > 0:
		job = gocron.DurationJob(schedule.Every)
	default:
		return nil, fmt.Errorf("%w: both cron and interval are empty", model.ErrConfiguration)
	}
	slog.DebugContext(ctx, "reaper scheduled", "cron", schedule.Cron, "every", schedule.Every)

	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("initializing gocron scheduler: %w", err)
	}
	_, err = s.NewJob(
		job,
		gocron.NewTask(func() {
			if _, err := r.Reap(ctx); err != nil {
				slog.ErrorContext(ctx, "reaping run directories", "error", err)
			}
		}),
	)
	if err != nil {
		_ = s.Shutdown()
		return nil, fmt.Errorf("initializing gocron job: %w", err)
	}
	return s, nil
}

// Run reaps on schedule until ctx is done.
func (r *Reaper) Run(ctx context.Context, schedule model.Schedule) error {
	s, err := r.Scheduler(ctx, schedule)
	if err != nil {
		return err
	}
	s.Start()
	<-ctx.Done()
	if err := s.Shutdown(); err != nil {
		slog.ErrorContext(ctx, "shutting down gocron has failed", "error", err)
	}
	return nil
}
