// Package cron runs the proactive tick on a cron schedule.
package cron

import (
	"context"
	"fmt"
	"time"

	"github.com/adhocore/gronx"
	"github.com/rs/zerolog"

	"github.com/kizunalab/kizuna/pkg/logger"
)

// TickFunc is the work fired on each due cron minute.
type TickFunc func(ctx context.Context) error

// Runner polls the wall clock and fires the tick when the cron expression
// is due. A minute fires at most once even if the poll lands on it twice.
type Runner struct {
	expr     string
	gron     *gronx.Gronx
	tick     TickFunc
	interval time.Duration
	loc      *time.Location
	log      zerolog.Logger
	now      func() time.Time
	lastRun  string
	stop     chan struct{}
	done     chan struct{}
}

// NewRunner validates the cron expression and builds a runner. loc is the
// zone the expression is evaluated in.
func NewRunner(expr string, loc *time.Location, tick TickFunc) (*Runner, error) {
	g := gronx.New()
	if !g.IsValid(expr) {
		return nil, fmt.Errorf("invalid cron expression %q", expr)
	}
	if loc == nil {
		loc = time.UTC
	}
	return &Runner{
		expr:     expr,
		gron:     g,
		tick:     tick,
		interval: 30 * time.Second,
		loc:      loc,
		log:      logger.C("cron"),
		now:      time.Now,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}, nil
}

// Start begins the background poll loop.
func (r *Runner) Start(ctx context.Context) {
	go func() {
		defer close(r.done)
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()

		r.log.Info().Str("expr", r.expr).Str("tz", r.loc.String()).Msg("cron runner started")
		for {
			select {
			case <-ticker.C:
				r.check(ctx)
			case <-r.stop:
				r.log.Info().Msg("cron runner stopped")
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the loop and waits for it to exit.
func (r *Runner) Stop() {
	close(r.stop)
	<-r.done
}

func (r *Runner) check(ctx context.Context) {
	now := r.now().In(r.loc)
	due, err := r.gron.IsDue(r.expr, now)
	if err != nil {
		r.log.Error().Err(err).Msg("cron due check failed")
		return
	}
	if !due {
		return
	}
	minute := now.Format("2006-01-02T15:04")
	if minute == r.lastRun {
		return
	}
	r.lastRun = minute

	if err := r.tick(ctx); err != nil {
		r.log.Error().Err(err).Msg("cron tick failed")
	}
}
