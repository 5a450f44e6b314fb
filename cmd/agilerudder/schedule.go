package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/raterudder/agilerudder/pkg/log"
	"github.com/raterudder/agilerudder/pkg/manager"
)

// job is a named function run on a cron spec with a leading seconds field.
type job struct {
	name string
	spec string
	fn   func(context.Context) error
}

func jobs(m *manager.Manager) []job {
	return []job{
		// new rates land on the half hour
		{name: "prices", spec: "5 0,30 * * * *", fn: chain(m.RefreshPrices, m.Execute)},
		{name: "battery", spec: "0 */2 * * * *", fn: m.RefreshBattery},
		{name: "recalculate", spec: "30 */5 * * * *", fn: m.Recalculate},
		{name: "forecast", spec: "0 2 * * * *", fn: m.RefreshForecast},
		{name: "dispatches", spec: "0 1-59/10 * * * *", fn: chain(m.RefreshDispatches, m.Execute)},
		{name: "enrich-history", spec: "0 0 2 * * *", fn: m.EnrichHistory},
		{name: "inverter-clock", spec: "0 15 3 * * *", fn: m.SyncInverterClock},
	}
}

// cronLogger sends cron's own logging through the context logger.
type cronLogger struct {
	ctx context.Context
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	log.Ctx(l.ctx).DebugContext(l.ctx, "cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	log.Ctx(l.ctx).ErrorContext(l.ctx, "cron: "+msg, append(keysAndValues, slog.Any("error", err))...)
}

// newScheduler registers js on a cron that isn't started yet. A job still
// running when its next tick arrives skips that tick.
func newScheduler(ctx context.Context, js []job) (*cron.Cron, error) {
	l := cronLogger{ctx: ctx}
	c := cron.New(
		cron.WithSeconds(),
		cron.WithLocation(time.UTC),
		cron.WithLogger(l),
		cron.WithChain(cron.Recover(l), cron.SkipIfStillRunning(l)),
	)
	for _, j := range js {
		jctx := log.WithAttrs(ctx, slog.String("job", j.name))
		fn := j.fn
		_, err := c.AddFunc(j.spec, func() {
			if err := fn(jctx); err != nil {
				log.Ctx(jctx).WarnContext(jctx, "scheduled job failed", slog.Any("error", err))
			}
		})
		if err != nil {
			return nil, fmt.Errorf("invalid schedule %q for %s: %w", j.spec, j.name, err)
		}
	}
	return c, nil
}

// chain runs fns in order and stops at the first error.
func chain(fns ...func(context.Context) error) func(context.Context) error {
	return func(ctx context.Context) error {
		for _, fn := range fns {
			if err := fn(ctx); err != nil {
				return err
			}
		}
		return nil
	}
}
