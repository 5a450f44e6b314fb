package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/levenlabs/go-lflag"
	"golang.org/x/sync/errgroup"

	"github.com/raterudder/agilerudder/pkg/ess"
	"github.com/raterudder/agilerudder/pkg/forecast"
	"github.com/raterudder/agilerudder/pkg/log"
	"github.com/raterudder/agilerudder/pkg/manager"
	"github.com/raterudder/agilerudder/pkg/mqtt"
	"github.com/raterudder/agilerudder/pkg/server"
	"github.com/raterudder/agilerudder/pkg/storage"
	"github.com/raterudder/agilerudder/pkg/utility"
)

func main() {
	// a missing .env is fine, flags and the environment still apply
	_ = godotenv.Load()

	// init packages
	db := storage.Configured()
	u := utility.Configured()
	e := ess.Configured(db)
	f := forecast.Configured()
	m := manager.Configured(db, u, e, f)
	pub := mqtt.Configured()

	// init server
	srv := server.Configured(m)

	// parse flags
	lflag.Configure()
	if err := log.Configure(); err != nil {
		panic(err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	defer func() {
		if err := db.Close(); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to close storage", slog.Any("error", err))
		}
	}()

	if err := m.Init(ctx); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to initialise planner", slog.Any("error", err))
		os.Exit(1)
	}

	if pub.Enabled() {
		if err := pub.Connect(ctx); err != nil {
			log.Ctx(ctx).WarnContext(ctx, "mqtt publishing disabled", slog.Any("error", err))
		} else {
			m.AddPublisher(pub)
			defer pub.Close(context.Background())
		}
	}

	startup(ctx, m)

	c, err := newScheduler(ctx, jobs(m))
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to schedule jobs", slog.Any("error", err))
		os.Exit(1)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		c.Start()
		<-gctx.Done()
		// wait for running jobs
		<-c.Stop().Done()
		return nil
	})
	// Run will block until context is canceled or error happens
	g.Go(func() error {
		return srv.Run(gctx)
	})
	if err := g.Wait(); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "server failed", slog.Any("error", err))
		os.Exit(1)
	}
	log.Ctx(ctx).InfoContext(ctx, "server exited cleanly")
}

// startup runs one of every refresh so there is a plan before the first
// scheduled tick. An unconfigured site just logs.
func startup(ctx context.Context, m *manager.Manager) {
	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"prices", m.RefreshPrices},
		{"forecast", m.RefreshForecast},
		{"dispatches", m.RefreshDispatches},
		{"execute", m.Execute},
	}
	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			log.Ctx(ctx).WarnContext(ctx, "startup refresh failed", slog.String("step", s.name), slog.Any("error", err))
		}
	}
}
