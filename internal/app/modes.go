package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

// ServeMode runs the marketplace until ctx is cancelled: the HTTP server,
// the WebSocket hub, the view cache loop, the expiry reaper, the notification
// queue and the confirmation sweeper.
func (a *App) ServeMode(ctx context.Context, deps *Dependencies, m *Marketplace) error {
	a.logger.InfoContext(ctx, "starting serve mode")

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return m.Views.Run(ctx) })
	g.Go(func() error { return m.Hub.Run(ctx) })
	g.Go(func() error { return deps.Queue.Run(ctx) })
	g.Go(func() error { return m.Registry.Run(ctx, 30*time.Second) })

	if a.cfg.Reaper.PurgeInvalidOnStart {
		res, err := m.Reaper.PurgeInvalid(ctx)
		if err != nil {
			a.logger.WarnContext(ctx, "startup integrity sweep incomplete",
				slog.String("error", err.Error()),
			)
		} else {
			a.logger.InfoContext(ctx, "startup integrity sweep done",
				slog.Int("invalid", res.Invalid),
				slog.Int("repaired", res.Repaired),
			)
		}
	}
	g.Go(func() error { return m.Reaper.Run(ctx) })

	if a.cfg.Server.Enabled {
		srv := m.NewServer(deps, a.cfg, a.logger)
		g.Go(srv.Start)
		g.Go(func() error {
			<-ctx.Done()
			shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutCtx)
		})
	}

	return g.Wait()
}

// SweepMode runs one integrity sweep and one expiry sweep, then returns. It
// is meant for cron-style maintenance against a shared database.
func (a *App) SweepMode(ctx context.Context, m *Marketplace) error {
	a.logger.InfoContext(ctx, "starting sweep mode")

	invalid, err := m.Reaper.PurgeInvalid(ctx)
	if err != nil {
		return fmt.Errorf("app: integrity sweep: %w", err)
	}
	expired, err := m.Reaper.Sweep(ctx)
	if err != nil {
		return fmt.Errorf("app: expiry sweep: %w", err)
	}

	a.logger.InfoContext(ctx, "sweep complete",
		slog.Int("invalid", invalid.Invalid),
		slog.Int("expired", expired.Expired),
		slog.Int("repaired", invalid.Repaired+expired.Repaired),
	)
	return nil
}
