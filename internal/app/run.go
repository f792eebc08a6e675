package app

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const statusJanitorInterval = time.Minute

// Run serves HTTP and drives the background loops until ctx is cancelled,
// then shuts the server down within Config.ShutdownTimeout. The first loop
// to fail stops the rest.
func (b *BuildResult) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Handler:           b.API.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	ln, err := net.Listen("tcp", b.Config.BindAddr)
	if err != nil {
		return err
	}
	return b.serve(ctx, httpServer, ln)
}

// serve owns ln. The worker pool keeps accepting jobs until the HTTP drain
// has finished, so requests completing in the grace period still get their
// background work queued.
func (b *BuildResult) serve(ctx context.Context, httpServer *http.Server, ln net.Listener) error {
	cfg := b.Config
	log := b.Logger

	poolCtx, stopPool := context.WithCancel(context.WithoutCancel(ctx))
	defer stopPool()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return b.Pool.Run(poolCtx) })
	g.Go(func() error { return b.Hub.Run(gctx) })
	g.Go(func() error {
		if err := b.Prompts.Watch(gctx); err != nil {
			log.Warn("prompt file watch disabled", zap.Error(err))
		}
		return nil
	})
	g.Go(func() error {
		b.Statuses.StartJanitor(gctx, statusJanitorInterval)
		return nil
	})
	g.Go(func() error {
		b.cleanupLoop(gctx)
		return nil
	})
	g.Go(func() error {
		log.Info("server listening", zap.String("addr", ln.Addr().String()))
		if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		b.Hub.CloseAll()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Warn("graceful shutdown failed", zap.Error(err))
			_ = httpServer.Close()
		}
		stopPool()
		return nil
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// cleanupLoop drops conversations idle longer than CleanupMaxAge.
func (b *BuildResult) cleanupLoop(ctx context.Context) {
	if b.Config.CleanupInterval <= 0 || b.Config.CleanupMaxAge <= 0 {
		return
	}
	ticker := time.NewTicker(b.Config.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := b.Store.CleanupOlderThan(ctx, b.Config.CleanupMaxAge)
			if err != nil {
				b.Logger.Warn("conversation cleanup failed", zap.Error(err))
				continue
			}
			if n > 0 {
				b.Logger.Info("conversation cleanup", zap.Int("removed", n))
			}
		}
	}
}
