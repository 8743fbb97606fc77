package cmd

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/audiolibrelab/pcmstream/internal/metrics"
	"github.com/audiolibrelab/pcmstream/internal/server"
	"github.com/audiolibrelab/pcmstream/internal/service"
)

// runStream builds the service, starts the status server when configured,
// and runs fn until SIGINT/SIGTERM or fn returns
func runStream(fn func(ctx context.Context, svc *service.StreamService) error) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	collector := metrics.New()
	svc := service.New(cfg, collector)

	serverDone := make(chan error, 1)
	serverCtx, stopServer := context.WithCancel(context.Background())
	if cfg.Metrics.Listen != "" {
		srv := server.New(cfg.Metrics.Listen, svc, collector.Registry())
		go func() {
			serverDone <- srv.Run(serverCtx)
		}()
	} else {
		serverDone <- nil
	}

	runErr := fn(ctx, svc)

	stopServer()
	if err := <-serverDone; err != nil {
		slog.Error("Status server failed", "error", err)
		runErr = errors.Join(runErr, err)
	}
	return runErr
}
