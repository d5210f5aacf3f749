package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"swcache/internal/swcache"
)

func newServeCommand() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the proxy",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", getenvDefault("SWCACHE_CONFIG", "/swcache.yaml"), "path to swcache.yaml")
	return cmd
}

func runServe(parent context.Context, configPath string) error {
	cfg, err := swcache.LoadConfig(configPath)
	if err != nil {
		return errors.Wrap(err, "load config")
	}
	logger, err := swcache.NewLogger(cfg, os.Stderr)
	if err != nil {
		return err
	}

	svc, err := swcache.NewService(cfg, swcache.WithLogger(logger))
	if err != nil {
		return errors.Wrap(err, "init service")
	}
	defer svc.Close()

	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if wait := cfg.OriginWait(); wait > 0 {
		if err := waitForOrigin(ctx, cfg.Server.Origin, wait, logger); err != nil {
			logger.WithError(err).Warn("origin not ready, installing anyway")
		}
	}
	if err := svc.Start(ctx); err != nil {
		logger.WithError(err).Error("worker registration failed")
	}

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "listen %s", addr)
	}
	srv := &http.Server{
		Handler:           svc.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Infof("swcache listening on %s, origin=%s", addr, cfg.Server.Origin)
		err := srv.Serve(ln)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Error("server error")
			stop()
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// waitForOrigin polls the origin root until it answers with anything below
// 500, or until wait has elapsed.
func waitForOrigin(ctx context.Context, origin string, wait time.Duration, logger *logrus.Logger) error {
	client := &http.Client{Timeout: 5 * time.Second}
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = wait

	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, origin+"/", nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		resp.Body.Close()
		if resp.StatusCode >= 500 {
			return errors.Errorf("origin answered %d", resp.StatusCode)
		}
		return nil
	}
	notify := func(err error, next time.Duration) {
		logger.WithError(err).Infof("waiting for origin, retry in %s", next.Round(time.Millisecond))
	}
	return backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify)
}
