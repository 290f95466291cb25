package app

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	defaultShutdownTimeout   = 30 * time.Second
	defaultReadTimeout       = 15 * time.Second
	defaultWriteTimeout      = 15 * time.Second
	defaultIdleTimeout       = 60 * time.Second
	defaultReadHeaderTimeout = 5 * time.Second
	defaultMaxHeaderBytes    = 1 << 20
)

var ErrShutdownTimeout = errors.New("app: components did not stop before the shutdown timeout")

// runtimeConfig describes one process: an optional HTTP server, long-running
// workers, hooks run before they start and hooks run after they stop.
type runtimeConfig struct {
	handler         http.Handler
	address         string
	logger          *slog.Logger
	shutdownTimeout time.Duration
	startHooks      []func(context.Context) error
	workers         []func(context.Context) error
	shutdownHooks   []func(context.Context) error
	// ready is called with the bound listener address. Tests use it with ":0".
	ready func(addr string)
}

// run blocks until SIGINT/SIGTERM, ctx cancellation or a worker failure,
// then stops the server, waits for workers and runs shutdown hooks.
func run(ctx context.Context, cfg runtimeConfig) error {
	if cfg.shutdownTimeout <= 0 {
		cfg.shutdownTimeout = defaultShutdownTimeout
	}
	log := cfg.logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)

	var errs []error
	for _, start := range cfg.startHooks {
		if err := start(gctx); err != nil {
			errs = append(errs, err)
			break
		}
	}

	var server *http.Server
	if len(errs) == 0 && cfg.handler != nil {
		server = &http.Server{
			Addr:              cfg.address,
			Handler:           cfg.handler,
			ReadTimeout:       defaultReadTimeout,
			WriteTimeout:      defaultWriteTimeout,
			IdleTimeout:       defaultIdleTimeout,
			ReadHeaderTimeout: defaultReadHeaderTimeout,
			MaxHeaderBytes:    defaultMaxHeaderBytes,
			BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(gctx) },
		}

		ln, err := net.Listen("tcp", server.Addr)
		if err != nil {
			errs = append(errs, err)
			server = nil
		} else {
			if cfg.ready != nil {
				cfg.ready(ln.Addr().String())
			}
			g.Go(func() error {
				log.Info("server starting", slog.String("address", ln.Addr().String()))
				if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		}
	}

	if len(errs) == 0 {
		for _, w := range cfg.workers {
			g.Go(func() error { return w(gctx) })
		}
		<-gctx.Done()
	}
	cancel()

	log.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.shutdownTimeout)
	defer shutdownCancel()

	if server != nil {
		if err := server.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, err)
		}
	}

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()
	select {
	case err := <-done:
		if err != nil {
			errs = append(errs, err)
		}
	case <-shutdownCtx.Done():
		errs = append(errs, ErrShutdownTimeout)
	}

	for _, hook := range cfg.shutdownHooks {
		if err := hook(shutdownCtx); err != nil {
			errs = append(errs, err)
			log.Error("shutdown hook failed", slog.Any("error", err))
		}
	}

	if len(errs) > 0 {
		log.Error("shutdown completed with errors")
		return errors.Join(errs...)
	}
	log.Info("shutdown completed")
	return nil
}
