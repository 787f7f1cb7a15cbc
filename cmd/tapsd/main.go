package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"taps/internal/config"
	"taps/internal/metrics"
	"taps/internal/server"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		log.Fatalf("server failed: %v", err)
	}
}

func run(configPath string) error {
	reloader, err := config.NewReloadable(configPath)
	if err != nil {
		return fmt.Errorf("config load failed: %w", err)
	}
	defer reloader.Close()
	cfg := reloader.Get()
	if cfg.Role != "server" {
		return fmt.Errorf("config role must be server")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go handleSignals(cancel)

	if cfg.Metrics.Listen != "" {
		ws := metrics.NewWebServer(cfg.Metrics.Listen, metrics.WithPprof(cfg.Metrics.Pprof))
		go func() {
			if err := ws.Serve(ctx); err != nil {
				log.Printf("metrics server failed: %v", err)
			}
		}()
	}

	restartCh := make(chan *config.Config, 1)
	reloader.Watch(func(old, next *config.Config) {
		if next.Role != "server" {
			log.Printf("ignoring config reload with non-server role: %s", next.Role)
			return
		}
		select {
		case restartCh <- next:
		default:
		}
	})

	runCtx, runCancel := context.WithCancel(ctx)
	errCh := make(chan error, 1)
	go runServer(runCtx, cfg, errCh)

	for {
		select {
		case <-ctx.Done():
			runCancel()
			<-errCh
			return nil
		case next := <-restartCh:
			log.Printf("config reloaded: restarting server with updated settings")
			runCancel()
			<-errCh
			runCtx, runCancel = context.WithCancel(ctx)
			errCh = make(chan error, 1)
			go runServer(runCtx, next, errCh)
		case err := <-errCh:
			runCancel()
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

func handleSignals(cancel context.CancelFunc) {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	cancel()
}

func runServer(ctx context.Context, cfg *config.Config, errCh chan<- error) {
	s, err := server.New(cfg)
	if err != nil {
		errCh <- err
		return
	}
	errCh <- s.Start(ctx)
}
