package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"taps/internal/client"
	"taps/internal/config"
	"taps/internal/framer"
	"taps/internal/metrics"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to config file")
	watch := flag.Bool("watch", false, "Stay running and repeat the request on every config reload")
	flag.Parse()

	if err := run(*configPath, *watch); err != nil {
		log.Fatalf("client failed: %v", err)
	}
}

func run(configPath string, watch bool) error {
	reloader, err := config.NewReloadable(configPath)
	if err != nil {
		return fmt.Errorf("config load failed: %w", err)
	}
	defer reloader.Close()
	cfg := reloader.Get()
	if cfg.Role != "client" {
		return fmt.Errorf("config role must be client")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go handleSignals(cancel)

	if !watch {
		return runClient(ctx, cfg, os.Stdout)
	}

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
		if next.Role != "client" {
			log.Printf("ignoring config reload with non-client role: %s", next.Role)
			return
		}
		select {
		case restartCh <- next:
		default:
		}
	})

	// errCh is nil while no request is in flight.
	var (
		runCancel context.CancelFunc = func() {}
		errCh     chan error
	)
	launch := func(c *config.Config) {
		var runCtx context.Context
		runCtx, runCancel = context.WithCancel(ctx)
		ch := make(chan error, 1)
		errCh = ch
		go func() { ch <- runClient(runCtx, c, os.Stdout) }()
	}
	stop := func() {
		runCancel()
		if errCh != nil {
			<-errCh
			errCh = nil
		}
	}
	launch(cfg)

	for {
		select {
		case <-ctx.Done():
			stop()
			return nil
		case next := <-restartCh:
			log.Printf("config reloaded: repeating request with updated settings")
			stop()
			launch(next)
		case err := <-errCh:
			errCh = nil
			runCancel()
			if err != nil && ctx.Err() == nil {
				log.Printf("request failed: %v", err)
			}
		}
	}
}

func handleSignals(cancel context.CancelFunc) {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	cancel()
}

// runClient performs one exchange and writes the response head and body to w.
func runClient(ctx context.Context, cfg *config.Config, w io.Writer) error {
	res, err := client.New(cfg).Do(ctx)
	if err != nil {
		return err
	}
	log.Printf("%s %s via %s: %d %s", cfg.Request.Method, cfg.Request.Path, res.Addr, res.Response.Code, res.Response.Reason)
	if _, err := w.Write(framer.SerializeResponse(res.Response)); err != nil {
		return err
	}
	_, err = w.Write(res.Body)
	return err
}
