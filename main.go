package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"

	"conduit/config"
	"conduit/engine"
	"conduit/metrics"
	"conduit/serve"
	"conduit/video"
	"conduit/video/source"
	"conduit/video/source/opencv"
)

var (
	configPath = flag.String("config", "conduit.yaml", "Path to the run configuration.")
	listen     = flag.String("listen", ":8080", "Address for the metrics and health endpoints. Empty disables them.")
	logLevel   = flag.String("log-level", "info", "Log level (debug, info, warn, error).")
	watch      = flag.Bool("watch", true, "Restart the run when the configuration file changes.")
)

// Process exit codes.
const (
	exitOK      = 0
	exitConfig  = 1
	exitStartup = 2
	exitCapture = 3
)

// current tracks the engine of the run in progress for the status endpoints.
type current struct {
	mu sync.Mutex
	e  *engine.Engine
}

func (c *current) set(e *engine.Engine) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.e = e
}

func (c *current) status() (engine.Status, bool) {
	c.mu.Lock()
	e := c.e
	c.mu.Unlock()
	if e == nil {
		return engine.Status{}, false
	}
	return e.Status(), true
}

func exitCode(err error) int {
	var (
		ce *video.ConfigError
		oe *source.OpenError
		ke *source.CaptureError
	)
	switch {
	case err == nil:
		return exitOK
	case errors.As(err, &ce):
		return exitConfig
	case errors.As(err, &oe):
		return exitStartup
	case errors.As(err, &ke):
		return exitCapture
	default:
		return exitStartup
	}
}

func main() {
	os.Exit(run())
}

func run() int {
	flag.Parse()

	lvl, err := log.ParseLevel(*logLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitConfig
	}
	log.SetLevel(lvl)
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Errorf("Invalid configuration: %v", err)
		return exitConfig
	}

	m := metrics.New()
	if err := m.Register(prometheus.DefaultRegisterer); err != nil {
		log.Errorf("Failed to register metrics: %v", err)
		return exitStartup
	}

	var cur current
	var updater *serve.StatusUpdater
	if *listen != "" {
		srv := serve.NewServer(serve.Options{
			Addr:   *listen,
			Status: cur.status,
		})
		updater = srv.Updater
		go func() {
			log.Infof("Hosting operational endpoints on %s", *listen)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Errorf("Operational server failed: %v", err)
			}
		}()
		defer srv.Close()
	}
	notify := func() {
		if updater != nil {
			updater.Notify()
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var updates <-chan engine.Config
	if *watch {
		updates = config.Watch(ctx, *configPath, cfg)
	}

	for {
		e, err := engine.New(cfg, engine.WithBackend(opencv.Backend{}), engine.WithMetrics(m))
		if err != nil {
			log.Errorf("Failed to create run: %v", err)
			return exitCode(err)
		}
		cur.set(e)
		notify()

		runCtx, cancel := context.WithCancel(ctx)
		done := make(chan error, 1)
		go func() {
			done <- e.Run(runCtx)
			// Wake status subscribers on the final phase change.
			notify()
		}()

		var next *engine.Config
		select {
		case err = <-done:
		case c, ok := <-updates:
			if ok {
				log.Info("Restarting with new configuration")
				next = &c
			}
			cancel()
			err = <-done
		}
		cancel()
		e.Forget()

		if ctx.Err() != nil {
			log.Info("Caught signal, exiting")
			return exitOK
		}
		if next == nil || err != nil {
			return exitCode(err)
		}
		cfg = *next
	}
}
