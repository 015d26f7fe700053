// Package serve hosts the operational HTTP endpoints: Prometheus metrics,
// a JSON health check and a websocket status feed.
package serve

import (
	"net/http"
	_ "net/http/pprof"
	"time"

	"github.com/gorilla/handlers"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

// Options configures the operational server.
type Options struct {
	Addr     string
	Status   StatusFunc
	Gatherer prometheus.Gatherer
	// PushPeriod is how often /statusws clients receive the status.
	PushPeriod time.Duration
}

// Server is the operational HTTP server.
type Server struct {
	*http.Server
	Updater *StatusUpdater
}

// NewServer builds the server and its routes:
//
//	/metrics       Prometheus exposition
//	/healthz       current run status as JSON, 503 unless streaming
//	/statusws      websocket pushing the /healthz document
//	/debug/pprof/  runtime profiles
func NewServer(opts Options) *Server {
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	updater := NewStatusUpdater(opts.Status, opts.PushPeriod)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	mux.Handle("/healthz", &HealthServer{Status: opts.Status})
	mux.Handle("/statusws", updater)
	mux.Handle("/debug/pprof/", http.DefaultServeMux)

	var h http.Handler = mux
	h = handlers.CombinedLoggingHandler(log.StandardLogger().WriterLevel(log.DebugLevel), h)
	h = handlers.RecoveryHandler(handlers.RecoveryLogger(log.StandardLogger()), handlers.PrintRecoveryStack(true))(h)

	return &Server{
		Server: &http.Server{
			Addr:              opts.Addr,
			Handler:           h,
			ReadHeaderTimeout: 10 * time.Second,
		},
		Updater: updater,
	}
}
