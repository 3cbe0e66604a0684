package server

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"time"

	kitlog "github.com/go-kit/kit/log"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	goji "goji.io"
	"goji.io/pat"

	"github.com/thingful/agripipe/pkg/calibration"
	"github.com/thingful/agripipe/pkg/clock"
	"github.com/thingful/agripipe/pkg/config"
	"github.com/thingful/agripipe/pkg/detector"
	"github.com/thingful/agripipe/pkg/export"
	"github.com/thingful/agripipe/pkg/metrics"
	"github.com/thingful/agripipe/pkg/pipeline"
	"github.com/thingful/agripipe/pkg/postgres"
	"github.com/thingful/agripipe/pkg/quality"
	"github.com/thingful/agripipe/pkg/rolling"
	"github.com/thingful/agripipe/pkg/version"
)

var (
	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "agripipe",
			Subsystem: "pipeline",
			Name:      "build_info",
			Help:      "Information about the current build of the service",
		}, []string{"name", "version", "build_date"},
	)
)

func init() {
	metrics.MustRegister(buildInfo)
}

// Config is a top level config object. Populated by viper in the command
// setup, we then pass down config to the right places.
type Config struct {
	ListenAddr string
	ConnStr    string
	RedisURL   string
	ConfigFile string
	DataDir    string
	Workers    int
	Verbose    bool
	CertFile   string
	KeyFile    string
}

// Server is our top level type, contains all other components, is responsible
// for starting and stopping them in the correct order.
type Server struct {
	srv      *http.Server
	db       *postgres.DB
	windows  *rolling.RedisStore
	logger   kitlog.Logger
	certFile string
	keyFile  string
}

// PulseHandler is the simplest possible handler function - used to expose an
// endpoint which a load balancer can ping to verify that a node is running and
// accepting connections.
func PulseHandler(db *postgres.DB, windows *rolling.RedisStore) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		err := db.Ping()
		if err != nil {
			http.Error(w, "failed to connect to DB", http.StatusInternalServerError)
			return
		}
		if windows != nil {
			if err = windows.Ping(); err != nil {
				http.Error(w, "failed to connect to redis", http.StatusInternalServerError)
				return
			}
		}
		fmt.Fprintf(w, "ok")
	})
}

// NewServer returns a new simple HTTP server. Is also responsible for
// constructing all components, and injecting them into the right place.
func NewServer(cfg *Config, logger kitlog.Logger) (*Server, error) {
	pipelineCfg, err := config.Load(cfg.ConfigFile, logger)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load pipeline config")
	}

	db := postgres.NewDB(&postgres.Config{
		ConnStr: cfg.ConnStr,
	}, logger)

	var windows *rolling.RedisStore
	var store rolling.Store
	if cfg.RedisURL != "" {
		windows = rolling.NewRedisStore(cfg.RedisURL, logger)
		store = windows
	}

	cl := clock.New()

	processor := pipeline.NewProcessor(
		&pipeline.Config{DataDir: cfg.DataDir, Workers: cfg.Workers},
		db,
		rolling.New(pipelineCfg.Window(), store, cfg.Verbose, logger),
		calibration.New(pipelineCfg.Calibration, cfg.Verbose, logger),
		detector.New(pipelineCfg.Detector, pipelineCfg.Ranges, logger),
		quality.New(pipelineCfg.Scorer, logger),
		cl,
		cfg.Verbose,
		logger,
	)

	handlers := NewHandlers(
		db,
		processor,
		quality.New(pipelineCfg.Scorer, logger),
		export.New(logger),
		cl,
		logger,
	)

	buildInfo.WithLabelValues(version.BinaryName, version.Version, version.BuildDate)

	logger = kitlog.With(logger, "module", "server")
	logger.Log("msg", "creating server", "datadir", cfg.DataDir, "workers", cfg.Workers)

	mux := goji.NewMux()

	mux.Handle(pat.Post("/pipeline/process"), http.HandlerFunc(handlers.Process))
	mux.Handle(pat.Get("/pipeline/checkpoints"), http.HandlerFunc(handlers.ListCheckpoints))
	mux.Handle(pat.Delete("/pipeline/checkpoints"), http.HandlerFunc(handlers.ClearCheckpoints))
	mux.Handle(pat.Post("/pipeline/reset"), http.HandlerFunc(handlers.Reset))
	mux.Handle(pat.Get("/readings"), http.HandlerFunc(handlers.Readings))
	mux.Handle(pat.Get("/readings/summary"), http.HandlerFunc(handlers.Summary))
	mux.Handle(pat.Get("/readings/sensors"), http.HandlerFunc(handlers.Sensors))
	mux.Handle(pat.Get("/readings/types"), http.HandlerFunc(handlers.Types))
	mux.Handle(pat.Post("/export"), http.HandlerFunc(handlers.Export))
	mux.Handle(pat.Get("/pulse"), PulseHandler(db, windows))
	mux.Handle(pat.Get("/metrics"), promhttp.Handler())

	mux.Use(RequestIDMiddleware)

	metricsMiddleware := MetricsMiddleware("agripipe", "pipeline")
	mux.Use(metricsMiddleware)

	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: mux,
	}

	return &Server{
		srv:      srv,
		db:       db,
		windows:  windows,
		logger:   logger,
		certFile: cfg.CertFile,
		keyFile:  cfg.KeyFile,
	}, nil
}

// Start starts the server running. This is responsible for starting components
// in the correct order, and in addition we attempt to run all up migrations as
// we start.
//
// We also create a channel listening for interrupt signals before gracefully
// shutting down.
func (s *Server) Start() error {
	err := s.db.Start()
	if err != nil {
		return errors.Wrap(err, "failed to start db")
	}

	err = s.db.MigrateUp()
	if err != nil {
		return errors.Wrap(err, "failed to migrate the database")
	}

	if s.windows != nil {
		err = s.windows.Start()
		if err != nil {
			return errors.Wrap(err, "failed to connect to redis")
		}
	}

	stopChan := make(chan os.Signal, 1)
	signal.Notify(stopChan, os.Interrupt)

	go func() {
		s.logger.Log("listenAddr", s.srv.Addr, "msg", "starting server", "tlsEnabled", isTLSEnabled(s.certFile, s.keyFile))

		if isTLSEnabled(s.certFile, s.keyFile) {
			if err := s.srv.ListenAndServeTLS(s.certFile, s.keyFile); err != nil && err != http.ErrServerClosed {
				s.logger.Log("err", err)
				os.Exit(1)
			}
		} else {
			if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				s.logger.Log("err", err)
				os.Exit(1)
			}
		}
	}()

	<-stopChan
	return s.Stop()
}

// Stop the server and all child components
func (s *Server) Stop() error {
	s.logger.Log("msg", "stopping")
	ctx, cancelFn := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelFn()

	if s.windows != nil {
		if err := s.windows.Stop(); err != nil {
			return err
		}
	}

	if err := s.db.Stop(); err != nil {
		return err
	}

	return s.srv.Shutdown(ctx)
}

// isTLSEnabled returns true if we have passed in paths for both cert and key
// files
func isTLSEnabled(certFile, keyFile string) bool {
	return certFile != "" && keyFile != ""
}
