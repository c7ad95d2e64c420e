package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/pprof"
	"os/signal"
	"syscall"
	"time"

	plog "github.com/phuslu/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/yew011/etwpilot-sub000/internal/config"
	"github.com/yew011/etwpilot-sub000/internal/export"
	"github.com/yew011/etwpilot-sub000/internal/manager"
	"github.com/yew011/etwpilot-sub000/internal/metrics"
	"github.com/yew011/etwpilot-sub000/internal/native"
	"github.com/yew011/etwpilot-sub000/internal/provider"
)

const pprofAddress = "localhost:6060"

// Server runs the configured session profiles and serves their metrics.
type Server struct {
	config     *config.AppConfig
	manager    *manager.Manager
	store      *export.Store
	registry   *prometheus.Registry
	httpServer *http.Server
	log        plog.Logger
}

// NewServer creates the session manager, the optional export store and
// the HTTP server.
func NewServer(cfg *config.AppConfig, facility native.Facility, catalog provider.Catalog) (*Server, error) {
	s := &Server{
		config:   cfg,
		registry: prometheus.NewRegistry(),
		log:      plog.DefaultLogger, // main app uses default logger
	}
	s.log.Info().
		Str("version", version).
		Str("listen_address", cfg.Server.ListenAddress).
		Str("metrics_path", cfg.Server.MetricsPath).
		Int("profiles", len(cfg.Sessions)).
		Msg("Starting etwpilot server")

	m, err := newManager(cfg, facility, catalog)
	if err != nil {
		return nil, err
	}
	s.manager = m

	if cfg.Export.Database != "" {
		store, err := export.Open(cfg.Export.Database)
		if err != nil {
			return nil, err
		}
		s.store = store
		s.log.Debug().Str("database", cfg.Export.Database).Msg("Export store opened")
	}

	s.registry.MustRegister(
		metrics.NewSessionCollector(s.manager),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	s.setupHTTPServer()
	return s, nil
}

// setupHTTPServer configures the HTTP server for metrics.
func (s *Server) setupHTTPServer() {
	s.log.Debug().Str("metrics_path", s.config.Server.MetricsPath).Msg("Setting up HTTP handlers")
	mux := http.NewServeMux()
	mux.Handle(s.config.Server.MetricsPath, promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<html>
            <head><title>etwpilot</title></head>
            <body>
            <h1>etwpilot v` + version + ` </h1>
            <p><a href="` + s.config.Server.MetricsPath + `">Metrics</a></p>
            </body>
            </html>`))
	})

	s.httpServer = &http.Server{
		Addr:    s.config.Server.ListenAddress,
		Handler: mux,
	}
}

// Manager returns the session manager the server runs profiles on.
func (s *Server) Manager() *manager.Manager { return s.manager }

// Run starts the HTTP server and every profile and blocks until ctx is
// done or a profile fails to start.
func (s *Server) Run(ctx context.Context) error {
	ctx, stop := context.WithCancel(ctx)
	defer stop()

	if s.config.Server.PprofEnabled {
		go s.servePprof(stop)
	}

	go func() {
		// Recover from panics in this goroutine to trigger a graceful shutdown.
		defer func() {
			if r := recover(); r != nil {
				s.log.Error().Interface("panic", r).Msg("Panic recovered in HTTP server, initiating shutdown")
				stop()
			}
		}()
		s.log.Info().Str("address", s.config.Server.ListenAddress).Msg("Starting HTTP server")
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error().Err(err).Msg("Failed to start HTTP server")
			stop()
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	for _, p := range s.config.Sessions {
		g.Go(func() error {
			err := s.manager.RunProfile(gctx, p, func(res manager.Result, err error) {
				s.finished(gctx, p, res, err)
			})
			if err != nil {
				return fmt.Errorf("profile %q: %w", p.Name, err)
			}
			return nil
		})
	}
	s.log.Info().Msg("etwpilot is ready")

	// Profiles that do not restart finish early; keep serving until ctx.
	err := g.Wait()
	if err == nil {
		<-ctx.Done()
	}
	s.log.Info().Msg("! Shutdown initiated...")
	s.shutdown()
	return err
}

func (s *Server) servePprof(stop context.CancelFunc) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Interface("panic", r).Msg("Panic recovered in pprof server, initiating shutdown")
			stop()
		}
	}()
	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	s.log.Info().Str("address", pprofAddress).Msg("Starting pprof HTTP server")
	if err := http.ListenAndServe(pprofAddress, mux); err != nil {
		s.log.Error().Err(err).Msg("pprof server failed")
	}
}

// finished stores a completed profile run when the profile asks for it.
func (s *Server) finished(ctx context.Context, p config.ProfileConfig, res manager.Result, runErr error) {
	l := s.log.Info()
	if runErr != nil {
		l = s.log.Warn().Err(runErr)
	}
	l.Str("profile", p.Name).
		Str("reason", res.Stats.Reason.String()).
		Uint64("events", res.Stats.Events).
		Uint64("bytes", res.Stats.Bytes).
		Msg("Session profile run finished")

	if !p.Store || s.store == nil {
		return
	}
	rec := export.NewSessionRecord(p.Name, manager.ProfileParameters(p), res.Stats, runErr)
	id, err := s.store.SaveSession(context.WithoutCancel(ctx), rec, res.Events)
	if err != nil {
		s.log.Error().Err(err).Str("profile", p.Name).Msg("Failed to store session")
		return
	}
	s.log.Debug().Int64("id", id).Str("profile", p.Name).Msg("Session stored")
}

// shutdown stops the HTTP server, then the sessions, then the store.
func (s *Server) shutdown() {
	httpCtx, cancelhttp := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelhttp()
	if err := s.httpServer.Shutdown(httpCtx); err != nil {
		s.log.Error().Err(err).Msg("Error shutting down HTTP server")
	} else {
		s.log.Debug().Msg("HTTP server shut down cleanly")
	}

	sessCtx, cancelsess := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelsess()
	if err := s.manager.Close(sessCtx); err != nil {
		s.log.Error().Err(err).Msg("Error stopping sessions")
	} else {
		s.log.Info().Msg("Sessions stopped")
	}

	if s.store != nil {
		if err := s.store.Close(); err != nil {
			s.log.Error().Err(err).Msg("Error closing export store")
		}
	}
	s.log.Info().Msg("etwpilot stopped gracefully")
}

func newServeCmd(st *cliState) *cobra.Command {
	var (
		listen      string
		metricsPath string
		replay      string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the configured session profiles and serve metrics",
		Long: `Run every [[sessions]] profile of the configuration, restarting the ones that
ask for it, store finished runs in the export database and expose session
metrics for Prometheus until interrupted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			// Override with command line flags if provided
			if cmd.Flags().Changed("listen-address") {
				st.cfg.Server.ListenAddress = listen
			}
			if cmd.Flags().Changed("metrics-path") {
				st.cfg.Server.MetricsPath = metricsPath
			}

			catalog, err := buildCatalog(st.cfg, replay)
			if err != nil {
				return err
			}
			srv, err := NewServer(st.cfg, buildFacility(replay, true), catalog)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return srv.Run(ctx)
		},
	}
	cmd.Flags().StringVar(&listen, "listen-address", "", "Address to listen on for metrics (overrides server.listen_address)")
	cmd.Flags().StringVar(&metricsPath, "metrics-path", "", "Path under which to expose metrics (overrides server.metrics_path)")
	cmd.Flags().StringVar(&replay, "replay", "", "Run the profiles against a capture file instead of live tracing")
	return cmd
}
