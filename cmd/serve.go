package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/crypto-pipeline/internal/metrics"
	"github.com/sells-group/crypto-pipeline/internal/model"
	"github.com/sells-group/crypto-pipeline/internal/monitoring"
	"github.com/sells-group/crypto-pipeline/internal/warehouse"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve health, run history and Prometheus metrics over HTTP",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initPipeline(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		checker := monitoring.NewChecker(env.Monitor, env.Alerter, cfg.Monitoring)
		go checker.Run(ctx)

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           newRouter(env.Warehouse, env.Monitor, env.Alerter),
			ReadHeaderTimeout: 10 * time.Second,
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}

// healthChecker is the part of monitoring.Monitor the router needs.
type healthChecker interface {
	Check(ctx context.Context) *monitoring.HealthSnapshot
}

// runLister is the part of the warehouse the router needs.
type runLister interface {
	ListRuns(ctx context.Context, filter warehouse.RunFilter) ([]model.PipelineRun, error)
}

// newRouter builds the HTTP API read by the dashboard.
func newRouter(runs runLister, health healthChecker, alerter *monitoring.Alerter) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))
	r.Use(metrics.InstrumentHandler)

	r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
		snap := health.Check(req.Context())
		writeJSON(w, healthHTTPStatus(snap.Status), snap)
	})

	r.Get("/health/alerts", func(w http.ResponseWriter, req *http.Request) {
		snap := health.Check(req.Context())
		alerts := alerter.Evaluate(snap)
		if alerts == nil {
			alerts = []monitoring.Alert{}
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"status":    snap.Status,
			"timestamp": snap.Timestamp,
			"alerts":    alerts,
		})
	})

	r.Get("/runs", func(w http.ResponseWriter, req *http.Request) {
		q := req.URL.Query()
		filter := warehouse.RunFilter{
			RunID:  q.Get("run_id"),
			Stage:  model.Stage(q.Get("stage")),
			Status: model.RunStatus(q.Get("status")),
		}
		if v := q.Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a positive integer"})
				return
			}
			filter.Limit = n
		}

		list, err := runs.ListRuns(req.Context(), filter)
		if err != nil {
			zap.L().Error("list runs failed", zap.Error(err))
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to list runs"})
			return
		}
		if list == nil {
			list = []model.PipelineRun{}
		}
		writeJSON(w, http.StatusOK, list)
	})

	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	return r
}

// healthHTTPStatus maps a health status to a response code. Warnings still
// serve 200 so that load balancers keep the instance.
func healthHTTPStatus(s monitoring.Status) int {
	switch s {
	case monitoring.StatusHealthy, monitoring.StatusWarning:
		return http.StatusOK
	default:
		return http.StatusServiceUnavailable
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Warn("write response failed", zap.Error(err))
	}
}
