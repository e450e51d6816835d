package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/circlesave/circle-matcher/internal/matching"
	"github.com/circlesave/circle-matcher/internal/model"
	"github.com/circlesave/circle-matcher/internal/monitoring"
	"github.com/circlesave/circle-matcher/internal/store"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:         "serve",
	Short:       "Start the admin server for triggering and inspecting runs",
	Annotations: mode("serve"),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEngine(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		if cfg.Monitoring.WebhookURL != "" {
			collector := monitoring.NewCollector(env.Store, time.Duration(cfg.Monitoring.OverdueAfterMins)*time.Minute)
			checker := monitoring.NewChecker(collector, monitoring.NewAlerter(cfg.Monitoring), cfg.Monitoring)
			go checker.Run(ctx)
		}

		api := newAdminAPI(ctx, env.Orchestrator, env.Store)
		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           api.router(),
			ReadHeaderTimeout: 10 * time.Second,
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return eris.Wrap(err, "server listen")
		}
		api.wait()
		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}

// runner triggers matching runs.
type runner interface {
	Run(ctx context.Context) (*model.RunSummary, error)
	LastRun() *model.RunSummary
}

// runLister reads persisted run records.
type runLister interface {
	ListRuns(ctx context.Context, filter store.RunFilter) ([]model.Run, error)
}

// adminAPI serves the run trigger and inspection endpoints. Runs execute in
// the background under the server's context.
type adminAPI struct {
	ctx    context.Context
	runner runner
	runs   runLister

	busy     atomic.Bool
	inflight sync.WaitGroup
}

func newAdminAPI(ctx context.Context, r runner, runs runLister) *adminAPI {
	return &adminAPI{ctx: ctx, runner: r, runs: runs}
}

func (a *adminAPI) router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Route("/v1", func(r chi.Router) {
		r.Post("/runs", a.triggerRun)
		r.Get("/runs", a.listRuns)
		r.Get("/circles/split-candidates", a.splitCandidates)
	})
	return r
}

func (a *adminAPI) triggerRun(w http.ResponseWriter, _ *http.Request) {
	if !a.busy.CompareAndSwap(false, true) {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "run already in progress"})
		return
	}

	a.inflight.Add(1)
	go func() {
		defer a.inflight.Done()
		defer a.busy.Store(false)

		summary, err := a.runner.Run(a.ctx)
		switch {
		case errors.Is(err, matching.ErrRunInProgress):
			zap.L().Warn("triggered run skipped: lock held elsewhere")
		case err != nil:
			zap.L().Error("triggered run failed", zap.Error(err))
		default:
			zap.L().Info("triggered run complete",
				zap.String("run_id", summary.RunID),
				zap.Int("placed", summary.Placed),
			)
		}
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (a *adminAPI) listRuns(w http.ResponseWriter, r *http.Request) {
	filter := store.RunFilter{Status: model.RunStatus(r.URL.Query().Get("status"))}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a positive integer"})
			return
		}
		filter.Limit = n
	}

	runs, err := a.runs.ListRuns(r.Context(), filter)
	if err != nil {
		zap.L().Error("list runs", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "list runs failed"})
		return
	}
	if runs == nil {
		runs = []model.Run{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

// splitCandidates reports the flags of this process's last run, falling back
// to the most recent completed run on record.
func (a *adminAPI) splitCandidates(w http.ResponseWriter, r *http.Request) {
	summary := a.runner.LastRun()
	if summary == nil {
		runs, err := a.runs.ListRuns(r.Context(), store.RunFilter{Status: model.RunStatusComplete, Limit: 1})
		if err != nil {
			zap.L().Error("list runs", zap.Error(err))
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "list runs failed"})
			return
		}
		if len(runs) > 0 {
			summary = runs[0].Summary
		}
	}

	resp := struct {
		RunID      string                 `json:"run_id,omitempty"`
		Candidates []model.SplitCandidate `json:"split_candidates"`
	}{Candidates: []model.SplitCandidate{}}
	if summary != nil {
		resp.RunID = summary.RunID
		if summary.SplitCandidates != nil {
			resp.Candidates = summary.SplitCandidates
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// wait blocks until background runs finish.
func (a *adminAPI) wait() {
	a.inflight.Wait()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
