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
	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/shelfsight/shelfscan/internal/engine"
	"github.com/shelfsight/shelfscan/internal/model"
	"github.com/shelfsight/shelfscan/internal/monitoring"
	"github.com/shelfsight/shelfscan/internal/store"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the job API server and queue workers",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		eng, st, err := initEngine(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		queue := engine.NewMemoryQueue(64)
		pool := engine.NewWorkerPool(eng, queue, st, cfg.Engine.QueueWorkers)

		g, gCtx := errgroup.WithContext(ctx)
		g.Go(func() error {
			return pool.Start(gCtx)
		})

		if cfg.Monitoring.Enabled {
			checker := monitoring.NewChecker(
				monitoring.NewCollector(st),
				monitoring.NewAlerter(cfg.Monitoring),
				cfg.Monitoring,
			)
			g.Go(func() error {
				checker.Run(gCtx)
				return nil
			})
		}

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           newRouter(st, queue),
			ReadHeaderTimeout: 10 * time.Second,
		}

		g.Go(func() error {
			<-gCtx.Done()
			zap.L().Info("shutting down server")
			shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			// Close the queue so workers finish buffered jobs and exit.
			queue.Close()
			return srv.Shutdown(shutCtx)
		})

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return eris.Wrap(err, "server listen")
		}

		return g.Wait()
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}

// newRouter builds the job API. The queue is an interface so tests and
// broker-backed deployments can swap the in-process implementation.
func newRouter(st store.Store, queue engine.Queue) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))

	s := &server{st: st, queue: queue}
	r.Get("/health", s.handleHealth)
	r.Post("/jobs", s.handleCreateJob)
	r.Get("/jobs", s.handleListJobs)
	r.Get("/jobs/{id}", s.handleGetJob)
	return r
}

type server struct {
	st    store.Store
	queue engine.Queue
}

func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ImageRef       string  `json:"image_ref"`
		TargetAccuracy float64 `json:"target_accuracy"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ImageRef == "" {
		writeError(w, http.StatusBadRequest, "image_ref is required")
		return
	}
	if req.TargetAccuracy < 0 || req.TargetAccuracy > 100 {
		writeError(w, http.StatusBadRequest, "target_accuracy must be in [0,100]")
		return
	}

	job := model.Job{
		ID:             uuid.New().String(),
		ImageRef:       req.ImageRef,
		TargetAccuracy: req.TargetAccuracy,
		SubmittedAt:    time.Now().UTC(),
	}

	if err := s.queue.Enqueue(r.Context(), job); err != nil {
		zap.L().Error("api: enqueue failed", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "queue unavailable")
		return
	}

	zap.L().Info("api: job accepted",
		zap.String("job", job.ID),
		zap.String("image", job.ImageRef))
	writeJSON(w, http.StatusAccepted, map[string]string{
		"job_id": job.ID,
		"status": "queued",
	})
}

func (s *server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	run, err := s.findRun(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// findRun resolves either a run ID or a job ID. Jobs are identified by the
// ID handed out at enqueue time; their run gets its own ID once a worker
// picks them up.
func (s *server) findRun(ctx context.Context, id string) (*model.Run, error) {
	if run, err := s.st.GetRun(ctx, id); err == nil {
		return run, nil
	}
	runs, err := s.st.ListRuns(ctx, store.RunFilter{Limit: 1000})
	if err != nil {
		return nil, err
	}
	for i := range runs {
		if runs[i].Job.ID == id {
			return &runs[i], nil
		}
	}
	return nil, eris.Errorf("api: no run for %s", id)
}

func (s *server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	filter := store.RunFilter{Limit: 50}
	if v := r.URL.Query().Get("status"); v != "" {
		filter.Status = model.RunStatus(v)
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		filter.Limit = n
	}

	runs, err := s.st.ListRuns(r.Context(), filter)
	if err != nil {
		zap.L().Error("api: list runs failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "list runs failed")
		return
	}
	if runs == nil {
		runs = []model.Run{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
