package main

import (
	"context"
	"encoding/json"
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

	"github.com/inboxops/triage-engine/internal/expire"
	"github.com/inboxops/triage-engine/internal/model"
	"github.com/inboxops/triage-engine/internal/monitoring"
	"github.com/inboxops/triage-engine/internal/store"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the triage ingestion server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		env.Queue.StartSweeper(ctx, 5*time.Minute)

		collector := monitoring.NewCollector(env.Store, env.Breakers)
		checker := monitoring.NewChecker(collector, monitoring.NewAlerter(cfg.Monitoring), cfg.Monitoring)
		go checker.Run(ctx)

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: buildRouter(ctx, env, collector),
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
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}

// buildRouter assembles the HTTP surface over an initialized environment.
// serveCtx outlives individual requests; background batch runs inherit it.
func buildRouter(serveCtx context.Context, env *pipelineEnv, collector *monitoring.Collector) http.Handler {
	// Consolidated verdicts are immutable between reprocessing runs, so a
	// short TTL cache absorbs repeated polling.
	resultCache := expire.NewMemory[string, *model.ConsolidatedResult](30 * time.Second)
	resultCache.StartSweeper(serveCtx, time.Minute)

	lookupFinal := func(ctx context.Context, itemID string) (*model.ConsolidatedResult, error) {
		if cached, ok := resultCache.Get(itemID); ok {
			return cached, nil
		}
		final, err := env.Store.GetConsolidatedResult(ctx, itemID)
		if err != nil {
			return nil, err
		}
		if final != nil {
			resultCache.Set(itemID, final)
		}
		return final, nil
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST"},
		AllowedHeaders: []string{"Content-Type"},
	}))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Post("/ingest", func(w http.ResponseWriter, req *http.Request) {
		var body struct {
			UserID    string      `json:"user_id"`
			SessionID string      `json:"session_id"`
			Items     []itemInput `json:"items"`
		}
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
			return
		}

		items := make([]model.Item, 0, len(body.Items))
		for _, in := range body.Items {
			if in.Content == "" {
				continue
			}
			item := model.Item{
				ID:         in.ID,
				Content:    in.Content,
				Metadata:   in.Metadata,
				ReceivedAt: in.ReceivedAt,
			}
			if item.ID == "" {
				item.ID = uuid.New().String()
			}
			if item.ReceivedAt.IsZero() {
				item.ReceivedAt = time.Now().UTC()
			}
			items = append(items, item)
		}
		if len(items) == 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "items is required"})
			return
		}

		client := model.ClientContext{
			UserID:     body.UserID,
			SessionID:  body.SessionID,
			RemoteAddr: req.RemoteAddr,
			UserAgent:  req.UserAgent(),
		}

		// Triage runs in the background; callers poll /runs for the outcome.
		go func() {
			run, runErr := env.Pipeline.Run(serveCtx, client, items)
			if runErr != nil {
				zap.L().Error("ingest batch failed",
					zap.String("client", client.Key()),
					zap.Error(runErr),
				)
				return
			}
			zap.L().Info("ingest batch complete",
				zap.String("run", run.ID),
				zap.String("status", string(run.Status)),
			)
		}()

		writeJSON(w, http.StatusAccepted, map[string]any{
			"status": "accepted",
			"items":  len(items),
		})
	})

	r.Get("/runs", func(w http.ResponseWriter, req *http.Request) {
		runs, err := env.Store.ListRuns(req.Context(), runListFilter(req))
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "list runs"})
			return
		}
		writeJSON(w, http.StatusOK, runs)
	})

	r.Get("/runs/{id}", func(w http.ResponseWriter, req *http.Request) {
		run, err := env.Store.GetRun(req.Context(), chi.URLParam(req, "id"))
		if err != nil {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "run not found"})
			return
		}
		writeJSON(w, http.StatusOK, run)
	})

	r.Post("/query", func(w http.ResponseWriter, req *http.Request) {
		var body struct {
			ItemIDs []string `json:"item_ids"`
		}
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
			return
		}
		if len(body.ItemIDs) == 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "item_ids is required"})
			return
		}

		results := make(map[string]*model.ConsolidatedResult, len(body.ItemIDs))
		for _, itemID := range body.ItemIDs {
			final, err := lookupFinal(req.Context(), itemID)
			if err != nil {
				writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "get consolidated result"})
				return
			}
			if final != nil {
				results[itemID] = final
			}
		}
		writeJSON(w, http.StatusOK, map[string]any{"results": results})
	})

	r.Get("/results/{id}", func(w http.ResponseWriter, req *http.Request) {
		itemID := chi.URLParam(req, "id")
		stages, err := env.Store.ListStageResults(req.Context(), itemID)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "list stage results"})
			return
		}
		final, err := lookupFinal(req.Context(), itemID)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "get consolidated result"})
			return
		}
		if len(stages) == 0 && final == nil {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "item not found"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"item_id": itemID,
			"stages":  stages,
			"final":   final,
		})
	})

	r.Get("/status", func(w http.ResponseWriter, req *http.Request) {
		snap, err := collector.Collect(req.Context())
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "collect metrics"})
			return
		}
		out := map[string]any{"metrics": snap}
		if env.Bus != nil {
			out["recent_events"] = env.Bus.Recent(20)
		}
		if env.Queue != nil {
			out["active_buckets"] = env.Queue.ActiveBuckets()
		}
		writeJSON(w, http.StatusOK, out)
	})

	return r
}

func runListFilter(req *http.Request) store.RunFilter {
	filter := store.RunFilter{
		Status: model.RunStatus(req.URL.Query().Get("status")),
		Limit:  50,
	}
	if raw := req.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			filter.Limit = n
		}
	}
	return filter
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
