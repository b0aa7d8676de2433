package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/intake-pipeline/internal/formdef"
	"github.com/sells-group/intake-pipeline/internal/store"
	"github.com/sells-group/intake-pipeline/internal/workflow"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the intake HTTP server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           newRouter(env),
			ReadHeaderTimeout: 5 * time.Second,
		}

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

func newRouter(env *intakeEnv) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Idempotency-Key"},
	}))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Get("/metrics", func(w http.ResponseWriter, req *http.Request) {
		snap, err := env.Collector.Collect(req.Context())
		if err != nil {
			zap.L().Error("metrics collection failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "metrics unavailable")
			return
		}
		writeJSON(w, http.StatusOK, snap)
	})

	r.Post("/v1/forms/{formID}/submissions", handleIntake(env))
	r.Get("/v1/submissions/{id}", handleGetSubmission(env))

	return r
}

type intakeBody struct {
	Values map[string]string `json:"values"`
}

type submissionResponse struct {
	ID        string `json:"id"`
	State     string `json:"state"`
	Flag      string `json:"flag,omitempty"`
	Reason    string `json:"reason,omitempty"`
	Duplicate bool   `json:"duplicate,omitempty"`
}

func handleIntake(env *intakeEnv) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body intakeBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if len(body.Values) == 0 {
			writeError(w, http.StatusBadRequest, "values is required")
			return
		}

		result, err := env.Coordinator.Intake(r.Context(), workflow.IntakeRequest{
			FormID:         chi.URLParam(r, "formID"),
			Values:         body.Values,
			RemoteIP:       clientIP(r),
			IdempotencyKey: r.Header.Get("Idempotency-Key"),
		})
		if err != nil {
			switch {
			case errors.Is(err, formdef.ErrUnknownForm):
				writeError(w, http.StatusNotFound, "unknown form")
			case errors.Is(err, formdef.ErrInvalidDefinition):
				zap.L().Error("invalid form definition", zap.Error(err))
				writeError(w, http.StatusInternalServerError, "form misconfigured")
			default:
				zap.L().Error("intake failed", zap.Error(err))
				writeError(w, http.StatusInternalServerError, "internal error")
			}
			return
		}

		sub := result.Submission
		resp := submissionResponse{
			ID:        sub.ID,
			State:     string(sub.State),
			Duplicate: result.Duplicate,
		}

		switch {
		case result.Duplicate:
			writeJSON(w, http.StatusOK, resp)
		case result.Blocked:
			resp.Flag = string(sub.Flag)
			resp.Reason = sub.BlockedReason
			writeJSON(w, http.StatusUnprocessableEntity, resp)
		default:
			writeJSON(w, http.StatusAccepted, resp)
		}
	}
}

func handleGetSubmission(env *intakeEnv) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sub, err := env.Store.GetSubmission(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				writeError(w, http.StatusNotFound, "submission not found")
				return
			}
			zap.L().Error("submission lookup failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		writeJSON(w, http.StatusOK, sub)
	}
}

// clientIP returns the requester address without the port. middleware.RealIP
// has already folded X-Forwarded-For into RemoteAddr.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return strings.TrimSpace(r.RemoteAddr)
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
