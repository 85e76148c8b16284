package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/vendalabs/leadpipe/internal/config"
	"github.com/vendalabs/leadpipe/internal/ingest"
	"github.com/vendalabs/leadpipe/internal/ratelimit"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API and lead webhook server",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := cfg.Validate("serve"); err != nil {
			return err
		}

		env, err := initPipeline(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		go drainOutbox(ctx, env)
		go sweepCache(ctx, env)

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           newRouter(ctx, env, cfg),
			ReadHeaderTimeout: 10 * time.Second,
		}

		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}
		return nil
	},
}

func newRouter(baseCtx context.Context, e *env, cfg *config.Config) http.Handler {
	importer := ingest.NewImporter(e.Store, cfg.Tenant)
	s := &server{env: e, tenant: cfg.Tenant, importer: importer, baseCtx: baseCtx}

	hook := ingest.NewLeadWebhook(importer, cfg.Server.WebhookVerifyToken)

	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.Server.CORSOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))
	r.Use(requestLogger)

	r.Get("/health", s.handleHealth)
	r.Post("/ratelimit/check", s.handleRateLimitCheck)
	r.Get("/webhooks/leads", hook.Verify)
	r.Post("/webhooks/leads", hook.Receive)

	r.Route("/api", func(r chi.Router) {
		r.Use(ratelimit.Middleware(e.Limiter))

		r.Get("/companies", s.handleListCompanies)
		r.Post("/companies", s.handleCreateCompany)
		r.Get("/companies/{id}", s.handleGetCompany)
		r.Post("/companies/{id}/enrich", s.handleEnrich)
		r.Post("/companies/{id}/qualify", s.handleQualify)
		r.Get("/companies/{id}/deal", s.handleGetDeal)
		r.Post("/companies/{id}/deal/stage", s.handleMoveStage)
		r.Post("/companies/{id}/deal/handoff", s.handleRequestHandoff)
		r.Post("/handoffs/{id}/resolve", s.handleResolveHandoff)
	})

	return r
}

// drainOutbox publishes pending transition events. Publication here is
// the structured log stream; an external broker consumer attaches by
// tailing it or by replacing this loop.
func drainOutbox(ctx context.Context, e *env) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		events, err := e.Store.PendingEvents(ctx, 100)
		if err != nil {
			zap.L().Error("load pending events", zap.Error(err))
			continue
		}
		for _, ev := range events {
			zap.L().Info("event published",
				zap.String("event_id", ev.ID),
				zap.String("type", ev.Type),
				zap.ByteString("payload", ev.Payload),
			)
			if err := e.Store.MarkPublished(ctx, ev.ID); err != nil {
				zap.L().Error("mark event published", zap.String("event_id", ev.ID), zap.Error(err))
			}
		}
	}
}

func sweepCache(ctx context.Context, e *env) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		n, err := e.Store.DeleteExpiredCache(ctx)
		if err != nil {
			zap.L().Error("cache sweep failed", zap.Error(err))
			continue
		}
		if n > 0 {
			zap.L().Info("expired cache entries removed", zap.Int("count", n))
		}
	}
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		next.ServeHTTP(w, r)
		zap.L().Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("elapsed", time.Since(started)),
		)
	})
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
