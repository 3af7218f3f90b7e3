package server

import (
	"github.com/fulmenhq/gofulmen/signals"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/amu-labs/gatekeep/internal/core/engine"
	"github.com/amu-labs/gatekeep/internal/observability"
	"github.com/amu-labs/gatekeep/internal/server/handlers"
)

func (s *Server) registerRoutes() {
	health := s.deps.Health
	s.router.Get("/health", health.HealthHandler)
	s.router.Get("/health/live", health.LivenessHandler)
	s.router.Get("/health/ready", health.ReadinessHandler)
	s.router.Get("/health/startup", health.StartupHandler)

	s.router.Get("/version", handlers.VersionHandler)
	s.router.Get("/metrics", MetricsHandler)

	gateway := &handlers.GatewayHandler{
		Guard: &engine.Guard{
			Limiter:     s.deps.Limiter,
			Coordinator: s.deps.Coordinator,
			Logger:      observability.Logger(),
		},
		Upstream:      s.deps.Upstream,
		SubjectHeader: s.deps.Gateway.SubjectHeader,
		CourseScope:   s.deps.Gateway.CourseScope,
	}
	limits := &handlers.RateLimitHandler{Limiter: s.deps.Limiter}

	s.router.Route("/v1", func(r chi.Router) {
		r.Post("/courses", gateway.CreateCourse)
		r.Post("/lessons/{lessonID}/chat", gateway.LessonChat)

		r.Get("/rate-limits/{scope}", limits.Status)
		r.Post("/rate-limits/{scope}/attempts", limits.Record)
		r.Delete("/rate-limits/{scope}", limits.Clear)

		r.Get("/coordination/held", handlers.HeldKeysHandler(s.deps.Coordinator))
	})

	s.registerAdminEndpoint()
}

// registerAdminEndpoint mounts POST /admin/signal when admin.token is set.
func (s *Server) registerAdminEndpoint() {
	admin := s.deps.Admin
	logger := observability.ServerLogger

	if admin.Token == "" {
		if logger != nil {
			logger.Debug("Admin signal endpoint disabled (admin.token not set)")
		}
		return
	}

	handler := signals.NewHTTPHandler(signals.HTTPConfig{
		TokenAuth: admin.Token,
		RateLimit: admin.RateLimit,
		RateBurst: admin.RateBurst,
	})
	s.router.Post("/admin/signal", handler.ServeHTTP)

	if logger != nil {
		logger.Info("Admin signal endpoint enabled",
			zap.String("path", "/admin/signal"),
			zap.Int("rate_limit_per_min", admin.RateLimit),
			zap.Int("rate_burst", admin.RateBurst))
		logger.Warn("Admin endpoint enabled - ensure this server is not exposed to public internet")
	}
}
