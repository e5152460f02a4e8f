// Package healthz exposes runner status and Prometheus metrics over HTTP.
package healthz

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"spot-grid/internal/store"
)

type StatusSource interface {
	RuntimeStatus() store.RuntimeStatus
}

// Server answers /health and /metrics. /health turns 503 once the last
// successful cycle is older than MaxStale, or before the first one.
type Server struct {
	Router   *gin.Engine
	Status   StatusSource
	Metrics  http.Handler
	MaxStale time.Duration
	Logger   *zap.Logger

	now func() time.Time
}

func New(status StatusSource, metrics http.Handler, maxStale time.Duration, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLogger(logger))
	s := &Server{
		Router:   r,
		Status:   status,
		Metrics:  metrics,
		MaxStale: maxStale,
		Logger:   logger,
		now:      time.Now,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)
	if s.Metrics != nil {
		s.Router.GET("/metrics", gin.WrapH(s.Metrics))
	}
}

func (s *Server) health(c *gin.Context) {
	status := s.Status.RuntimeStatus()
	healthy := !status.LastCycleAt.IsZero() && status.LastError == ""
	if healthy && s.MaxStale > 0 && s.now().Sub(status.LastCycleAt) > s.MaxStale {
		healthy = false
	}
	code := http.StatusOK
	label := "ok"
	if !healthy {
		code = http.StatusServiceUnavailable
		label = "unhealthy"
	}
	c.JSON(code, gin.H{"status": label, "runtime": status})
}

// Run serves on addr until ctx is done.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	s.Logger.Info("http_listening", zap.String("addr", addr))
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("http_request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		)
	}
}
