package health

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// NewRouter builds the health/metrics HTTP surface.
func NewRouter(tracker *Tracker, reg *prometheus.Registry) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/health", func(c *gin.Context) {
		snap := tracker.Snapshot()
		code := http.StatusOK
		if snap.Status == StatusUnhealthy {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, snap)
	})

	router.GET("/health/live", func(c *gin.Context) {
		c.String(http.StatusOK, "Live")
	})

	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))

	return router
}

// Serve runs the health server until ctx is cancelled, then shuts it down.
func Serve(ctx context.Context, port int, router *gin.Engine, logger *logrus.Logger) {
	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: router,
	}

	go func() {
		logger.Infof("Health server starting on port %d", port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Errorf("Health server error: %v", err)
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Errorf("Health server shutdown error: %v", err)
		}
	}()
}
