// Package api exposes the tracking engine over HTTP and streams hub events
// to websocket observers.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"bus-tracker/internal/auth"
	"bus-tracker/internal/hub"
	"bus-tracker/internal/tracking"
	"bus-tracker/internal/transit"
)

// Tracker is the subset of *tracking.Engine the handlers use.
type Tracker interface {
	StartTrip(ctx context.Context, code string, g tracking.Grant) (transit.Vehicle, error)
	ReportPosition(ctx context.Context, code string, r tracking.Report, g tracking.Grant) (tracking.ReportResult, error)
	EndTrip(ctx context.Context, code string, g tracking.Grant) (transit.Vehicle, error)
	SetStatus(ctx context.Context, code string, status transit.Status, g tracking.Grant) (transit.Vehicle, error)
	Vehicle(ctx context.Context, code string) (tracking.VehicleView, error)
	Vehicles(ctx context.Context, routeID string) ([]tracking.VehicleView, error)
}

type Server struct {
	tracker Tracker
	hub     *hub.Hub
	tokens  *auth.Tokens
	origins []string
}

func NewServer(t Tracker, h *hub.Hub, tokens *auth.Tokens, origins []string) *Server {
	return &Server{tracker: t, hub: h, tokens: tokens, origins: origins}
}

// Router builds the gin engine with every route mounted.
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger())
	router.Use(cors.New(s.corsConfig()))

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	apiV1 := router.Group("/api/v1")
	{
		apiV1.GET("/ws", s.serveWs)

		vehicles := apiV1.Group("/vehicles")
		vehicles.GET("", s.listVehicles)
		vehicles.GET("/:code", s.getVehicle)

		protected := vehicles.Group("/:code")
		protected.Use(s.authenticate(), s.authorize())
		{
			protected.POST("/trip", s.startTrip)
			protected.DELETE("/trip", s.endTrip)
			protected.PUT("/location", s.updateLocation)
			protected.PUT("/status", s.updateStatus)
		}
	}
	return router
}

func (s *Server) corsConfig() cors.Config {
	cfg := cors.DefaultConfig()
	cfg.AllowHeaders = append(cfg.AllowHeaders, "Authorization")
	cfg.AllowMethods = []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions}
	if allowsAnyOrigin(s.origins) {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = s.origins
	}
	return cfg
}

func allowsAnyOrigin(origins []string) bool {
	if len(origins) == 0 {
		return true
	}
	for _, o := range origins {
		if o == "*" {
			return true
		}
	}
	return false
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		entry := logrus.WithFields(logrus.Fields{
			"method":   c.Request.Method,
			"path":     c.FullPath(),
			"status":   c.Writer.Status(),
			"duration": time.Since(start),
		})
		if c.Writer.Status() >= http.StatusInternalServerError {
			entry.Warn("request failed")
			return
		}
		entry.Debug("request")
	}
}

// statusFor maps engine error kinds to HTTP status codes.
func statusFor(err error) int {
	switch tracking.KindOf(err) {
	case tracking.KindNotFound:
		return http.StatusNotFound
	case tracking.KindInvalidInput:
		return http.StatusBadRequest
	case tracking.KindPreconditionFailed:
		return http.StatusConflict
	case tracking.KindUnauthorized:
		return http.StatusForbidden
	}
	return http.StatusInternalServerError
}

func writeError(c *gin.Context, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		logrus.WithError(err).Error("tracking operation failed")
		msg = "internal error"
	}
	var te *tracking.Error
	if errors.As(err, &te) && status != http.StatusInternalServerError {
		msg = te.Err.Error()
	}
	c.AbortWithStatusJSON(status, gin.H{"success": false, "error": msg})
}

func writeData(c *gin.Context, status int, data any) {
	c.JSON(status, gin.H{"success": true, "data": data})
}
