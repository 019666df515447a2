package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/andresuchdata/dicom-compressor/internal/api/handlers"
	"github.com/andresuchdata/dicom-compressor/internal/api/middleware"
)

// Services are the backends the HTTP trigger exposes.
type Services struct {
	BatchService handlers.BatchService
}

var defaultOrigins = []string{"http://localhost:3000", "http://127.0.0.1:3000"}

// NewRouter builds the gin engine serving /health and /api/v1.
func NewRouter(services *Services, allowedOrigins []string) *gin.Engine {
	router := gin.New()
	router.Use(middleware.Logger(), middleware.Recovery(), cors.New(corsConfig(allowedOrigins)))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "time": time.Now().UTC()})
	})

	v1 := router.Group("/api/v1")
	if services != nil && services.BatchService != nil {
		handlers.NewBatchHandler(services.BatchService).Register(v1)
	}
	return router
}

func corsConfig(allowedOrigins []string) cors.Config {
	cfg := cors.Config{
		AllowOrigins:  defaultOrigins,
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", "Authorization", middleware.RequestIDHeader},
		ExposeHeaders: []string{"Content-Length", middleware.RequestIDHeader},
		MaxAge:        12 * time.Hour,
	}

	origins, allowAll := normalizeAllowedOrigins(allowedOrigins)
	switch {
	case allowAll:
		// Credentials cannot be combined with a wildcard origin.
		cfg.AllowOrigins = nil
		cfg.AllowAllOrigins = true
	case len(origins) > 0:
		cfg.AllowOrigins = origins
		cfg.AllowCredentials = true
	default:
		cfg.AllowCredentials = true
	}
	return cfg
}

// normalizeAllowedOrigins splits comma separated entries and reports whether "*" was given.
func normalizeAllowedOrigins(origins []string) ([]string, bool) {
	var (
		parsed   []string
		allowAll bool
	)
	for _, origin := range origins {
		for _, part := range strings.Split(origin, ",") {
			switch trimmed := strings.TrimSpace(part); trimmed {
			case "":
			case "*":
				allowAll = true
			default:
				parsed = append(parsed, trimmed)
			}
		}
	}
	return parsed, allowAll
}
