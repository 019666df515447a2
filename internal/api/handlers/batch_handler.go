package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/andresuchdata/dicom-compressor/internal/domain"
	"github.com/andresuchdata/dicom-compressor/internal/repository"
)

// BatchService is what the handler needs from service.BatchService.
type BatchService interface {
	Run(ctx context.Context, desc domain.BatchDescriptor) (*domain.BatchRun, error)
	Get(ctx context.Context, id string) (*domain.BatchRun, error)
	List(ctx context.Context, limit int) ([]*domain.BatchRun, error)
	Discover(ctx context.Context, bucket, prefix string, filter domain.ObjectFilter) ([]string, error)
}

type BatchHandler struct {
	service BatchService
}

func NewBatchHandler(service BatchService) *BatchHandler {
	return &BatchHandler{service: service}
}

// Register mounts the batch and object routes on rg.
func (h *BatchHandler) Register(rg *gin.RouterGroup) {
	batches := rg.Group("/batches")
	batches.POST("", h.CreateBatch)
	batches.GET("", h.ListBatches)
	batches.GET("/:id", h.GetBatch)

	rg.GET("/objects", h.ListObjects)
}

// CreateBatch runs the posted batch descriptor to completion and returns the run.
func (h *BatchHandler) CreateBatch(c *gin.Context) {
	var desc domain.BatchDescriptor
	if err := c.ShouldBindJSON(&desc); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid batch descriptor: " + err.Error()})
		return
	}

	// The run outlives the request: a client that disconnects must not fail its units.
	run, err := h.service.Run(context.WithoutCancel(c.Request.Context()), desc)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidBatch) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		log.Ctx(c.Request.Context()).Error().Err(err).Msg("batch run failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to run batch"})
		return
	}

	c.JSON(http.StatusOK, run)
}

func (h *BatchHandler) GetBatch(c *gin.Context) {
	id := strings.TrimSpace(c.Param("id"))
	run, err := h.service.Get(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, repository.ErrBatchNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "batch not found"})
			return
		}
		log.Ctx(c.Request.Context()).Error().Err(err).Str("batch_id", id).Msg("failed to get batch")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get batch"})
		return
	}

	c.JSON(http.StatusOK, run)
}

func (h *BatchHandler) ListBatches(c *gin.Context) {
	limit := 0
	if raw := strings.TrimSpace(c.Query("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
			return
		}
		limit = parsed
	}

	runs, err := h.service.List(c.Request.Context(), limit)
	if err != nil {
		log.Ctx(c.Request.Context()).Error().Err(err).Msg("failed to list batches")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list batches"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": runs})
}

// ListObjects returns the source keys a batch over bucket/prefix would contain.
func (h *BatchHandler) ListObjects(c *gin.Context) {
	bucket := strings.TrimSpace(c.Query("bucket"))
	if bucket == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bucket is required"})
		return
	}
	prefix := c.Query("prefix")

	var filter domain.ObjectFilter
	if raw := c.Query("year"); raw != "" {
		year, err := strconv.Atoi(raw)
		if err != nil || year < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid year"})
			return
		}
		filter.Year = year
	}
	if raw := c.Query("month"); raw != "" {
		month, err := strconv.Atoi(raw)
		if err != nil || month < 1 || month > 12 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid month"})
			return
		}
		filter.Month = time.Month(month)
	}

	files, err := h.service.Discover(c.Request.Context(), bucket, prefix, filter)
	if err != nil {
		log.Ctx(c.Request.Context()).Error().Err(err).Str("bucket", bucket).Str("prefix", prefix).Msg("failed to list objects")
		c.JSON(http.StatusBadGateway, gin.H{"error": "failed to list objects"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"source_bucket": bucket,
		"source_prefix": prefix,
		"files":         files,
	})
}
