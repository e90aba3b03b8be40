package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"clipbatch/internal/batch"
	"clipbatch/internal/history"
	"clipbatch/internal/job"
)

// HistoryReader lists recently finished jobs.
type HistoryReader interface {
	Recent(ctx context.Context, limit int) ([]history.Entry, error)
}

type startBatchResponse struct {
	JobID     string     `json:"job_id"`
	Status    job.Status `json:"status"`
	StatusURL string     `json:"status_url"`
}

type statusResponse struct {
	job.View
	StuckSeconds int64  `json:"stuck_seconds,omitempty"`
	ArchiveURL   string `json:"archive_url,omitempty"`
}

type API struct {
	batches *batch.Manager
	signer  *LinkSigner
	history HistoryReader
	linkTTL time.Duration
}

const (
	defaultLinkTTL      = 30 * time.Minute
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

type Option func(*API)

// WithHistory exposes the job ledger under /api/v1/history.
func WithHistory(h HistoryReader) Option {
	return func(a *API) { a.history = h }
}

// WithLinkTTL sets how long signed archive links stay valid.
func WithLinkTTL(ttl time.Duration) Option {
	return func(a *API) {
		if ttl > 0 {
			a.linkTTL = ttl
		}
	}
}

func NewAPI(batches *batch.Manager, signer *LinkSigner, opts ...Option) *API {
	a := &API{batches: batches, signer: signer, linkTTL: defaultLinkTTL}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// RegisterRoutes registers API routes on the provided gin engine
func (a *API) RegisterRoutes(router gin.IRouter) {
	router.GET("/healthz", a.Health)
	api := router.Group("/api/v1")
	{
		api.POST("/batches", a.StartBatch)
		api.GET("/batches/:id", a.GetStatus)
		api.GET("/batches/:id/archive", a.DownloadArchive)
		api.GET("/queue", a.QueueState)
		api.GET("/history", a.History)
	}
}

func (a *API) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// StartBatch accepts a batch and returns its job id immediately
func (a *API) StartBatch(c *gin.Context) {
	var req batch.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		log.Warn().Err(err).Msg("invalid start batch request")
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	jobID, err := a.batches.StartBatch(c.Request.Context(), req)
	if err != nil {
		status := startErrorStatus(err)
		log.Warn().Str("job_id", req.JobID).Int("status", status).Err(err).Msg("batch rejected")
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, startBatchResponse{
		JobID:     jobID,
		Status:    job.StatusProcessing,
		StatusURL: "/api/v1/batches/" + jobID,
	})
}

func startErrorStatus(err error) int {
	switch {
	case errors.Is(err, batch.ErrBusy):
		return http.StatusServiceUnavailable
	case errors.Is(err, job.ErrAlreadyExists):
		return http.StatusConflict
	case errors.Is(err, batch.ErrNoClips),
		errors.Is(err, batch.ErrTooManyClips),
		errors.Is(err, batch.ErrInvalidClip),
		errors.Is(err, batch.ErrInvalidJobID):
		return http.StatusBadRequest
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

// GetStatus returns the current view of a job; evicted jobs are 404 not_found
func (a *API) GetStatus(c *gin.Context) {
	id := c.Param("id")
	view := a.batches.GetStatus(id)
	if view.Status == job.StatusNotFound {
		c.JSON(http.StatusNotFound, gin.H{"id": id, "status": job.StatusNotFound})
		return
	}
	resp := statusResponse{View: view, StuckSeconds: view.StuckSeconds()}
	if view.Status == job.StatusCompleted && a.signer != nil {
		resp.ArchiveURL = a.signer.URL(id, a.linkTTL)
	}
	c.JSON(http.StatusOK, resp)
}

// DownloadArchive serves the archive of a completed job behind a signed link
func (a *API) DownloadArchive(c *gin.Context) {
	id := c.Param("id")
	if a.signer == nil {
		c.JSON(http.StatusForbidden, gin.H{"error": "archive downloads disabled"})
		return
	}
	if err := a.signer.Verify(id, c.Query("expires"), c.Query("token")); err != nil {
		log.Warn().Str("job_id", id).Err(err).Msg("rejected archive link")
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
		return
	}

	archivePath, err := a.batches.ArchivePath(id)
	switch {
	case errors.Is(err, job.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"id": id, "status": job.StatusNotFound})
		return
	case err != nil:
		log.Warn().Str("job_id", id).Err(err).Msg("archive not ready to download")
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	log.Info().Str("job_id", id).Str("path", archivePath).Msg("serving archive download")
	c.FileAttachment(archivePath, "batch-"+id+".zip")
}

func (a *API) QueueState(c *gin.Context) {
	c.JSON(http.StatusOK, a.batches.QueueState())
}

// History lists recently finished jobs when the ledger is enabled
func (a *API) History(c *gin.Context) {
	if a.history == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "history disabled"})
		return
	}
	limit := defaultHistoryLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = min(n, maxHistoryLimit)
	}
	entries, err := a.history.Recent(c.Request.Context(), limit)
	if err != nil {
		log.Error().Err(err).Msg("read job history")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "history unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobs": entries})
}
