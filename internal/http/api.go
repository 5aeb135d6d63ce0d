package http

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"qb-autoseed/internal/domain"
	"qb-autoseed/internal/downloader"
	"qb-autoseed/internal/service"
	"qb-autoseed/internal/storage"
)

// StatusSource exposes the last cycle snapshot of the monitor.
type StatusSource interface {
	Status() (downloader.Snapshot, bool)
}

// Handler wires HTTP routes to the monitor and its journal.
type Handler struct {
	status  StatusSource
	journal service.JournalService
	archive storage.Uploader
}

// NewHandler builds the read-only API. archive may be nil when log archiving is off.
func NewHandler(status StatusSource, journal service.JournalService, archive storage.Uploader) *Handler {
	return &Handler{
		status:  status,
		journal: journal,
		archive: archive,
	}
}

func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.Use(corsMiddleware())

	api := router.Group("/api")
	{
		api.GET("/health", func(ctx *gin.Context) {
			ctx.JSON(http.StatusOK, gin.H{"ok": "ok"})
		})
		api.GET("/status", h.getStatus)
		api.GET("/decisions", h.listDecisions)
		api.GET("/decisions/:cycle", h.listCycleDecisions)
		api.GET("/archive/logs", h.listArchivedLogs)
	}
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Origin, Content-Type, Accept")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

func (h *Handler) getStatus(c *gin.Context) {
	snap, ok := h.status.Status()
	if !ok {
		c.Status(http.StatusNoContent)
		return
	}
	c.JSON(http.StatusOK, snapshotToResponse(snap))
}

func (h *Handler) listDecisions(c *gin.Context) {
	limit := service.DefaultRecentLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = n
	}

	decisions, err := h.journal.Recent(c.Request.Context(), limit)
	if err != nil {
		c.JSON(journalErrorStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, decisionsToResponse(decisions))
}

func (h *Handler) listCycleDecisions(c *gin.Context) {
	decisions, err := h.journal.Cycle(c.Request.Context(), c.Param("cycle"))
	if err != nil {
		c.JSON(journalErrorStatus(err), gin.H{"error": err.Error()})
		return
	}
	if len(decisions) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "cycle not found"})
		return
	}
	c.JSON(http.StatusOK, decisionsToResponse(decisions))
}

func (h *Handler) listArchivedLogs(c *gin.Context) {
	if h.archive == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "log archive not configured"})
		return
	}

	objects, err := h.archive.ListObjects(c.Request.Context(), c.Query("prefix"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	resp := make([]StorageObjectResponse, len(objects))
	for i := range objects {
		resp[i] = objectToResponse(objects[i])
	}
	c.JSON(http.StatusOK, resp)
}

func journalErrorStatus(err error) int {
	if errors.Is(err, service.ErrJournalDisabled) {
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

type StatusResponse struct {
	CycleID       string   `json:"cycle_id"`
	StartedAt     string   `json:"started_at"`
	FinishedAt    string   `json:"finished_at"`
	Jobs          int      `json:"jobs"`
	LabeledJobs   int      `json:"labeled_jobs"`
	Evicted       []string `json:"evicted"`
	Admitted      string   `json:"admitted,omitempty"`
	NewCandidates int      `json:"new_candidates"`
	DiskFree      int64    `json:"disk_free"`
	ScopeFree     *int64   `json:"scope_free,omitempty"`
	Effective     int64    `json:"effective"`
	DelaySeconds  float64  `json:"delay_seconds"`
	DryRun        bool     `json:"dry_run"`
	LastError     string   `json:"last_error,omitempty"`
}

type DecisionResponse struct {
	ID        int64               `json:"id"`
	CycleID   string              `json:"cycle_id"`
	Kind      domain.DecisionKind `json:"kind"`
	Hash      string              `json:"hash,omitempty"`
	Name      string              `json:"name,omitempty"`
	Link      string              `json:"link,omitempty"`
	Size      int64               `json:"size"`
	Reason    string              `json:"reason"`
	DryRun    bool                `json:"dry_run"`
	CreatedAt string              `json:"created_at"`
}

type StorageObjectResponse struct {
	Key          string  `json:"key"`
	Size         int64   `json:"size"`
	LastModified *string `json:"last_modified,omitempty"`
}

func snapshotToResponse(s downloader.Snapshot) StatusResponse {
	evicted := s.Evicted
	if evicted == nil {
		evicted = []string{}
	}
	return StatusResponse{
		CycleID:       s.CycleID,
		StartedAt:     s.StartedAt.Format(time.RFC3339),
		FinishedAt:    s.FinishedAt.Format(time.RFC3339),
		Jobs:          s.Jobs,
		LabeledJobs:   s.LabeledJobs,
		Evicted:       evicted,
		Admitted:      s.Admitted,
		NewCandidates: s.NewCandidates,
		DiskFree:      s.DiskFree,
		ScopeFree:     s.ScopeFree,
		Effective:     s.Effective,
		DelaySeconds:  s.Delay.Seconds(),
		DryRun:        s.DryRun,
		LastError:     s.LastError,
	}
}

func decisionsToResponse(decisions []domain.Decision) []DecisionResponse {
	resp := make([]DecisionResponse, len(decisions))
	for i, d := range decisions {
		resp[i] = DecisionResponse{
			ID:        d.ID,
			CycleID:   d.CycleID,
			Kind:      d.Kind,
			Hash:      d.Hash,
			Name:      d.Name,
			Link:      d.Link,
			Size:      d.Size,
			Reason:    d.Reason,
			DryRun:    d.DryRun,
			CreatedAt: d.CreatedAt.Format(time.RFC3339),
		}
	}
	return resp
}

func objectToResponse(obj storage.ObjectInfo) StorageObjectResponse {
	resp := StorageObjectResponse{
		Key:  obj.Key,
		Size: obj.Size,
	}
	if obj.LastModified != nil && !obj.LastModified.IsZero() {
		v := obj.LastModified.Format(time.RFC3339)
		resp.LastModified = &v
	}
	return resp
}
