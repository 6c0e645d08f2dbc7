package handlers

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/orrn/continuousprint/internal/core"
	"github.com/orrn/continuousprint/internal/db"
)

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// Controller is what the handlers need from core.Controller.
type Controller interface {
	Snapshot(ctx context.Context) (*core.Snapshot, error)
	Do(ctx context.Context, a core.Action) (bool, error)
	Submit(a core.Action) bool
	Mutate(ctx context.Context, fn func(ctx context.Context) error) error
	SetRetryOnPause(p core.RetryPolicy)
	RetryPolicy() core.RetryPolicy
	RunID() int64
	CurrentPath() string
}

type SetActiveRequest struct {
	Active bool `json:"active"`
}

type SetRequest struct {
	Path      string   `json:"path" binding:"required"`
	SD        bool     `json:"sd"`
	Count     int      `json:"count"`
	Materials []string `json:"materials"`
	Profiles  []string `json:"profiles"`
}

type CreateJobRequest struct {
	Queue string       `json:"queue"`
	Name  string       `json:"name"`
	Count int          `json:"count"`
	Draft bool         `json:"draft"`
	Sets  []SetRequest `json:"sets"`
}

type AddSetRequest struct {
	SetRequest
	// JobID of zero puts the set in a new job.
	JobID int64  `json:"job_id"`
	Queue string `json:"queue"`
}

type MoveRequest struct {
	AfterID int64 `json:"after_id"`
	DestJob int64 `json:"dest_job"`
}

type MultiRequest struct {
	JobIDs   []int64 `json:"job_ids"`
	SetIDs   []int64 `json:"set_ids"`
	QueueIDs []int64 `json:"queue_ids"`
}

type QueueRequest struct {
	Name     string `json:"name" binding:"required"`
	Strategy string `json:"strategy"`
	Addr     string `json:"addr"`
}

type CommitQueuesRequest struct {
	Queues []QueueRequest `json:"queues" binding:"required,dive"`
}

type QueueHandler struct {
	store *db.Store
	ctrl  Controller
	queue string
	log   log.FieldLogger
}

func NewQueueHandler(store *db.Store, ctrl Controller, queue string, logger log.FieldLogger) *QueueHandler {
	if queue == "" {
		queue = db.DefaultQueue
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &QueueHandler{store: store, ctrl: ctrl, queue: queue, log: logger}
}

func (h *QueueHandler) GetState(c *gin.Context) {
	snap, err := h.ctrl.Snapshot(c.Request.Context())
	if err != nil {
		h.log.WithError(err).Error("failed to build queue state")
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "database_error",
			Message: "Failed to load queue state",
		})
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (h *QueueHandler) SetActive(c *gin.Context) {
	var req SetActiveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "validation_error", Message: err.Error()})
		return
	}

	a := core.ActionDeactivate
	if req.Active {
		a = core.ActionActivate
	}
	if _, err := h.ctrl.Do(c.Request.Context(), a); err != nil {
		h.log.WithError(err).WithField("action", a).Error("set_active failed")
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "queue_error", Message: err.Error()})
		return
	}
	h.GetState(c)
}

func (h *QueueHandler) CreateJob(c *gin.Context) {
	var req CreateJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "validation_error", Message: err.Error()})
		return
	}
	if req.Queue == "" {
		req.Queue = h.queue
	}

	var job *db.Job
	err := h.ctrl.Mutate(c.Request.Context(), func(ctx context.Context) error {
		j, err := h.store.NewEmptyJob(ctx, req.Queue, req.Name, req.Draft)
		if err != nil {
			return err
		}
		if req.Count > 1 {
			if _, err := h.store.UpdateJob(ctx, j.ID, db.JobUpdate{Count: &req.Count}); err != nil {
				return err
			}
		}
		for _, s := range req.Sets {
			if err := h.store.AppendSet(ctx, j.ID, s.toSet()); err != nil {
				return err
			}
		}
		job, err = h.store.GetJob(ctx, j.ID)
		return err
	})
	if err != nil {
		h.storeError(c, err, "job")
		return
	}
	c.JSON(http.StatusCreated, job)
}

func (h *QueueHandler) UpdateJob(c *gin.Context) {
	id, ok := paramID(c)
	if !ok {
		return
	}
	var req db.JobUpdate
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "validation_error", Message: err.Error()})
		return
	}

	var job *db.Job
	err := h.ctrl.Mutate(c.Request.Context(), func(ctx context.Context) error {
		var err error
		job, err = h.store.UpdateJob(ctx, id, req)
		return err
	})
	if err != nil {
		h.storeError(c, err, "job")
		return
	}
	c.JSON(http.StatusOK, job)
}

func (h *QueueHandler) MoveJob(c *gin.Context) {
	id, ok := paramID(c)
	if !ok {
		return
	}
	var req MoveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "validation_error", Message: err.Error()})
		return
	}

	err := h.ctrl.Mutate(c.Request.Context(), func(ctx context.Context) error {
		return h.store.MoveJob(ctx, id, req.AfterID)
	})
	if err != nil {
		h.storeError(c, err, "job")
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (h *QueueHandler) AddSet(c *gin.Context) {
	var req AddSetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "validation_error", Message: err.Error()})
		return
	}
	if req.Queue == "" {
		req.Queue = h.queue
	}

	set := req.toSet()
	err := h.ctrl.Mutate(c.Request.Context(), func(ctx context.Context) error {
		jobID := req.JobID
		if jobID <= 0 {
			j, err := h.store.NewEmptyJob(ctx, req.Queue, "", false)
			if err != nil {
				return err
			}
			jobID = j.ID
		}
		return h.store.AppendSet(ctx, jobID, set)
	})
	if err != nil {
		h.storeError(c, err, "set")
		return
	}
	c.JSON(http.StatusCreated, set)
}

func (h *QueueHandler) UpdateSet(c *gin.Context) {
	id, ok := paramID(c)
	if !ok {
		return
	}
	var req db.SetUpdate
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "validation_error", Message: err.Error()})
		return
	}

	var set *db.Set
	err := h.ctrl.Mutate(c.Request.Context(), func(ctx context.Context) error {
		var err error
		set, err = h.store.UpdateSet(ctx, id, req)
		return err
	})
	if err != nil {
		h.storeError(c, err, "set")
		return
	}
	c.JSON(http.StatusOK, set)
}

func (h *QueueHandler) MoveSet(c *gin.Context) {
	id, ok := paramID(c)
	if !ok {
		return
	}
	var req MoveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "validation_error", Message: err.Error()})
		return
	}

	err := h.ctrl.Mutate(c.Request.Context(), func(ctx context.Context) error {
		return h.store.MoveSet(ctx, id, req.AfterID, req.DestJob)
	})
	if err != nil {
		h.storeError(c, err, "set")
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (h *QueueHandler) RemoveMulti(c *gin.Context) {
	var req MultiRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "validation_error", Message: err.Error()})
		return
	}

	var result *db.RemoveResult
	err := h.ctrl.Mutate(c.Request.Context(), func(ctx context.Context) error {
		var err error
		result, err = h.store.RemoveJobsAndSets(ctx, req.JobIDs, req.SetIDs)
		if err != nil {
			return err
		}
		if len(req.QueueIDs) > 0 {
			result.QueuesDeleted, err = h.store.RemoveQueues(ctx, req.QueueIDs)
		}
		return err
	})
	if err != nil {
		h.storeError(c, err, "queue item")
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *QueueHandler) ResetMulti(c *gin.Context) {
	var req MultiRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "validation_error", Message: err.Error()})
		return
	}

	var result *db.ReplenishResult
	err := h.ctrl.Mutate(c.Request.Context(), func(ctx context.Context) error {
		var err error
		result, err = h.store.Replenish(ctx, req.JobIDs, req.SetIDs)
		return err
	})
	if err != nil {
		h.storeError(c, err, "queue item")
		return
	}
	c.JSON(http.StatusOK, result)
}

// GetHistory lists history newest first. Entries belonging to the open
// run are marked active.
func (h *QueueHandler) GetHistory(c *gin.Context) {
	limit := 100
	if s := c.Query("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "validation_error", Message: "limit must be a positive integer"})
			return
		}
		limit = min(n, 1000)
	}

	entries, err := h.store.GetHistory(c.Request.Context(), limit)
	if err != nil {
		h.storeError(c, err, "history")
		return
	}
	if entries == nil {
		entries = []*db.HistoryEntry{}
	}
	if run := h.ctrl.RunID(); run != 0 {
		for _, e := range entries {
			e.Active = e.RunID == run
		}
	}
	c.JSON(http.StatusOK, entries)
}

func (h *QueueHandler) ClearHistory(c *gin.Context) {
	if err := h.store.ClearHistory(c.Request.Context()); err != nil {
		h.storeError(c, err, "history")
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *QueueHandler) ListQueues(c *gin.Context) {
	queues, err := h.store.GetQueues(c.Request.Context())
	if err != nil {
		h.storeError(c, err, "queue")
		return
	}
	if queues == nil {
		queues = []*db.Queue{}
	}
	c.JSON(http.StatusOK, queues)
}

func (h *QueueHandler) CommitQueues(c *gin.Context) {
	var req CommitQueuesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "validation_error", Message: err.Error()})
		return
	}

	queues := make([]*db.Queue, 0, len(req.Queues))
	for _, q := range req.Queues {
		queues = append(queues, &db.Queue{Name: q.Name, Strategy: q.Strategy, Addr: q.Addr})
	}
	err := h.ctrl.Mutate(c.Request.Context(), func(ctx context.Context) error {
		return h.store.CommitQueues(ctx, queues)
	})
	if err != nil {
		h.storeError(c, err, "queue")
		return
	}
	h.ListQueues(c)
}

func (r SetRequest) toSet() *db.Set {
	count := r.Count
	if count <= 0 {
		count = 1
	}
	return &db.Set{
		Path:      r.Path,
		SD:        r.SD,
		Count:     count,
		Materials: r.Materials,
		Profiles:  r.Profiles,
	}
}

func paramID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid_id", Message: "Invalid ID"})
		return 0, false
	}
	return id, true
}

func (h *QueueHandler) storeError(c *gin.Context, err error, what string) {
	switch {
	case errors.Is(err, sql.ErrNoRows):
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "not_found", Message: what + " not found"})
	case errors.Is(err, db.ErrInvalid):
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "validation_error", Message: err.Error()})
	default:
		h.log.WithError(err).WithField("path", c.FullPath()).Error("store operation failed")
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "database_error", Message: "Failed to update " + what})
	}
}
