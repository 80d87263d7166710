// Package sched exposes the coordinator over HTTP. This is embedding-
// application glue: the scheduler library itself has no transport surface.
package sched

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/taskmesh/taskmesh/internal/domain/task"
	domainworker "github.com/taskmesh/taskmesh/internal/domain/worker"
	portarchive "github.com/taskmesh/taskmesh/internal/port/archive"
	"github.com/taskmesh/taskmesh/internal/service/registry"
	"github.com/taskmesh/taskmesh/internal/service/scheduler"
)

// Handler wires scheduler operations to routes. The worker executor used
// for HTTP-registered workers is injected so tests and the simulator can
// substitute their own.
type Handler struct {
	sched    *scheduler.Scheduler
	archive  portarchive.Archive
	executor domainworker.Executor
}

func NewHandler(sched *scheduler.Scheduler, arc portarchive.Archive, executor domainworker.Executor) *Handler {
	return &Handler{sched: sched, archive: arc, executor: executor}
}

func (h *Handler) Register(api *gin.RouterGroup) {
	api.POST("/tasks", h.submitTask)
	api.GET("/tasks/:id", h.getTask)
	api.GET("/tasks", h.recentTasks)
	api.GET("/status", h.getStatus)
	api.POST("/queue/process", h.processQueue)
	api.POST("/workers", h.registerWorker)
	api.PATCH("/workers/:id/availability", h.setAvailability)
}

type submitTaskReq struct {
	Query   string         `json:"query" binding:"required"`
	Domain  task.Domain    `json:"domain" binding:"required"`
	Context map[string]any `json:"context"`
}

func (h *Handler) submitTask(c *gin.Context) {
	var req submitTaskReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	receipt, err := h.sched.Submit(c.Request.Context(), req.Query, req.Domain, req.Context)
	if err != nil {
		var verr *task.ValidationError
		switch {
		case errors.As(err, &verr):
			c.JSON(http.StatusBadRequest, gin.H{"error": verr.Error()})
		case errors.Is(err, scheduler.ErrQueueFull):
			// Backpressure: the caller should retry after the queue drains.
			c.Header("Retry-After", "1")
			c.JSON(http.StatusTooManyRequests, gin.H{"error": err.Error()})
		case errors.Is(err, scheduler.ErrClosed):
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}
	c.JSON(http.StatusAccepted, receipt)
}

func (h *Handler) getTask(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid task id"})
		return
	}
	snap, ok := h.sched.GetTask(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (h *Handler) recentTasks(c *gin.Context) {
	limit := 50
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}
	snaps, err := h.archive.Recent(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if snaps == nil {
		snaps = []task.Snapshot{}
	}
	c.JSON(http.StatusOK, snaps)
}

func (h *Handler) getStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.sched.GetStatus())
}

func (h *Handler) processQueue(c *gin.Context) {
	c.JSON(http.StatusOK, h.sched.ProcessQueue(c.Request.Context()))
}

type registerWorkerReq struct {
	Domain   task.Domain `json:"domain" binding:"required"`
	Capacity int         `json:"capacity" binding:"required"`
}

func (h *Handler) registerWorker(c *gin.Context) {
	var req registerWorkerReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !req.Domain.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unrecognized domain"})
		return
	}

	w, err := domainworker.New(req.Domain, req.Capacity, h.executor)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	// Simulated workers have no startup work to wait on.
	w.Activate()
	if err := h.sched.RegisterWorker(c.Request.Context(), w); err != nil {
		if errors.Is(err, registry.ErrDuplicateWorker) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"worker_id": w.ID(),
		"domain":    w.Domain(),
		"capacity":  w.Capacity(),
	})
}

type setAvailabilityReq struct {
	Availability *float64 `json:"availability" binding:"required"`
}

func (h *Handler) setAvailability(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid worker id"})
		return
	}
	var req setAvailabilityReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.sched.Registry().SetAvailability(id, *req.Availability); err != nil {
		if errors.Is(err, registry.ErrUnknownWorker) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

// SimulatedExecutor returns an executor that mimics domain work by
// sleeping for delay and echoing the query. Used by HTTP-registered
// workers and the simulator; real deployments inject their own.
func SimulatedExecutor(delay time.Duration) domainworker.Executor {
	return func(ctx context.Context, t *task.Task) (string, error) {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(delay):
		}
		return "processed: " + t.Query(), nil
	}
}
