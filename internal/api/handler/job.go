package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/timmy/stepflow/internal/api/middleware"
	"github.com/timmy/stepflow/internal/domain"
	"github.com/timmy/stepflow/internal/service"
)

// JobHandler handles job submission, status and control.
type JobHandler struct {
	jobService *service.JobService
}

// NewJobHandler creates a new job handler.
// Parameters:
//   - jobService: job service instance.
// Returns:
//   - *JobHandler: initialized handler.
func NewJobHandler(jobService *service.JobService) *JobHandler {
	return &JobHandler{jobService: jobService}
}

// ListJobsResponse is the body of GET /jobs.
type ListJobsResponse struct {
	Jobs   []domain.Job `json:"jobs"`
	Total  int64        `json:"total"`
	Limit  int          `json:"limit"`
	Offset int          `json:"offset"`
}

// ListWorkItemsResponse is the body of GET /jobs/:id/work-items.
type ListWorkItemsResponse struct {
	JobID     string            `json:"jobID"`
	WorkItems []domain.WorkItem `json:"workItems"`
}

// Create handles POST /jobs.
func (h *JobHandler) Create(c *gin.Context) {
	var req service.JobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request: " + err.Error(),
		})
		return
	}

	job, err := h.jobService.CreateJob(c.Request.Context(), &req)
	if errors.Is(err, service.ErrInvalidJobRequest) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": err.Error(),
		})
		return
	}
	if err != nil {
		middleware.GetLogger(c).WithError(err).Error("Failed to create job")
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to create job: " + err.Error(),
		})
		return
	}

	c.JSON(http.StatusCreated, job)
}

// List handles GET /jobs.
func (h *JobHandler) List(c *gin.Context) {
	status := domain.JobStatus(c.Query("status"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	jobs, total, err := h.jobService.ListJobs(c.Request.Context(), status, limit, offset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to list jobs: " + err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, ListJobsResponse{Jobs: jobs, Total: total, Limit: limit, Offset: offset})
}

// Get handles GET /jobs/:id.
func (h *JobHandler) Get(c *gin.Context) {
	job, err := h.jobService.GetJob(c.Request.Context(), c.Param("id"))
	if h.writeError(c, err) {
		return
	}
	c.JSON(http.StatusOK, job)
}

// ListWorkItems handles GET /jobs/:id/work-items.
func (h *JobHandler) ListWorkItems(c *gin.Context) {
	jobID := c.Param("id")
	items, err := h.jobService.ListWorkItems(c.Request.Context(), jobID)
	if h.writeError(c, err) {
		return
	}
	c.JSON(http.StatusOK, ListWorkItemsResponse{JobID: jobID, WorkItems: items})
}

// Cancel handles POST /jobs/:id/cancel.
func (h *JobHandler) Cancel(c *gin.Context) {
	job, err := h.jobService.CancelJob(c.Request.Context(), c.Param("id"))
	if h.writeError(c, err) {
		return
	}
	c.JSON(http.StatusOK, job)
}

// Pause handles POST /jobs/:id/pause.
func (h *JobHandler) Pause(c *gin.Context) {
	job, err := h.jobService.PauseJob(c.Request.Context(), c.Param("id"))
	if h.writeError(c, err) {
		return
	}
	c.JSON(http.StatusOK, job)
}

// Resume handles POST /jobs/:id/resume.
func (h *JobHandler) Resume(c *gin.Context) {
	job, err := h.jobService.ResumeJob(c.Request.Context(), c.Param("id"))
	if h.writeError(c, err) {
		return
	}
	c.JSON(http.StatusOK, job)
}

// writeError maps service errors to responses and reports whether one was written.
func (h *JobHandler) writeError(c *gin.Context, err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, service.ErrJobNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Job not found"})
	case errors.Is(err, service.ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		middleware.GetLogger(c).WithError(err).Error("Job request failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
	return true
}
