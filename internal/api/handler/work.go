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

// WorkHandler serves the worker-facing pull queue.
type WorkHandler struct {
	workService *service.WorkService
}

// NewWorkHandler creates a new work handler.
// Parameters:
//   - workService: work service instance.
// Returns:
//   - *WorkHandler: initialized handler.
func NewWorkHandler(workService *service.WorkService) *WorkHandler {
	return &WorkHandler{workService: workService}
}

// CompleteRequest is the body of PUT /work/:id.
type CompleteRequest struct {
	Status           domain.WorkItemStatus `json:"status" binding:"required"`
	Results          []string              `json:"results"`
	OutputSizes      []int64               `json:"outputSizes"`
	ErrorMessage     string                `json:"errorMessage"`
	Hits             int                   `json:"hits"`
	ScrollToken      []byte                `json:"scrollToken"`
	SearchAfterToken []byte                `json:"searchAfterToken"`
	DurationMs       int64                 `json:"durationMs"`
}

// Claim handles GET /work?serviceId=X.
// Responds 404 when the service has nothing to do.
func (h *WorkHandler) Claim(c *gin.Context) {
	serviceID := c.Query("serviceId")
	if serviceID == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "serviceId is required",
		})
		return
	}

	claimed, err := h.workService.ClaimNext(c.Request.Context(), serviceID)
	if errors.Is(err, service.ErrNoWork) {
		c.JSON(http.StatusNotFound, gin.H{
			"message": "no work available",
		})
		return
	}
	if err != nil {
		middleware.GetLogger(c).WithError(err).Error("Failed to claim work")
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to claim work: " + err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, claimed)
}

// Complete handles PUT /work/:id.
func (h *WorkHandler) Complete(c *gin.Context) {
	id, ok := parseWorkItemID(c)
	if !ok {
		return
	}

	var req CompleteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request: " + err.Error(),
		})
		return
	}

	item, err := h.workService.Complete(c.Request.Context(), id, &service.CompletionReport{
		Status:           req.Status,
		Results:          req.Results,
		OutputSizes:      req.OutputSizes,
		ErrorMessage:     req.ErrorMessage,
		Hits:             req.Hits,
		ScrollToken:      req.ScrollToken,
		SearchAfterToken: req.SearchAfterToken,
		DurationMs:       req.DurationMs,
	})
	switch {
	case errors.Is(err, service.ErrWorkItemNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error": "Work item not found",
		})
		return
	case errors.Is(err, service.ErrInvalidTransition):
		c.JSON(http.StatusBadRequest, gin.H{
			"error": err.Error(),
		})
		return
	case err != nil:
		middleware.GetLogger(c).WithError(err).Error("Failed to apply work item report")
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to update work item: " + err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, item)
}

// Get handles GET /work/:id.
func (h *WorkHandler) Get(c *gin.Context) {
	id, ok := parseWorkItemID(c)
	if !ok {
		return
	}

	item, err := h.workService.GetWorkItem(c.Request.Context(), id)
	if errors.Is(err, service.ErrWorkItemNotFound) {
		c.JSON(http.StatusNotFound, gin.H{
			"error": "Work item not found",
		})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to get work item: " + err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, item)
}

func parseWorkItemID(c *gin.Context) (uint64, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid work item ID",
		})
		return 0, false
	}
	return id, true
}
