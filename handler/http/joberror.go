package http

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"geobatch/src/core/run"
	"geobatch/src/storage/postgres/joberrorctrl"
)

type JobErrorHandler struct {
	errors *joberrorctrl.JobErrorService
	core   *run.Service
}

func NewJobErrorHandler(errors *joberrorctrl.JobErrorService, core *run.Service) *JobErrorHandler {
	return &JobErrorHandler{
		errors: errors,
		core:   core,
	}
}

// ListJobErrors handles GET /api/job/error
func (h *JobErrorHandler) ListJobErrors(c *gin.Context) {
	details, err := h.errors.List(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, details)
}

// CountJobErrors handles GET /api/job/error/count
func (h *JobErrorHandler) CountJobErrors(c *gin.Context) {
	count, err := h.errors.Count(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"count": count})
}

// GetJobError handles GET /api/job/error/:job
func (h *JobErrorHandler) GetJobError(c *gin.Context) {
	id, ok := pathID(c, "job")
	if !ok {
		return
	}

	detail, err := h.errors.Get(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, detail)
}

type CreateJobErrorRequest struct {
	Job     int64  `json:"job"`
	Message string `json:"message"`
}

// CreateJobError handles POST /api/job/error. The batch fleet flags a
// failed job here for human review.
func (h *JobErrorHandler) CreateJobError(c *gin.Context) {
	var req CreateJobErrorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request format"})
		return
	}

	flagged, err := h.errors.Generate(c.Request.Context(), req.Job, req.Message)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, flagged)
}

type ModerateRequest struct {
	Decision string `json:"decision"`
}

// ModerateJobError handles POST /api/job/error/:job
func (h *JobErrorHandler) ModerateJobError(c *gin.Context) {
	id, ok := pathID(c, "job")
	if !ok {
		return
	}

	var req ModerateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request format"})
		return
	}

	result, err := h.core.ModerateError(c.Request.Context(), id, req.Decision)
	if err != nil {
		respondError(c, err)
		return
	}

	response := gin.H{"job": id, "decision": req.Decision}
	if result != nil {
		response["rerun"] = result
	}
	c.JSON(http.StatusOK, response)
}
