package http

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"geobatch/src/core/run"
	"geobatch/src/storage/postgres/jobctrl"
	"geobatch/src/storage/postgres/runctrl"
)

type RunHandler struct {
	runs *runctrl.RunService
	core *run.Service
}

func NewRunHandler(runs *runctrl.RunService, core *run.Service) *RunHandler {
	return &RunHandler{
		runs: runs,
		core: core,
	}
}

type CreateRunRequest struct {
	Live bool `json:"live"`
}

// CreateRun handles POST /api/run
func (h *RunHandler) CreateRun(c *gin.Context) {
	var req CreateRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request format"})
		return
	}

	r, err := h.runs.Generate(c.Request.Context(), req.Live, nil)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, r)
}

// ListRuns handles GET /api/run
func (h *RunHandler) ListRuns(c *gin.Context) {
	query := runctrl.ListQuery{}
	if limit := c.Query("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "malformed limit"})
			return
		}
		query.Limit = n
	}
	if status := c.Query("status"); status != "" {
		s := jobctrl.Status(status)
		if !s.Valid() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "malformed status"})
			return
		}
		query.Status = []jobctrl.Status{s}
	}
	if before := c.Query("before"); before != "" {
		t, err := time.Parse(time.RFC3339, before)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "malformed before timestamp"})
			return
		}
		query.Before = t
	}
	if after := c.Query("after"); after != "" {
		t, err := time.Parse(time.RFC3339, after)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "malformed after timestamp"})
			return
		}
		query.After = t
	}

	items, err := h.runs.List(c.Request.Context(), query)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, items)
}

// GetRun handles GET /api/run/:run
func (h *RunHandler) GetRun(c *gin.Context) {
	id, ok := pathID(c, "run")
	if !ok {
		return
	}

	r, err := h.runs.FromID(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, r)
}

// GetRunBySHA handles GET /api/run/sha/:sha, resolving the CI run
// scheduled for a commit.
func (h *RunHandler) GetRunBySHA(c *gin.Context) {
	sha := c.Param("sha")
	if sha == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing sha"})
		return
	}

	r, err := h.runs.FromSHA(c.Request.Context(), sha)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, r)
}

// GetRunStats handles GET /api/run/:run/count
func (h *RunHandler) GetRunStats(c *gin.Context) {
	id, ok := pathID(c, "run")
	if !ok {
		return
	}

	stats, err := h.runs.Stats(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, stats)
}

type PopulateRequest struct {
	Jobs []json.RawMessage `json:"jobs"`
}

// PopulateRun handles POST /api/run/:run/jobs
func (h *RunHandler) PopulateRun(c *gin.Context) {
	id, ok := pathID(c, "run")
	if !ok {
		return
	}

	var req PopulateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request format"})
		return
	}
	if len(req.Jobs) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "jobs array is empty"})
		return
	}

	result, err := h.core.Populate(c.Request.Context(), id, req.Jobs)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}
