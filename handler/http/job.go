package http

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"geobatch/src/core/fault"
	"geobatch/src/core/run"
	"geobatch/src/infrastructure/logstream"
	"geobatch/src/log"
	"geobatch/src/storage/postgres/jobctrl"
)

// LogStore serves processing log streams for jobs and exports.
type LogStore interface {
	Events(ctx context.Context, stream string) ([]logstream.Event, error)
}

// SourceFetcher downloads raw source manifests.
type SourceFetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

type JobHandler struct {
	jobs    *jobctrl.JobService
	core    *run.Service
	logs    LogStore
	sources SourceFetcher
}

func NewJobHandler(jobs *jobctrl.JobService, core *run.Service, logs LogStore, sources SourceFetcher) *JobHandler {
	return &JobHandler{
		jobs:    jobs,
		core:    core,
		logs:    logs,
		sources: sources,
	}
}

// ListJobs handles GET /api/job
func (h *JobHandler) ListJobs(c *gin.Context) {
	query := jobctrl.ListQuery{
		Source: c.Query("source"),
	}
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
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown status " + status})
			return
		}
		query.Status = []jobctrl.Status{s}
	}

	jobs, err := h.jobs.List(c.Request.Context(), query)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, jobs)
}

// GetJob handles GET /api/job/:job
func (h *JobHandler) GetJob(c *gin.Context) {
	id, ok := pathID(c, "job")
	if !ok {
		return
	}

	job, err := h.jobs.FromID(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, job)
}

// ListRunJobs handles GET /api/run/:run/jobs
func (h *JobHandler) ListRunJobs(c *gin.Context) {
	id, ok := pathID(c, "run")
	if !ok {
		return
	}

	jobs, err := h.jobs.ListByRun(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, jobs)
}

// PatchJob handles PATCH /api/job/:job. The batch fleet reports status
// transitions here; each accepted patch triggers completion detection
// for the job's run. A ping failure never fails the patch, the next
// sibling ping retries the same detection.
func (h *JobHandler) PatchJob(c *gin.Context) {
	id, ok := pathID(c, "job")
	if !ok {
		return
	}

	var patch map[string]interface{}
	if err := c.ShouldBindJSON(&patch); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request format"})
		return
	}

	job, err := h.jobs.FromID(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}

	if err := job.Patch(patch); err != nil {
		respondError(c, err)
		return
	}

	if err := h.jobs.Commit(c.Request.Context(), job); err != nil {
		respondError(c, err)
		return
	}

	if err := h.core.Ping(c.Request.Context(), job); err != nil {
		log.Error(err, "completion detection failed", "job", job.ID, "run", job.Run)
	}

	c.JSON(http.StatusOK, job)
}

// GetJobRaw handles GET /api/job/:job/raw, proxying the job's source
// manifest as it was at scheduling time.
func (h *JobHandler) GetJobRaw(c *gin.Context) {
	id, ok := pathID(c, "job")
	if !ok {
		return
	}

	job, err := h.jobs.FromID(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}

	data, err := h.sources.Fetch(c.Request.Context(), job.Source)
	if err != nil {
		respondError(c, fault.Unavailable(err, "source %s unreachable", job.Source))
		return
	}

	c.Data(http.StatusOK, "application/json", data)
}

// GetJobLog handles GET /api/job/:job/log
func (h *JobHandler) GetJobLog(c *gin.Context) {
	id, ok := pathID(c, "job")
	if !ok {
		return
	}

	job, err := h.jobs.FromID(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	if job.Loglink == "" {
		respondError(c, fault.NotFound("job %d has no log stream", id))
		return
	}

	events, err := h.logs.Events(c.Request.Context(), job.Loglink)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, events)
}

// GetJobDelta handles GET /api/job/:job/delta
func (h *JobHandler) GetJobDelta(c *gin.Context) {
	id, ok := pathID(c, "job")
	if !ok {
		return
	}

	delta, err := h.jobs.Delta(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, delta)
}
