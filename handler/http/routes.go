package http

import (
	"github.com/gin-gonic/gin"
)

type Handler struct {
	runs      *RunHandler
	jobs      *JobHandler
	jobErrors *JobErrorHandler
	exports   *ExportHandler
	data      *DataHandler
	webhooks  *WebhookHandler
	secrets   Secrets
}

func NewHandler(runs *RunHandler, jobs *JobHandler, jobErrors *JobErrorHandler, exports *ExportHandler, data *DataHandler, webhooks *WebhookHandler, secrets Secrets) *Handler {
	return &Handler{
		runs:      runs,
		jobs:      jobs,
		jobErrors: jobErrors,
		exports:   exports,
		data:      data,
		webhooks:  webhooks,
		secrets:   secrets,
	}
}

// RegisterRoutes registers all API routes
func (h *Handler) RegisterRoutes(r *gin.Engine) {
	r.Use(RequestID())
	r.Use(Authenticate(h.secrets))

	api := r.Group("/api")

	// Public read surface
	api.GET("/data", h.data.ListData)
	api.GET("/data/:data", h.data.GetData)
	api.GET("/data/:data/history", h.data.GetDataHistory)
	api.GET("/run", h.runs.ListRuns)
	api.GET("/run/sha/:sha", h.runs.GetRunBySHA)
	api.GET("/run/:run", h.runs.GetRun)
	api.GET("/run/:run/count", h.runs.GetRunStats)
	api.GET("/run/:run/jobs", h.jobs.ListRunJobs)
	api.GET("/job", h.jobs.ListJobs)
	api.GET("/job/error", h.jobErrors.ListJobErrors)
	api.GET("/job/error/count", h.jobErrors.CountJobErrors)
	api.GET("/job/error/:job", h.jobErrors.GetJobError)
	api.GET("/job/:job", h.jobs.GetJob)
	api.GET("/job/:job/delta", h.jobs.GetJobDelta)
	api.GET("/job/:job/log", h.jobs.GetJobLog)
	api.GET("/job/:job/raw", h.jobs.GetJobRaw)

	// User surface
	user := api.Group("", RequireAuth())
	user.POST("/export", h.exports.CreateExport)
	user.GET("/export", h.exports.ListExports)
	user.GET("/export/:export", h.exports.GetExport)
	user.GET("/export/:export/data", h.exports.GetExportData)
	user.GET("/export/:export/log", h.exports.GetExportLog)

	// Machine surface: the batch fleet and admin tooling
	machine := api.Group("", RequireAuth(), RequireMachine())
	machine.POST("/run", h.runs.CreateRun)
	machine.POST("/run/:run/jobs", h.runs.PopulateRun)
	machine.PATCH("/job/:job", h.jobs.PatchJob)
	machine.POST("/job/error", h.jobErrors.CreateJobError)
	machine.POST("/job/error/:job", h.jobErrors.ModerateJobError)
	machine.PATCH("/export/:export", h.exports.PatchExport)

	// Webhooks authenticate by payload signature instead
	r.POST("/api/github/event", h.webhooks.Event)

	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})
}
