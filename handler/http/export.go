package http

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"geobatch/src/core/export"
	"geobatch/src/storage/postgres/exportctrl"
)

type ExportHandler struct {
	exports *exportctrl.ExportService
	core    *export.Service
}

func NewExportHandler(exports *exportctrl.ExportService, core *export.Service) *ExportHandler {
	return &ExportHandler{
		exports: exports,
		core:    core,
	}
}

type CreateExportRequest struct {
	JobID  int64  `json:"job_id"`
	Format string `json:"format"`
}

// CreateExport handles POST /api/export
func (h *ExportHandler) CreateExport(c *gin.Context) {
	var req CreateExportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request format"})
		return
	}

	created, err := h.core.Create(c.Request.Context(), identity(c), req.JobID, req.Format)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, created)
}

// ListExports handles GET /api/export. Plain users only see their own
// exports; admins see everything.
func (h *ExportHandler) ListExports(c *gin.Context) {
	who := identity(c)

	query := exportctrl.ListQuery{}
	if !who.Elevated() {
		query.UID = who.UID
	}
	if limit := c.Query("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "malformed limit"})
			return
		}
		query.Limit = n
	}
	if page := c.Query("page"); page != "" {
		n, err := strconv.Atoi(page)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "malformed page"})
			return
		}
		query.Page = n
	}

	exports, err := h.exports.List(c.Request.Context(), query)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, exports)
}

// GetExport handles GET /api/export/:export
func (h *ExportHandler) GetExport(c *gin.Context) {
	id, ok := pathID(c, "export")
	if !ok {
		return
	}

	found, err := h.exports.FromID(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	if !identity(c).Owns(found.UID) {
		c.JSON(http.StatusForbidden, gin.H{"error": "export belongs to another user"})
		return
	}

	c.JSON(http.StatusOK, found)
}

// GetExportData handles GET /api/export/:export/data, streaming the
// finished archive.
func (h *ExportHandler) GetExportData(c *gin.Context) {
	id, ok := pathID(c, "export")
	if !ok {
		return
	}

	c.Header("Content-Type", "application/zip")
	c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="export-%d.zip"`, id))

	if _, err := h.core.Data(c.Request.Context(), identity(c), id, c.Writer); err != nil {
		// Headers may already be out; only respond with JSON if not.
		if !c.Writer.Written() {
			c.Header("Content-Type", "application/json")
			c.Header("Content-Disposition", "")
			respondError(c, err)
		}
		return
	}
}

// GetExportLog handles GET /api/export/:export/log
func (h *ExportHandler) GetExportLog(c *gin.Context) {
	id, ok := pathID(c, "export")
	if !ok {
		return
	}

	events, err := h.core.Log(c.Request.Context(), identity(c), id)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, events)
}

// PatchExport handles PATCH /api/export/:export. Machine-only, the
// conversion fleet reports progress here.
func (h *ExportHandler) PatchExport(c *gin.Context) {
	id, ok := pathID(c, "export")
	if !ok {
		return
	}

	var patch map[string]interface{}
	if err := c.ShouldBindJSON(&patch); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request format"})
		return
	}

	found, err := h.exports.FromID(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}

	if err := found.Patch(patch); err != nil {
		respondError(c, err)
		return
	}

	if err := h.exports.Commit(c.Request.Context(), found); err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, found)
}
