package http

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"geobatch/src/storage/postgres/datactrl"
)

type DataHandler struct {
	data *datactrl.DataService
}

func NewDataHandler(data *datactrl.DataService) *DataHandler {
	return &DataHandler{
		data: data,
	}
}

// ListData handles GET /api/data
func (h *DataHandler) ListData(c *gin.Context) {
	query := datactrl.ListQuery{
		Source: c.Query("source"),
		Layer:  c.Query("layer"),
	}

	items, err := h.data.List(c.Request.Context(), query)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, items)
}

// GetData handles GET /api/data/:data
func (h *DataHandler) GetData(c *gin.Context) {
	id, ok := pathID(c, "data")
	if !ok {
		return
	}

	item, err := h.data.FromID(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, item)
}

// GetDataHistory handles GET /api/data/:data/history, the jobs that
// have produced this data entry over time.
func (h *DataHandler) GetDataHistory(c *gin.Context) {
	id, ok := pathID(c, "data")
	if !ok {
		return
	}

	jobs, err := h.data.History(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, jobs)
}
