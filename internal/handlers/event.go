package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/atlascdp/identity-backend/internal/services"
)

type EventHandler struct {
	svc services.EventService
}

func NewEventHandler(svc services.EventService) *EventHandler {
	return &EventHandler{svc: svc}
}

type ingestRequest struct {
	Events []services.IngestEvent `json:"events"`
}

// POST /api/events
func (h *EventHandler) Ingest(c *gin.Context) {
	var req ingestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid event batch"})
		return
	}
	result, err := h.svc.Ingest(c.Request.Context(), req.Events)
	if err != nil {
		RespondServiceError(c, err)
		return
	}
	RespondOK(c, result)
}
