package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/atlascdp/identity-backend/internal/services"
)

type RFMHandler struct {
	svc services.RFMService
}

func NewRFMHandler(svc services.RFMService) *RFMHandler {
	return &RFMHandler{svc: svc}
}

type rfmComputeRequest struct {
	WindowDays int `json:"window_days,omitempty"`
}

// POST /api/rfm/compute
func (h *RFMHandler) Compute(c *gin.Context) {
	var req rfmComputeRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid compute body"})
			return
		}
	}
	job, err := h.svc.EnqueueCompute(c.Request.Context(), req.WindowDays)
	if err != nil {
		RespondServiceError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"job": job})
}

// GET /api/rfm/summary
func (h *RFMHandler) Summary(c *gin.Context) {
	summary, err := h.svc.Summary(c.Request.Context())
	if err != nil {
		RespondServiceError(c, err)
		return
	}
	RespondOK(c, gin.H{"segments": summary})
}
