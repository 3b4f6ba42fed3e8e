package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/atlascdp/identity-backend/internal/services"
)

type MergeHandler struct {
	svc services.MergeService
}

func NewMergeHandler(svc services.MergeService) *MergeHandler {
	return &MergeHandler{svc: svc}
}

type mergeRequest struct {
	SourceProfileID uuid.UUID `json:"source_profile_id"`
	TargetProfileID uuid.UUID `json:"target_profile_id"`
	Reason          string    `json:"reason,omitempty"`
}

// POST /api/profiles/merge
func (h *MergeHandler) Merge(c *gin.Context) {
	var req mergeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid merge body"})
		return
	}
	record, err := h.svc.Merge(c.Request.Context(), req.SourceProfileID, req.TargetProfileID, req.Reason)
	if err != nil {
		RespondServiceError(c, err)
		return
	}
	RespondOK(c, record)
}

// POST /api/merges/:id/rollback
func (h *MergeHandler) Rollback(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid merge id"})
		return
	}
	reversal, err := h.svc.Rollback(c.Request.Context(), id)
	if err != nil {
		RespondServiceError(c, err)
		return
	}
	RespondOK(c, reversal)
}

// GET /api/merges?limit=N
func (h *MergeHandler) ListRecent(c *gin.Context) {
	limit := intQuery(c, "limit", 50)
	merges, err := h.svc.ListRecent(c.Request.Context(), limit)
	if err != nil {
		RespondServiceError(c, err)
		return
	}
	RespondOK(c, gin.H{"merges": merges})
}

func intQuery(c *gin.Context, key string, fallback int) int {
	raw := c.Query(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}
