package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/atlascdp/identity-backend/internal/services"
)

type SegmentHandler struct {
	svc services.SegmentService
}

func NewSegmentHandler(svc services.SegmentService) *SegmentHandler {
	return &SegmentHandler{svc: svc}
}

// POST /api/segments
func (h *SegmentHandler) Create(c *gin.Context) {
	var in services.SegmentInput
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid segment body"})
		return
	}
	seg, err := h.svc.Create(c.Request.Context(), in)
	if err != nil {
		RespondServiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, seg)
}

// PATCH /api/segments/:id
func (h *SegmentHandler) Update(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid segment id"})
		return
	}
	var in services.SegmentInput
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid segment body"})
		return
	}
	seg, err := h.svc.Update(c.Request.Context(), id, in)
	if err != nil {
		RespondServiceError(c, err)
		return
	}
	RespondOK(c, seg)
}

// DELETE /api/segments/:id
func (h *SegmentHandler) Delete(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid segment id"})
		return
	}
	if err := h.svc.Delete(c.Request.Context(), id); err != nil {
		RespondServiceError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// GET /api/segments/:id
func (h *SegmentHandler) Get(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid segment id"})
		return
	}
	seg, err := h.svc.Get(c.Request.Context(), id)
	if err != nil {
		RespondServiceError(c, err)
		return
	}
	RespondOK(c, seg)
}

// GET /api/segments
func (h *SegmentHandler) List(c *gin.Context) {
	segments, err := h.svc.List(c.Request.Context())
	if err != nil {
		RespondServiceError(c, err)
		return
	}
	RespondOK(c, gin.H{"segments": segments})
}

// GET /api/segments/:id/members
func (h *SegmentHandler) Members(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid segment id"})
		return
	}
	limit := intQuery(c, "limit", 1000)
	members, err := h.svc.Members(c.Request.Context(), id, limit)
	if err != nil {
		RespondServiceError(c, err)
		return
	}
	RespondOK(c, gin.H{"profile_ids": members})
}

type memberRequest struct {
	ProfileID uuid.UUID `json:"profile_id"`
}

// POST /api/segments/:id/members
func (h *SegmentHandler) AddMember(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid segment id"})
		return
	}
	var req memberRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid member body"})
		return
	}
	if err := h.svc.AddMember(c.Request.Context(), id, req.ProfileID); err != nil {
		RespondServiceError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// DELETE /api/segments/:id/members/:profile_id
func (h *SegmentHandler) RemoveMember(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid segment id"})
		return
	}
	profileID, err := uuid.Parse(c.Param("profile_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid profile id"})
		return
	}
	if err := h.svc.RemoveMember(c.Request.Context(), id, profileID); err != nil {
		RespondServiceError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// POST /api/segments/:id/compute
func (h *SegmentHandler) Compute(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid segment id"})
		return
	}
	job, err := h.svc.EnqueueCompute(c.Request.Context(), id)
	if err != nil {
		RespondServiceError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"job": job})
}

type previewRequest struct {
	Rules json.RawMessage `json:"rules"`
}

// POST /api/segments/preview
func (h *SegmentHandler) Preview(c *gin.Context) {
	var req previewRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid preview body"})
		return
	}
	result, err := h.svc.Preview(c.Request.Context(), req.Rules)
	if err != nil {
		RespondServiceError(c, err)
		return
	}
	RespondOK(c, result)
}
