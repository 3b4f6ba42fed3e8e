package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/atlascdp/identity-backend/internal/repos"
	"github.com/atlascdp/identity-backend/internal/services"
)

type ProfileHandler struct {
	svc      services.ProfileService
	rfmSvc   services.RFMService
	mergeSvc services.MergeService
	eventSvc services.EventService
}

func NewProfileHandler(svc services.ProfileService, rfmSvc services.RFMService, mergeSvc services.MergeService, eventSvc services.EventService) *ProfileHandler {
	return &ProfileHandler{svc: svc, rfmSvc: rfmSvc, mergeSvc: mergeSvc, eventSvc: eventSvc}
}

// GET /api/profiles/:id
func (h *ProfileHandler) Get(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid profile id"})
		return
	}
	detail, err := h.svc.Get(c.Request.Context(), id)
	if err != nil {
		RespondServiceError(c, err)
		return
	}
	RespondOK(c, detail)
}

// GET /api/profiles/:id/canonical
func (h *ProfileHandler) Canonical(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid profile id"})
		return
	}
	canonical, err := h.svc.Canonical(c.Request.Context(), id)
	if err != nil {
		RespondServiceError(c, err)
		return
	}
	RespondOK(c, canonical)
}

// GET /api/profiles/:id/identity-graph
func (h *ProfileHandler) IdentityGraph(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid profile id"})
		return
	}
	graph, err := h.svc.IdentityGraph(c.Request.Context(), id)
	if err != nil {
		RespondServiceError(c, err)
		return
	}
	RespondOK(c, graph)
}

// GET /api/profiles/:id/rfm
func (h *ProfileHandler) RFMScore(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid profile id"})
		return
	}
	score, err := h.rfmSvc.ProfileScore(c.Request.Context(), id)
	if err != nil {
		RespondServiceError(c, err)
		return
	}
	RespondOK(c, score)
}

// GET /api/profiles/:id/merge-history
func (h *ProfileHandler) MergeHistory(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid profile id"})
		return
	}
	history, err := h.mergeSvc.History(c.Request.Context(), id)
	if err != nil {
		RespondServiceError(c, err)
		return
	}
	RespondOK(c, gin.H{"merges": history})
}

// GET /api/profiles/:id/events
func (h *ProfileHandler) Events(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid profile id"})
		return
	}
	limit := intQuery(c, "limit", 100)
	events, err := h.eventSvc.ListByProfile(c.Request.Context(), id, limit)
	if err != nil {
		RespondServiceError(c, err)
		return
	}
	RespondOK(c, gin.H{"events": events})
}

type profileSearchRequest struct {
	LifecycleStage  string     `json:"lifecycle_stage,omitempty"`
	MinTotalEvents  int64      `json:"min_total_events,omitempty"`
	MinTotalRevenue float64    `json:"min_total_revenue,omitempty"`
	SeenAfter       *time.Time `json:"seen_after,omitempty"`
	IncludeMerged   bool       `json:"include_merged,omitempty"`
	Limit           int        `json:"limit,omitempty"`
	Offset          int        `json:"offset,omitempty"`
}

func (r *profileSearchRequest) filter() repos.ProfileSearchFilter {
	return repos.ProfileSearchFilter{
		LifecycleStage:  r.LifecycleStage,
		MinTotalEvents:  r.MinTotalEvents,
		MinTotalRevenue: r.MinTotalRevenue,
		SeenAfter:       r.SeenAfter,
		IncludeMerged:   r.IncludeMerged,
		Limit:           r.Limit,
		Offset:          r.Offset,
	}
}

// POST /api/profiles/search
func (h *ProfileHandler) Search(c *gin.Context) {
	var req profileSearchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid search body"})
		return
	}
	result, err := h.svc.Search(c.Request.Context(), req.filter())
	if err != nil {
		RespondServiceError(c, err)
		return
	}
	RespondOK(c, result)
}

// POST /api/profiles/export
func (h *ProfileHandler) Export(c *gin.Context) {
	var req profileSearchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid export body"})
		return
	}
	csvBytes, err := h.svc.ExportCSV(c.Request.Context(), req.filter())
	if err != nil {
		RespondServiceError(c, err)
		return
	}
	c.Header("Content-Disposition", `attachment; filename="profiles.csv"`)
	c.Data(http.StatusOK, "text/csv", csvBytes)
}
