package v1

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/srm-health/rxchain/internal/handler/middleware"
	"github.com/srm-health/rxchain/internal/service"
)

type GrantHandler struct {
	grantSvc   *service.GrantService
	historySvc *service.HistoryService
}

func NewGrantHandler(grantSvc *service.GrantService, historySvc *service.HistoryService) *GrantHandler {
	return &GrantHandler{grantSvc: grantSvc, historySvc: historySvc}
}

type createGrantRequest struct {
	GranteeID string     `json:"grantee_id" binding:"required"`
	ExpiresAt *time.Time `json:"expires_at"`
}

func (h *GrantHandler) Create(c *gin.Context) {
	claims, _ := middleware.ClaimsFrom(c)

	var req createGrantRequest
	if !bindJSON(c, &req) {
		return
	}

	granteeID, err := uuid.Parse(req.GranteeID)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid grantee_id: must be a valid UUID"})
		return
	}

	g, err := h.grantSvc.CreateGrant(c.Request.Context(), claims.UserID, granteeID, req.ExpiresAt, c.ClientIP())
	if err != nil {
		respondServiceError(c, err)
		return
	}

	respondCreated(c, g)
}

func (h *GrantHandler) Revoke(c *gin.Context) {
	claims, _ := middleware.ClaimsFrom(c)

	g, err := h.grantSvc.RevokeGrant(c.Request.Context(), claims.UserID, c.Param("id"), c.ClientIP())
	if err != nil {
		respondServiceError(c, err)
		return
	}

	respondOK(c, g)
}

func (h *GrantHandler) List(c *gin.Context) {
	claims, _ := middleware.ClaimsFrom(c)

	grants, err := h.grantSvc.ListGrants(c.Request.Context(), claims.UserID)
	if err != nil {
		respondServiceError(c, err)
		return
	}

	respondOK(c, grants)
}

func (h *GrantHandler) PatientHistory(c *gin.Context) {
	claims, _ := middleware.ClaimsFrom(c)

	patientID, ok := parseUUID(c, "id")
	if !ok {
		return
	}

	entries, err := h.historySvc.PatientHistory(c.Request.Context(), patientID, claims.UserID, claims.Role, c.ClientIP())
	if err != nil {
		respondServiceError(c, err)
		return
	}

	respondOK(c, entries)
}
