package v1

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/srm-health/rxchain/internal/domain/prescription"
	"github.com/srm-health/rxchain/internal/handler/middleware"
	"github.com/srm-health/rxchain/internal/service"
	"github.com/srm-health/rxchain/pkg/metrics"
)

type PrescriptionHandler struct {
	rxSvc     *service.PrescriptionService
	collector *metrics.Collector
}

func NewPrescriptionHandler(rxSvc *service.PrescriptionService, collector *metrics.Collector) *PrescriptionHandler {
	return &PrescriptionHandler{rxSvc: rxSvc, collector: collector}
}

type createPrescriptionRequest struct {
	PatientID string                   `json:"patient_id" binding:"required"`
	Items     []prescription.ItemInput `json:"items" binding:"required"`
	Notes     *string                  `json:"notes"`
}

func (h *PrescriptionHandler) Create(c *gin.Context) {
	claims, _ := middleware.ClaimsFrom(c)

	var req createPrescriptionRequest
	if !bindJSON(c, &req) {
		return
	}

	patientID, err := uuid.Parse(req.PatientID)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid patient_id: must be a valid UUID"})
		return
	}

	p, err := h.rxSvc.Create(c.Request.Context(), &prescription.CreateCommand{
		DoctorID:  claims.UserID,
		PatientID: patientID,
		Items:     req.Items,
		Notes:     req.Notes,
	}, string(claims.Role), c.ClientIP())
	if err != nil {
		respondServiceError(c, err)
		return
	}

	h.collector.PrescriptionsCreated.Inc()
	respondCreated(c, p)
}

func (h *PrescriptionHandler) Get(c *gin.Context) {
	claims, _ := middleware.ClaimsFrom(c)

	p, items, err := h.rxSvc.GetPrescription(c.Request.Context(), c.Param("id"), claims.UserID, string(claims.Role))
	if err != nil {
		respondServiceError(c, err)
		return
	}

	respondOK(c, gin.H{"prescription": p, "items": items})
}

func (h *PrescriptionHandler) List(c *gin.Context) {
	claims, _ := middleware.ClaimsFrom(c)

	q := &prescription.ListQuery{Limit: parseQueryInt(c, "limit", 0)}
	records, err := h.rxSvc.List(c.Request.Context(), q, claims.UserID, string(claims.Role))
	if err != nil {
		respondServiceError(c, err)
		return
	}

	respondOK(c, records)
}

type signRequest struct {
	PrivateKeyPEM string `json:"private_key_pem" binding:"required"`
}

func (h *PrescriptionHandler) Sign(c *gin.Context) {
	claims, _ := middleware.ClaimsFrom(c)

	var req signRequest
	if !bindJSON(c, &req) {
		return
	}

	result, err := h.rxSvc.Sign(c.Request.Context(), c.Param("id"), req.PrivateKeyPEM, claims.UserID, c.ClientIP())
	if err != nil {
		respondServiceError(c, err)
		return
	}

	h.collector.PrescriptionsSigned.Inc()
	respondOK(c, result)
}

func (h *PrescriptionHandler) QRToken(c *gin.Context) {
	claims, _ := middleware.ClaimsFrom(c)

	token, err := h.rxSvc.BuildVerifyToken(c.Request.Context(), c.Param("id"), claims.UserID, string(claims.Role), c.ClientIP())
	if err != nil {
		respondServiceError(c, err)
		return
	}

	respondOK(c, gin.H{"token": token})
}

type verifyRequest struct {
	Token string `json:"token"`
}

// Verify is public. A bearer token, when present and valid, only attributes
// the audit entry.
func (h *PrescriptionHandler) Verify(c *gin.Context) {
	token := c.Query("token")
	if c.Request.Method == http.MethodPost {
		var req verifyRequest
		if !bindJSON(c, &req) {
			return
		}
		token = req.Token
	}

	var actorID *uuid.UUID
	if claims, ok := middleware.ClaimsFrom(c); ok {
		actorID = &claims.UserID
	}

	outcome, err := h.rxSvc.VerifyScanToken(c.Request.Context(), token, actorID, c.ClientIP())
	if err != nil {
		h.collector.TokenVerifications.WithLabelValues("rejected").Inc()
		respondServiceError(c, err)
		return
	}

	outcomeLabel := "invalid"
	if outcome.Valid {
		outcomeLabel = "valid"
	}
	h.collector.TokenVerifications.WithLabelValues(outcomeLabel).Inc()
	respondOK(c, outcome)
}

func (h *PrescriptionHandler) Anchor(c *gin.Context) {
	claims, _ := middleware.ClaimsFrom(c)

	result, err := h.rxSvc.Anchor(c.Request.Context(), c.Param("id"), claims.UserID, string(claims.Role), c.ClientIP())
	if err != nil {
		h.collector.AnchorsTotal.WithLabelValues("failed").Inc()
		respondServiceError(c, err)
		return
	}

	h.collector.AnchorsTotal.WithLabelValues("ok").Inc()
	respondOK(c, result)
}

func (h *PrescriptionHandler) AnchorInfo(c *gin.Context) {
	claims, _ := middleware.ClaimsFrom(c)

	info, err := h.rxSvc.GetAnchorInfo(c.Request.Context(), c.Param("id"), claims.UserID, string(claims.Role))
	if err != nil {
		respondServiceError(c, err)
		return
	}

	respondOK(c, info)
}

func (h *PrescriptionHandler) VerifyAnchor(c *gin.Context) {
	claims, _ := middleware.ClaimsFrom(c)

	verification, err := h.rxSvc.VerifyAnchor(c.Request.Context(), c.Param("id"), claims.UserID, string(claims.Role))
	if err != nil {
		respondServiceError(c, err)
		return
	}

	respondOK(c, verification)
}

type dispenseRequest struct {
	Location string  `json:"location"`
	Notes    *string `json:"notes"`
}

func (h *PrescriptionHandler) Dispense(c *gin.Context) {
	claims, _ := middleware.ClaimsFrom(c)

	var req dispenseRequest
	if c.Request.ContentLength > 0 && !bindJSON(c, &req) {
		return
	}

	summary, err := h.rxSvc.Dispense(
		c.Request.Context(), c.Param("id"),
		claims.UserID, string(claims.Role), claims.FullName,
		req.Location, req.Notes, c.ClientIP(),
	)
	if err != nil {
		respondServiceError(c, err)
		return
	}

	h.collector.PrescriptionsDispensed.Inc()
	respondOK(c, summary)
}

func (h *PrescriptionHandler) Medications(c *gin.Context) {
	meds, err := h.rxSvc.ListMedications(c.Request.Context())
	if err != nil {
		respondServiceError(c, err)
		return
	}
	respondOK(c, meds)
}
