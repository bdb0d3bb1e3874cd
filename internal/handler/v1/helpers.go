package v1

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/srm-health/rxchain/internal/domain"
	"github.com/srm-health/rxchain/internal/domain/grant"
	"github.com/srm-health/rxchain/internal/domain/prescription"
	"github.com/srm-health/rxchain/internal/ledger"
	"github.com/srm-health/rxchain/internal/service"
	"github.com/srm-health/rxchain/internal/verifytoken"
	"github.com/srm-health/rxchain/pkg/signature"
)

type APIResponse[T any] struct {
	Data    T      `json:"data"`
	Message string `json:"message,omitempty"`
}

type ErrorResponse struct {
	Error   string            `json:"error"`
	Code    string            `json:"code,omitempty"`
	Details map[string]string `json:"details,omitempty"`
}

type ValidationErrorResponse struct {
	Error  string   `json:"error"`
	Fields []string `json:"fields"`
}

func respondOK(c *gin.Context, data any) {
	c.JSON(http.StatusOK, APIResponse[any]{Data: data})
}

func respondCreated(c *gin.Context, data any) {
	c.JSON(http.StatusCreated, APIResponse[any]{Data: data})
}

func respondServiceError(c *gin.Context, err error) {
	var validErr *service.ValidationError
	if errors.As(err, &validErr) {
		c.JSON(http.StatusBadRequest, ValidationErrorResponse{
			Error:  "validation failed",
			Fields: validErr.Fields,
		})
		return
	}

	switch {
	case errors.Is(err, prescription.ErrPrescriptionNotFound),
		errors.Is(err, grant.ErrGrantNotFound),
		errors.Is(err, domain.ErrUserNotFound):
		c.JSON(http.StatusNotFound, ErrorResponse{Error: err.Error()})

	case errors.Is(err, prescription.ErrAlreadySigned),
		errors.Is(err, prescription.ErrNotIssued),
		errors.Is(err, grant.ErrAlreadyRevoked),
		errors.Is(err, service.ErrEmailTaken):
		c.JSON(http.StatusConflict, ErrorResponse{Error: err.Error()})

	case errors.Is(err, prescription.ErrNotSigned),
		errors.Is(err, prescription.ErrDraftToken),
		errors.Is(err, prescription.ErrNotAnchored),
		errors.Is(err, signature.ErrInvalidKey):
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})

	case errors.Is(err, verifytoken.ErrInvalidFormat),
		errors.Is(err, verifytoken.ErrMissingRecordID):
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid token", Code: err.Error()})

	case errors.Is(err, verifytoken.ErrInvalidSignature),
		errors.Is(err, verifytoken.ErrExpired):
		c.JSON(http.StatusUnauthorized, ErrorResponse{Error: "token rejected", Code: err.Error()})

	case errors.Is(err, service.ErrForbidden),
		errors.Is(err, service.ErrAccountInactive):
		c.JSON(http.StatusForbidden, ErrorResponse{Error: "access denied"})

	case errors.Is(err, service.ErrInvalidCredentials):
		c.JSON(http.StatusUnauthorized, ErrorResponse{Error: "invalid credentials"})

	case errors.Is(err, service.ErrAccountLocked):
		c.JSON(http.StatusTooManyRequests, ErrorResponse{
			Error: "account temporarily locked",
			Code:  "ACCOUNT_LOCKED",
		})

	case errors.Is(err, ledger.ErrInsufficientFunds):
		c.JSON(http.StatusBadGateway, ErrorResponse{
			Error: "anchor wallet has insufficient funds",
			Code:  "INSUFFICIENT_FUNDS",
		})

	case errors.Is(err, ledger.ErrAnchorFailed):
		c.JSON(http.StatusBadGateway, ErrorResponse{Error: "ledger anchoring failed"})

	default:
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal server error"})
	}
}

func bindJSON(c *gin.Context, obj any) bool {
	if err := c.ShouldBindJSON(obj); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request: " + err.Error()})
		return false
	}
	return true
}

func parseUUID(c *gin.Context, param string) (uuid.UUID, bool) {
	raw := c.Param(param)
	id, err := uuid.Parse(raw)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid " + param + ": must be a valid UUID"})
		return uuid.Nil, false
	}
	return id, true
}

func parseQueryInt(c *gin.Context, key string, defaultVal int) int {
	if raw := c.Query(key); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			return v
		}
	}
	return defaultVal
}
