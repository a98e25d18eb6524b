package sessions

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/paygoback/streampay/internal/permissions"
	"github.com/paygoback/streampay/internal/validation"
	"github.com/paygoback/streampay/internal/vendors"
)

// Handler provides HTTP endpoints for session operations.
type Handler struct {
	service *Service
}

// NewHandler creates a session handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up session routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/sessions", h.CreateSession)
	r.POST("/sessions/activate", h.ActivateSession)
	r.POST("/sessions/end", h.EndSession)
}

// CreateSession handles POST /sessions
func (h *Handler) CreateSession(c *gin.Context) {
	var req CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "user_wallet_address and vendor_id are required",
		})
		return
	}

	_, result, err := h.service.Create(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// ActivateSession handles POST /sessions/activate
func (h *Handler) ActivateSession(c *gin.Context) {
	var req SessionCodeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "session_code is required",
		})
		return
	}

	session, err := h.service.Activate(c.Request.Context(), req.SessionCode)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, session)
}

// EndSession handles POST /sessions/end
func (h *Handler) EndSession(c *gin.Context) {
	var req SessionCodeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "session_code is required",
		})
		return
	}

	tx, err := h.service.End(c.Request.Context(), req.SessionCode)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, tx)
}

// writeError maps service errors onto the wire shape.
func writeError(c *gin.Context, err error) {
	var verrs validation.ValidationErrors
	var badVendor *vendors.InvalidRecordError

	switch {
	case errors.As(err, &verrs):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": verrs.Error(),
			"fields":  verrs,
		})
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "session not found",
		})
	case errors.Is(err, ErrNoPermission):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "no_active_permission",
			"message": "create and fund a spending permission before opening a session",
		})
	case errors.Is(err, ErrNoBalance), errors.Is(err, permissions.ErrInsufficientBalance):
		c.JSON(http.StatusPaymentRequired, gin.H{
			"error":   "insufficient_balance",
			"message": err.Error(),
		})
	case errors.Is(err, permissions.ErrExpired):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "permission_expired",
			"message": err.Error(),
		})
	case errors.Is(err, ErrInvalidState), errors.Is(err, ErrNotLinked):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_state",
			"message": err.Error(),
		})
	case errors.Is(err, ErrStatusConflict):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "conflict",
			"message": "session changed concurrently, retry",
		})
	case errors.Is(err, vendors.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "unknown_vendor",
			"message": "vendor not found",
		})
	case errors.Is(err, vendors.ErrUnavailable):
		c.JSON(http.StatusBadGateway, gin.H{
			"error":   "vendor_unavailable",
			"message": "vendor directory unavailable",
		})
	case errors.As(err, &badVendor):
		c.JSON(http.StatusBadGateway, gin.H{
			"error":   "invalid_vendor",
			"message": err.Error(),
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
	}
}
