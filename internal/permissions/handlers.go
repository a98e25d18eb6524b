package permissions

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/paygoback/streampay/internal/money"
	"github.com/paygoback/streampay/internal/validation"
	"github.com/paygoback/streampay/internal/zcash"
)

// Handler provides HTTP endpoints for permission operations.
type Handler struct {
	service  *Service
	balances BalanceReader
}

// NewHandler creates a permission handler.
func NewHandler(service *Service, balances BalanceReader) *Handler {
	return &Handler{service: service, balances: balances}
}

// RegisterRoutes sets up permission routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/permissions", h.CreatePermission)
	r.POST("/permissions/:id/verify", h.VerifyPermission)
	r.GET("/permissions/:id", h.GetPermission)
	r.POST("/permissions/:id/revoke", h.RevokePermission)
	r.GET("/permissions/wallet/:address", validation.AddressParamMiddleware(), h.GetWalletPermission)
	r.GET("/balance/:address", validation.AddressParamMiddleware(), h.GetBalance)
}

// CreatePermission handles POST /permissions
func (h *Handler) CreatePermission(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "user_wallet_address, requested_amount and rate_per_hour are required",
		})
		return
	}

	_, result, err := h.service.Create(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, result)
}

// VerifyPermission handles POST /permissions/:id/verify
func (h *Handler) VerifyPermission(c *gin.Context) {
	perm, err := h.service.VerifyAndActivate(c.Request.Context(), c.Param("id"))
	if err != nil {
		var short *PaymentShortError
		if errors.As(err, &short) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":    "payment_short",
				"message":  err.Error(),
				"expected": short.Expected,
				"received": short.Received,
			})
			return
		}
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"permission": perm})
}

// GetPermission handles GET /permissions/:id
func (h *Handler) GetPermission(c *gin.Context) {
	view, err := h.service.GetStatus(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

// RevokePermission handles POST /permissions/:id/revoke
func (h *Handler) RevokePermission(c *gin.Context) {
	perm, err := h.service.Revoke(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"permission": perm})
}

// GetWalletPermission handles GET /permissions/wallet/:address
func (h *Handler) GetWalletPermission(c *gin.Context) {
	perm, err := h.service.GetActiveByWallet(c.Request.Context(), c.Param("address"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"permission": perm})
}

// GetBalance handles GET /balance/:address?rate_per_hour=
func (h *Handler) GetBalance(c *gin.Context) {
	rate, err := money.ParseRate(c.DefaultQuery("rate_per_hour", "10.0"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_rate",
			"message": "rate_per_hour must be a positive decimal",
		})
		return
	}

	bal, err := h.balances.GetBalance(c.Request.Context(), c.Param("address"))
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"transparent":     bal.Transparent,
		"shielded":        bal.Shielded,
		"total":           bal.Total,
		"can_stream":      bal.Total.GreaterThanOrEqual(rate),
		"estimated_hours": bal.Total.DivRound(rate, money.HoursScale),
	})
}

// writeError maps service errors onto the wire shape.
func writeError(c *gin.Context, err error) {
	var verrs validation.ValidationErrors
	var chainErr *zcash.ChainError

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
			"message": "permission not found",
		})
	case errors.Is(err, ErrInvalidState):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_state",
			"message": err.Error(),
		})
	case errors.Is(err, ErrActiveExists):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "active_permission_exists",
			"message": err.Error(),
		})
	case errors.Is(err, ErrExpired):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "expired",
			"message": err.Error(),
		})
	case errors.Is(err, ErrInsufficientBalance):
		c.JSON(http.StatusPaymentRequired, gin.H{
			"error":   "insufficient_balance",
			"message": err.Error(),
		})
	case errors.As(err, &chainErr):
		c.JSON(http.StatusBadGateway, gin.H{
			"error":   "chain_error",
			"message": "chain RPC unavailable",
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
	}
}
