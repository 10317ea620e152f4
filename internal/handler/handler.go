package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/nathanyu/p2p-wallet/internal/domain"
	"github.com/nathanyu/p2p-wallet/internal/middleware"
	"github.com/nathanyu/p2p-wallet/internal/transfer"
)

// IdempotencyKeyHeader carries the client's idempotency key
const IdempotencyKeyHeader = "Idempotency-Key"

// TransferService is implemented by transfer.Service
type TransferService interface {
	Transfer(ctx context.Context, cmd domain.TransferCommand) (domain.TransferResult, error)
	GetBalance(ctx context.Context, accountID string) (domain.Account, error)
	Payees(ctx context.Context, callerID string) ([]transfer.Payee, error)
}

// Handler contains all HTTP handlers
type Handler struct {
	transfers TransferService
	timeout   time.Duration
}

// NewHandler creates a new handler
func NewHandler(transfers TransferService, timeout time.Duration) *Handler {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Handler{
		transfers: transfers,
		timeout:   timeout,
	}
}

// TransferRequest is the request body for transfer endpoint. Amount is kept
// raw so non-numeric and fractional values can be reported as INVALID_AMOUNT.
type TransferRequest struct {
	SenderID       string          `json:"sender_id,omitempty"`
	RecipientID    string          `json:"recipient_id"`
	Amount         json.RawMessage `json:"amount"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
}

// ErrorResponse is returned for every failed request
type ErrorResponse struct {
	Error    string                 `json:"error"`
	Code     domain.ErrorKind       `json:"code"`
	Transfer *domain.TransferResult `json:"transfer,omitempty"`
}

// Transfer handles POST /v1/wallet/transfer
func (h *Handler) Transfer(c *gin.Context) {
	caller := middleware.CallerID(c)

	var req TransferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "invalid request body: " + err.Error(),
			"code":  "INVALID_REQUEST",
		})
		return
	}

	if req.SenderID != "" && domain.NormalizeAccountID(req.SenderID) != caller {
		h.respondError(c, domain.ErrForbidden, nil)
		return
	}

	amount, err := parseAmount(req.Amount)
	if err != nil {
		h.respondError(c, err, nil)
		return
	}

	key := strings.TrimSpace(c.GetHeader(IdempotencyKeyHeader))
	if key == "" {
		key = req.IdempotencyKey
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), h.timeout)
	defer cancel()

	result, err := h.transfers.Transfer(ctx, domain.TransferCommand{
		IdempotencyKey: key,
		SenderID:       caller,
		RecipientID:    req.RecipientID,
		Amount:         amount,
	})
	if err != nil {
		var recorded *domain.TransferResult
		if result.Status == domain.StatusFailed {
			recorded = &result
		}
		h.respondError(c, err, recorded)
		return
	}

	c.JSON(http.StatusOK, result)
}

// BalanceResponse is the response body for balance endpoint
type BalanceResponse struct {
	Account     string `json:"account"`
	DisplayName string `json:"display_name"`
	Balance     int64  `json:"balance"`
}

// GetBalance handles GET /v1/wallet/balance/:account_id
func (h *Handler) GetBalance(c *gin.Context) {
	accountID := c.Param("account_id")
	if strings.TrimSpace(accountID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "account_id is required",
			"code":  "INVALID_REQUEST",
		})
		return
	}

	acc, err := h.transfers.GetBalance(c.Request.Context(), accountID)
	if err != nil {
		h.respondError(c, err, nil)
		return
	}

	c.JSON(http.StatusOK, BalanceResponse{
		Account:     acc.ID,
		DisplayName: acc.DisplayName,
		Balance:     acc.Balance,
	})
}

// PayeesResponse lists the accounts the caller can send to
type PayeesResponse struct {
	Accounts []transfer.Payee `json:"accounts"`
}

// ListPayees handles GET /v1/wallet/accounts
func (h *Handler) ListPayees(c *gin.Context) {
	payees, err := h.transfers.Payees(c.Request.Context(), middleware.CallerID(c))
	if err != nil {
		h.respondError(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, PayeesResponse{Accounts: payees})
}

// HealthResponse is the response for health check endpoint
type HealthResponse struct {
	Status string `json:"status"`
	Time   string `json:"time"`
}

// Health handles GET /health
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status: "ok",
		Time:   time.Now().UTC().Format(time.RFC3339),
	})
}

func (h *Handler) respondError(c *gin.Context, err error, recorded *domain.TransferResult) {
	kind := domain.KindOf(err)
	status := statusFor(kind)
	if status >= http.StatusInternalServerError {
		slog.ErrorContext(c.Request.Context(), "request failed", "path", c.FullPath(), "code", kind, "error", err)
	}
	c.JSON(status, ErrorResponse{
		Error:    err.Error(),
		Code:     kind,
		Transfer: recorded,
	})
}

func statusFor(kind domain.ErrorKind) int {
	switch kind {
	case domain.KindInvalidAmount,
		domain.KindSameAccount,
		domain.KindIdempotencyKeyRequired,
		domain.KindInvalidIdentity:
		return http.StatusBadRequest
	case domain.KindAccountNotFound:
		return http.StatusNotFound
	case domain.KindInsufficientBalance:
		return http.StatusUnprocessableEntity
	case domain.KindStorageUnavailable, domain.KindConflict:
		return http.StatusServiceUnavailable
	case domain.KindIdempotencyKeyReused:
		return http.StatusConflict
	case domain.KindForbidden:
		return http.StatusForbidden
	case domain.KindCanceled:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

var maxAmount = decimal.NewFromInt(math.MaxInt64)

// parseAmount accepts a JSON number or numeric string holding a positive
// whole number of minor units.
func parseAmount(raw json.RawMessage) (int64, error) {
	text := string(bytes.Trim(bytes.TrimSpace(raw), `"`))
	if text == "" || text == "null" {
		return 0, domain.ErrInvalidAmount
	}

	amount, err := decimal.NewFromString(text)
	if err != nil {
		return 0, errors.Join(domain.ErrInvalidAmount, err)
	}
	if !amount.IsInteger() || amount.Sign() <= 0 || amount.GreaterThan(maxAmount) {
		return 0, domain.ErrInvalidAmount
	}
	return amount.IntPart(), nil
}
