package main

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	escrow "github.com/nacorid/x402-escrow"
	x402http "github.com/nacorid/x402-escrow/http"
	ginx402 "github.com/nacorid/x402-escrow/http/gin"
	"github.com/nacorid/x402-escrow/ledger"
)

func newRouter(a *app, withMCP bool) (*gin.Engine, error) {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "custodian": a.ledger.Custodian()})
	})

	s := r.Group("/sessions")
	s.POST("", a.createSession)
	s.GET("/:id", a.getSession)
	s.GET("/:id/deposit", a.depositRequirement)
	s.POST("/:id/deposit", a.depositAndActivate)
	s.POST("/:id/activate", a.activateSession)
	s.GET("/:id/budget", a.checkBudget)
	s.POST("/:id/pay", a.pay)
	s.POST("/:id/refund", a.refund)
	s.POST("/:id/close", a.closeSession)
	s.GET("/:id/payments", a.payments)

	// The statement is sold through the payment gate, payable to the custodian.
	s.GET("/:id/statement", ginx402.NewX402Middleware(x402http.Config{
		Gate:        a.gate,
		Requirement: a.statementPrice,
		Resource:    escrow.ResourceInfo{Description: "Session statement", MimeType: "application/json"},
		Logger:      a.logger,
	}), a.statement)

	if withMCP {
		h, err := newMCPHandler(a)
		if err != nil {
			return nil, err
		}
		r.Any("/mcp", gin.WrapH(h))
	}
	return r, nil
}

type createSessionBody struct {
	Owner            string   `json:"owner" binding:"required"`
	MaxSpend         int64    `json:"maxSpend" binding:"required"`
	DurationHours    float64  `json:"durationHours" binding:"required"`
	AuthorizedAgents []string `json:"authorizedAgents"`
}

func (a *app) createSession(c *gin.Context) {
	var body createSessionBody
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, err)
		return
	}
	res, err := a.ledger.CreateSession(c.Request.Context(), ledger.CreateRequest{
		Owner:            body.Owner,
		MaxSpend:         body.MaxSpend,
		DurationHours:    body.DurationHours,
		AuthorizedAgents: body.AuthorizedAgents,
	})
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"session": res.Session, "deposit": res.Deposit})
}

func (a *app) getSession(c *gin.Context) {
	sess, err := a.ledger.GetSession(c.Request.Context(), c.Param("id"))
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

func (a *app) depositRequirement(c *gin.Context) {
	req, err := a.ledger.DepositRequirement(c.Request.Context(), c.Param("id"))
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, req)
}

type activateBody struct {
	TxRef  string `json:"txRef" binding:"required"`
	Amount int64  `json:"amount" binding:"required"`
}

func (a *app) activateSession(c *gin.Context) {
	var body activateBody
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, err)
		return
	}
	sess, err := a.ledger.ActivateSession(c.Request.Context(), c.Param("id"), body.TxRef, body.Amount)
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

func (a *app) depositAndActivate(c *gin.Context) {
	var payload escrow.PaymentPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		badRequest(c, err)
		return
	}
	sess, err := a.ledger.DepositAndActivate(c.Request.Context(), c.Param("id"), payload)
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

func (a *app) checkBudget(c *gin.Context) {
	amount, err := strconv.ParseInt(c.Query("amount"), 10, 64)
	if err != nil {
		badRequest(c, errors.New("amount must be an integer"))
		return
	}
	check, err := a.ledger.CheckBudget(c.Request.Context(), c.Param("id"), amount)
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, check)
}

// headerIdempotencyKey carries a payout's idempotency key when the body has none.
const headerIdempotencyKey = "Idempotency-Key"

type payBody struct {
	Recipient string            `json:"recipient" binding:"required"`
	Label     string            `json:"label"`
	Amount    int64             `json:"amount" binding:"required"`
	Metadata  map[string]string `json:"metadata"`
	PaymentID string            `json:"paymentId"`
	Agent     string            `json:"agent"`
}

func (a *app) pay(c *gin.Context) {
	var body payBody
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, err)
		return
	}
	if body.PaymentID == "" {
		body.PaymentID = c.GetHeader(headerIdempotencyKey)
	}
	res, err := a.ledger.PayFromSession(c.Request.Context(), ledger.PayRequest{
		SessionID: c.Param("id"),
		Recipient: body.Recipient,
		Label:     body.Label,
		Amount:    body.Amount,
		Metadata:  body.Metadata,
		PaymentID: body.PaymentID,
		Agent:     body.Agent,
	})
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (a *app) refund(c *gin.Context) {
	res, err := a.ledger.RefundSession(c.Request.Context(), c.Param("id"))
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (a *app) closeSession(c *gin.Context) {
	sess, err := a.ledger.CloseSession(c.Request.Context(), c.Param("id"))
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

func (a *app) payments(c *gin.Context) {
	list, err := a.ledger.GetSessionPayments(c.Request.Context(), c.Param("id"))
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payments": list})
}

func (a *app) statement(c *gin.Context) {
	st, err := buildStatement(c.Request.Context(), a.ledger, c.Param("id"))
	if err != nil {
		a.fail(c, err)
		return
	}
	if d := ginx402.GetPaymentFromContext(c); d != nil {
		c.Header(x402http.HeaderPaymentID, d.PaymentID)
	}
	c.JSON(http.StatusOK, st)
}

func badRequest(c *gin.Context, err error) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"code": escrow.ErrCodeInvalidRequirements, "error": err.Error()})
}

func (a *app) fail(c *gin.Context, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		a.logger.Error("request failed", "path", c.FullPath(), "session", c.Param("id"), "error", err)
	}
	body := gin.H{"code": escrow.CodeOf(err), "error": err.Error(), "retryable": escrow.IsRetryable(err)}
	var pe *escrow.PaymentError
	if errors.As(err, &pe) && len(pe.Details) > 0 {
		body["details"] = pe.Details
	}
	c.AbortWithStatusJSON(status, body)
}

// statusFor maps ledger errors onto HTTP statuses.
func statusFor(err error) int {
	if errors.Is(err, escrow.ErrInvalidAmount) {
		return http.StatusBadRequest
	}
	switch escrow.CodeOf(err) {
	case escrow.ErrCodeNotFound:
		return http.StatusNotFound
	case escrow.ErrCodeInvalidRequirements, escrow.ErrCodeUnsupportedScheme, escrow.ErrCodeUnsupportedVersion:
		return http.StatusBadRequest
	case escrow.ErrCodeAlreadyActive, escrow.ErrCodeSessionInactive, escrow.ErrCodeSessionClosed, escrow.ErrCodeNothingToRefund:
		return http.StatusConflict
	case escrow.ErrCodeSessionExpired:
		return http.StatusGone
	case escrow.ErrCodeInsufficientBudget:
		return http.StatusPaymentRequired
	case escrow.ErrCodeUnauthorizedAgent:
		return http.StatusForbidden
	case escrow.ErrCodeVerificationFailed:
		return http.StatusUnprocessableEntity
	case escrow.ErrCodeSettlementFailed:
		return http.StatusBadGateway
	case escrow.ErrCodeSettlementUncertain:
		return http.StatusAccepted
	case escrow.ErrCodeNetworkError:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
