// Package server exposes the engine over HTTP. Handlers stay thin: bind,
// call the owning service, map the error. The provider callback route is
// the one deliberate exception to the auth rule, it authenticates by
// tracking id and always answers 200 so the provider stops retrying.
package server

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/chainpay/chainpay/internal/compliance"
	"github.com/chainpay/chainpay/internal/directory"
	"github.com/chainpay/chainpay/internal/fx"
	"github.com/chainpay/chainpay/internal/ledger"
	"github.com/chainpay/chainpay/internal/reversal"
	"github.com/chainpay/chainpay/internal/settlement"
	"github.com/chainpay/chainpay/internal/transfer"
)

// Server wires the engine services behind gin.
type Server struct {
	logger     *zap.Logger
	jwtSecret  []byte
	directory  directory.Directory
	ledger     ledger.Service
	fx         fx.Service
	transfer   transfer.Service
	settlement settlement.Service
	reversal   reversal.Service
}

func NewServer(
	logger *zap.Logger,
	jwtSecret []byte,
	dir directory.Directory,
	ldg ledger.Service,
	fxSvc fx.Service,
	transferSvc transfer.Service,
	settlementSvc settlement.Service,
	reversalSvc reversal.Service,
) *Server {
	return &Server{
		logger:     logger,
		jwtSecret:  jwtSecret,
		directory:  dir,
		ledger:     ldg,
		fx:         fxSvc,
		transfer:   transferSvc,
		settlement: settlementSvc,
		reversal:   reversalSvc,
	}
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(ginzap.Ginzap(s.logger, "2006-01-02T15:04:05Z07:00", true))
	router.Use(ginzap.RecoveryWithZap(s.logger, true))
	router.Use(cors.Default())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")

	// Unauthenticated surface.
	v1.POST("/users", s.handleRegister)
	v1.POST("/auth/token", s.handleToken)
	v1.POST("/settlements/callback", s.handleSettlementCallback)

	authed := v1.Group("")
	authed.Use(AuthMiddleware(s.logger, s.jwtSecret))
	{
		authed.GET("/wallets", s.handleListWallets)
		authed.GET("/wallets/:currency", s.handleGetWallet)
		authed.GET("/transactions", s.handleListTransactions)

		authed.POST("/transfers/send", s.handleSend)
		authed.POST("/transfers/convert", s.handleConvert)
		authed.POST("/transfers/deposit", s.handleDeposit)
		authed.POST("/transfers/withdraw", s.handleWithdraw)

		authed.GET("/fx/rates", s.handleRateTable)
		authed.GET("/fx/quote", s.handleQuote)

		authed.POST("/settlements/deposit", s.handleInitiateSettlement)
		authed.GET("/settlements", s.handleSettlementHistory)
		authed.GET("/settlements/:ref", s.handleSettlementStatus)

		authed.GET("/reversals/eligible", s.handleEligibleReversals)
		authed.POST("/reversals", s.handleRequestReversal)
	}

	admin := v1.Group("/admin")
	admin.Use(AuthMiddleware(s.logger, s.jwtSecret), AdminMiddleware())
	{
		admin.GET("/reversals", s.handlePendingReversals)
		admin.POST("/reversals/:id/approve", s.handleApproveReversal)
		admin.POST("/reversals/:id/reject", s.handleRejectReversal)
		admin.GET("/settlements", s.handleAdminSettlements)
		admin.GET("/system/balances", s.handleSystemBalances)
		admin.POST("/users/:id/suspend", s.handleSuspendUser)
	}

	return router
}

// writeError maps service sentinels onto HTTP statuses.
func (s *Server) writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, directory.ErrUserNotFound),
		errors.Is(err, ledger.ErrWalletNotFound),
		errors.Is(err, settlement.ErrSettlementNotFound),
		errors.Is(err, reversal.ErrTxNotFound),
		errors.Is(err, reversal.ErrRequestNotFound):
		status = http.StatusNotFound
	case errors.Is(err, directory.ErrPhoneTaken),
		errors.Is(err, reversal.ErrAlreadyRequested),
		errors.Is(err, reversal.ErrAlreadyDecided):
		status = http.StatusConflict
	case errors.Is(err, reversal.ErrNotOwner):
		status = http.StatusForbidden
	case errors.Is(err, compliance.ErrSanctioned),
		errors.Is(err, compliance.ErrSuspended),
		errors.Is(err, compliance.ErrTxLimitExceeded),
		errors.Is(err, compliance.ErrDailyLimitExceeded),
		errors.Is(err, compliance.ErrStructuring),
		errors.Is(err, compliance.ErrVelocity):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, ledger.ErrInsufficientFunds),
		errors.Is(err, reversal.ErrRecipientBalance):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, ledger.ErrUnsupportedCurrency),
		errors.Is(err, fx.ErrRateUnavailable),
		errors.Is(err, settlement.ErrInvalidPhone),
		errors.Is(err, transfer.ErrNonPositiveAmount),
		errors.Is(err, transfer.ErrSelfTransfer),
		errors.Is(err, transfer.ErrSameCurrency),
		errors.Is(err, transfer.ErrDepositCeiling),
		errors.Is(err, reversal.ErrNotReversible),
		errors.Is(err, reversal.ErrWindowExpired):
		status = http.StatusBadRequest
	case errors.Is(err, settlement.ErrProviderRejected):
		status = http.StatusBadGateway
	}

	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", zap.Error(err))
		c.JSON(status, gin.H{"error": "internal error"})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

type registerRequest struct {
	Phone   string `json:"phone" binding:"required"`
	Name    string `json:"name" binding:"required"`
	Country string `json:"country" binding:"required"`
}

func (s *Server) handleRegister(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	user, err := s.directory.Provision(c.Request.Context(), req.Phone, req.Name, req.Country, "user")
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, user)
}

type tokenRequest struct {
	Phone string `json:"phone" binding:"required"`
}

// handleToken exchanges a registered phone for a bearer token. Upstream
// identity verification (OTP delivery) sits outside the engine.
func (s *Server) handleToken(c *gin.Context) {
	var req tokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	user, err := s.directory.ByPhone(c.Request.Context(), req.Phone)
	if err != nil {
		s.writeError(c, err)
		return
	}
	token, err := IssueToken(s.jwtSecret, user.ID, user.Role, 24*time.Hour)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token, "user_id": user.ID})
}

func (s *Server) handleListWallets(c *gin.Context) {
	wallets, err := s.ledger.List(c.Request.Context(), currentUser(c))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"wallets": wallets})
}

func (s *Server) handleGetWallet(c *gin.Context) {
	wallet, err := s.ledger.Get(c.Request.Context(), currentUser(c), c.Param("currency"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, wallet)
}

func (s *Server) handleListTransactions(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	txs, err := s.transfer.History(c.Request.Context(), currentUser(c), limit)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transactions": txs})
}

type sendRequest struct {
	RecipientPhone string `json:"recipient_phone" binding:"required"`
	Amount         int64  `json:"amount" binding:"required"`
	Currency       string `json:"currency" binding:"required"`
	Note           string `json:"note"`
}

func (s *Server) handleSend(c *gin.Context) {
	var req sendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	tx, err := s.transfer.Send(c.Request.Context(), currentUser(c), req.RecipientPhone, req.Amount, req.Currency, req.Note)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, tx)
}

type convertRequest struct {
	FromCurrency string `json:"from_currency" binding:"required"`
	ToCurrency   string `json:"to_currency" binding:"required"`
	Amount       int64  `json:"amount" binding:"required"`
}

func (s *Server) handleConvert(c *gin.Context) {
	var req convertRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	tx, quote, err := s.transfer.Convert(c.Request.Context(), currentUser(c), req.FromCurrency, req.ToCurrency, req.Amount)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"transaction": tx, "quote": quote})
}

type depositRequest struct {
	Amount   int64  `json:"amount" binding:"required"`
	Currency string `json:"currency" binding:"required"`
	Method   string `json:"method"`
}

func (s *Server) handleDeposit(c *gin.Context) {
	var req depositRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Method == "" {
		req.Method = "BANK_TRANSFER"
	}
	tx, err := s.transfer.Deposit(c.Request.Context(), currentUser(c), req.Amount, req.Currency, req.Method)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, tx)
}

func (s *Server) handleWithdraw(c *gin.Context) {
	var req depositRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Method == "" {
		req.Method = "BANK_TRANSFER"
	}
	tx, err := s.transfer.Withdraw(c.Request.Context(), currentUser(c), req.Amount, req.Currency, req.Method)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, tx)
}

func (s *Server) handleRateTable(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"rates": s.fx.RateTable()})
}

func (s *Server) handleQuote(c *gin.Context) {
	amount, err := strconv.ParseInt(c.Query("amount"), 10, 64)
	if err != nil || amount <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "amount must be a positive integer"})
		return
	}
	quote, err := s.fx.Quote(c.Query("from"), c.Query("to"), amount)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, quote)
}

type initiateSettlementRequest struct {
	Phone  string `json:"phone" binding:"required"`
	Amount int64  `json:"amount" binding:"required"`
}

func (s *Server) handleInitiateSettlement(c *gin.Context) {
	var req initiateSettlementRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	rec, err := s.settlement.InitiateDeposit(c.Request.Context(), currentUser(c), req.Phone, req.Amount)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, rec)
}

// handleSettlementCallback receives the provider's asynchronous result.
// The response is always 200: a non-200 only makes the provider retry a
// callback we have already decided about.
func (s *Server) handleSettlementCallback(c *gin.Context) {
	accepted := gin.H{"ResultCode": 0, "ResultDesc": "Accepted"}

	raw, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<20))
	if err != nil {
		s.logger.Warn("callback body unreadable", zap.Error(err))
		c.JSON(http.StatusOK, accepted)
		return
	}
	cb, err := settlement.ParseCallback(raw)
	if err != nil {
		s.logger.Warn("callback body malformed", zap.Error(err))
		c.JSON(http.StatusOK, accepted)
		return
	}
	if err := s.settlement.HandleCallback(c.Request.Context(), cb); err != nil {
		s.logger.Error("callback processing failed", zap.Error(err))
	}
	c.JSON(http.StatusOK, accepted)
}

func (s *Server) handleSettlementHistory(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	recs, err := s.settlement.History(c.Request.Context(), currentUser(c), limit)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"settlements": recs})
}

func (s *Server) handleSettlementStatus(c *gin.Context) {
	rec, err := s.settlement.Status(c.Request.Context(), currentUser(c), c.Param("ref"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (s *Server) handleEligibleReversals(c *gin.Context) {
	txs, err := s.reversal.ListEligible(c.Request.Context(), currentUser(c))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"eligible_transactions": txs})
}

type reversalRequest struct {
	TxID   uuid.UUID `json:"tx_id" binding:"required"`
	Reason string    `json:"reason"`
}

func (s *Server) handleRequestReversal(c *gin.Context) {
	var req reversalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	rec, err := s.reversal.Request(c.Request.Context(), currentUser(c), req.TxID, req.Reason)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, rec)
}

func (s *Server) handlePendingReversals(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "200"))
	reqs, err := s.reversal.ListPending(c.Request.Context(), limit)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"reversals": reqs})
}

type reviewRequest struct {
	Note string `json:"note"`
}

func (s *Server) handleApproveReversal(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid reversal id"})
		return
	}
	var req reviewRequest
	_ = c.ShouldBindJSON(&req)

	counter, err := s.reversal.Approve(c.Request.Context(), currentUser(c), id, req.Note)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"reversal_id": id, "counter_transaction": counter})
}

func (s *Server) handleRejectReversal(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid reversal id"})
		return
	}
	var req reviewRequest
	_ = c.ShouldBindJSON(&req)

	if err := s.reversal.Reject(c.Request.Context(), currentUser(c), id, req.Note); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"reversal_id": id, "status": "REJECTED"})
}

func (s *Server) handleAdminSettlements(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "200"))
	recs, err := s.settlement.ListByStatus(c.Request.Context(), c.Query("status"), limit)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"settlements": recs})
}

func (s *Server) handleSystemBalances(c *gin.Context) {
	totals, err := s.ledger.SystemBalances(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"balances": totals})
}

type suspendRequest struct {
	Suspended bool `json:"suspended"`
}

func (s *Server) handleSuspendUser(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid user id"})
		return
	}
	var req suspendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.directory.SetSuspended(c.Request.Context(), id, req.Suspended); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"user_id": id, "suspended": req.Suspended})
}
