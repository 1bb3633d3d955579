package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/chainpay/chainpay/internal/compliance"
	"github.com/chainpay/chainpay/internal/directory"
	"github.com/chainpay/chainpay/internal/events"
	"github.com/chainpay/chainpay/internal/fees"
	"github.com/chainpay/chainpay/internal/fx"
	"github.com/chainpay/chainpay/internal/ledger"
	"github.com/chainpay/chainpay/internal/reversal"
	"github.com/chainpay/chainpay/internal/settlement"
	"github.com/chainpay/chainpay/internal/transfer"
	"github.com/chainpay/chainpay/pkg/models"
)

var testSecret = []byte("test-secret")

type stubProvider struct{ tracking string }

func (p *stubProvider) InitiateDeposit(_ context.Context, _ string, _ int64, ref string) (string, error) {
	p.tracking = "ws_CO_" + ref[:8]
	return p.tracking, nil
}

type env struct {
	router   *gin.Engine
	ledger   ledger.Service
	dir      directory.Directory
	provider *stubProvider
	db       *gorm.DB
}

func newEnv(t *testing.T) *env {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&models.User{}, &models.Wallet{}, &models.Transaction{},
		&models.PendingSettlement{}, &models.ReversalRequest{},
		&models.FraudFlag{}, &models.Notification{}, &models.AuditRecord{},
	))

	logger := zap.NewNop()
	currencies := []string{"USD", "EUR", "KES"}
	ldg := ledger.NewService(logger, db, currencies)
	ob := events.NewOutbox(logger, events.NewMemorySink(), 64)
	fxSvc := fx.NewService(logger, currencies, 1.5, 0, 30*time.Second,
		fx.WithRand(rand.New(rand.NewSource(7))))
	comp := compliance.NewService(logger, db, ob, compliance.Limits{
		TxLimitUSD: 200_000, DailyLimitUSD: 500_000,
		StructuringMinUSD: 90_000, StructuringMaxUSD: 100_000,
		StructuringMinCount: 3, VelocityMaxPerHour: 10,
	}, nil)
	dir := directory.New(logger, db, ldg)
	transferSvc := transfer.NewService(logger, db, ldg, fxSvc, fees.NewCalculator(), comp, dir, ob, 1_000_000, "key")
	provider := &stubProvider{}
	settlementSvc := settlement.NewService(logger, db, ldg, provider, ob, 120*time.Second, 100)
	reversalSvc := reversal.NewService(logger, db, ldg, ob, 24*time.Hour)

	srv := NewServer(logger, testSecret, dir, ldg, fxSvc, transferSvc, settlementSvc, reversalSvc)
	return &env{router: srv.Router(), ledger: ldg, dir: dir, provider: provider, db: db}
}

func (e *env) user(t *testing.T, phone, role string, usd int64) (*models.User, string) {
	t.Helper()
	u, err := e.dir.Provision(context.Background(), phone, "Test User", "KE", role)
	require.NoError(t, err)
	if usd != 0 {
		err := e.ledger.WithinScope(context.Background(),
			[]ledger.WalletKey{{UserID: u.ID, Currency: "USD"}},
			func(tx *gorm.DB) error {
				return e.ledger.Adjust(context.Background(), tx, u.ID, "USD", usd)
			})
		require.NoError(t, err)
	}
	token, err := IssueToken(testSecret, u.ID, role, time.Hour)
	require.NoError(t, err)
	return u, token
}

func (e *env) do(method, path, token string, body any) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func TestAuthRequired(t *testing.T) {
	e := newEnv(t)
	w := e.do(http.MethodGet, "/api/v1/wallets", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = e.do(http.MethodGet, "/api/v1/wallets", "garbage", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAdminGuard(t *testing.T) {
	e := newEnv(t)
	_, token := e.user(t, "+254700000001", "user", 0)

	w := e.do(http.MethodGet, "/api/v1/admin/reversals", token, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestRegisterAndToken(t *testing.T) {
	e := newEnv(t)

	w := e.do(http.MethodPost, "/api/v1/users", "", gin.H{
		"phone": "+254700000009", "name": "New User", "country": "KE",
	})
	require.Equal(t, http.StatusCreated, w.Code)

	w = e.do(http.MethodPost, "/api/v1/auth/token", "", gin.H{"phone": "+254700000009"})
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.Token)

	// The minted token works against an authed route.
	w = e.do(http.MethodGet, "/api/v1/wallets", resp.Token, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestSendEndToEnd(t *testing.T) {
	e := newEnv(t)
	_, aliceToken := e.user(t, "+254700000001", "user", 100_000)
	bob, _ := e.user(t, "+254700000002", "user", 0)

	w := e.do(http.MethodPost, "/api/v1/transfers/send", aliceToken, gin.H{
		"recipient_phone": bob.Phone, "amount": 10_000, "currency": "USD",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var tx models.Transaction
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &tx))
	assert.Equal(t, models.TxStatusConfirmed, tx.Status)

	bw, err := e.ledger.Get(context.Background(), bob.ID, "USD")
	require.NoError(t, err)
	assert.Equal(t, int64(10_000), bw.Balance)
}

func TestSendErrorMapping(t *testing.T) {
	e := newEnv(t)
	_, aliceToken := e.user(t, "+254700000001", "user", 1_000)
	bob, _ := e.user(t, "+254700000002", "user", 0)

	// Insufficient funds -> 422.
	w := e.do(http.MethodPost, "/api/v1/transfers/send", aliceToken, gin.H{
		"recipient_phone": bob.Phone, "amount": 5_000, "currency": "USD",
	})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	// Unknown recipient -> 404.
	w = e.do(http.MethodPost, "/api/v1/transfers/send", aliceToken, gin.H{
		"recipient_phone": "+254799999999", "amount": 100, "currency": "USD",
	})
	assert.Equal(t, http.StatusNotFound, w.Code)

	// Self transfer -> 400.
	w = e.do(http.MethodPost, "/api/v1/transfers/send", aliceToken, gin.H{
		"recipient_phone": "+254700000001", "amount": 100, "currency": "USD",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestQuoteAndRates(t *testing.T) {
	e := newEnv(t)
	_, token := e.user(t, "+254700000001", "user", 0)

	w := e.do(http.MethodGet, "/api/v1/fx/quote?from=USD&to=KES&amount=10000", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var quote fx.Quote
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &quote))
	assert.Positive(t, quote.ToAmount)

	w = e.do(http.MethodGet, "/api/v1/fx/rates", token, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestSettlementCallbackAlways200(t *testing.T) {
	e := newEnv(t)
	user, token := e.user(t, "+254700000001", "user", 0)

	// Malformed body still gets 200.
	req := httptest.NewRequest(http.MethodPost, "/api/v1/settlements/callback",
		bytes.NewReader([]byte("not json")))
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	// Full flow: initiate then deliver a success callback.
	w2 := e.do(http.MethodPost, "/api/v1/settlements/deposit", token, gin.H{
		"phone": "0700000001", "amount": 50_000,
	})
	require.Equal(t, http.StatusAccepted, w2.Code, w2.Body.String())
	var rec models.PendingSettlement
	require.NoError(t, json.Unmarshal(w2.Body.Bytes(), &rec))

	cbBody := fmt.Sprintf(`{"Body":{"stkCallback":{"CheckoutRequestID":%q,"ResultCode":0,"ResultDesc":"ok","CallbackMetadata":{"Item":[{"Name":"Amount","Value":500},{"Name":"MpesaReceiptNumber","Value":"R1"},{"Name":"PhoneNumber","Value":254700000001}]}}}}`,
		e.provider.tracking)
	req = httptest.NewRequest(http.MethodPost, "/api/v1/settlements/callback",
		bytes.NewReader([]byte(cbBody)))
	w = httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	kw, err := e.ledger.Get(context.Background(), user.ID, "KES")
	require.NoError(t, err)
	assert.Equal(t, int64(50_000), kw.Balance)

	// Status endpoint reflects the applied callback.
	w = e.do(http.MethodGet, "/api/v1/settlements/"+rec.InternalRef, token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var got models.PendingSettlement
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, models.SettlementConfirmed, got.Status)
}

func TestReversalAdminFlow(t *testing.T) {
	e := newEnv(t)
	alice, aliceToken := e.user(t, "+254700000001", "user", 100_000)
	bob, _ := e.user(t, "+254700000002", "user", 0)
	_, adminToken := e.user(t, "+254700000099", "admin", 0)

	w := e.do(http.MethodPost, "/api/v1/transfers/send", aliceToken, gin.H{
		"recipient_phone": bob.Phone, "amount": 10_000, "currency": "USD",
	})
	require.Equal(t, http.StatusCreated, w.Code)
	var tx models.Transaction
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &tx))

	w = e.do(http.MethodPost, "/api/v1/reversals", aliceToken, gin.H{
		"tx_id": tx.ID, "reason": "wrong recipient",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var req models.ReversalRequest
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &req))

	w = e.do(http.MethodGet, "/api/v1/admin/reversals", adminToken, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = e.do(http.MethodPost, "/api/v1/admin/reversals/"+req.ID.String()+"/approve", adminToken, gin.H{
		"note": "checked",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	aw, err := e.ledger.Get(context.Background(), alice.ID, "USD")
	require.NoError(t, err)
	// Amount returned; the send fee is not refunded.
	assert.Equal(t, int64(100_000-tx.Fee), aw.Balance)

	// Approving twice conflicts.
	w = e.do(http.MethodPost, "/api/v1/admin/reversals/"+req.ID.String()+"/approve", adminToken, nil)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestSystemBalances(t *testing.T) {
	e := newEnv(t)
	e.user(t, "+254700000001", "user", 70_000)
	_, adminToken := e.user(t, "+254700000099", "admin", 30_000)

	w := e.do(http.MethodGet, "/api/v1/admin/system/balances", adminToken, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Balances map[string]int64 `json:"balances"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, int64(100_000), resp.Balances["USD"])
}

func TestSuspendUserBlocksTransfers(t *testing.T) {
	e := newEnv(t)
	alice, aliceToken := e.user(t, "+254700000001", "user", 100_000)
	bob, _ := e.user(t, "+254700000002", "user", 0)
	_, adminToken := e.user(t, "+254700000099", "admin", 0)

	w := e.do(http.MethodPost, "/api/v1/admin/users/"+alice.ID.String()+"/suspend", adminToken, gin.H{
		"suspended": true,
	})
	require.Equal(t, http.StatusOK, w.Code)

	w = e.do(http.MethodPost, "/api/v1/transfers/send", aliceToken, gin.H{
		"recipient_phone": bob.Phone, "amount": 1_000, "currency": "USD",
	})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}
