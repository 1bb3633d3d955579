package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/chainpay/chainpay/internal/compliance"
	"github.com/chainpay/chainpay/internal/config"
	"github.com/chainpay/chainpay/internal/directory"
	"github.com/chainpay/chainpay/internal/events"
	"github.com/chainpay/chainpay/internal/fees"
	"github.com/chainpay/chainpay/internal/fx"
	"github.com/chainpay/chainpay/internal/ledger"
	"github.com/chainpay/chainpay/internal/reversal"
	"github.com/chainpay/chainpay/internal/server"
	"github.com/chainpay/chainpay/internal/settlement"
	"github.com/chainpay/chainpay/internal/transfer"
	"github.com/chainpay/chainpay/pkg/logger"
	"github.com/chainpay/chainpay/pkg/metrics"
	"github.com/chainpay/chainpay/pkg/models"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("no .env file, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	zapLogger, err := logger.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		log.Fatalf("failed to create logger: %v", err)
	}
	defer zapLogger.Sync()

	db, err := openDatabase(cfg)
	if err != nil {
		zapLogger.Fatal("failed to connect to database", zap.Error(err))
	}
	if err := db.AutoMigrate(
		&models.User{}, &models.Wallet{}, &models.Transaction{},
		&models.PendingSettlement{}, &models.ReversalRequest{},
		&models.FraudFlag{}, &models.Notification{}, &models.AuditRecord{},
	); err != nil {
		zapLogger.Fatal("failed to migrate schema", zap.Error(err))
	}

	metrics.Register(prometheus.DefaultRegisterer)

	outbox := events.NewOutbox(zapLogger, events.NewGormSink(db), 1024)
	outbox.Start()
	defer outbox.Stop()

	ledgerSvc := ledger.NewService(zapLogger, db, cfg.SupportedCurrencies)
	fxSvc := fx.NewService(zapLogger, cfg.SupportedCurrencies,
		cfg.FXSpreadPct, cfg.FXVolatilityPct, cfg.FXCacheTTL)
	dirSvc := directory.New(zapLogger, db, ledgerSvc)
	complianceSvc := compliance.NewService(zapLogger, db, outbox, compliance.Limits{
		TxLimitUSD:          cfg.TxLimitUSD,
		DailyLimitUSD:       cfg.DailyLimitUSD,
		StructuringMinUSD:   cfg.StructuringMinUSD,
		StructuringMaxUSD:   cfg.StructuringMaxUSD,
		StructuringMinCount: cfg.StructuringMinCount,
		VelocityMaxPerHour:  cfg.VelocityMaxPerHour,
	}, parseSanctions(zapLogger, cfg.SanctionsList))
	transferSvc := transfer.NewService(zapLogger, db, ledgerSvc, fxSvc,
		fees.NewCalculator(), complianceSvc, dirSvc, outbox,
		cfg.DepositCeiling, cfg.SignatureKey)
	provider := settlement.NewDarajaClient(zapLogger, settlement.DarajaConfig{
		BaseURL:        cfg.ProviderBaseURL,
		ConsumerKey:    cfg.ProviderKey,
		ConsumerSecret: cfg.ProviderSecret,
		Shortcode:      cfg.ProviderShortcode,
		Passkey:        cfg.ProviderPasskey,
		CallbackURL:    cfg.ProviderCallbackURL,
		Timeout:        cfg.ProviderTimeout,
	})
	settlementSvc := settlement.NewService(zapLogger, db, ledgerSvc, provider,
		outbox, cfg.SettlementExpiry, cfg.AmountToleranceMinor)
	reversalSvc := reversal.NewService(zapLogger, db, ledgerSvc, outbox, cfg.ReversalWindow)

	// Expiry sweeper.
	sweepCtx, stopSweep := context.WithCancel(context.Background())
	defer stopSweep()
	go func() {
		ticker := time.NewTicker(cfg.SettlementSweepEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if _, err := settlementSvc.SweepExpired(sweepCtx); err != nil {
					zapLogger.Error("settlement sweep failed", zap.Error(err))
				}
			case <-sweepCtx.Done():
				return
			}
		}
	}()

	srv := server.NewServer(zapLogger, []byte(cfg.JWTSecret),
		dirSvc, ledgerSvc, fxSvc, transferSvc, settlementSvc, reversalSvc)

	httpServer := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: srv.Router(),
	}
	go func() {
		zapLogger.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zapLogger.Fatal("http server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zapLogger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		zapLogger.Error("graceful shutdown failed", zap.Error(err))
	}
}

func openDatabase(cfg *config.Config) (*gorm.DB, error) {
	switch cfg.DBDriver {
	case "sqlite":
		return gorm.Open(sqlite.Open(cfg.DBDSN), &gorm.Config{TranslateError: true})
	default:
		return gorm.Open(postgres.Open(cfg.DBDSN), &gorm.Config{TranslateError: true})
	}
}

func parseSanctions(logger *zap.Logger, raw []string) []uuid.UUID {
	out := make([]uuid.UUID, 0, len(raw))
	for _, s := range raw {
		id, err := uuid.Parse(s)
		if err != nil {
			logger.Warn("skipping malformed sanctions entry", zap.String("entry", s))
			continue
		}
		out = append(out, id)
	}
	return out
}
