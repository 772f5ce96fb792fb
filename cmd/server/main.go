package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"qrcheckout/backend/internal/cache"
	"qrcheckout/backend/internal/config"
	"qrcheckout/backend/internal/domain"
	"qrcheckout/backend/internal/httpapi"
	"qrcheckout/backend/internal/logger"
	"qrcheckout/backend/internal/order"
	"qrcheckout/backend/internal/publisher"
	"qrcheckout/backend/internal/service"
	"qrcheckout/backend/internal/store"
	"qrcheckout/backend/internal/store/memory"
	pgstore "qrcheckout/backend/internal/store/postgres"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "load .env: %v\n", err)
	}
	cfg := config.Load()
	if err := logger.Init(cfg.LogLevel, cfg.Development); err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	log := logger.S()

	if err := validateSecurityConfig(cfg); err != nil {
		log.Fatalw("invalid security configuration", "error", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var repo store.Repository
	closers := make([]func() error, 0, 3)

	if cfg.DatabaseURL != "" {
		pg, err := pgstore.New(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalw("postgres unavailable and DATABASE_URL is set; refusing to start with in-memory fallback", "error", err)
		}
		if err := pg.Migrate(); err != nil {
			log.Fatalw("postgres migration failed", "error", err)
		}
		repo = pg
		closers = append(closers, pg.Close)
		log.Infow("repository ready", "backend", "postgres")
	} else {
		repo = memory.NewSeeded()
		log.Infow("repository ready", "backend", "memory")
	}

	if err := seedCoupons(ctx, repo, cfg.Coupons); err != nil {
		log.Fatalw("coupon seeding failed", "error", err)
	}

	opts := []service.Option{}
	if cfg.RedisAddr != "" {
		redisCache := cache.NewRedisCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err := redisCache.Ping(ctx); err != nil {
			log.Warnw("redis unavailable, using in-process status cache and locks", "error", err)
		} else {
			opts = append(opts, service.WithStatusCache(redisCache), service.WithSubmissionLocker(redisCache))
			closers = append(closers, redisCache.Close)
			log.Infow("cache ready", "backend", "redis")
		}
	} else {
		log.Infow("cache ready", "backend", "noop")
	}

	if len(cfg.KafkaBrokers) > 0 {
		pub := publisher.NewKafkaPublisher(cfg.KafkaTopic, cfg.KafkaBrokers...)
		opts = append(opts, service.WithPublisher(pub))
		closers = append(closers, pub.Close)
		log.Infow("settlement publisher ready", "topic", cfg.KafkaTopic, "brokers", cfg.KafkaBrokers)
	}

	assembler := order.NewAssembler(order.Pricing{
		FreeShippingThreshold: cfg.FreeShippingThreshold,
		FlatShippingFee:       cfg.FlatShippingFee,
	})
	svc := service.New(repo, assembler, service.Config{
		BankAccount:       cfg.BankAccount,
		BankName:          cfg.BankName,
		QRProvider:        cfg.QRProviderURL,
		SessionTTL:        cfg.SessionTTL,
		StatusCacheTTL:    cfg.StatusCacheTTL,
		SubmissionLockTTL: cfg.SubmissionLockTTL,
	}, opts...)

	auth := httpapi.NewAuthManager(cfg.AuthSecret, time.Duration(cfg.AccessTokenTTLMinutes)*time.Minute, cfg.ManagerPIN, repo)
	if cfg.DatabaseURL != "" {
		if err := provisionOperators(ctx, auth, cfg); err != nil {
			log.Fatalw("operator provisioning failed", "error", err)
		}
	}
	api := httpapi.New(svc, auth, cfg.AllowedOrigin)

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Infow("checkout backend listening", "addr", cfg.Address())
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalw("server error", "error", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warnw("shutdown error", "error", err)
	}

	for _, closeFn := range closers {
		if err := closeFn(); err != nil {
			log.Warnw("close error", "error", err)
		}
	}

	log.Info("server stopped")
}

type couponWriter interface {
	PutCoupon(ctx context.Context, coupon domain.Coupon) error
}

func seedCoupons(ctx context.Context, repo couponWriter, coupons []domain.Coupon) error {
	for _, c := range coupons {
		if err := repo.PutCoupon(ctx, c); err != nil {
			return fmt.Errorf("coupon %s: %w", c.Code, err)
		}
	}
	return nil
}

type operatorProvisioner interface {
	EnsureUser(ctx context.Context, username, password, role string) error
}

// provisionOperators creates the admin and bank-feed accounts in an empty
// database. Accounts whose seed password is unset are skipped.
func provisionOperators(ctx context.Context, auth operatorProvisioner, cfg config.Config) error {
	accounts := []struct {
		username, password, role string
	}{
		{"admin", cfg.SeedAdminPassword, domain.RoleAdmin},
		{"bank-feed", cfg.SeedSettlementPassword, domain.RoleSettlement},
	}
	for _, acc := range accounts {
		if strings.TrimSpace(acc.password) == "" {
			continue
		}
		if err := auth.EnsureUser(ctx, acc.username, acc.password, acc.role); err != nil {
			return fmt.Errorf("%s: %w", acc.username, err)
		}
	}
	return nil
}

func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}
	if len(cfg.ManagerPIN) < 6 {
		return fmt.Errorf("MANAGER_PIN must be set and at least 6 digits")
	}
	if err := validatePINStrength(cfg.ManagerPIN); err != nil {
		return fmt.Errorf("MANAGER_PIN is too weak: %w", err)
	}
	if err := validateBankAccount(cfg.BankAccount); err != nil {
		return err
	}
	return nil
}

// validateBankAccount requires the receiving account the QR codes point at.
func validateBankAccount(account string) error {
	if account == "" {
		return fmt.Errorf("BANK_ACCOUNT must be set")
	}
	if len(account) < 6 || len(account) > 19 {
		return fmt.Errorf("BANK_ACCOUNT must be 6 to 19 digits")
	}
	for _, r := range account {
		if r < '0' || r > '9' {
			return fmt.Errorf("BANK_ACCOUNT must contain digits only")
		}
	}
	return nil
}

// validatePINStrength rejects PINs that are all the same digit,
// sequential (ascending or descending), or from a known-weak list.
func validatePINStrength(pin string) error {
	known := map[string]bool{
		"123456": true, "654321": true, "000000": true, "111111": true,
		"121212": true, "112233": true, "123123": true, "696969": true,
	}
	if known[pin] {
		return fmt.Errorf("common PIN not allowed")
	}

	allSame := true
	for i := 1; i < len(pin); i++ {
		if pin[i] != pin[0] {
			allSame = false
			break
		}
	}
	if allSame {
		return fmt.Errorf("all-same-digit PIN not allowed")
	}

	ascending, descending := true, true
	for i := 1; i < len(pin); i++ {
		diff := int(pin[i]) - int(pin[i-1])
		if diff != 1 {
			ascending = false
		}
		if diff != -1 {
			descending = false
		}
	}
	if ascending || descending {
		return fmt.Errorf("sequential PIN not allowed")
	}

	return nil
}
