package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"qrcheckout/backend/internal/domain"
)

type Config struct {
	Port          string
	AllowedOrigin string
	LogLevel      string
	Development   bool

	DatabaseURL   string
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	AuthSecret            string
	AccessTokenTTLMinutes int
	ManagerPIN            string

	BankAccount   string
	BankName      string
	QRProviderURL string

	SessionTTL        time.Duration
	StatusCacheTTL    time.Duration
	SubmissionLockTTL time.Duration

	FreeShippingThreshold int64
	FlatShippingFee       int64
	Coupons               []domain.Coupon

	KafkaBrokers []string
	KafkaTopic   string

	SeedAdminPassword      string
	SeedSettlementPassword string
}

func Load() Config {
	redisDB, _ := strconv.Atoi(getEnv("REDIS_DB", "0"))

	return Config{
		Port:          getEnv("PORT", "8080"),
		AllowedOrigin: getEnv("ALLOWED_ORIGIN", "http://127.0.0.1:3000"),
		LogLevel:      getEnv("LOG_LEVEL", "info"),
		Development:   getEnv("APP_ENV", "production") == "development",

		DatabaseURL:   os.Getenv("DATABASE_URL"),
		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       redisDB,

		AuthSecret:            strings.TrimSpace(os.Getenv("AUTH_SECRET")),
		AccessTokenTTLMinutes: positiveInt("ACCESS_TOKEN_TTL_MINUTES", 480),
		ManagerPIN:            strings.TrimSpace(os.Getenv("MANAGER_PIN")),

		BankAccount:   strings.TrimSpace(os.Getenv("BANK_ACCOUNT")),
		BankName:      strings.TrimSpace(os.Getenv("BANK_NAME")),
		QRProviderURL: getEnv("QR_PROVIDER_BASE_URL", "https://qr.sepay.vn"),

		SessionTTL:        time.Duration(positiveInt("SESSION_TTL_SECONDS", 600)) * time.Second,
		StatusCacheTTL:    time.Duration(positiveInt("STATUS_CACHE_TTL_SECONDS", 600)) * time.Second,
		SubmissionLockTTL: time.Duration(positiveInt("SUBMISSION_LOCK_SECONDS", 30)) * time.Second,

		FreeShippingThreshold: int64(positiveInt("FREE_SHIPPING_THRESHOLD", 2_000_000)),
		FlatShippingFee:       int64(nonNegativeInt("FLAT_SHIPPING_FEE", 50_000)),
		Coupons:               parseCoupons(os.Getenv("COUPONS")),

		KafkaBrokers: splitList(os.Getenv("KAFKA_BROKERS")),
		KafkaTopic:   getEnv("KAFKA_TOPIC", "payment.settled"),

		SeedAdminPassword:      os.Getenv("SEED_ADMIN_PASSWORD"),
		SeedSettlementPassword: os.Getenv("SEED_SETTLEMENT_PASSWORD"),
	}
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

// parseCoupons reads "CODE=type:value[:minSubtotal[:maxDiscount]]" entries
// separated by commas. Malformed entries are skipped.
func parseCoupons(raw string) []domain.Coupon {
	var coupons []domain.Coupon
	for _, entry := range splitList(raw) {
		code, def, ok := strings.Cut(entry, "=")
		code = strings.ToUpper(strings.TrimSpace(code))
		if !ok || code == "" {
			continue
		}
		parts := strings.Split(def, ":")
		if len(parts) < 2 || len(parts) > 4 {
			continue
		}
		kind := domain.CouponType(strings.ToLower(strings.TrimSpace(parts[0])))
		if kind != domain.CouponPercent && kind != domain.CouponFlat {
			continue
		}

		nums := make([]int64, 3)
		valid := true
		for i, p := range parts[1:] {
			n, err := strconv.ParseInt(strings.TrimSpace(p), 10, 64)
			if err != nil || n < 0 {
				valid = false
				break
			}
			nums[i] = n
		}
		if !valid || (kind == domain.CouponPercent && nums[0] > 100) {
			continue
		}

		coupons = append(coupons, domain.Coupon{
			Code:        code,
			Type:        kind,
			Value:       nums[0],
			MinSubtotal: nums[1],
			MaxDiscount: nums[2],
			Active:      true,
		})
	}
	return coupons
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func positiveInt(key string, fallback int) int {
	n, err := strconv.Atoi(getEnv(key, strconv.Itoa(fallback)))
	if err != nil || n < 1 {
		return fallback
	}
	return n
}

func nonNegativeInt(key string, fallback int) int {
	n, err := strconv.Atoi(getEnv(key, strconv.Itoa(fallback)))
	if err != nil || n < 0 {
		return fallback
	}
	return n
}

func getEnv(key string, fallback string) string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return val
}
