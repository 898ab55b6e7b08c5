package config

import (
	"errors"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	App      AppConfig
	HTTP     ServerConfig
	MySQL    MySQLConfig
	Log      LogConfig
	Gateway  GatewayConfig
	UPI      UPIConfig
	Checkout CheckoutConfig
	Jobs     JobsConfig
}

type AppConfig struct {
	ServiceName string
	APIKey      string
}

type ServerConfig struct {
	Host string
	Port string
}

type MySQLConfig struct {
	DSN             string
	MigrationsPath  string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type LogConfig struct {
	Level string
}

type GatewayConfig struct {
	BaseURL             string
	SecretKey           string
	HTTPTimeout         time.Duration
	BreakerMaxFailures  uint32
	BreakerOpenInterval time.Duration
}

type UPIConfig struct {
	MerchantVPA               string
	MerchantName              string
	QRImageBaseURL            string
	WebhookSecret             string
	SignatureToleranceSeconds int64
}

type CheckoutConfig struct {
	Currency               string
	UPIEnabled             bool
	SettlementWindow       time.Duration
	SessionRetention       time.Duration
	NotifyURL              string
	NotifyMaxAttempts      int32
	NotifyRetryInterval    time.Duration
	NotifyHTTPTimeout      time.Duration
	LedgerRetryMaxAttempts int32
	JobBatchSize           int32
}

type JobsConfig struct {
	ExpireSweepInterval    time.Duration
	NotifyDispatchInterval time.Duration
	LedgerRetryInterval    time.Duration
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	mysqlDSN := os.Getenv("MYSQL_DSN")
	if mysqlDSN == "" {
		return nil, errors.New("MYSQL_DSN environment variable is required")
	}

	return &Config{
		App: AppConfig{
			ServiceName: getEnv("APP_SERVICE_NAME", "checkout-service"),
			APIKey:      getEnv("APP_API_KEY", ""),
		},
		HTTP: ServerConfig{
			Host: getEnv("HTTP_HOST", "0.0.0.0"),
			Port: getEnv("HTTP_PORT", "8080"),
		},
		MySQL: MySQLConfig{
			DSN:             mysqlDSN,
			MigrationsPath:  getEnv("MYSQL_MIGRATIONS_PATH", "./migrations"),
			MaxOpenConns:    getIntEnv("MYSQL_MAX_OPEN_CONNS", 10),
			MaxIdleConns:    getIntEnv("MYSQL_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: getMinutesEnv("MYSQL_CONN_MAX_LIFETIME_MINUTES", 30*time.Minute),
		},
		Log: LogConfig{
			Level: getEnv("LOG_LEVEL", "info"),
		},
		Gateway: GatewayConfig{
			BaseURL:             getEnv("GATEWAY_BASE_URL", "https://api.gateway.example"),
			SecretKey:           getEnv("GATEWAY_SECRET_KEY", ""),
			HTTPTimeout:         getSecondsEnv("GATEWAY_HTTP_TIMEOUT_SECONDS", 10*time.Second),
			BreakerMaxFailures:  uint32(getIntEnv("GATEWAY_BREAKER_MAX_FAILURES", 5)),
			BreakerOpenInterval: getSecondsEnv("GATEWAY_BREAKER_OPEN_SECONDS", 30*time.Second),
		},
		UPI: UPIConfig{
			MerchantVPA:               getEnv("UPI_MERCHANT_VPA", ""),
			MerchantName:              getEnv("UPI_MERCHANT_NAME", "Storefront"),
			QRImageBaseURL:            getEnv("UPI_QR_IMAGE_BASE_URL", "https://api.qrserver.com/v1/create-qr-code/"),
			WebhookSecret:             getEnv("UPI_WEBHOOK_SECRET", ""),
			SignatureToleranceSeconds: int64(getIntEnv("UPI_SIGNATURE_TOLERANCE_SECONDS", 300)),
		},
		Checkout: CheckoutConfig{
			Currency:               getEnv("CHECKOUT_CURRENCY", "INR"),
			UPIEnabled:             getBoolEnv("CHECKOUT_UPI_ENABLED", true),
			SettlementWindow:       getSecondsEnv("CHECKOUT_SETTLEMENT_WINDOW_SECONDS", 600*time.Second),
			SessionRetention:       getMinutesEnv("CHECKOUT_SESSION_RETENTION_MINUTES", 30*time.Minute),
			NotifyURL:              getEnv("CHECKOUT_NOTIFY_URL", ""),
			NotifyMaxAttempts:      int32(getIntEnv("CHECKOUT_NOTIFY_MAX_ATTEMPTS", 10)),
			NotifyRetryInterval:    getMinutesEnv("CHECKOUT_NOTIFY_RETRY_INTERVAL_MINUTES", 5*time.Minute),
			NotifyHTTPTimeout:      getSecondsEnv("CHECKOUT_NOTIFY_HTTP_TIMEOUT_SECONDS", 10*time.Second),
			LedgerRetryMaxAttempts: int32(getIntEnv("CHECKOUT_LEDGER_RETRY_MAX_ATTEMPTS", 5)),
			JobBatchSize:           int32(getIntEnv("CHECKOUT_JOB_BATCH_SIZE", 100)),
		},
		Jobs: JobsConfig{
			ExpireSweepInterval:    getSecondsEnv("CHECKOUT_EXPIRE_SWEEP_INTERVAL_SECONDS", 5*time.Second),
			NotifyDispatchInterval: getMinutesEnv("CHECKOUT_NOTIFY_DISPATCH_INTERVAL_MINUTES", time.Minute),
			LedgerRetryInterval:    getMinutesEnv("CHECKOUT_LEDGER_RETRY_INTERVAL_MINUTES", time.Minute),
		},
	}, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getMinutesEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if minutes, err := strconv.Atoi(value); err == nil {
			return time.Duration(minutes) * time.Minute
		}
	}
	return defaultValue
}

func getSecondsEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if seconds, err := strconv.Atoi(value); err == nil {
			return time.Duration(seconds) * time.Second
		}
	}
	return defaultValue
}
