package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Settings is the process configuration, read from environment variables and an
// optional config file named by CONFIG_FILE.
type Settings struct {
	Port string

	DBHost     string
	DBUser     string
	DBPassword string
	DBName     string
	DBPort     string
	DBSSLMode  string
	DBTimeZone string

	RabbitMQURL string

	SolanaRPC  []string
	SolanaWS   string
	SolanaRPS  int
	Commitment string

	X402FacilitatorURL string
	PaymentNetwork     string
	PaymentToken       string
	SettlementMint     string
	SettlementDecimals uint8

	PlatformFeeBps   int64
	CreationFee      string
	MinInvestment    string
	TransferAttempts int
	RetryBackoff     time.Duration
	LeaseTTL         time.Duration

	PlatformWalletSecret string
	KeystoreDir          string
	KeystoreAddress      string
	KeystorePassword     string

	CronSecret            string
	SettlementCron        string
	SettlementConcurrency int
	MaxAutoRuns           int

	AllowedOrigins []string
	MigrationsDir  string
	LogLevel       string
	LogFile        string
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("PORT", "8080")
	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_USER", "postgres")
	v.SetDefault("DB_NAME", "launchpad")
	v.SetDefault("DB_PORT", "5432")
	v.SetDefault("DB_SSLMODE", "disable")
	v.SetDefault("DB_TIMEZONE", "UTC")
	v.SetDefault("SOLANA_RPS", 5)
	v.SetDefault("SOLANA_COMMITMENT", "confirmed")
	v.SetDefault("X402_FACILITATOR_URL", "https://facilitator.payai.network")
	v.SetDefault("PAYMENT_NETWORK", "solana")
	v.SetDefault("PAYMENT_TOKEN", "USDC")
	v.SetDefault("SETTLEMENT_MINT", "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v")
	v.SetDefault("SETTLEMENT_DECIMALS", 6)
	v.SetDefault("PLATFORM_FEE_BPS", 250)
	v.SetDefault("CREATION_FEE", "0")
	v.SetDefault("MIN_INVESTMENT", "0")
	v.SetDefault("TRANSFER_ATTEMPTS", 3)
	v.SetDefault("RETRY_BACKOFF", "500ms")
	v.SetDefault("SETTLEMENT_LEASE_TTL", "30m")
	v.SetDefault("KEYSTORE_DIR", "configs/keystore")
	v.SetDefault("SETTLEMENT_CRON", "0 0 * * * *")
	v.SetDefault("SETTLEMENT_CONCURRENCY", 4)
	v.SetDefault("MAX_AUTO_RUNS", 5)
	v.SetDefault("ALLOWED_ORIGINS", "http://localhost:3000")
	v.SetDefault("MIGRATIONS_DIR", "migrations")
	v.SetDefault("LOG_LEVEL", "info")
}

// Load reads the settings. A missing config file is not an error; a CONFIG_FILE that
// cannot be parsed is.
func Load() (*Settings, error) {
	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()

	if file := os.Getenv("CONFIG_FILE"); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", file, err)
		}
	}

	rpcs := splitList(v.GetString("SOLANA_RPC"))
	if len(rpcs) == 0 {
		// single-endpoint name used by older deployments
		rpcs = splitList(v.GetString("DEFAULT_SOLANA_RPC"))
	}
	ws := v.GetString("SOLANA_WS")
	if ws == "" {
		ws = v.GetString("DEFAULT_SOLANA_WSS")
	}

	s := &Settings{
		Port:                  v.GetString("PORT"),
		DBHost:                v.GetString("DB_HOST"),
		DBUser:                v.GetString("DB_USER"),
		DBPassword:            v.GetString("DB_PASSWORD"),
		DBName:                v.GetString("DB_NAME"),
		DBPort:                v.GetString("DB_PORT"),
		DBSSLMode:             v.GetString("DB_SSLMODE"),
		DBTimeZone:            v.GetString("DB_TIMEZONE"),
		RabbitMQURL:           rabbitURL(v),
		SolanaRPC:             rpcs,
		SolanaWS:              ws,
		SolanaRPS:             v.GetInt("SOLANA_RPS"),
		Commitment:            v.GetString("SOLANA_COMMITMENT"),
		X402FacilitatorURL:    v.GetString("X402_FACILITATOR_URL"),
		PaymentNetwork:        v.GetString("PAYMENT_NETWORK"),
		PaymentToken:          v.GetString("PAYMENT_TOKEN"),
		SettlementMint:        v.GetString("SETTLEMENT_MINT"),
		SettlementDecimals:    uint8(v.GetUint("SETTLEMENT_DECIMALS")),
		PlatformFeeBps:        v.GetInt64("PLATFORM_FEE_BPS"),
		CreationFee:           v.GetString("CREATION_FEE"),
		MinInvestment:         v.GetString("MIN_INVESTMENT"),
		TransferAttempts:      v.GetInt("TRANSFER_ATTEMPTS"),
		RetryBackoff:          v.GetDuration("RETRY_BACKOFF"),
		LeaseTTL:              v.GetDuration("SETTLEMENT_LEASE_TTL"),
		PlatformWalletSecret:  v.GetString("PLATFORM_WALLET_PRIVATE_KEY"),
		KeystoreDir:           v.GetString("KEYSTORE_DIR"),
		KeystoreAddress:       v.GetString("KEYSTORE_ADDRESS"),
		KeystorePassword:      v.GetString("KEYSTORE_PASSWORD"),
		CronSecret:            v.GetString("CRON_SECRET"),
		SettlementCron:        v.GetString("SETTLEMENT_CRON"),
		SettlementConcurrency: v.GetInt("SETTLEMENT_CONCURRENCY"),
		MaxAutoRuns:           v.GetInt("MAX_AUTO_RUNS"),
		AllowedOrigins:        splitList(v.GetString("ALLOWED_ORIGINS")),
		MigrationsDir:         v.GetString("MIGRATIONS_DIR"),
		LogLevel:              v.GetString("LOG_LEVEL"),
		LogFile:               v.GetString("LOG_FILE"),
	}

	if s.PlatformFeeBps < 0 || s.PlatformFeeBps >= 10_000 {
		return nil, fmt.Errorf("PLATFORM_FEE_BPS must be in [0, 10000), got %d", s.PlatformFeeBps)
	}
	if s.SettlementDecimals > 18 {
		return nil, fmt.Errorf("SETTLEMENT_DECIMALS too large: %d", s.SettlementDecimals)
	}
	return s, nil
}

// DSN is the postgres connection string.
func (s *Settings) DSN() string {
	return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=%s TimeZone=%s",
		s.DBHost, s.DBUser, s.DBPassword, s.DBName, s.DBPort, s.DBSSLMode, s.DBTimeZone)
}

// RabbitMQEnabled reports whether a broker was configured.
func (s *Settings) RabbitMQEnabled() bool {
	return s.RabbitMQURL != ""
}

// ConfigureLogging sets the logrus level, and when LogFile is set routes output to a
// rotated file as well as stdout.
func (s *Settings) ConfigureLogging() {
	level, err := log.ParseLevel(s.LogLevel)
	if err != nil {
		level = log.InfoLevel
	}
	log.SetLevel(level)

	if s.LogFile == "" {
		return
	}
	if err := os.MkdirAll(filepath.Dir(s.LogFile), 0755); err != nil {
		log.Warnf("无法创建日志目录，日志将输出到标准输出: %v", err)
		return
	}
	log.SetOutput(io.MultiWriter(os.Stdout, &lumberjack.Logger{
		Filename:   s.LogFile,
		MaxSize:    100, // MB
		MaxBackups: 10,
		MaxAge:     30, // days
		Compress:   true,
	}))
}

func rabbitURL(v *viper.Viper) string {
	if url := v.GetString("RABBITMQ_URL"); url != "" {
		return url
	}
	host := v.GetString("RABBITMQ_HOST")
	if host == "" {
		return ""
	}
	port := v.GetString("RABBITMQ_PORT")
	if port == "" {
		port = "5672"
	}
	return fmt.Sprintf("amqp://%s:%s@%s:%s/",
		v.GetString("RABBITMQ_USER"), v.GetString("RABBITMQ_PASSWORD"), host, port)
}

func splitList(raw string) []string {
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
