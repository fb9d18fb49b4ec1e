package config

import (
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/pkg/errors"
)

type App struct {
	Env            string   `envconfig:"ENV" default:"development"`
	Port           string   `envconfig:"PORT" default:"8080"`
	Host           string   `envconfig:"HOST" required:"true"`
	FrontendURL    string   `envconfig:"FRONTEND_URL" required:"true"`
	AllowedOrigins []string `envconfig:"ALLOWED_ORIGINS" default:"*"`
}

type Database struct {
	URL          string `envconfig:"DATABASE_URL" required:"true"`
	MaxOpenConns int    `envconfig:"DATABASE_MAX_OPEN_CONNS" default:"20"`
}

type Redis struct {
	URL      string `envconfig:"REDIS_URL" default:"redis://localhost:6379/0"`
	Password string `envconfig:"REDIS_PASSWORD"`
}

type JWT struct {
	Secret string        `envconfig:"JWT_SECRET" required:"true"`
	Expiry time.Duration `envconfig:"JWT_EXPIRY" default:"72h"`
}

type Google struct {
	ClientID     string `envconfig:"GOOGLE_CLIENT_ID"`
	ClientSecret string `envconfig:"GOOGLE_CLIENT_SECRET"`
}

type Stripe struct {
	SecretKey      string `envconfig:"STRIPE_SECRET_KEY" required:"true"`
	WebhookSecret  string `envconfig:"STRIPE_WEBHOOK_SECRET" required:"true"`
	Currency       string `envconfig:"STRIPE_CURRENCY" default:"usd"`
	ConnectCountry string `envconfig:"STRIPE_CONNECT_COUNTRY" default:"US"`
}

// Ledger holds settlement limits and fee schedule. Fees are in basis points,
// amounts in cents.
type Ledger struct {
	MinTransactionAmount int64         `envconfig:"MIN_TRANSACTION_AMOUNT" default:"100"`
	PlatformFeeBps       int64         `envconfig:"PLATFORM_FEE_BPS" default:"500"`
	CardFeeBps           int64         `envconfig:"CARD_FEE_BPS" default:"290"`
	CardFixedFee         int64         `envconfig:"CARD_FIXED_FEE" default:"30"`
	PayoutFeeBps         int64         `envconfig:"PAYOUT_FEE_BPS" default:"25"`
	StuckWithdrawalAfter time.Duration `envconfig:"STUCK_WITHDRAWAL_AFTER" default:"15m"`
	ReconcileInterval    time.Duration `envconfig:"RECONCILE_INTERVAL" default:"5m"`
}

type RateLimit struct {
	RPS        float64 `envconfig:"RATE_LIMIT_RPS" default:"5"`
	Burst      int     `envconfig:"RATE_LIMIT_BURST" default:"10"`
	TrustProxy bool    `envconfig:"RATE_LIMIT_TRUST_PROXY" default:"false"`
}

type Config struct {
	App           App
	Database      Database
	Redis         Redis
	JWT           JWT
	Google        Google
	Stripe        Stripe
	Ledger        Ledger
	RateLimit     RateLimit
	MaxActiveKeys int `envconfig:"MAX_ACTIVE_KEYS" default:"5"`
}

func (c Config) IsProduction() bool {
	return c.App.Env == "production"
}

func LoadConfig() (Config, error) {
	// a missing .env is fine, the process env is authoritative
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return Config{}, errors.Wrap(err, "load config")
	}

	if cfg.Ledger.MinTransactionAmount <= 0 {
		return Config{}, errors.New("MIN_TRANSACTION_AMOUNT must be positive")
	}

	return cfg, nil
}
