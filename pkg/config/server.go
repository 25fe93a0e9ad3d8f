package config

import "time"

// ServerConfig holds runtime configuration for the ledgerd service.
type ServerConfig struct {
	Environment   string
	Addr          string
	LogLevel      string
	StorageDriver string
	DataFile      string
	DatabaseURL   string

	JWTSecret      string
	AccessTokenTTL time.Duration
	RefreshTokenTTL time.Duration
	AdminUsername  string
	AdminPassword  string

	AccrualInterval  time.Duration
	InterestRate     float64
	DebtFeeRate      float64
	LoanInterestRate float64
	LoanLimit        float64
	MaxTransaction   float64

	MarketInterval time.Duration
	MarketSeed     int64

	RateLimitRedisAddr string
	RateLimitRedisPass string
	RateLimitRedisDB   int
}

// LoadServerConfig constructs a ServerConfig from environment variables.
func LoadServerConfig() ServerConfig {
	return ServerConfig{
		Environment:   GetString("APP_ENV", "development"),
		Addr:          GetString("LEDGERD_ADDR", ":4100"),
		LogLevel:      GetString("LEDGERD_LOG_LEVEL", "info"),
		StorageDriver: GetString("LEDGERD_STORAGE_DRIVER", "file"),
		DataFile:      GetString("LEDGERD_DATA_FILE", "ledger.json"),
		DatabaseURL:   GetString("DATABASE_URL", "postgres://ledger:ledger@db:5432/ledger?sslmode=disable"),

		JWTSecret:       GetString("JWT_SECRET", "supersecuresecret"),
		AccessTokenTTL:  time.Duration(GetInt("ACCESS_TOKEN_TTL_MIN", 15)) * time.Minute,
		RefreshTokenTTL: time.Duration(GetInt("REFRESH_TOKEN_TTL_HOURS", 24)) * time.Hour,
		AdminUsername:   GetString("LEDGERD_ADMIN_USER", "admin"),
		AdminPassword:   GetString("LEDGERD_ADMIN_PASSWORD", ""),

		AccrualInterval:  GetDuration("LEDGERD_ACCRUAL_INTERVAL", time.Second),
		InterestRate:     GetFloat("LEDGERD_INTEREST_RATE", 0.001),
		DebtFeeRate:      GetFloat("LEDGERD_DEBT_FEE_RATE", 0.005),
		LoanInterestRate: GetFloat("LEDGERD_LOAN_INTEREST_RATE", 0.002),
		LoanLimit:        GetFloat("LEDGERD_LOAN_LIMIT", 5000),
		MaxTransaction:   GetFloat("LEDGERD_MAX_TRANSACTION", 1_000_000_000),

		MarketInterval: GetDuration("LEDGERD_MARKET_INTERVAL", time.Second),
		MarketSeed:     int64(GetInt("LEDGERD_MARKET_SEED", 0)),

		RateLimitRedisAddr: GetString("RATE_LIMIT_REDIS_ADDR", ""),
		RateLimitRedisPass: GetString("RATE_LIMIT_REDIS_PASSWORD", ""),
		RateLimitRedisDB:   GetInt("RATE_LIMIT_REDIS_DB", 0),
	}
}
