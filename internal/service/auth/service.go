package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"strings"
	"time"

	"log/slog"

	"github.com/splax/ledgerd/internal/domain"
	"github.com/splax/ledgerd/pkg/crypto"
	jwtpkg "github.com/splax/ledgerd/pkg/jwt"
)

// Roles carried in token claims.
const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

var (
	ErrInvalidCredentials = errors.New("invalid username or password")
	errPasswordRequired   = errors.New("password is required")
)

// Accounts is the slice of the ledger the auth workflow needs.
type Accounts interface {
	Register(ctx context.Context, username, passwordHash, passwordSalt string) (*domain.Account, error)
	Get(username string) (*domain.Account, error)
	UpdateCredentials(ctx context.Context, username, passwordHash, passwordSalt string) error
}

// Config carries token settings and the admin credential.
type Config struct {
	JWTSecret       string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
	AdminUsername   string
	AdminPassword   string
}

// Service handles authentication workflows over ledger accounts.
type Service struct {
	accounts Accounts
	logger   *slog.Logger
	cfg      Config
}

// New constructs a Service.
func New(accounts Accounts, logger *slog.Logger, cfg Config) Service {
	return Service{accounts: accounts, logger: logger, cfg: cfg}
}

// TokenPair contains access and refresh tokens.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    time.Duration
}

// Signup registers a ledger account and issues tokens. The admin username
// is reserved and cannot be claimed through signup.
func (s Service) Signup(ctx context.Context, username, password string) (*domain.Account, TokenPair, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return nil, TokenPair{}, domain.ErrInvalidUsername
	}
	if password == "" {
		return nil, TokenPair{}, errPasswordRequired
	}
	if strings.EqualFold(username, s.cfg.AdminUsername) {
		return nil, TokenPair{}, domain.ErrAccountExists
	}
	hash, err := crypto.HashPassword(password)
	if err != nil {
		return nil, TokenPair{}, err
	}
	acct, err := s.accounts.Register(ctx, username, string(hash), "")
	if err != nil && !errors.Is(err, domain.ErrPersistence) {
		return nil, TokenPair{}, err
	}
	tokens, terr := s.issueTokens(username, RoleUser)
	if terr != nil {
		return nil, TokenPair{}, terr
	}
	s.logger.Info("account registered", "username", username)
	return acct, tokens, err
}

// Login authenticates a user and returns tokens. Accounts restored from
// legacy snapshots carry a salted SHA-256 hash; those are verified against
// the stored salt and upgraded to bcrypt on the spot.
func (s Service) Login(ctx context.Context, username, password string) (*domain.Account, TokenPair, error) {
	username = strings.TrimSpace(username)

	if s.cfg.AdminUsername != "" && strings.EqualFold(username, s.cfg.AdminUsername) {
		if s.cfg.AdminPassword == "" || subtle.ConstantTimeCompare([]byte(password), []byte(s.cfg.AdminPassword)) != 1 {
			return nil, TokenPair{}, ErrInvalidCredentials
		}
		tokens, err := s.issueTokens(s.cfg.AdminUsername, RoleAdmin)
		if err != nil {
			return nil, TokenPair{}, err
		}
		s.logger.Info("admin logged in")
		return nil, tokens, nil
	}

	acct, err := s.accounts.Get(username)
	if err != nil {
		if errors.Is(err, domain.ErrAccountNotFound) {
			return nil, TokenPair{}, ErrInvalidCredentials
		}
		return nil, TokenPair{}, err
	}
	if err := s.verifyPassword(ctx, acct, password); err != nil {
		return nil, TokenPair{}, ErrInvalidCredentials
	}
	tokens, err := s.issueTokens(acct.Username, RoleUser)
	if err != nil {
		return nil, TokenPair{}, err
	}
	s.logger.Info("user logged in", "username", acct.Username)
	return acct, tokens, nil
}

// Refresh exchanges a valid refresh token for a fresh pair.
func (s Service) Refresh(ctx context.Context, refreshToken string) (TokenPair, error) {
	claims, err := s.Authorize(refreshToken)
	if err != nil {
		return TokenPair{}, err
	}
	if claims.Role != RoleAdmin {
		if _, err := s.accounts.Get(claims.Username); err != nil {
			return TokenPair{}, ErrInvalidCredentials
		}
	}
	return s.issueTokens(claims.Username, claims.Role)
}

// Authorize validates a bearer token and returns its claims.
func (s Service) Authorize(token string) (*jwtpkg.Claims, error) {
	trimmed := strings.TrimSpace(token)
	if trimmed == "" {
		return nil, errors.New("token required")
	}
	return jwtpkg.Parse(trimmed, s.cfg.JWTSecret)
}

func (s Service) verifyPassword(ctx context.Context, acct *domain.Account, password string) error {
	if acct.PasswordSalt != "" {
		expected := LegacyHash(acct.PasswordSalt, password)
		if subtle.ConstantTimeCompare([]byte(expected), []byte(acct.PasswordHash)) != 1 {
			return ErrInvalidCredentials
		}
		if hash, err := crypto.HashPassword(password); err == nil {
			if err := s.accounts.UpdateCredentials(ctx, acct.Username, string(hash), ""); err != nil && !errors.Is(err, domain.ErrPersistence) {
				s.logger.Warn("credential upgrade failed", "username", acct.Username, "error", err)
			}
		}
		return nil
	}
	return crypto.ComparePassword([]byte(acct.PasswordHash), password)
}

// LegacyHash reproduces the v1 credential scheme: base64 of SHA-256 over
// salt then password.
func LegacyHash(salt, password string) string {
	sum := sha256.Sum256([]byte(salt + password))
	return base64.StdEncoding.EncodeToString(sum[:])
}

func (s Service) issueTokens(username, role string) (TokenPair, error) {
	access, err := jwtpkg.GenerateToken(username, role, s.cfg.JWTSecret, s.cfg.AccessTokenTTL)
	if err != nil {
		return TokenPair{}, err
	}
	refresh, err := jwtpkg.GenerateToken(username, role, s.cfg.JWTSecret, s.cfg.RefreshTokenTTL)
	if err != nil {
		return TokenPair{}, err
	}
	return TokenPair{AccessToken: access, RefreshToken: refresh, ExpiresIn: s.cfg.AccessTokenTTL}, nil
}
