package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client provides typed access to the ledgerd API for interactive tools.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// Option customises client instantiation.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
		}
	}
}

// New constructs a Client pointing at the provided API base URL.
func New(base string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimSpace(base)
	if trimmed == "" {
		trimmed = "http://localhost:4100"
	}
	if !strings.HasPrefix(trimmed, "http://") && !strings.HasPrefix(trimmed, "https://") {
		trimmed = "http://" + trimmed
	}
	if _, err := url.Parse(trimmed); err != nil {
		return nil, fmt.Errorf("invalid api base url: %w", err)
	}
	cli := &Client{
		baseURL:    strings.TrimRight(trimmed, "/"),
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
	for _, opt := range opts {
		opt(cli)
	}
	return cli, nil
}

// APIError represents an error response from the API.
type APIError struct {
	Status  int
	Message string
}

func (e APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api request failed with status %d", e.Status)
	}
	return fmt.Sprintf("api request failed (%d): %s", e.Status, e.Message)
}

func (c *Client) do(ctx context.Context, method, path string, body any, token string, v any) error {
	if c == nil {
		return fmt.Errorf("client is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	endpoint := c.baseURL + path
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if strings.TrimSpace(token) != "" {
		req.Header.Set("Authorization", "Bearer "+strings.TrimSpace(token))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		msg := extractError(resp.Body)
		return APIError{Status: resp.StatusCode, Message: msg}
	}

	if v == nil {
		return nil
	}
	decoder := json.NewDecoder(resp.Body)
	if err := decoder.Decode(v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func extractError(body io.Reader) string {
	if body == nil {
		return ""
	}
	var payload struct {
		Error string `json:"error"`
	}
	data, err := io.ReadAll(body)
	if err != nil || len(data) == 0 {
		return ""
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return strings.TrimSpace(string(data))
	}
	return strings.TrimSpace(payload.Error)
}

// Account reflects API account payloads.
type Account struct {
	Username       string           `json:"username"`
	CashBalance    float64          `json:"cash_balance"`
	LoanBalance    float64          `json:"loan_balance"`
	Holdings       map[string]int64 `json:"holdings"`
	PortfolioValue float64          `json:"portfolio_value"`
}

// TokenPair includes access and refresh tokens.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
}

// AuthResponse captures the payload emitted by signup and login.
type AuthResponse struct {
	Account *Account  `json:"account"`
	Tokens  TokenPair `json:"tokens"`
	Warning string    `json:"warning"`
}

// OpResponse is the shared shape of ledger mutation responses.
type OpResponse struct {
	Account Account `json:"account"`
	Applied float64 `json:"applied"`
	Warning string  `json:"warning"`
}

// Quote is a point-in-time market price.
type Quote struct {
	Symbol string    `json:"symbol"`
	Price  float64   `json:"price"`
	AsOf   time.Time `json:"as_of"`
}

// Signup registers an account and returns a token pair.
func (c *Client) Signup(ctx context.Context, username, password string) (AuthResponse, error) {
	body := map[string]string{"username": username, "password": password}
	var resp AuthResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/auth/signup", body, "", &resp); err != nil {
		return AuthResponse{}, err
	}
	return resp, nil
}

// Login exchanges credentials for a token pair.
func (c *Client) Login(ctx context.Context, username, password string) (AuthResponse, error) {
	body := map[string]string{"username": username, "password": password}
	var resp AuthResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/auth/login", body, "", &resp); err != nil {
		return AuthResponse{}, err
	}
	return resp, nil
}

// GetAccount returns the authenticated user's account.
func (c *Client) GetAccount(ctx context.Context, token string) (Account, error) {
	var account Account
	if err := c.do(ctx, http.MethodGet, "/api/v1/account", nil, token, &account); err != nil {
		return Account{}, err
	}
	return account, nil
}

// Deposit credits the authenticated account.
func (c *Client) Deposit(ctx context.Context, token string, amount float64) (OpResponse, error) {
	return c.amountOp(ctx, token, "/api/v1/deposit", amount)
}

// Withdraw debits the authenticated account.
func (c *Client) Withdraw(ctx context.Context, token string, amount float64) (OpResponse, error) {
	return c.amountOp(ctx, token, "/api/v1/withdraw", amount)
}

// Transfer moves funds to another account.
func (c *Client) Transfer(ctx context.Context, token, to string, amount float64) (OpResponse, error) {
	body := map[string]any{"to": to, "amount": amount}
	var resp OpResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/transfer", body, token, &resp); err != nil {
		return OpResponse{}, err
	}
	return resp, nil
}

// RequestLoan draws on the credit line.
func (c *Client) RequestLoan(ctx context.Context, token string, amount float64) (OpResponse, error) {
	return c.amountOp(ctx, token, "/api/v1/loans/request", amount)
}

// RepayLoan pays the loan down; the response reports the amount applied.
func (c *Client) RepayLoan(ctx context.Context, token string, amount float64) (OpResponse, error) {
	return c.amountOp(ctx, token, "/api/v1/loans/repay", amount)
}

// Market returns the current quote board.
func (c *Client) Market(ctx context.Context, token string) ([]Quote, error) {
	var resp struct {
		Quotes []Quote `json:"quotes"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/market", nil, token, &resp); err != nil {
		return nil, err
	}
	return resp.Quotes, nil
}

// Buy purchases shares at the current quote.
func (c *Client) Buy(ctx context.Context, token, symbol string, qty int64) (OpResponse, error) {
	return c.tradeOp(ctx, token, "/api/v1/trade/buy", symbol, qty)
}

// Sell disposes of shares at the current quote.
func (c *Client) Sell(ctx context.Context, token, symbol string, qty int64) (OpResponse, error) {
	return c.tradeOp(ctx, token, "/api/v1/trade/sell", symbol, qty)
}

func (c *Client) amountOp(ctx context.Context, token, path string, amount float64) (OpResponse, error) {
	body := map[string]any{"amount": amount}
	var resp OpResponse
	if err := c.do(ctx, http.MethodPost, path, body, token, &resp); err != nil {
		return OpResponse{}, err
	}
	return resp, nil
}

func (c *Client) tradeOp(ctx context.Context, token, path, symbol string, qty int64) (OpResponse, error) {
	body := map[string]any{"symbol": symbol, "quantity": qty}
	var resp OpResponse
	if err := c.do(ctx, http.MethodPost, path, body, token, &resp); err != nil {
		return OpResponse{}, err
	}
	return resp, nil
}
