package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/splax/ledgerd/internal/domain"
	"github.com/splax/ledgerd/internal/service/auth"
	"github.com/splax/ledgerd/internal/service/ledger"
	"github.com/splax/ledgerd/internal/service/market"
	"github.com/splax/ledgerd/internal/store/snapshot"
	"github.com/splax/ledgerd/internal/ws"
)

// Router wires HTTP endpoints to services.
type Router struct {
	mux      *http.ServeMux
	logger   *slog.Logger
	auth     auth.Service
	ledger   *ledger.Service
	market   *market.Feed
	hub      *ws.Hub
	upgrader websocket.Upgrader
	limiter  RateLimiter
	dbHealth func(context.Context) error

	metricsOnce        sync.Once
	metricsInitialized bool
	requestTotal       *prometheus.CounterVec
	requestLatency     *prometheus.HistogramVec
	rateLimitHits      *prometheus.CounterVec
	opResults          *prometheus.CounterVec
}

const (
	rateWindowDefault  = time.Minute
	rateWindowRealtime = 30 * time.Second
	rateLimitSignup    = 5
	rateLimitLogin     = 12
	rateLimitUserWrite = 60
	rateLimitUserRead  = 120
	rateLimitWebsocket = 30
	healthCheckTimeout = 2 * time.Second
	maxImportBytes     = 8 << 20
)

// NewRouter assembles routes with dependencies.
func NewRouter(logger *slog.Logger, authSvc auth.Service, ledgerSvc *ledger.Service, feed *market.Feed, hub *ws.Hub, limiter RateLimiter, dbHealth func(context.Context) error) *Router {
	r := &Router{
		mux:    http.NewServeMux(),
		logger: logger,
		auth:   authSvc,
		ledger: ledgerSvc,
		market: feed,
		hub:    hub,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		limiter:  limiter,
		dbHealth: dbHealth,
	}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter()
	}
	r.initMetrics()
	r.register()
	return r
}

// ServeHTTP delegates to underlying mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// Close releases background resources.
func (r *Router) Close() {
	if r.limiter != nil {
		r.limiter.Close()
	}
}

func (r *Router) register() {
	r.mux.HandleFunc("/healthz", r.audit(r.handleHealthz))
	r.mux.Handle("/metrics", promhttp.Handler())

	r.mux.HandleFunc("/api/v1/auth/signup", r.audit(r.withRateLimit("auth_signup", rateLimitSignup, rateWindowDefault, rateLimitKeyIP, r.handleSignup)))
	r.mux.HandleFunc("/api/v1/auth/login", r.audit(r.withRateLimit("auth_login", rateLimitLogin, rateWindowDefault, rateLimitKeyIP, r.handleLogin)))
	r.mux.HandleFunc("/api/v1/auth/refresh", r.audit(r.withRateLimit("auth_refresh", rateLimitLogin, rateWindowDefault, rateLimitKeyIP, r.handleRefresh)))

	r.mux.HandleFunc("/api/v1/account", r.audit(r.handlerAuthRate("account", rateLimitUserRead, rateWindowDefault, r.handleAccount)))
	r.mux.HandleFunc("/api/v1/deposit", r.audit(r.handlerAuthRate("deposit", rateLimitUserWrite, rateWindowDefault, r.handleDeposit)))
	r.mux.HandleFunc("/api/v1/withdraw", r.audit(r.handlerAuthRate("withdraw", rateLimitUserWrite, rateWindowDefault, r.handleWithdraw)))
	r.mux.HandleFunc("/api/v1/transfer", r.audit(r.handlerAuthRate("transfer", rateLimitUserWrite, rateWindowDefault, r.handleTransfer)))
	r.mux.HandleFunc("/api/v1/loans/request", r.audit(r.handlerAuthRate("loan_request", rateLimitUserWrite, rateWindowDefault, r.handleLoanRequest)))
	r.mux.HandleFunc("/api/v1/loans/repay", r.audit(r.handlerAuthRate("loan_repay", rateLimitUserWrite, rateWindowDefault, r.handleLoanRepay)))

	r.mux.HandleFunc("/api/v1/market", r.audit(r.handlerAuthRate("market", rateLimitUserRead, rateWindowDefault, r.handleMarket)))
	r.mux.HandleFunc("/api/v1/trade/buy", r.audit(r.handlerAuthRate("trade_buy", rateLimitUserWrite, rateWindowDefault, r.handleBuy)))
	r.mux.HandleFunc("/api/v1/trade/sell", r.audit(r.handlerAuthRate("trade_sell", rateLimitUserWrite, rateWindowDefault, r.handleSell)))

	r.mux.HandleFunc("/api/v1/accounts", r.audit(r.requireAdmin(r.handleAccounts)))
	r.mux.HandleFunc("/api/v1/admin/reset-balance", r.audit(r.requireAdmin(r.handleResetBalance)))
	r.mux.HandleFunc("/api/v1/admin/forgive-loan", r.audit(r.requireAdmin(r.handleForgiveLoan)))
	r.mux.HandleFunc("/api/v1/admin/loan-policy", r.audit(r.requireAdmin(r.handleLoanPolicy)))
	r.mux.HandleFunc("/api/v1/admin/export", r.audit(r.requireAdmin(r.handleExport)))
	r.mux.HandleFunc("/api/v1/admin/import", r.audit(r.requireAdmin(r.handleImport)))

	r.mux.HandleFunc("/api/v1/ws", r.audit(r.handlerAuthRate("ws", rateLimitWebsocket, rateWindowRealtime, r.handleStream)))
}

func (r *Router) handleSignup(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	acct, tokens, err := r.auth.Signup(req.Context(), payload.Username, payload.Password)
	r.recordOpResult("signup", err)
	if err != nil && !errors.Is(err, domain.ErrPersistence) {
		r.writeDomainError(w, err)
		return
	}
	body := map[string]any{
		"account": accountView(acct, nil),
		"tokens":  tokenView(tokens),
	}
	addWarning(body, err)
	writeJSON(w, http.StatusCreated, body)
}

func (r *Router) handleLogin(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	acct, tokens, err := r.auth.Login(req.Context(), payload.Username, payload.Password)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid username or password")
		return
	}
	body := map[string]any{"tokens": tokenView(tokens)}
	if acct != nil {
		body["account"] = accountView(acct, r.market)
	}
	writeJSON(w, http.StatusOK, body)
}

func (r *Router) handleRefresh(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	tokens, err := r.auth.Refresh(req.Context(), payload.RefreshToken)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid refresh token")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tokens": tokenView(tokens)})
}

func (r *Router) handleAccount(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	info, ok := authInfoFromContext(req.Context())
	if !ok {
		r.missingAuthContext(w, req)
		return
	}
	acct, err := r.ledger.Get(info.Username)
	if err != nil {
		r.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, accountView(acct, r.market))
}

func (r *Router) handleAccounts(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	accounts := r.ledger.List()
	views := make([]map[string]any, 0, len(accounts))
	for i := range accounts {
		views = append(views, accountView(&accounts[i], r.market))
	}
	writeJSON(w, http.StatusOK, map[string]any{"accounts": views})
}

// amountPayload is the shared body shape of the money-movement endpoints.
type amountPayload struct {
	Amount float64 `json:"amount"`
}

func (r *Router) handleDeposit(w http.ResponseWriter, req *http.Request) {
	r.handleAmountOp(w, req, "deposit", r.ledger.Deposit)
}

func (r *Router) handleWithdraw(w http.ResponseWriter, req *http.Request) {
	r.handleAmountOp(w, req, "withdraw", r.ledger.Withdraw)
}

func (r *Router) handleAmountOp(w http.ResponseWriter, req *http.Request, op string, fn func(context.Context, string, float64) (*domain.Account, error)) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	info, ok := authInfoFromContext(req.Context())
	if !ok {
		r.missingAuthContext(w, req)
		return
	}
	var payload amountPayload
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	acct, err := fn(req.Context(), info.Username, payload.Amount)
	r.recordOpResult(op, err)
	if err != nil && !errors.Is(err, domain.ErrPersistence) {
		r.writeDomainError(w, err)
		return
	}
	body := map[string]any{"account": accountView(acct, r.market)}
	addWarning(body, err)
	writeJSON(w, http.StatusOK, body)
}

func (r *Router) handleTransfer(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	info, ok := authInfoFromContext(req.Context())
	if !ok {
		r.missingAuthContext(w, req)
		return
	}
	var payload struct {
		To     string  `json:"to"`
		Amount float64 `json:"amount"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	acct, err := r.ledger.Transfer(req.Context(), info.Username, strings.TrimSpace(payload.To), payload.Amount)
	r.recordOpResult("transfer", err)
	if err != nil && !errors.Is(err, domain.ErrPersistence) {
		r.writeDomainError(w, err)
		return
	}
	body := map[string]any{"account": accountView(acct, r.market)}
	addWarning(body, err)
	writeJSON(w, http.StatusOK, body)
}

func (r *Router) handleLoanRequest(w http.ResponseWriter, req *http.Request) {
	r.handleAmountOp(w, req, "loan_request", r.ledger.RequestLoan)
}

func (r *Router) handleLoanRepay(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	info, ok := authInfoFromContext(req.Context())
	if !ok {
		r.missingAuthContext(w, req)
		return
	}
	var payload amountPayload
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	acct, applied, err := r.ledger.RepayLoan(req.Context(), info.Username, payload.Amount)
	r.recordOpResult("loan_repay", err)
	if err != nil && !errors.Is(err, domain.ErrPersistence) {
		r.writeDomainError(w, err)
		return
	}
	body := map[string]any{
		"account": accountView(acct, r.market),
		"applied": applied,
	}
	addWarning(body, err)
	writeJSON(w, http.StatusOK, body)
}

func (r *Router) handleMarket(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"quotes": r.market.Quotes()})
}

func (r *Router) handleBuy(w http.ResponseWriter, req *http.Request) {
	r.handleTrade(w, req, "trade_buy", r.ledger.Buy)
}

func (r *Router) handleSell(w http.ResponseWriter, req *http.Request) {
	r.handleTrade(w, req, "trade_sell", r.ledger.Sell)
}

func (r *Router) handleTrade(w http.ResponseWriter, req *http.Request, op string, fn func(context.Context, string, string, int64, float64) (*domain.Account, error)) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	info, ok := authInfoFromContext(req.Context())
	if !ok {
		r.missingAuthContext(w, req)
		return
	}
	var payload struct {
		Symbol   string `json:"symbol"`
		Quantity int64  `json:"quantity"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	symbol := strings.ToUpper(strings.TrimSpace(payload.Symbol))
	quote, err := r.market.Quote(symbol)
	if err != nil {
		r.writeDomainError(w, err)
		return
	}
	acct, err := fn(req.Context(), info.Username, symbol, payload.Quantity, quote.Price)
	r.recordOpResult(op, err)
	if err != nil && !errors.Is(err, domain.ErrPersistence) {
		r.writeDomainError(w, err)
		return
	}
	body := map[string]any{
		"account": accountView(acct, r.market),
		"quote":   quote,
	}
	addWarning(body, err)
	writeJSON(w, http.StatusOK, body)
}

func (r *Router) handleResetBalance(w http.ResponseWriter, req *http.Request) {
	r.handleAdminAccountOp(w, req, "reset_balance", r.ledger.ResetBalance)
}

func (r *Router) handleForgiveLoan(w http.ResponseWriter, req *http.Request) {
	r.handleAdminAccountOp(w, req, "forgive_loan", r.ledger.ForgiveLoan)
}

func (r *Router) handleAdminAccountOp(w http.ResponseWriter, req *http.Request, op string, fn func(context.Context, string) (*domain.Account, error)) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload struct {
		Username string `json:"username"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	acct, err := fn(req.Context(), strings.TrimSpace(payload.Username))
	r.recordOpResult(op, err)
	if err != nil && !errors.Is(err, domain.ErrPersistence) {
		r.writeDomainError(w, err)
		return
	}
	body := map[string]any{"account": accountView(acct, r.market)}
	addWarning(body, err)
	writeJSON(w, http.StatusOK, body)
}

func (r *Router) handleLoanPolicy(w http.ResponseWriter, req *http.Request) {
	switch req.Method {
	case http.MethodGet:
		limit, rate := r.ledger.LoanPolicy()
		writeJSON(w, http.StatusOK, map[string]any{"limit": limit, "interest_rate": rate})
	case http.MethodPut:
		var payload struct {
			Limit        float64 `json:"limit"`
			InterestRate float64 `json:"interest_rate"`
		}
		if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if err := r.ledger.SetLoanPolicy(payload.Limit, payload.InterestRate); err != nil {
			r.writeDomainError(w, err)
			return
		}
		limit, rate := r.ledger.LoanPolicy()
		writeJSON(w, http.StatusOK, map[string]any{"limit": limit, "interest_rate": rate})
	default:
		r.methodNotAllowed(w)
	}
}

// handleExport streams the versioned snapshot document as indented JSON,
// suitable for manual backups.
func (r *Router) handleExport(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	data, err := snapshot.Encode(r.ledger.Snapshot(), time.Now().UTC())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "export failed")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition", `attachment; filename="ledger-export.json"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// handleImport replaces the live collection with an uploaded snapshot of any
// supported schema version.
func (r *Router) handleImport(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	data, err := io.ReadAll(io.LimitReader(req.Body, maxImportBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	accounts, err := snapshot.Decode(data)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	r.ledger.Restore(accounts)
	body := map[string]any{"status": "imported", "accounts": len(accounts)}
	addWarning(body, r.ledger.Persist(req.Context()))
	writeJSON(w, http.StatusOK, body)
}

// handleStream upgrades the connection and subscribes it either to the
// caller's account updates or, with ?stream=market, to the quote board.
func (r *Router) handleStream(w http.ResponseWriter, req *http.Request) {
	info, ok := authInfoFromContext(req.Context())
	if !ok {
		r.missingAuthContext(w, req)
		return
	}
	topic := info.Username
	if req.URL.Query().Get("stream") == ws.MarketTopic {
		topic = ws.MarketTopic
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	client := ws.NewClient(conn, r.logger)
	r.hub.Register(topic, client)
	go func() {
		defer func() {
			r.hub.Unregister(topic, client)
			client.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	components := make(map[string]any)
	status := "ok"
	if r.dbHealth != nil {
		ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
		defer cancel()
		if err := r.dbHealth(ctx); err != nil {
			status = "degraded"
			components["storage"] = map[string]any{
				"status": "down",
				"error":  err.Error(),
			}
		} else {
			components["storage"] = map[string]any{"status": "up"}
		}
	}
	payload := map[string]any{
		"status":     status,
		"components": components,
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, payload)
}

// writeDomainError maps the error taxonomy onto HTTP status codes.
func (r *Router) writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrInvalidAmount),
		errors.Is(err, domain.ErrSelfTransfer),
		errors.Is(err, domain.ErrInvalidUsername),
		errors.Is(err, domain.ErrUnknownSymbol):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrInsufficientFunds),
		errors.Is(err, domain.ErrLoanLimitExceeded):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, domain.ErrRecipientNotFound),
		errors.Is(err, domain.ErrAccountNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrAccountExists):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, auth.ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, err.Error())
	default:
		r.logger.Error("unhandled service error", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (r *Router) missingAuthContext(w http.ResponseWriter, req *http.Request) {
	r.logger.Error("auth context missing", "path", req.URL.Path)
	writeError(w, http.StatusInternalServerError, "authorization context missing")
}

// addWarning annotates an otherwise-successful response when the
// write-through save failed. The mutation is already applied in memory.
func addWarning(body map[string]any, err error) {
	if errors.Is(err, domain.ErrPersistence) {
		body["warning"] = "state change applied but not persisted"
	}
}

func accountView(acct *domain.Account, feed *market.Feed) map[string]any {
	if acct == nil {
		return nil
	}
	view := map[string]any{
		"username":     acct.Username,
		"cash_balance": acct.CashBalance,
		"loan_balance": acct.LoanBalance,
		"holdings":     acct.Holdings,
	}
	if feed != nil {
		view["portfolio_value"] = feed.Value(acct.Holdings)
	}
	return view
}

func tokenView(tokens auth.TokenPair) map[string]any {
	return map[string]any{
		"access_token":  tokens.AccessToken,
		"refresh_token": tokens.RefreshToken,
		"expires_in":    int(tokens.ExpiresIn.Seconds()),
	}
}

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}
