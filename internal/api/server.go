package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"

	xerrors "solscope/internal/errors"
	"solscope/internal/ledger"
	"solscope/internal/observability/metrics"
	"solscope/internal/trade"
	"solscope/internal/vault"
)

// Server 负责暴露 REST 接口，供外部策略端驱动托管引擎。
type Server struct {
	addr   string
	engine *vault.Engine
	trades *trade.Service
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, engine *vault.Engine, trades *trade.Service) *Server {
	return &Server{addr: addr, engine: engine, trades: trades}
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// Handler 返回完整的路由表。独立暴露便于测试。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/bots", s.instrument("bots", s.handleBots))
	mux.HandleFunc("/api/v1/bots/assert", s.instrument("bots_assert", s.handleAssertVault))
	mux.HandleFunc("/api/v1/bots/fund", s.instrument("bots_fund", s.handleFundVault))
	mux.HandleFunc("/api/v1/bots/withdraw", s.instrument("bots_withdraw", s.handleWithdraw))
	mux.HandleFunc("/api/v1/bots/pause", s.instrument("bots_pause", s.handleSetPaused))
	mux.HandleFunc("/api/v1/trades", s.instrument("trades", s.handleTrades))
	mux.HandleFunc("/api/v1/trades/", s.instrument("trade_get", s.handleGetTrade))
	mux.HandleFunc("/api/v1/trades/stats", s.instrument("trade_stats", s.handleTradeStats))
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

type botRequest struct {
	Owner     string `json:"owner"`
	BotIDHash string `json:"bot_id_hash"`
	Vault     string `json:"vault,omitempty"`
	Amount    uint64 `json:"amount,omitempty"`
	Paused    *bool  `json:"paused,omitempty"`
}

type botResponse struct {
	Owner        string `json:"owner"`
	BotIDHash    string `json:"bot_id_hash"`
	BotMeta      string `json:"bot_meta"`
	Vault        string `json:"vault"`
	CreatedAt    int64  `json:"created_at,omitempty"`
	Paused       bool   `json:"paused"`
	VaultBalance uint64 `json:"vault_balance"`
}

func (s *Server) handleBots(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleRegisterBot(w, r)
	case http.MethodGet:
		s.handleGetBot(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "仅支持 GET/POST")
	}
}

func (s *Server) handleRegisterBot(w http.ResponseWriter, r *http.Request) {
	if s.engine == nil {
		writeError(w, http.StatusServiceUnavailable, "引擎未初始化")
		return
	}
	owner, hash, ok := decodeBotIdentity(w, r)
	if !ok {
		return
	}
	d, err := s.engine.RegisterBot(r.Context(), owner, hash)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, botResponse{
		Owner:     owner.String(),
		BotIDHash: hexHash(hash),
		BotMeta:   d.BotMeta.String(),
		Vault:     d.Vault.String(),
	})
}

func (s *Server) handleGetBot(w http.ResponseWriter, r *http.Request) {
	if s.engine == nil {
		writeError(w, http.StatusServiceUnavailable, "引擎未初始化")
		return
	}
	owner, err := solana.PublicKeyFromBase58(r.URL.Query().Get("owner"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "owner 不是合法的 base58 地址")
		return
	}
	hash, err := trade.DecodeBotIDHash(r.URL.Query().Get("bot_id_hash"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	meta, err := s.engine.Meta(r.Context(), owner, hash)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	balance, err := s.engine.VaultBalance(owner, hash)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	d, err := vault.Derive(owner, hash)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, botResponse{
		Owner:        meta.Owner.String(),
		BotIDHash:    hexHash(meta.BotIDHash),
		BotMeta:      d.BotMeta.String(),
		Vault:        meta.Vault.String(),
		CreatedAt:    meta.CreatedAt,
		Paused:       meta.Paused,
		VaultBalance: balance,
	})
}

func (s *Server) handleAssertVault(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	var req botRequest
	if !decodeBody(w, r, &req) {
		return
	}
	owner, hash, ok := parseBotIdentity(w, req)
	if !ok {
		return
	}
	vaultKey, err := solana.PublicKeyFromBase58(req.Vault)
	if err != nil {
		writeError(w, http.StatusBadRequest, "vault 不是合法的 base58 地址")
		return
	}
	if err := s.engine.AssertVault(r.Context(), owner, hash, vaultKey); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"valid": true})
}

func (s *Server) handleFundVault(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	var req botRequest
	if !decodeBody(w, r, &req) {
		return
	}
	owner, hash, ok := parseBotIdentity(w, req)
	if !ok {
		return
	}
	if err := s.engine.FundVault(r.Context(), owner, hash, req.Amount); err != nil {
		writeEngineError(w, err)
		return
	}
	s.writeBalance(w, owner, hash)
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	var req botRequest
	if !decodeBody(w, r, &req) {
		return
	}
	owner, hash, ok := parseBotIdentity(w, req)
	if !ok {
		return
	}
	if err := s.engine.Withdraw(r.Context(), owner, hash, req.Amount); err != nil {
		writeEngineError(w, err)
		return
	}
	s.writeBalance(w, owner, hash)
}

func (s *Server) handleSetPaused(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	var req botRequest
	if !decodeBody(w, r, &req) {
		return
	}
	owner, hash, ok := parseBotIdentity(w, req)
	if !ok {
		return
	}
	if req.Paused == nil {
		writeError(w, http.StatusBadRequest, "paused 字段不能为空")
		return
	}
	if err := s.engine.SetPaused(r.Context(), owner, hash, *req.Paused); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"paused": *req.Paused})
}

func (s *Server) writeBalance(w http.ResponseWriter, owner solana.PublicKey, hash [32]byte) {
	balance, err := s.engine.VaultBalance(owner, hash)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]uint64{"vault_balance": balance})
}

func (s *Server) handleTrades(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleSubmitTrade(w, r)
	case http.MethodGet:
		s.handleListTrades(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "仅支持 GET/POST")
	}
}

func (s *Server) handleSubmitTrade(w http.ResponseWriter, r *http.Request) {
	if s.trades == nil {
		writeError(w, http.StatusServiceUnavailable, "交易服务未初始化")
		return
	}
	var req trade.Request
	if !decodeBody(w, r, &req) {
		return
	}
	created, err := s.trades.Submit(r.Context(), req)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, created)
}

func (s *Server) handleListTrades(w http.ResponseWriter, r *http.Request) {
	if s.trades == nil {
		writeError(w, http.StatusServiceUnavailable, "交易服务未初始化")
		return
	}
	opts := listOptionsFromQuery(r)
	results, err := s.trades.List(r.Context(), opts...)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, results)
}

func (s *Server) handleGetTrade(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "仅支持 GET")
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/api/v1/trades/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, http.StatusNotFound, "交易不存在")
		return
	}
	if s.trades == nil {
		writeError(w, http.StatusServiceUnavailable, "交易服务未初始化")
		return
	}
	result, err := s.trades.Get(r.Context(), id)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleTradeStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "仅支持 GET")
		return
	}
	if s.trades == nil {
		writeError(w, http.StatusServiceUnavailable, "交易服务未初始化")
		return
	}
	opts := listOptionsFromQuery(r)
	stats, err := s.trades.Stats(r.Context(), opts...)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func listOptionsFromQuery(r *http.Request) []trade.ListOption {
	query := r.URL.Query()
	opts := make([]trade.ListOption, 0, 4)
	if raw := query.Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			opts = append(opts, trade.WithLimit(parsed))
		}
	}
	if raw := query.Get("offset"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			opts = append(opts, trade.WithOffset(parsed))
		}
	}
	if raw := query.Get("status"); raw != "" {
		statuses := make([]trade.Status, 0, 4)
		for _, value := range strings.Split(raw, ",") {
			statuses = append(statuses, trade.Status(strings.TrimSpace(value)))
		}
		opts = append(opts, trade.WithStatuses(statuses...))
	}
	if raw := query.Get("owner"); raw != "" {
		opts = append(opts, trade.WithOwner(raw))
	}
	if raw := query.Get("q"); raw != "" {
		opts = append(opts, trade.WithQuery(raw))
	}
	return opts
}

func decodeBotIdentity(w http.ResponseWriter, r *http.Request) (solana.PublicKey, [32]byte, bool) {
	var req botRequest
	if !decodeBody(w, r, &req) {
		return solana.PublicKey{}, [32]byte{}, false
	}
	return parseBotIdentity(w, req)
}

func parseBotIdentity(w http.ResponseWriter, req botRequest) (solana.PublicKey, [32]byte, bool) {
	owner, err := solana.PublicKeyFromBase58(strings.TrimSpace(req.Owner))
	if err != nil {
		writeError(w, http.StatusBadRequest, "owner 不是合法的 base58 地址")
		return solana.PublicKey{}, [32]byte{}, false
	}
	hash, err := trade.DecodeBotIDHash(req.BotIDHash)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return solana.PublicKey{}, [32]byte{}, false
	}
	return owner, hash, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "请求体解析失败")
		return false
	}
	return true
}

func requirePost(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "仅支持 POST")
		return false
	}
	return true
}

func hexHash(hash [32]byte) string {
	const digits = "0123456789abcdef"
	out := make([]byte, 64)
	for i, b := range hash {
		out[i*2] = digits[b>>4]
		out[i*2+1] = digits[b&0x0f]
	}
	return string(out)
}

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorBody{Error: message})
}

// writeEngineError 将统一错误码映射为 HTTP 状态码。
func writeEngineError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	code := xerrors.CodeOf(err)
	switch code {
	case xerrors.CodeInvalidArgument, vault.CodeInvalidAmount, trade.CodeTradeValidation:
		status = http.StatusBadRequest
	case xerrors.CodeNotFound, trade.CodeTradeNotFound, ledger.CodeAccountNotFound:
		status = http.StatusNotFound
	case xerrors.CodeConflict, trade.CodeTradeConflict, vault.CodeInvalidVault, vault.CodeBotIDMismatch, vault.CodeInvalidBotMetaBump, ledger.CodeAccountExists:
		status = http.StatusConflict
	case xerrors.CodeUnauthorized, vault.CodeUnauthorized, ledger.CodeMissingSignature:
		status = http.StatusForbidden
	case vault.CodeBotPaused, vault.CodeInsufficientVaultFunds, vault.CodeSlippageExceeded, ledger.CodeInsufficientFunds:
		status = http.StatusUnprocessableEntity
	case xerrors.CodeInitializationFailure:
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, errorBody{Error: err.Error(), Code: string(code)})
}

// instrument 记录每个入口的请求计数与时延。
func (s *Server) instrument(name string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next(recorder, r)
		metrics.ObserveHTTPRequest(name, r.Method, recorder.status, time.Since(start))
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			writeError(w, http.StatusServiceUnavailable, "服务已关闭")
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
