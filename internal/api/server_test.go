package api

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gagliardetto/solana-go"

	"solscope/internal/amm"
	"solscope/internal/ledger"
	"solscope/internal/trade"
	"solscope/internal/vault"
)

type serverFixture struct {
	handler http.Handler
	ledger  *ledger.Ledger
	owner   solana.PublicKey
	hash    string
}

func newServerFixture(t *testing.T) *serverFixture {
	t.Helper()
	l := ledger.New()
	venue := amm.NewPaperExchange()
	engine := vault.NewEngine(l, venue)

	store := trade.NewMemoryStore()
	queue := trade.NewMemoryQueue(16)
	trades := trade.NewService(store, queue, 3)

	owner := solana.NewWallet().PublicKey()
	l.CreateFunded(owner, 10_000_000_000)
	hash := sha256.Sum256([]byte("bot-alpha"))

	server := NewServer(":0", engine, trades)
	return &serverFixture{
		handler: server.Handler(),
		ledger:  l,
		owner:   owner,
		hash:    hex.EncodeToString(hash[:]),
	}
}

func (f *serverFixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request: %v", err)
		}
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	recorder := httptest.NewRecorder()
	f.handler.ServeHTTP(recorder, req)
	return recorder
}

func decodeResponse[T any](t *testing.T, recorder *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.NewDecoder(recorder.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

func (f *serverFixture) registerBot(t *testing.T) {
	t.Helper()
	recorder := f.do(t, http.MethodPost, "/api/v1/bots", map[string]string{
		"owner":       f.owner.String(),
		"bot_id_hash": f.hash,
	})
	if recorder.Code != http.StatusCreated {
		t.Fatalf("register status %d: %s", recorder.Code, recorder.Body.String())
	}
}

func TestRegisterAndGetBot(t *testing.T) {
	f := newServerFixture(t)
	f.registerBot(t)

	recorder := f.do(t, http.MethodGet, "/api/v1/bots?owner="+f.owner.String()+"&bot_id_hash="+f.hash, nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("get status %d: %s", recorder.Code, recorder.Body.String())
	}
	got := decodeResponse[map[string]any](t, recorder)
	if got["owner"] != f.owner.String() {
		t.Fatalf("unexpected owner: %v", got["owner"])
	}
	if got["bot_id_hash"] != f.hash {
		t.Fatalf("unexpected hash: %v", got["bot_id_hash"])
	}
	if got["paused"] != false {
		t.Fatalf("fresh bot reported paused")
	}
}

func TestRegisterBotTwiceConflicts(t *testing.T) {
	f := newServerFixture(t)
	f.registerBot(t)

	recorder := f.do(t, http.MethodPost, "/api/v1/bots", map[string]string{
		"owner":       f.owner.String(),
		"bot_id_hash": f.hash,
	})
	if recorder.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", recorder.Code, recorder.Body.String())
	}
}

func TestRegisterBotRejectsBadOwner(t *testing.T) {
	f := newServerFixture(t)
	recorder := f.do(t, http.MethodPost, "/api/v1/bots", map[string]string{
		"owner":       "not-base58!!",
		"bot_id_hash": f.hash,
	})
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", recorder.Code)
	}
}

func TestGetUnknownBot(t *testing.T) {
	f := newServerFixture(t)
	recorder := f.do(t, http.MethodGet, "/api/v1/bots?owner="+f.owner.String()+"&bot_id_hash="+f.hash, nil)
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", recorder.Code, recorder.Body.String())
	}
}

func TestFundAndWithdrawEndpoints(t *testing.T) {
	f := newServerFixture(t)
	f.registerBot(t)
	reserve := f.ledger.MinimumBalance(0)

	recorder := f.do(t, http.MethodPost, "/api/v1/bots/fund", map[string]any{
		"owner":       f.owner.String(),
		"bot_id_hash": f.hash,
		"amount":      5_000_000,
	})
	if recorder.Code != http.StatusOK {
		t.Fatalf("fund status %d: %s", recorder.Code, recorder.Body.String())
	}
	funded := decodeResponse[map[string]uint64](t, recorder)
	if funded["vault_balance"] != reserve+5_000_000 {
		t.Fatalf("unexpected balance after funding: %d", funded["vault_balance"])
	}

	recorder = f.do(t, http.MethodPost, "/api/v1/bots/withdraw", map[string]any{
		"owner":       f.owner.String(),
		"bot_id_hash": f.hash,
		"amount":      2_000_000,
	})
	if recorder.Code != http.StatusOK {
		t.Fatalf("withdraw status %d: %s", recorder.Code, recorder.Body.String())
	}
	withdrawn := decodeResponse[map[string]uint64](t, recorder)
	if withdrawn["vault_balance"] != reserve+3_000_000 {
		t.Fatalf("unexpected balance after withdrawal: %d", withdrawn["vault_balance"])
	}

	recorder = f.do(t, http.MethodPost, "/api/v1/bots/withdraw", map[string]any{
		"owner":       f.owner.String(),
		"bot_id_hash": f.hash,
		"amount":      10_000_000,
	})
	if recorder.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for over-withdrawal, got %d", recorder.Code)
	}
}

func TestPauseEndpoint(t *testing.T) {
	f := newServerFixture(t)
	f.registerBot(t)

	paused := true
	recorder := f.do(t, http.MethodPost, "/api/v1/bots/pause", map[string]any{
		"owner":       f.owner.String(),
		"bot_id_hash": f.hash,
		"paused":      &paused,
	})
	if recorder.Code != http.StatusOK {
		t.Fatalf("pause status %d: %s", recorder.Code, recorder.Body.String())
	}

	recorder = f.do(t, http.MethodGet, "/api/v1/bots?owner="+f.owner.String()+"&bot_id_hash="+f.hash, nil)
	got := decodeResponse[map[string]any](t, recorder)
	if got["paused"] != true {
		t.Fatalf("pause flag not persisted: %v", got["paused"])
	}
}

func TestAssertVaultEndpoint(t *testing.T) {
	f := newServerFixture(t)
	f.registerBot(t)

	owner := f.owner
	hashBytes, err := trade.DecodeBotIDHash(f.hash)
	if err != nil {
		t.Fatalf("decode hash: %v", err)
	}
	d, err := vault.Derive(owner, hashBytes)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}

	recorder := f.do(t, http.MethodPost, "/api/v1/bots/assert", map[string]string{
		"owner":       owner.String(),
		"bot_id_hash": f.hash,
		"vault":       d.Vault.String(),
	})
	if recorder.Code != http.StatusOK {
		t.Fatalf("assert status %d: %s", recorder.Code, recorder.Body.String())
	}

	recorder = f.do(t, http.MethodPost, "/api/v1/bots/assert", map[string]string{
		"owner":       owner.String(),
		"bot_id_hash": f.hash,
		"vault":       solana.NewWallet().PublicKey().String(),
	})
	if recorder.Code != http.StatusConflict {
		t.Fatalf("expected 409 for wrong vault, got %d", recorder.Code)
	}
}

func TestSubmitAndGetTrade(t *testing.T) {
	f := newServerFixture(t)
	f.registerBot(t)

	recorder := f.do(t, http.MethodPost, "/api/v1/trades", map[string]any{
		"owner":       f.owner.String(),
		"bot_id_hash": f.hash,
		"side":        "BUY",
		"market":      "TOKEN-SOL",
		"amount_in":   100_000,
		"min_out":     180_000,
	})
	if recorder.Code != http.StatusAccepted {
		t.Fatalf("submit status %d: %s", recorder.Code, recorder.Body.String())
	}
	submitted := decodeResponse[trade.Trade](t, recorder)
	if submitted.ID == "" || submitted.Status != trade.StatusPending {
		t.Fatalf("unexpected submitted trade: %+v", submitted)
	}

	recorder = f.do(t, http.MethodGet, "/api/v1/trades/"+submitted.ID, nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("get trade status %d: %s", recorder.Code, recorder.Body.String())
	}
	fetched := decodeResponse[trade.Trade](t, recorder)
	if fetched.ID != submitted.ID {
		t.Fatalf("trade id mismatch: %s vs %s", fetched.ID, submitted.ID)
	}

	recorder = f.do(t, http.MethodGet, "/api/v1/trades", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("list status %d", recorder.Code)
	}
	listed := decodeResponse[[]trade.Trade](t, recorder)
	if len(listed) != 1 {
		t.Fatalf("expected one trade, got %d", len(listed))
	}

	recorder = f.do(t, http.MethodGet, "/api/v1/trades/stats", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("stats status %d", recorder.Code)
	}
	stats := decodeResponse[trade.TradeStats](t, recorder)
	if stats.Total != 1 || stats.Pending != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestSubmitTradeValidation(t *testing.T) {
	f := newServerFixture(t)
	recorder := f.do(t, http.MethodPost, "/api/v1/trades", map[string]any{
		"owner":       f.owner.String(),
		"bot_id_hash": f.hash,
		"side":        "HOLD",
		"market":      "TOKEN-SOL",
		"amount_in":   100_000,
	})
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad side, got %d: %s", recorder.Code, recorder.Body.String())
	}
}

func TestGetUnknownTrade(t *testing.T) {
	f := newServerFixture(t)
	recorder := f.do(t, http.MethodGet, "/api/v1/trades/missing", nil)
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", recorder.Code)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	f := newServerFixture(t)
	recorder := f.do(t, http.MethodDelete, "/api/v1/bots", nil)
	if recorder.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", recorder.Code)
	}
	recorder = f.do(t, http.MethodPost, "/api/v1/trades/stats", nil)
	if recorder.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405 for stats POST, got %d", recorder.Code)
	}
}

func TestHealthz(t *testing.T) {
	f := newServerFixture(t)
	recorder := f.do(t, http.MethodGet, "/healthz", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("healthz status %d", recorder.Code)
	}
}
