package vault

import (
	"context"
	"crypto/sha256"
	"errors"
	"testing"

	"github.com/gagliardetto/solana-go"

	"solscope/internal/amm"
	"solscope/internal/ledger"
	"solscope/internal/token"
)

const testClock int64 = 1_700_000_000

type engineFixture struct {
	ledger *ledger.Ledger
	engine *Engine
	venue  *amm.PaperExchange
	market amm.Market
	owner  solana.PublicKey
	hash   [32]byte
}

func newFixture(t *testing.T) *engineFixture {
	t.Helper()
	l := ledger.New(ledger.WithClock(func() int64 { return testClock }))
	venue := amm.NewPaperExchange()

	market := amm.Market{
		Name: "TOKEN-SOL",
		Mint: solana.NewWallet().PublicKey(),
		Accounts: amm.Accounts{
			Amm: solana.NewWallet().PublicKey(),
		},
		Rate: amm.Quote{Num: 2, Den: 1},
	}
	venue.AddPool(market.Accounts.Amm, market.Rate)

	owner := solana.NewWallet().PublicKey()
	l.CreateFunded(owner, 10_000_000_000)

	return &engineFixture{
		ledger: l,
		engine: NewEngine(l, venue),
		venue:  venue,
		market: market,
		owner:  owner,
		hash:   sha256.Sum256([]byte("bot-alpha")),
	}
}

func (f *engineFixture) register(t *testing.T) Derivation {
	t.Helper()
	d, err := f.engine.RegisterBot(context.Background(), f.owner, f.hash)
	if err != nil {
		t.Fatalf("register bot: %v", err)
	}
	return d
}

func (f *engineFixture) fund(t *testing.T, amount uint64) {
	t.Helper()
	if err := f.engine.FundVault(context.Background(), f.owner, f.hash, amount); err != nil {
		t.Fatalf("fund vault: %v", err)
	}
}

func (f *engineFixture) tokenBalance(t *testing.T, key solana.PublicKey) uint64 {
	t.Helper()
	var balance uint64
	err := f.ledger.Execute(context.Background(), nil, func(txn *ledger.Txn) error {
		balance = token.Balance(txn, key)
		return nil
	})
	if err != nil {
		t.Fatalf("read token balance: %v", err)
	}
	return balance
}

func TestDeriveIsDeterministic(t *testing.T) {
	owner := solana.NewWallet().PublicKey()
	hash := sha256.Sum256([]byte("bot"))

	first, err := Derive(owner, hash)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	second, err := Derive(owner, hash)
	if err != nil {
		t.Fatalf("derive again: %v", err)
	}
	if first != second {
		t.Fatalf("derivation not deterministic: %+v vs %+v", first, second)
	}
	if first.BotMeta.Equals(first.Vault) {
		t.Fatalf("metadata and vault addresses must differ")
	}
}

func TestRegisterBotCreatesAccounts(t *testing.T) {
	f := newFixture(t)
	d := f.register(t)

	if got := f.ledger.Balance(d.Vault); got != f.ledger.MinimumBalance(0) {
		t.Fatalf("vault should hold exactly its rent deposit, got %d", got)
	}

	meta, err := f.engine.Meta(context.Background(), f.owner, f.hash)
	if err != nil {
		t.Fatalf("read meta: %v", err)
	}
	if !meta.Owner.Equals(f.owner) || meta.BotIDHash != f.hash || !meta.Vault.Equals(d.Vault) {
		t.Fatalf("unexpected meta: %+v", meta)
	}
	if meta.CreatedAt != testClock {
		t.Fatalf("unexpected created_at: %d", meta.CreatedAt)
	}
	if meta.Paused {
		t.Fatalf("fresh bot must not be paused")
	}
}

func TestRegisterBotFirstWriteWins(t *testing.T) {
	f := newFixture(t)
	f.register(t)

	_, err := f.engine.RegisterBot(context.Background(), f.owner, f.hash)
	if !errors.Is(err, ledger.ErrAccountExists) {
		t.Fatalf("expected ErrAccountExists, got %v", err)
	}
}

func TestAssertVault(t *testing.T) {
	f := newFixture(t)
	d := f.register(t)
	ctx := context.Background()

	if err := f.engine.AssertVault(ctx, f.owner, f.hash, d.Vault); err != nil {
		t.Fatalf("assert vault: %v", err)
	}
	err := f.engine.AssertVault(ctx, f.owner, f.hash, solana.NewWallet().PublicKey())
	if !errors.Is(err, ErrInvalidVault) {
		t.Fatalf("expected ErrInvalidVault, got %v", err)
	}

	if err := f.engine.SetPaused(ctx, f.owner, f.hash, true); err != nil {
		t.Fatalf("pause: %v", err)
	}
	err = f.engine.AssertVault(ctx, f.owner, f.hash, d.Vault)
	if !errors.Is(err, ErrBotPaused) {
		t.Fatalf("expected ErrBotPaused, got %v", err)
	}
}

func TestFundAndWithdraw(t *testing.T) {
	f := newFixture(t)
	d := f.register(t)
	ctx := context.Background()

	reserve := f.ledger.MinimumBalance(0)
	f.fund(t, 5_000_000)
	if got := f.ledger.Balance(d.Vault); got != reserve+5_000_000 {
		t.Fatalf("unexpected vault balance after funding: %d", got)
	}

	if err := f.engine.FundVault(ctx, f.owner, f.hash, 0); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount for zero funding, got %v", err)
	}

	ownerBefore := f.ledger.Balance(f.owner)
	if err := f.engine.Withdraw(ctx, f.owner, f.hash, 2_000_000); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if got := f.ledger.Balance(d.Vault); got != reserve+3_000_000 {
		t.Fatalf("unexpected vault balance after withdrawal: %d", got)
	}
	if got := f.ledger.Balance(f.owner); got != ownerBefore+2_000_000 {
		t.Fatalf("owner did not receive withdrawal: %d", got)
	}
}

func TestWithdrawKeepsRentReserve(t *testing.T) {
	f := newFixture(t)
	f.register(t)
	f.fund(t, 1_000_000)

	err := f.engine.Withdraw(context.Background(), f.owner, f.hash, 1_000_001)
	if !errors.Is(err, ErrInsufficientVaultFunds) {
		t.Fatalf("expected ErrInsufficientVaultFunds, got %v", err)
	}
}

func TestSetPausedBlocksOperations(t *testing.T) {
	f := newFixture(t)
	f.register(t)
	f.fund(t, 1_000_000_000)
	ctx := context.Background()

	if err := f.engine.SetPaused(ctx, f.owner, f.hash, true); err != nil {
		t.Fatalf("pause: %v", err)
	}
	_, err := f.engine.ExecuteTrade(ctx, TradeParams{
		Owner:       f.owner,
		BotIDHash:   f.hash,
		Side:        SideBuy,
		Market:      f.market,
		WrapAccount: solana.NewWallet().PublicKey(),
		AmountIn:    100_000,
		MinOut:      1,
	})
	if !errors.Is(err, ErrBotPaused) {
		t.Fatalf("expected ErrBotPaused, got %v", err)
	}
	if err := f.engine.FundVault(ctx, f.owner, f.hash, 1_000); !errors.Is(err, ErrBotPaused) {
		t.Fatalf("expected ErrBotPaused on fund, got %v", err)
	}
	if err := f.engine.Withdraw(ctx, f.owner, f.hash, 1_000); !errors.Is(err, ErrBotPaused) {
		t.Fatalf("expected ErrBotPaused on withdraw, got %v", err)
	}

	if err := f.engine.SetPaused(ctx, f.owner, f.hash, false); err != nil {
		t.Fatalf("unpause: %v", err)
	}
	if _, err := f.engine.ExecuteTrade(ctx, TradeParams{
		Owner:       f.owner,
		BotIDHash:   f.hash,
		Side:        SideBuy,
		Market:      f.market,
		WrapAccount: solana.NewWallet().PublicKey(),
		AmountIn:    100_000,
		MinOut:      1,
	}); err != nil {
		t.Fatalf("trade after unpause: %v", err)
	}
}

func TestExecuteTradeBuy(t *testing.T) {
	f := newFixture(t)
	d := f.register(t)
	f.fund(t, 1_000_000_000)
	before := f.ledger.Balance(d.Vault)

	received, err := f.engine.ExecuteTrade(context.Background(), TradeParams{
		Owner:       f.owner,
		BotIDHash:   f.hash,
		Side:        SideBuy,
		Market:      f.market,
		WrapAccount: solana.NewWallet().PublicKey(),
		AmountIn:    100_000,
		MinOut:      200_000,
	})
	if err != nil {
		t.Fatalf("execute trade: %v", err)
	}
	if received != 200_000 {
		t.Fatalf("expected 200000 received, got %d", received)
	}

	// The vault pays exactly the input amount; the wrap rent comes back on close.
	if got := f.ledger.Balance(d.Vault); got != before-100_000 {
		t.Fatalf("unexpected vault balance: got %d want %d", got, before-100_000)
	}

	ata, _, err := token.FindAssociatedAddress(d.Vault, f.market.Mint)
	if err != nil {
		t.Fatalf("find associated address: %v", err)
	}
	if got := f.tokenBalance(t, ata); got != 200_000 {
		t.Fatalf("unexpected holding balance: %d", got)
	}
}

func TestExecuteTradeSlippageRollsBack(t *testing.T) {
	f := newFixture(t)
	d := f.register(t)
	f.fund(t, 1_000_000_000)
	before := f.ledger.Balance(d.Vault)
	wrap := solana.NewWallet().PublicKey()

	_, err := f.engine.ExecuteTrade(context.Background(), TradeParams{
		Owner:       f.owner,
		BotIDHash:   f.hash,
		Side:        SideBuy,
		Market:      f.market,
		WrapAccount: wrap,
		AmountIn:    100_000,
		MinOut:      300_000,
	})
	if !errors.Is(err, ErrSlippageExceeded) {
		t.Fatalf("expected ErrSlippageExceeded, got %v", err)
	}

	if got := f.ledger.Balance(d.Vault); got != before {
		t.Fatalf("vault balance changed on failed trade: got %d want %d", got, before)
	}
	if _, ok := f.ledger.Account(wrap); ok {
		t.Fatalf("wrap account survived rollback")
	}
	ata, _, err := token.FindAssociatedAddress(d.Vault, f.market.Mint)
	if err != nil {
		t.Fatalf("find associated address: %v", err)
	}
	if got := f.tokenBalance(t, ata); got != 0 {
		t.Fatalf("holding account credited on failed trade: %d", got)
	}
}

func TestExecuteTradeSell(t *testing.T) {
	f := newFixture(t)
	d := f.register(t)
	f.fund(t, 1_000_000_000)
	ctx := context.Background()

	if _, err := f.engine.ExecuteTrade(ctx, TradeParams{
		Owner:       f.owner,
		BotIDHash:   f.hash,
		Side:        SideBuy,
		Market:      f.market,
		WrapAccount: solana.NewWallet().PublicKey(),
		AmountIn:    100_000,
		MinOut:      200_000,
	}); err != nil {
		t.Fatalf("seed position: %v", err)
	}

	before := f.ledger.Balance(d.Vault)
	received, err := f.engine.ExecuteTrade(ctx, TradeParams{
		Owner:       f.owner,
		BotIDHash:   f.hash,
		Side:        SideSell,
		Market:      f.market,
		WrapAccount: solana.NewWallet().PublicKey(),
		AmountIn:    50_000,
		MinOut:      100_000,
	})
	if err != nil {
		t.Fatalf("sell: %v", err)
	}
	if received != 100_000 {
		t.Fatalf("expected 100000 received, got %d", received)
	}
	if got := f.ledger.Balance(d.Vault); got != before+100_000 {
		t.Fatalf("sell proceeds not returned to vault: got %d want %d", got, before+100_000)
	}

	ata, _, err := token.FindAssociatedAddress(d.Vault, f.market.Mint)
	if err != nil {
		t.Fatalf("find associated address: %v", err)
	}
	if got := f.tokenBalance(t, ata); got != 150_000 {
		t.Fatalf("unexpected remaining holding balance: %d", got)
	}
}

func TestExecuteTradeRejectsReusedWrapAccount(t *testing.T) {
	f := newFixture(t)
	f.register(t)
	f.fund(t, 1_000_000_000)

	reused := solana.NewWallet().PublicKey()
	f.ledger.CreateFunded(reused, 1)

	_, err := f.engine.ExecuteTrade(context.Background(), TradeParams{
		Owner:       f.owner,
		BotIDHash:   f.hash,
		Side:        SideBuy,
		Market:      f.market,
		WrapAccount: reused,
		AmountIn:    100_000,
		MinOut:      1,
	})
	if !errors.Is(err, ErrInvalidVault) {
		t.Fatalf("expected ErrInvalidVault, got %v", err)
	}
}

func TestExecuteTradeInsufficientVaultFunds(t *testing.T) {
	f := newFixture(t)
	f.register(t)
	f.fund(t, 10_000)

	_, err := f.engine.ExecuteTrade(context.Background(), TradeParams{
		Owner:       f.owner,
		BotIDHash:   f.hash,
		Side:        SideBuy,
		Market:      f.market,
		WrapAccount: solana.NewWallet().PublicKey(),
		AmountIn:    100_000_000,
		MinOut:      1,
	})
	if !errors.Is(err, ErrInsufficientVaultFunds) {
		t.Fatalf("expected ErrInsufficientVaultFunds, got %v", err)
	}
}

func TestExecuteTradeValidatesInput(t *testing.T) {
	f := newFixture(t)
	f.register(t)
	ctx := context.Background()

	_, err := f.engine.ExecuteTrade(ctx, TradeParams{
		Owner:       f.owner,
		BotIDHash:   f.hash,
		Side:        SideBuy,
		Market:      f.market,
		WrapAccount: solana.NewWallet().PublicKey(),
		AmountIn:    0,
		MinOut:      1,
	})
	if !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}

	_, err = f.engine.ExecuteTrade(ctx, TradeParams{
		Owner:       f.owner,
		BotIDHash:   f.hash,
		Side:        SideBuy,
		Market:      f.market,
		WrapAccount: solana.NewWallet().PublicKey(),
		AmountIn:    1,
		MinOut:      0,
	})
	if !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount for zero min_out, got %v", err)
	}

	_, err = f.engine.ExecuteTrade(ctx, TradeParams{
		Owner:       f.owner,
		BotIDHash:   f.hash,
		Side:        Side("HOLD"),
		Market:      f.market,
		WrapAccount: solana.NewWallet().PublicKey(),
		AmountIn:    1,
		MinOut:      1,
	})
	if err == nil {
		t.Fatalf("expected error for unknown side")
	}
}

func TestMetaDetectsTampering(t *testing.T) {
	f := newFixture(t)
	d := f.register(t)
	ctx := context.Background()

	err := f.ledger.Execute(ctx, nil, func(txn *ledger.Txn) error {
		data, err := txn.Data(d.BotMeta)
		if err != nil {
			return err
		}
		data[32] ^= 0xff
		return txn.SetData(d.BotMeta, data)
	})
	if err != nil {
		t.Fatalf("tamper meta: %v", err)
	}

	_, err = f.engine.Meta(ctx, f.owner, f.hash)
	if !errors.Is(err, ErrBotIDMismatch) {
		t.Fatalf("expected ErrBotIDMismatch, got %v", err)
	}
}
