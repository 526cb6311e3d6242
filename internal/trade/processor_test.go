package trade

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"

	xerrors "solscope/internal/errors"
	"solscope/internal/vault"
)

type fakeExecutor struct {
	calls   atomic.Int32
	execute func(attempt int32, trade *Trade) (*ExecutionResult, error)
}

func (f *fakeExecutor) Execute(_ context.Context, trade *Trade) (*ExecutionResult, error) {
	attempt := f.calls.Add(1)
	if f.execute != nil {
		return f.execute(attempt, trade)
	}
	return &ExecutionResult{Received: trade.AmountIn * 2, ExecutedAt: time.Now().Unix()}, nil
}

func validRequest(id string) Request {
	hash := sha256.Sum256([]byte("bot"))
	return Request{
		ID:        id,
		Owner:     solana.NewWallet().PublicKey().String(),
		BotIDHash: hex.EncodeToString(hash[:]),
		Side:      "buy",
		Market:    "TOKEN-SOL",
		AmountIn:  1000,
		MinOut:    1500,
	}
}

func startProcessor(t *testing.T, executor Executor, store Store, queue *MemoryQueue, opts ...ProcessorOption) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	processor := NewProcessor(executor, store, queue, queue, opts...)
	go func() {
		_ = processor.Start(ctx)
	}()
	return cancel
}

func waitForTerminal(t *testing.T, store Store, id string) *Trade {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		trade, err := store.Get(context.Background(), id)
		if err == nil && (trade.Status == StatusFilled || trade.Status == StatusFailed) {
			return trade
		}
		select {
		case <-deadline:
			t.Fatalf("trade %s never reached a terminal status", id)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func waitForFilled(t *testing.T, store Store, id string) *Trade {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		trade, err := store.Get(context.Background(), id)
		if err == nil && trade.Status == StatusFilled {
			return trade
		}
		select {
		case <-deadline:
			t.Fatalf("trade %s never filled", id)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestProcessorFillsTrade(t *testing.T) {
	store := NewMemoryStore()
	queue := NewMemoryQueue(16)
	executor := &fakeExecutor{}
	service := NewService(store, queue, 3)

	cancel := startProcessor(t, executor, store, queue)
	defer cancel()

	submitted, err := service.Submit(context.Background(), validRequest("fill-1"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	trade := waitForFilled(t, store, submitted.ID)
	if trade.Result == nil || trade.Result.Received != 2000 {
		t.Fatalf("unexpected result: %+v", trade.Result)
	}
	if trade.Attempts != 1 {
		t.Fatalf("expected single attempt, got %d", trade.Attempts)
	}
	if got := executor.calls.Load(); got != 1 {
		t.Fatalf("executor called %d times", got)
	}
}

func TestProcessorRetriesRetryableFailure(t *testing.T) {
	store := NewMemoryStore()
	queue := NewMemoryQueue(16)
	executor := &fakeExecutor{
		execute: func(attempt int32, trade *Trade) (*ExecutionResult, error) {
			if attempt == 1 {
				return nil, xerrors.New(CodeTradeProcessing, "transient venue failure")
			}
			return &ExecutionResult{Received: trade.MinOut}, nil
		},
	}
	service := NewService(store, queue, 3)

	cancel := startProcessor(t, executor, store, queue)
	defer cancel()

	submitted, err := service.Submit(context.Background(), validRequest("retry-1"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	trade := waitForFilled(t, store, submitted.ID)
	if trade.Attempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", trade.Attempts)
	}
	if got := executor.calls.Load(); got != 2 {
		t.Fatalf("executor called %d times", got)
	}
}

func TestProcessorStopsOnNonRetryableFailure(t *testing.T) {
	store := NewMemoryStore()
	queue := NewMemoryQueue(16)
	executor := &fakeExecutor{
		execute: func(int32, *Trade) (*ExecutionResult, error) {
			return nil, vault.ErrSlippageExceeded
		},
	}
	service := NewService(store, queue, 3)

	cancel := startProcessor(t, executor, store, queue)
	defer cancel()

	submitted, err := service.Submit(context.Background(), validRequest("slip-1"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	trade := waitForTerminal(t, store, submitted.ID)
	if trade.Status != StatusFailed {
		t.Fatalf("expected failed status, got %s", trade.Status)
	}
	if trade.ErrorCode != string(vault.CodeSlippageExceeded) {
		t.Fatalf("unexpected error code: %s", trade.ErrorCode)
	}

	// Give any wrongly scheduled retry a chance to run before asserting.
	time.Sleep(50 * time.Millisecond)
	if got := executor.calls.Load(); got != 1 {
		t.Fatalf("non-retryable failure retried, executor called %d times", got)
	}
}

func TestProcessorConcurrentTrades(t *testing.T) {
	store := NewMemoryStore()
	queue := NewMemoryQueue(64)
	executor := &fakeExecutor{
		execute: func(_ int32, trade *Trade) (*ExecutionResult, error) {
			time.Sleep(5 * time.Millisecond)
			return &ExecutionResult{Received: trade.AmountIn}, nil
		},
	}
	service := NewService(store, queue, 3)

	cancel := startProcessor(t, executor, store, queue, WithWorkerCount(8))
	defer cancel()

	const total = 20
	ids := make([]string, 0, total)
	for i := 0; i < total; i++ {
		submitted, err := service.Submit(context.Background(), validRequest(fmt.Sprintf("bulk-%d", i)))
		if err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
		ids = append(ids, submitted.ID)
	}

	for _, id := range ids {
		waitForFilled(t, store, id)
	}
	if got := executor.calls.Load(); got != total {
		t.Fatalf("expected %d executions, got %d", total, got)
	}
}

func TestServiceSubmitValidation(t *testing.T) {
	store := NewMemoryStore()
	queue := NewMemoryQueue(16)
	service := NewService(store, queue, 3)
	ctx := context.Background()

	bad := validRequest("")
	bad.Owner = "not-base58!!"
	if _, err := service.Submit(ctx, bad); xerrors.CodeOf(err) != CodeTradeValidation {
		t.Fatalf("expected validation failure for owner, got %v", err)
	}

	bad = validRequest("")
	bad.BotIDHash = "deadbeef"
	if _, err := service.Submit(ctx, bad); xerrors.CodeOf(err) != CodeTradeValidation {
		t.Fatalf("expected validation failure for hash, got %v", err)
	}

	bad = validRequest("")
	bad.AmountIn = 0
	if _, err := service.Submit(ctx, bad); xerrors.CodeOf(err) != CodeTradeValidation {
		t.Fatalf("expected validation failure for amount, got %v", err)
	}
}

func TestServiceSubmitIsIdempotent(t *testing.T) {
	store := NewMemoryStore()
	queue := NewMemoryQueue(16)
	service := NewService(store, queue, 3)
	ctx := context.Background()

	first, err := service.Submit(ctx, validRequest("idem-1"))
	if err != nil {
		t.Fatalf("first submit: %v", err)
	}
	second, err := service.Submit(ctx, validRequest("idem-1"))
	if err != nil {
		t.Fatalf("second submit: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("idempotent submit returned different trades: %s vs %s", first.ID, second.ID)
	}

	queued := 0
	for {
		select {
		case <-queue.ch:
			queued++
			continue
		default:
		}
		break
	}
	if queued != 1 {
		t.Fatalf("expected exactly one queued trade, got %d", queued)
	}
}
