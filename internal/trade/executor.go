package trade

import (
	"context"
	"time"

	"github.com/gagliardetto/solana-go"

	"solscope/internal/amm"
	xerrors "solscope/internal/errors"
	"solscope/internal/vault"
)

// Executor 定义了处理器所需的成交能力。
type Executor interface {
	Execute(ctx context.Context, trade *Trade) (*ExecutionResult, error)
}

// EngineExecutor 将交易请求翻译为托管引擎的一次完整兑换。每次尝试都会
// 生成全新的一次性包装账户密钥，绝不复用。
type EngineExecutor struct {
	engine  *vault.Engine
	markets *amm.Registry
	clock   func() int64
}

// NewEngineExecutor 构造 EngineExecutor。
func NewEngineExecutor(engine *vault.Engine, markets *amm.Registry, clock func() int64) *EngineExecutor {
	if clock == nil {
		clock = defaultClock
	}
	return &EngineExecutor{engine: engine, markets: markets, clock: clock}
}

// Execute 实现 Executor 接口。
func (e *EngineExecutor) Execute(ctx context.Context, trade *Trade) (*ExecutionResult, error) {
	if e == nil || e.engine == nil || e.markets == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "交易执行器未初始化")
	}
	owner, err := solana.PublicKeyFromBase58(trade.Owner)
	if err != nil {
		return nil, xerrors.Wrap(CodeTradeValidation, err, "owner 不是合法的 base58 地址")
	}
	hash, err := DecodeBotIDHash(trade.BotIDHash)
	if err != nil {
		return nil, err
	}
	side, err := vault.ParseSide(trade.Side)
	if err != nil {
		return nil, xerrors.Wrap(CodeTradeValidation, err, "side 必须为 BUY 或 SELL")
	}
	market, err := e.markets.Lookup(trade.Market)
	if err != nil {
		return nil, xerrors.Wrap(CodeTradeValidation, err, "未知市场")
	}

	wrap := solana.NewWallet()
	received, err := e.engine.ExecuteTrade(ctx, vault.TradeParams{
		Owner:       owner,
		BotIDHash:   hash,
		Side:        side,
		Market:      market,
		WrapAccount: wrap.PublicKey(),
		AmountIn:    trade.AmountIn,
		MinOut:      trade.MinOut,
	})
	if err != nil {
		return nil, err
	}

	balance, err := e.engine.VaultBalance(owner, hash)
	if err != nil {
		return nil, err
	}
	return &ExecutionResult{
		Received:     received,
		WrapAccount:  wrap.PublicKey().String(),
		VaultBalance: balance,
		ExecutedAt:   e.clock(),
	}, nil
}

func defaultClock() int64 { return time.Now().Unix() }

var _ Executor = (*EngineExecutor)(nil)
