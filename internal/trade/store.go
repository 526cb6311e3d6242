package trade

import (
	"context"

	xerrors "solscope/internal/errors"
)

// Store 抽象了交易状态的持久化接口。
type Store interface {
	Create(ctx context.Context, trade *Trade) error
	Get(ctx context.Context, id string) (*Trade, error)
	Claim(ctx context.Context, id string) (*Trade, error)
	MarkFilled(ctx context.Context, id string, result ExecutionResult) error
	MarkFailed(ctx context.Context, id string, code xerrors.Code, lastError string, terminal bool) error
	List(ctx context.Context, opts ListOptions) ([]*Trade, error)
	Stats(ctx context.Context, opts ListOptions) (TradeStats, error)
	Close() error
}
