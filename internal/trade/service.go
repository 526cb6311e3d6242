package trade

import (
	"context"
	"encoding/hex"
	stdErrors "errors"
	"log/slog"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"

	xerrors "solscope/internal/errors"
	"solscope/internal/vault"
	"solscope/pkg/logger"
)

// Request 描述一次待提交的兑换请求。
type Request struct {
	ID        string         `json:"id,omitempty"`
	Owner     string         `json:"owner"`
	BotIDHash string         `json:"bot_id_hash"`
	Side      string         `json:"side"`
	Market    string         `json:"market"`
	AmountIn  uint64         `json:"amount_in"`
	MinOut    uint64         `json:"min_out"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Service 负责交易的创建与查询。
type Service struct {
	store      Store
	producer   Producer
	maxRetries int
}

// NewService 构造交易服务。
func NewService(store Store, producer Producer, maxRetries int) *Service {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &Service{store: store, producer: producer, maxRetries: maxRetries}
}

// Submit 创建一个新的交易并推送到队列。
func (s *Service) Submit(ctx context.Context, req Request) (*Trade, error) {
	if s.store == nil || s.producer == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "交易服务未初始化")
	}
	if err := validateRequest(req); err != nil {
		return nil, err
	}

	tradeID := strings.TrimSpace(req.ID)
	if tradeID != "" {
		trade, err := s.store.Get(ctx, tradeID)
		if err == nil {
			return trade, nil
		}
		if !stdErrors.Is(err, ErrTradeNotFound) {
			return nil, err
		}
	} else {
		tradeID = uuid.NewString()
	}

	side, _ := vault.ParseSide(req.Side)
	trade := &Trade{
		ID:         tradeID,
		Owner:      strings.TrimSpace(req.Owner),
		BotIDHash:  strings.ToLower(strings.TrimSpace(req.BotIDHash)),
		Side:       string(side),
		Market:     strings.TrimSpace(req.Market),
		AmountIn:   req.AmountIn,
		MinOut:     req.MinOut,
		Metadata:   cloneMetadata(req.Metadata),
		Status:     StatusPending,
		Attempts:   0,
		MaxRetries: s.maxRetries,
	}
	if err := s.store.Create(ctx, trade); err != nil {
		if stdErrors.Is(err, ErrTradeConflict) {
			existing, getErr := s.store.Get(ctx, tradeID)
			if getErr == nil {
				return existing, nil
			}
			if !stdErrors.Is(getErr, ErrTradeNotFound) {
				return nil, getErr
			}
		}
		return nil, err
	}
	if err := s.producer.Publish(ctx, tradeID); err != nil {
		logger.L().Error("交易入队失败", slog.Any("error", err), slog.String("trade_id", tradeID))
		wrapped := xerrors.Wrap(CodeTradePublish, err, "发布交易到队列失败")
		_ = s.store.MarkFailed(ctx, tradeID, CodeTradePublish, wrapped.Error(), true)
		return nil, wrapped
	}
	logger.Audit().Info("交易入队成功",
		slog.String("trade_id", tradeID),
		slog.String("owner", trade.Owner),
		slog.String("side", trade.Side),
		slog.String("market", trade.Market),
		slog.Uint64("amount_in", trade.AmountIn),
		slog.Int("max_retries", trade.MaxRetries),
	)
	return trade, nil
}

func validateRequest(req Request) error {
	if _, err := solana.PublicKeyFromBase58(strings.TrimSpace(req.Owner)); err != nil {
		return xerrors.Wrap(CodeTradeValidation, err, "owner 不是合法的 base58 地址")
	}
	if _, err := DecodeBotIDHash(req.BotIDHash); err != nil {
		return err
	}
	if _, err := vault.ParseSide(req.Side); err != nil {
		return xerrors.Wrap(CodeTradeValidation, err, "side 必须为 BUY 或 SELL")
	}
	if strings.TrimSpace(req.Market) == "" {
		return xerrors.New(CodeTradeValidation, "market 不能为空")
	}
	if req.AmountIn == 0 {
		return xerrors.New(CodeTradeValidation, "amount_in 必须大于 0")
	}
	if req.MinOut == 0 {
		return xerrors.New(CodeTradeValidation, "min_out 必须大于 0")
	}
	return nil
}

// DecodeBotIDHash 将十六进制的身份哈希解码为 32 字节数组。
func DecodeBotIDHash(value string) ([32]byte, error) {
	var hash [32]byte
	raw, err := hex.DecodeString(strings.TrimPrefix(strings.ToLower(strings.TrimSpace(value)), "0x"))
	if err != nil {
		return hash, xerrors.Wrap(CodeTradeValidation, err, "bot_id_hash 不是合法的十六进制")
	}
	if len(raw) != 32 {
		return hash, xerrors.New(CodeTradeValidation, "bot_id_hash 必须为 32 字节")
	}
	copy(hash[:], raw)
	return hash, nil
}

// Get 返回指定交易的状态。
func (s *Service) Get(ctx context.Context, id string) (*Trade, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "交易存储未初始化")
	}
	return s.store.Get(ctx, id)
}

// List 返回符合过滤条件的交易列表。
func (s *Service) List(ctx context.Context, opts ...ListOption) ([]*Trade, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "交易存储未初始化")
	}
	options := buildListOptions(opts)
	return s.store.List(ctx, options)
}

// Stats 返回符合过滤条件的交易统计信息。
func (s *Service) Stats(ctx context.Context, opts ...ListOption) (TradeStats, error) {
	if s.store == nil {
		return TradeStats{}, xerrors.New(xerrors.CodeInitializationFailure, "交易存储未初始化")
	}
	options := buildListOptions(opts)
	return s.store.Stats(ctx, options)
}

// Close 释放资源。
func (s *Service) Close() error {
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			return err
		}
	}
	if s.producer != nil {
		return s.producer.Close()
	}
	return nil
}

// WaitUntilCompleted 在指定超时时间内轮询交易状态。
func (s *Service) WaitUntilCompleted(ctx context.Context, id string, interval time.Duration) (*Trade, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		trade, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if trade.Status == StatusFilled || trade.Status == StatusFailed {
			return trade, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
