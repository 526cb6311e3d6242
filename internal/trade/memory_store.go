package trade

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	xerrors "solscope/internal/errors"
)

// MemoryStore 以内存方式保存交易状态，主要用于测试与纸面交易模式。
type MemoryStore struct {
	mu     sync.RWMutex
	trades map[string]*Trade
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{trades: make(map[string]*Trade)}
}

// Create 实现 Store 接口。
func (m *MemoryStore) Create(_ context.Context, trade *Trade) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if trade == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "trade 不能为空")
	}
	if trade.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "交易 ID 不能为空")
	}
	if _, ok := m.trades[trade.ID]; ok {
		return ErrTradeConflict
	}
	now := time.Now().Unix()
	if trade.CreatedAt == 0 {
		trade.CreatedAt = now
	}
	trade.UpdatedAt = now
	m.trades[trade.ID] = cloneTrade(trade)
	return nil
}

// Get 返回交易。
func (m *MemoryStore) Get(_ context.Context, id string) (*Trade, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	trade, ok := m.trades[id]
	if !ok {
		return nil, ErrTradeNotFound
	}
	return cloneTrade(trade), nil
}

// Claim 将交易状态更新为运行中。
func (m *MemoryStore) Claim(_ context.Context, id string) (*Trade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	trade, ok := m.trades[id]
	if !ok {
		return nil, ErrTradeNotFound
	}
	switch trade.Status {
	case StatusFilled:
		return cloneTrade(trade), ErrTradeCompleted
	case StatusRunning:
		return cloneTrade(trade), ErrTradeConflict
	}
	if trade.Attempts >= trade.MaxRetries {
		return cloneTrade(trade), ErrTradeExhausted
	}
	trade.Status = StatusRunning
	trade.Attempts++
	trade.LastError = ""
	trade.ErrorCode = ""
	trade.UpdatedAt = time.Now().Unix()
	return cloneTrade(trade), nil
}

// MarkFilled 记录成交结果。
func (m *MemoryStore) MarkFilled(_ context.Context, id string, result ExecutionResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	trade, ok := m.trades[id]
	if !ok {
		return ErrTradeNotFound
	}
	trade.Status = StatusFilled
	trade.Result = &result
	trade.LastError = ""
	trade.ErrorCode = ""
	trade.UpdatedAt = time.Now().Unix()
	return nil
}

// MarkFailed 标记交易失败。
func (m *MemoryStore) MarkFailed(_ context.Context, id string, code xerrors.Code, lastError string, _ bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	trade, ok := m.trades[id]
	if !ok {
		return ErrTradeNotFound
	}
	trade.Status = StatusFailed
	trade.LastError = lastError
	trade.ErrorCode = string(code)
	trade.UpdatedAt = time.Now().Unix()
	return nil
}

// List 返回符合过滤条件的交易。
func (m *MemoryStore) List(_ context.Context, opts ListOptions) ([]*Trade, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	opts.applyDefaults()

	results := make([]*Trade, 0, len(m.trades))
	for _, trade := range m.trades {
		if !matchesListFilters(trade, opts) {
			continue
		}
		results = append(results, cloneTrade(trade))
	}

	sort.Slice(results, func(i, j int) bool {
		if opts.Order == SortByUpdatedAsc {
			if results[i].UpdatedAt == results[j].UpdatedAt {
				if results[i].CreatedAt == results[j].CreatedAt {
					return results[i].ID < results[j].ID
				}
				return results[i].CreatedAt < results[j].CreatedAt
			}
			return results[i].UpdatedAt < results[j].UpdatedAt
		}
		if results[i].UpdatedAt == results[j].UpdatedAt {
			if results[i].CreatedAt == results[j].CreatedAt {
				return results[i].ID < results[j].ID
			}
			return results[i].CreatedAt > results[j].CreatedAt
		}
		return results[i].UpdatedAt > results[j].UpdatedAt
	})

	if opts.Offset > 0 {
		if opts.Offset >= len(results) {
			return []*Trade{}, nil
		}
		results = results[opts.Offset:]
	}
	if len(results) > opts.Limit {
		results = results[:opts.Limit]
	}
	return results, nil
}

// Stats 统计符合过滤条件的交易数量与更新时间范围。
func (m *MemoryStore) Stats(_ context.Context, opts ListOptions) (TradeStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	opts.applyDefaults()

	stats := TradeStats{}
	for _, trade := range m.trades {
		if !matchesListFilters(trade, opts) {
			continue
		}
		stats.Total++
		switch trade.Status {
		case StatusPending:
			stats.Pending++
		case StatusRunning:
			stats.Running++
		case StatusFilled:
			stats.Filled++
		case StatusFailed:
			stats.Failed++
		}
		if trade.UpdatedAt > stats.NewestUpdatedAt {
			stats.NewestUpdatedAt = trade.UpdatedAt
		}
		if stats.OldestUpdatedAt == 0 || (trade.UpdatedAt != 0 && trade.UpdatedAt < stats.OldestUpdatedAt) {
			stats.OldestUpdatedAt = trade.UpdatedAt
		}
	}
	if stats.Total == 0 {
		stats.OldestUpdatedAt = 0
		stats.NewestUpdatedAt = 0
	}
	return stats, nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error {
	return nil
}

func cloneTrade(trade *Trade) *Trade {
	clone := *trade
	if trade.Result != nil {
		resultCopy := *trade.Result
		clone.Result = &resultCopy
	}
	clone.Metadata = cloneMetadata(trade.Metadata)
	return &clone
}

func matchesListFilters(trade *Trade, opts ListOptions) bool {
	if len(opts.Statuses) > 0 {
		matched := false
		for _, status := range opts.Statuses {
			if trade.Status == status {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	if opts.Owner != "" && trade.Owner != opts.Owner {
		return false
	}
	if opts.UpdatedGTE > 0 && trade.UpdatedAt < opts.UpdatedGTE {
		return false
	}
	if opts.UpdatedLTE > 0 && trade.UpdatedAt > opts.UpdatedLTE {
		return false
	}
	if opts.HasResult != nil && tradeHasResult(trade) != *opts.HasResult {
		return false
	}
	if opts.Query != "" && !matchesQuery(trade, opts.Query) {
		return false
	}
	return true
}

func tradeHasResult(trade *Trade) bool {
	if trade == nil || trade.Result == nil {
		return false
	}
	result := trade.Result
	return result.Received > 0 || result.WrapAccount != "" || result.ExecutedAt != 0
}

func matchesQuery(trade *Trade, query string) bool {
	needle := strings.ToLower(query)
	haystacks := []string{trade.ID, trade.Owner, trade.BotIDHash, trade.Side, trade.Market, trade.LastError, trade.ErrorCode}
	if trade.Result != nil {
		haystacks = append(haystacks, trade.Result.WrapAccount)
	}
	for _, hay := range haystacks {
		if strings.Contains(strings.ToLower(hay), needle) {
			return true
		}
	}
	return false
}

// ensure interface compliance at compile time
var _ Store = (*MemoryStore)(nil)
