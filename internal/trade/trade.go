package trade

import (
	stdErrors "errors"

	xerrors "solscope/internal/errors"
)

// Status 表示交易在生命周期中的状态。
type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusFilled  Status = "filled"
	StatusFailed  Status = "failed"
)

// ExecutionResult 保存一次成交的结果。
type ExecutionResult struct {
	Received     uint64 `json:"received"`
	WrapAccount  string `json:"wrap_account"`
	VaultBalance uint64 `json:"vault_balance"`
	ExecutedAt   int64  `json:"executed_at"`
}

// Trade 描述了排队执行的兑换请求。
type Trade struct {
	ID         string           `json:"id"`
	Owner      string           `json:"owner"`
	BotIDHash  string           `json:"bot_id_hash"`
	Side       string           `json:"side"`
	Market     string           `json:"market"`
	AmountIn   uint64           `json:"amount_in"`
	MinOut     uint64           `json:"min_out"`
	Metadata   map[string]any   `json:"metadata,omitempty"`
	Status     Status           `json:"status"`
	Attempts   int              `json:"attempts"`
	MaxRetries int              `json:"max_retries"`
	LastError  string           `json:"last_error,omitempty"`
	ErrorCode  string           `json:"error_code,omitempty"`
	Result     *ExecutionResult `json:"result,omitempty"`
	CreatedAt  int64            `json:"created_at"`
	UpdatedAt  int64            `json:"updated_at"`
}

var (
	// ErrTradeNotFound 表示指定的交易不存在。
	ErrTradeNotFound = xerrors.New(CodeTradeNotFound, "trade not found")
	// ErrTradeConflict 表示交易在当前状态下无法进行所请求的操作。
	ErrTradeConflict = xerrors.New(CodeTradeConflict, "trade conflict", xerrors.WithSeverity(xerrors.SeverityWarning))
	// ErrTradeCompleted 表示交易已经成交。
	ErrTradeCompleted = xerrors.New(CodeTradeCompleted, "trade already filled", xerrors.WithSeverity(xerrors.SeverityInfo))
	// ErrTradeExhausted 表示交易的重试次数已经耗尽。
	ErrTradeExhausted = xerrors.New(CodeTradeExhausted, "trade retries exhausted", xerrors.WithSeverity(xerrors.SeverityCritical))
)

const (
	CodeTradeNotFound   xerrors.Code = "TRADE_NOT_FOUND"
	CodeTradeConflict   xerrors.Code = "TRADE_CONFLICT"
	CodeTradeCompleted  xerrors.Code = "TRADE_COMPLETED"
	CodeTradeExhausted  xerrors.Code = "TRADE_RETRIES_EXHAUSTED"
	CodeTradeValidation xerrors.Code = "TRADE_VALIDATION_FAILED"
	CodeTradePublish    xerrors.Code = "TRADE_PUBLISH_FAILED"
	CodeTradeProcessing xerrors.Code = "TRADE_PROCESSING_FAILED"
)

func init() {
	xerrors.Register(CodeTradeNotFound, xerrors.Attributes{
		Message:   "trade not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeTradeConflict, xerrors.Attributes{
		Message:   "trade conflict",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeTradeCompleted, xerrors.Attributes{
		Message:   "trade already filled",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeTradeExhausted, xerrors.Attributes{
		Message:   "trade retries exhausted",
		Severity:  xerrors.SeverityCritical,
		Retryable: false,
		Alert:     true,
	})
	xerrors.Register(CodeTradeValidation, xerrors.Attributes{
		Message:   "trade validation failed",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeTradePublish, xerrors.Attributes{
		Message:   "failed to publish trade",
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeTradeProcessing, xerrors.Attributes{
		Message:   "trade execution failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     true,
	})
}

// IsTradeError 判断错误是否为统一交易错误。
func IsTradeError(err error, target xerrors.Code) bool {
	if err == nil {
		return false
	}
	if stdErrors.Is(err, ErrTradeNotFound) {
		return target == CodeTradeNotFound
	}
	if stdErrors.Is(err, ErrTradeConflict) {
		return target == CodeTradeConflict
	}
	if stdErrors.Is(err, ErrTradeCompleted) {
		return target == CodeTradeCompleted
	}
	if stdErrors.Is(err, ErrTradeExhausted) {
		return target == CodeTradeExhausted
	}
	return false
}

func cloneMetadata(metadata map[string]any) map[string]any {
	if metadata == nil {
		return nil
	}
	cloned := make(map[string]any, len(metadata))
	for key, value := range metadata {
		cloned[key] = value
	}
	return cloned
}

// IsValidStatus 检查给定的交易状态是否为支持的枚举值。
func IsValidStatus(status Status) bool {
	switch status {
	case StatusPending, StatusRunning, StatusFilled, StatusFailed:
		return true
	default:
		return false
	}
}
