package vault

import (
	xerrors "solscope/internal/errors"
)

// Error codes surfaced by the custody program.
const (
	CodeInvalidVault           xerrors.Code = "VAULT_INVALID_VAULT"
	CodeInsufficientVaultFunds xerrors.Code = "VAULT_INSUFFICIENT_FUNDS"
	CodeInvalidAmount          xerrors.Code = "VAULT_INVALID_AMOUNT"
	CodeBotIDMismatch          xerrors.Code = "VAULT_BOT_ID_MISMATCH"
	CodeBotPaused              xerrors.Code = "VAULT_BOT_PAUSED"
	CodeInvalidBotMetaBump     xerrors.Code = "VAULT_INVALID_BOT_META_BUMP"
	CodeUnauthorized           xerrors.Code = "VAULT_UNAUTHORIZED"
	CodeSlippageExceeded       xerrors.Code = "VAULT_SLIPPAGE_EXCEEDED"
)

var (
	// ErrInvalidVault 表示提供的金库地址与注册记录或派生地址不一致。
	ErrInvalidVault = xerrors.New(CodeInvalidVault, "vault does not match registration")
	// ErrInsufficientVaultFunds 表示金库余额不足以覆盖本次操作与租金保证金。
	ErrInsufficientVaultFunds = xerrors.New(CodeInsufficientVaultFunds, "insufficient vault funds")
	// ErrInvalidAmount 表示金额参数为零或溢出。
	ErrInvalidAmount = xerrors.New(CodeInvalidAmount, "invalid amount")
	// ErrBotIDMismatch 表示身份哈希与注册记录不一致。
	ErrBotIDMismatch = xerrors.New(CodeBotIDMismatch, "bot id hash mismatch")
	// ErrBotPaused 表示机器人处于暂停状态，交易被拒绝。
	ErrBotPaused = xerrors.New(CodeBotPaused, "bot is paused")
	// ErrInvalidBotMetaBump 表示记录中的 bump 与派生结果不一致。
	ErrInvalidBotMetaBump = xerrors.New(CodeInvalidBotMetaBump, "bot metadata bump mismatch")
	// ErrUnauthorized 表示调用者不是注册时的所有者。
	ErrUnauthorized = xerrors.New(CodeUnauthorized, "caller is not the registered owner")
	// ErrSlippageExceeded 表示成交数量低于要求的最小产出。
	ErrSlippageExceeded = xerrors.New(CodeSlippageExceeded, "received amount below minimum")
)

func init() {
	xerrors.Register(CodeInvalidVault, xerrors.Attributes{
		Message:  "vault does not match registration",
		Severity: xerrors.SeverityWarning,
		Alert:    true,
	})
	xerrors.Register(CodeInsufficientVaultFunds, xerrors.Attributes{
		Message:  "insufficient vault funds",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeInvalidAmount, xerrors.Attributes{
		Message:  "invalid amount",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeBotIDMismatch, xerrors.Attributes{
		Message:  "bot id hash mismatch",
		Severity: xerrors.SeverityWarning,
		Alert:    true,
	})
	xerrors.Register(CodeBotPaused, xerrors.Attributes{
		Message:  "bot is paused",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeInvalidBotMetaBump, xerrors.Attributes{
		Message:  "bot metadata bump mismatch",
		Severity: xerrors.SeverityWarning,
		Alert:    true,
	})
	xerrors.Register(CodeUnauthorized, xerrors.Attributes{
		Message:  "caller is not the registered owner",
		Severity: xerrors.SeverityWarning,
		Alert:    true,
	})
	xerrors.Register(CodeSlippageExceeded, xerrors.Attributes{
		Message:  "received amount below minimum",
		Severity: xerrors.SeverityWarning,
	})
}
