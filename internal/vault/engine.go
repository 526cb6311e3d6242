package vault

import (
	"context"
	"log/slog"
	"strings"

	"github.com/gagliardetto/solana-go"

	"solscope/internal/amm"
	xerrors "solscope/internal/errors"
	"solscope/internal/ledger"
	"solscope/internal/token"
	"solscope/pkg/logger"
)

// Side 表示交易方向。
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// ParseSide 解析交易方向，拒绝未知值。
func ParseSide(s string) (Side, error) {
	switch Side(strings.ToUpper(strings.TrimSpace(s))) {
	case SideBuy:
		return SideBuy, nil
	case SideSell:
		return SideSell, nil
	default:
		return "", xerrors.New(xerrors.CodeInvalidArgument, "unknown trade side "+s)
	}
}

// Engine 是托管程序的执行入口。所有入口在一次账本事务内完成校验与变更，
// 任一步骤失败都会整体回滚。
type Engine struct {
	ledger *ledger.Ledger
	venue  amm.Program
	log    *slog.Logger
}

// NewEngine 构造执行引擎。
func NewEngine(l *ledger.Ledger, venue amm.Program) *Engine {
	return &Engine{
		ledger: l,
		venue:  venue,
		log:    logger.Named("vault.engine"),
	}
}

// RegisterBot 为 (owner, botIDHash) 注册新机器人：在派生地址创建元数据账户
// 与金库账户，租金由 owner 支付。地址被占用时注册失败，先写者胜。
func (e *Engine) RegisterBot(ctx context.Context, owner solana.PublicKey, botIDHash [32]byte) (Derivation, error) {
	d, err := Derive(owner, botIDHash)
	if err != nil {
		return Derivation{}, err
	}

	err = e.ledger.Execute(ctx, []solana.PublicKey{owner}, func(txn *ledger.Txn) error {
		if _, err := txn.SignWithSeeds(ProgramID, seedBot, owner.Bytes(), botIDHash[:], []byte{d.BotMetaBump}); err != nil {
			return err
		}
		if _, err := txn.SignWithSeeds(ProgramID, seedVault, owner.Bytes(), botIDHash[:], []byte{d.VaultBump}); err != nil {
			return err
		}

		metaRent := txn.MinimumBalance(MetaLen)
		if err := txn.CreateAccount(owner, d.BotMeta, metaRent, MetaLen, ProgramID); err != nil {
			return err
		}
		vaultRent := txn.MinimumBalance(0)
		if err := txn.CreateAccount(owner, d.Vault, vaultRent, 0, ProgramID); err != nil {
			return err
		}

		meta := BotMeta{
			Owner:     owner,
			BotIDHash: botIDHash,
			Vault:     d.Vault,
			CreatedAt: txn.Now(),
			Bump:      d.BotMetaBump,
		}
		return txn.SetData(d.BotMeta, meta.Marshal())
	})
	if err != nil {
		return Derivation{}, err
	}

	e.log.Info("bot registered",
		slog.String("owner", owner.String()),
		slog.String("bot_meta", d.BotMeta.String()),
		slog.String("vault", d.Vault.String()),
	)
	return d, nil
}

// AssertVault 校验注册记录与派生地址、调用方提供的金库地址是否一致。
// 只读探针，暂停状态下返回 ErrBotPaused。
func (e *Engine) AssertVault(ctx context.Context, owner solana.PublicKey, botIDHash [32]byte, vault solana.PublicKey) error {
	d, err := Derive(owner, botIDHash)
	if err != nil {
		return err
	}
	return e.ledger.Execute(ctx, nil, func(txn *ledger.Txn) error {
		meta, err := e.loadMeta(txn, d, owner, botIDHash)
		if err != nil {
			return err
		}
		if meta.Paused {
			return ErrBotPaused
		}
		if !meta.Vault.Equals(vault) {
			return ErrInvalidVault
		}
		return nil
	})
}

// FundVault 从 owner 钱包向金库转入资金。owner 必须签名。
func (e *Engine) FundVault(ctx context.Context, owner solana.PublicKey, botIDHash [32]byte, amount uint64) error {
	if amount == 0 {
		return ErrInvalidAmount
	}
	d, err := Derive(owner, botIDHash)
	if err != nil {
		return err
	}
	err = e.ledger.Execute(ctx, []solana.PublicKey{owner}, func(txn *ledger.Txn) error {
		meta, err := e.loadMeta(txn, d, owner, botIDHash)
		if err != nil {
			return err
		}
		if err := e.requireOwner(txn, meta, owner); err != nil {
			return err
		}
		if meta.Paused {
			return ErrBotPaused
		}
		return txn.Transfer(owner, d.Vault, amount)
	})
	if err != nil {
		return err
	}
	logger.Audit().Info("vault funded",
		slog.String("owner", owner.String()),
		slog.String("vault", d.Vault.String()),
		slog.Uint64("amount", amount),
	)
	return nil
}

// Withdraw 从金库取回资金到 owner 钱包。金库必须保留租金保证金。
func (e *Engine) Withdraw(ctx context.Context, owner solana.PublicKey, botIDHash [32]byte, amount uint64) error {
	if amount == 0 {
		return ErrInvalidAmount
	}
	d, err := Derive(owner, botIDHash)
	if err != nil {
		return err
	}
	err = e.ledger.Execute(ctx, []solana.PublicKey{owner}, func(txn *ledger.Txn) error {
		meta, err := e.loadMeta(txn, d, owner, botIDHash)
		if err != nil {
			return err
		}
		if err := e.requireOwner(txn, meta, owner); err != nil {
			return err
		}
		if meta.Paused {
			return ErrBotPaused
		}

		reserve := txn.MinimumBalance(0)
		balance := txn.Lamports(d.Vault)
		if balance < amount || balance-amount < reserve {
			return ErrInsufficientVaultFunds
		}
		if _, err := txn.SignWithSeeds(ProgramID, seedVault, owner.Bytes(), botIDHash[:], []byte{d.VaultBump}); err != nil {
			return err
		}
		return txn.Transfer(d.Vault, owner, amount)
	})
	if err != nil {
		return err
	}
	logger.Audit().Info("vault withdrawal",
		slog.String("owner", owner.String()),
		slog.String("vault", d.Vault.String()),
		slog.Uint64("amount", amount),
	)
	return nil
}

// SetPaused 切换机器人的暂停标志。幂等，重复设置同值不报错。
func (e *Engine) SetPaused(ctx context.Context, owner solana.PublicKey, botIDHash [32]byte, paused bool) error {
	d, err := Derive(owner, botIDHash)
	if err != nil {
		return err
	}
	err = e.ledger.Execute(ctx, []solana.PublicKey{owner}, func(txn *ledger.Txn) error {
		meta, err := e.loadMeta(txn, d, owner, botIDHash)
		if err != nil {
			return err
		}
		if err := e.requireOwner(txn, meta, owner); err != nil {
			return err
		}
		meta.Paused = paused
		return txn.SetData(d.BotMeta, meta.Marshal())
	})
	if err != nil {
		return err
	}
	logger.Audit().Info("bot pause flag updated",
		slog.String("owner", owner.String()),
		slog.Bool("paused", paused),
	)
	return nil
}

// Meta 读取机器人的注册记录。
func (e *Engine) Meta(ctx context.Context, owner solana.PublicKey, botIDHash [32]byte) (BotMeta, error) {
	d, err := Derive(owner, botIDHash)
	if err != nil {
		return BotMeta{}, err
	}
	var meta BotMeta
	err = e.ledger.Execute(ctx, nil, func(txn *ledger.Txn) error {
		meta, err = e.loadMeta(txn, d, owner, botIDHash)
		return err
	})
	return meta, err
}

// VaultBalance 返回金库当前的 lamport 余额。
func (e *Engine) VaultBalance(owner solana.PublicKey, botIDHash [32]byte) (uint64, error) {
	d, err := Derive(owner, botIDHash)
	if err != nil {
		return 0, err
	}
	return e.ledger.Balance(d.Vault), nil
}

// TradeParams 描述一次兑换请求。WrapAccount 是调用方生成的一次性密钥，
// 必须随交易共同签名，且地址未被占用。
type TradeParams struct {
	Owner       solana.PublicKey
	BotIDHash   [32]byte
	Side        Side
	Market      amm.Market
	WrapAccount solana.PublicKey
	AmountIn    uint64
	MinOut      uint64
}

// ExecuteTrade 在一次事务内完成 包装、兑换、拆包 的完整流程：
// 创建临时原生代币账户，经外部流动性协议兑换，按余额差校验滑点，
// 最后关闭临时账户把余额归还金库。任一步失败则金库分毫不动。
func (e *Engine) ExecuteTrade(ctx context.Context, params TradeParams) (uint64, error) {
	if params.Side != SideBuy && params.Side != SideSell {
		return 0, xerrors.New(xerrors.CodeInvalidArgument, "unknown trade side "+string(params.Side))
	}
	if params.AmountIn == 0 || params.MinOut == 0 {
		return 0, ErrInvalidAmount
	}
	d, err := Derive(params.Owner, params.BotIDHash)
	if err != nil {
		return 0, err
	}

	var received uint64
	signers := []solana.PublicKey{params.Owner, params.WrapAccount}
	err = e.ledger.Execute(ctx, signers, func(txn *ledger.Txn) error {
		meta, err := e.loadMeta(txn, d, params.Owner, params.BotIDHash)
		if err != nil {
			return err
		}
		if err := e.requireOwner(txn, meta, params.Owner); err != nil {
			return err
		}
		if meta.Paused {
			return ErrBotPaused
		}
		if err := e.requireFreshWrapAccount(txn, params.WrapAccount); err != nil {
			return err
		}

		ata, err := token.CreateAssociatedAccount(txn, params.Owner, d.Vault, params.Market.Mint)
		if err != nil {
			return err
		}

		wrapRent := txn.MinimumBalance(token.AccountLen)
		wrapLamports := wrapRent
		if params.Side == SideBuy {
			wrapLamports = params.AmountIn + wrapRent
			if wrapLamports < params.AmountIn {
				return ErrInvalidAmount
			}
		}
		reserve := txn.MinimumBalance(0)
		balance := txn.Lamports(d.Vault)
		if balance < wrapLamports || balance-wrapLamports < reserve {
			return ErrInsufficientVaultFunds
		}

		if _, err := txn.SignWithSeeds(ProgramID, seedVault, params.Owner.Bytes(), params.BotIDHash[:], []byte{d.VaultBump}); err != nil {
			return err
		}
		if err := txn.CreateAccount(d.Vault, params.WrapAccount, wrapLamports, token.AccountLen, token.ProgramID); err != nil {
			return err
		}
		if err := token.InitializeAccount(txn, params.WrapAccount, token.NativeMint, d.Vault); err != nil {
			return err
		}
		if err := token.SyncNative(txn, params.WrapAccount); err != nil {
			return err
		}

		before := token.Balance(txn, ata)
		swap := amm.SwapParams{
			Accounts: params.Market.Accounts,
			AmountIn: params.AmountIn,
			MinOut:   params.MinOut,
		}
		if params.Side == SideBuy {
			swap.Source = params.WrapAccount
			swap.Destination = ata
		} else {
			swap.Source = ata
			swap.Destination = params.WrapAccount
		}
		if err := e.venue.Swap(txn, swap); err != nil {
			return err
		}

		if params.Side == SideBuy {
			after := token.Balance(txn, ata)
			if after > before {
				received = after - before
			} else {
				received = 0
			}
		} else {
			received = token.Balance(txn, params.WrapAccount)
		}
		if received < params.MinOut {
			return ErrSlippageExceeded
		}

		return token.CloseAccount(txn, params.WrapAccount, d.Vault, d.Vault)
	})
	if err != nil {
		return 0, err
	}

	logger.Audit().Info("trade executed",
		slog.String("owner", params.Owner.String()),
		slog.String("vault", d.Vault.String()),
		slog.String("side", string(params.Side)),
		slog.String("market", params.Market.Name),
		slog.Uint64("amount_in", params.AmountIn),
		slog.Uint64("received", received),
	)
	return received, nil
}

// loadMeta 读取并校验注册记录：账户必须存在且归本程序所有，记录内容
// 必须与派生输入一致。
func (e *Engine) loadMeta(txn *ledger.Txn, d Derivation, owner solana.PublicKey, botIDHash [32]byte) (BotMeta, error) {
	progOwner, err := txn.OwnerOf(d.BotMeta)
	if err != nil {
		return BotMeta{}, xerrors.Wrap(xerrors.CodeNotFound, err, "bot not registered")
	}
	if !progOwner.Equals(ProgramID) {
		return BotMeta{}, ErrInvalidVault
	}
	data, err := txn.Data(d.BotMeta)
	if err != nil {
		return BotMeta{}, err
	}
	meta, err := UnmarshalBotMeta(data)
	if err != nil {
		return BotMeta{}, err
	}
	if meta.BotIDHash != botIDHash {
		return BotMeta{}, ErrBotIDMismatch
	}
	if meta.Bump != d.BotMetaBump {
		return BotMeta{}, ErrInvalidBotMetaBump
	}
	if !meta.Vault.Equals(d.Vault) {
		return BotMeta{}, ErrInvalidVault
	}
	if !meta.Owner.Equals(owner) {
		return BotMeta{}, ErrUnauthorized
	}
	return meta, nil
}

// requireOwner 要求调用方既是注册所有者又在本次事务中签名。
func (e *Engine) requireOwner(txn *ledger.Txn, meta BotMeta, caller solana.PublicKey) error {
	if !meta.Owner.Equals(caller) {
		return ErrUnauthorized
	}
	if !txn.IsSigner(caller) {
		return ErrUnauthorized
	}
	return nil
}

// requireFreshWrapAccount 拒绝复用已有账户作为临时包装账户：地址必须
// 未被占用（或为空的系统账户），且对应私钥必须参与签名。
func (e *Engine) requireFreshWrapAccount(txn *ledger.Txn, wrap solana.PublicKey) error {
	if !txn.IsSigner(wrap) {
		return ErrInvalidVault
	}
	if !txn.Exists(wrap) {
		return nil
	}
	owner, err := txn.OwnerOf(wrap)
	if err != nil {
		return err
	}
	if !owner.Equals(solana.SystemProgramID) || txn.Lamports(wrap) > 0 {
		return ErrInvalidVault
	}
	data, err := txn.Data(wrap)
	if err != nil {
		return err
	}
	if len(data) > 0 {
		return ErrInvalidVault
	}
	return nil
}
