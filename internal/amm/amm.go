package amm

import (
	"encoding/binary"
	"fmt"

	"github.com/gagliardetto/solana-go"

	xerrors "solscope/internal/errors"
	"solscope/internal/ledger"
	"solscope/internal/token"
)

// ProgramID is the external liquidity program the engine targets.
var ProgramID = solana.MustPublicKeyFromBase58("RVKd61ztZW9KQqkHn7kYk9Z3n5Vf3L7hPwrKyYVJZZz")

// swapBaseInTag selects the swap-exact-input entry point on the wire.
const swapBaseInTag = 9

const CodeSwapFailed xerrors.Code = "AMM_SWAP_FAILED"

// ErrSwapFailed 表示外部流动性协议拒绝了本次兑换。
var ErrSwapFailed = xerrors.New(CodeSwapFailed, "amm swap rejected")

func init() {
	xerrors.Register(CodeSwapFailed, xerrors.Attributes{
		Message:  "amm swap rejected",
		Severity: xerrors.SeverityWarning,
	})
}

// Accounts is the ordered pool and order-book account list a swap invocation
// forwards verbatim. The engine never interprets these; they are owned and
// validated by the external protocol.
type Accounts struct {
	Amm                  solana.PublicKey
	AmmAuthority         solana.PublicKey
	AmmOpenOrders        solana.PublicKey
	AmmTargetOrders      solana.PublicKey
	PoolCoinTokenAccount solana.PublicKey
	PoolPcTokenAccount   solana.PublicKey
	SerumMarket          solana.PublicKey
	SerumBids            solana.PublicKey
	SerumAsks            solana.PublicKey
	SerumEventQueue      solana.PublicKey
	SerumCoinVault       solana.PublicKey
	SerumPcVault         solana.PublicKey
	SerumVaultSigner     solana.PublicKey
}

// SwapParams carries one swap-exact-input invocation.
type SwapParams struct {
	Accounts    Accounts
	Source      solana.PublicKey
	Destination solana.PublicKey
	AmountIn    uint64
	MinOut      uint64
}

// Program is the swap entry point of the external liquidity protocol. Its
// pricing and matching are opaque; implementations run inside the caller's
// ledger transaction so a failed swap rolls back with everything else.
type Program interface {
	Swap(txn *ledger.Txn, params SwapParams) error
}

// EncodeSwapData renders the instruction payload for a swap-exact-input call:
// one tag byte followed by amount_in and min_out as little-endian u64.
func EncodeSwapData(amountIn, minOut uint64) []byte {
	data := make([]byte, 17)
	data[0] = swapBaseInTag
	binary.LittleEndian.PutUint64(data[1:], amountIn)
	binary.LittleEndian.PutUint64(data[9:], minOut)
	return data
}

// DecodeSwapData parses a swap-exact-input payload.
func DecodeSwapData(data []byte) (amountIn, minOut uint64, err error) {
	if len(data) != 17 || data[0] != swapBaseInTag {
		return 0, 0, fmt.Errorf("malformed swap instruction data (%d bytes)", len(data))
	}
	return binary.LittleEndian.Uint64(data[1:]), binary.LittleEndian.Uint64(data[9:]), nil
}

// Quote is a fixed-rate price: out = in * Num / Den.
type Quote struct {
	Num uint64
	Den uint64
}

// PaperExchange is a deterministic in-process liquidity venue quoting fixed
// rates per pool. It stands in for the real protocol in paper-trading mode
// and in tests; the engine treats it exactly like the live program.
type PaperExchange struct {
	pools map[solana.PublicKey]Quote
}

// NewPaperExchange constructs an empty paper venue.
func NewPaperExchange() *PaperExchange {
	return &PaperExchange{pools: make(map[solana.PublicKey]Quote)}
}

// AddPool registers a fixed-rate pool keyed by its AMM account.
func (p *PaperExchange) AddPool(ammKey solana.PublicKey, quote Quote) {
	if quote.Den == 0 {
		quote.Den = 1
	}
	p.pools[ammKey] = quote
}

// Swap debits the source holding account and credits the destination at the
// pool's fixed rate. MinOut is forwarded on the wire but not enforced here;
// the caller measures balance deltas and applies its own slippage bound.
func (p *PaperExchange) Swap(txn *ledger.Txn, params SwapParams) error {
	quote, ok := p.pools[params.Accounts.Amm]
	if !ok {
		return xerrors.Wrap(CodeSwapFailed, nil, "unknown pool "+params.Accounts.Amm.String())
	}
	if params.AmountIn == 0 {
		return ErrSwapFailed
	}

	out, err := mulDiv(params.AmountIn, quote.Num, quote.Den)
	if err != nil {
		return xerrors.Wrap(CodeSwapFailed, err, "quote overflow")
	}
	if err := token.Debit(txn, params.Source, params.AmountIn); err != nil {
		return xerrors.Wrap(CodeSwapFailed, err, "debit swap source")
	}
	if err := token.Credit(txn, params.Destination, out); err != nil {
		return xerrors.Wrap(CodeSwapFailed, err, "credit swap destination")
	}
	return nil
}

func mulDiv(amount, num, den uint64) (uint64, error) {
	if den == 0 {
		return 0, fmt.Errorf("zero denominator")
	}
	if num != 0 && amount > ^uint64(0)/num {
		return 0, fmt.Errorf("%d * %d overflows u64", amount, num)
	}
	return amount * num / den, nil
}

var _ Program = (*PaperExchange)(nil)
