package token

import (
	"encoding/binary"

	"github.com/gagliardetto/solana-go"

	xerrors "solscope/internal/errors"
	"solscope/internal/ledger"
)

// AccountLen is the serialized size of a token holding account, kept at the
// SPL token-account layout size so rent math matches the original protocol.
const AccountLen = 165

// Program addresses, taken from the canonical deployments.
var (
	ProgramID           = solana.TokenProgramID
	AssociatedProgramID = solana.SPLAssociatedTokenAccountProgramID
	NativeMint          = solana.SolMint
)

const (
	CodeUninitialized      xerrors.Code = "TOKEN_ACCOUNT_UNINITIALIZED"
	CodeAlreadyInitialized xerrors.Code = "TOKEN_ACCOUNT_IN_USE"
	CodeNotNative          xerrors.Code = "TOKEN_ACCOUNT_NOT_NATIVE"
	CodeOwnerMismatch      xerrors.Code = "TOKEN_OWNER_MISMATCH"
	CodeInsufficientFunds  xerrors.Code = "TOKEN_INSUFFICIENT_FUNDS"
)

var (
	ErrUninitialized      = xerrors.New(CodeUninitialized, "token account not initialized")
	ErrAlreadyInitialized = xerrors.New(CodeAlreadyInitialized, "token account already in use")
	ErrNotNative          = xerrors.New(CodeNotNative, "token account is not a native account")
	ErrOwnerMismatch      = xerrors.New(CodeOwnerMismatch, "token authority mismatch")
	ErrInsufficientFunds  = xerrors.New(CodeInsufficientFunds, "insufficient token balance")
)

func init() {
	for code, msg := range map[xerrors.Code]string{
		CodeUninitialized:      "token account not initialized",
		CodeAlreadyInitialized: "token account already in use",
		CodeNotNative:          "token account is not a native account",
		CodeOwnerMismatch:      "token authority mismatch",
		CodeInsufficientFunds:  "insufficient token balance",
	} {
		xerrors.Register(code, xerrors.Attributes{Message: msg, Severity: xerrors.SeverityInfo})
	}
}

// Account is the decoded form of a token holding account.
type Account struct {
	Mint      solana.PublicKey
	Authority solana.PublicKey
	Amount    uint64
	IsNative  bool
}

// Layout inside the 165-byte record:
//
//	mint(32) | authority(32) | amount u64 LE(8) | initialized(1) | native(1)
//
// The remainder is padding so the record occupies the full SPL account size.
const (
	offMint        = 0
	offAuthority   = 32
	offAmount      = 64
	offInitialized = 72
	offNative      = 73
)

func (a Account) marshal() []byte {
	buf := make([]byte, AccountLen)
	copy(buf[offMint:], a.Mint.Bytes())
	copy(buf[offAuthority:], a.Authority.Bytes())
	binary.LittleEndian.PutUint64(buf[offAmount:], a.Amount)
	buf[offInitialized] = 1
	if a.IsNative {
		buf[offNative] = 1
	}
	return buf
}

func unmarshal(data []byte) (Account, error) {
	if len(data) != AccountLen || data[offInitialized] != 1 {
		return Account{}, ErrUninitialized
	}
	return Account{
		Mint:      solana.PublicKeyFromBytes(data[offMint : offMint+32]),
		Authority: solana.PublicKeyFromBytes(data[offAuthority : offAuthority+32]),
		Amount:    binary.LittleEndian.Uint64(data[offAmount:]),
		IsNative:  data[offNative] == 1,
	}, nil
}

// read loads and decodes the token account at key.
func read(txn *ledger.Txn, key solana.PublicKey) (Account, error) {
	owner, err := txn.OwnerOf(key)
	if err != nil {
		return Account{}, err
	}
	if !owner.Equals(ProgramID) {
		return Account{}, ErrUninitialized
	}
	data, err := txn.Data(key)
	if err != nil {
		return Account{}, err
	}
	return unmarshal(data)
}

func write(txn *ledger.Txn, key solana.PublicKey, acct Account) error {
	return txn.SetData(key, acct.marshal())
}

// InitializeAccount turns a freshly created, token-program-owned account into
// a holding account for mint under the given authority. The account must not
// have been initialized before.
func InitializeAccount(txn *ledger.Txn, key, mint, authority solana.PublicKey) error {
	owner, err := txn.OwnerOf(key)
	if err != nil {
		return err
	}
	if !owner.Equals(ProgramID) {
		return ErrOwnerMismatch
	}
	data, err := txn.Data(key)
	if err != nil {
		return err
	}
	if len(data) != AccountLen {
		return ErrUninitialized
	}
	if data[offInitialized] == 1 {
		return ErrAlreadyInitialized
	}
	return write(txn, key, Account{
		Mint:      mint,
		Authority: authority,
		IsNative:  mint.Equals(NativeMint),
	})
}

// SyncNative reconciles a native account's token amount with the lamports
// backing it, minus the rent-exempt deposit.
func SyncNative(txn *ledger.Txn, key solana.PublicKey) error {
	acct, err := read(txn, key)
	if err != nil {
		return err
	}
	if !acct.IsNative {
		return ErrNotNative
	}
	rent := txn.MinimumBalance(AccountLen)
	lamports := txn.Lamports(key)
	if lamports > rent {
		acct.Amount = lamports - rent
	} else {
		acct.Amount = 0
	}
	return write(txn, key, acct)
}

// Balance returns the token amount held at key. A missing or uninitialized
// account reads as zero so balance snapshots work before first use.
func Balance(txn *ledger.Txn, key solana.PublicKey) uint64 {
	acct, err := read(txn, key)
	if err != nil {
		return 0
	}
	return acct.Amount
}

// Credit adds amount to the holding account. Native accounts carry their
// backing lamports alongside the token amount.
func Credit(txn *ledger.Txn, key solana.PublicKey, amount uint64) error {
	acct, err := read(txn, key)
	if err != nil {
		return err
	}
	acct.Amount += amount
	if acct.IsNative {
		txn.CreditLamports(key, amount)
	}
	return write(txn, key, acct)
}

// Debit removes amount from the holding account.
func Debit(txn *ledger.Txn, key solana.PublicKey, amount uint64) error {
	acct, err := read(txn, key)
	if err != nil {
		return err
	}
	if acct.Amount < amount {
		return ErrInsufficientFunds
	}
	acct.Amount -= amount
	if acct.IsNative {
		if err := txn.DebitLamports(key, amount); err != nil {
			return err
		}
	}
	return write(txn, key, acct)
}

// CloseAccount deletes the holding account and returns its full lamport
// balance, rent deposit included, to dest. The account's authority must have
// signed the transaction.
func CloseAccount(txn *ledger.Txn, key, dest, authority solana.PublicKey) error {
	acct, err := read(txn, key)
	if err != nil {
		return err
	}
	if !acct.Authority.Equals(authority) {
		return ErrOwnerMismatch
	}
	if !txn.IsSigner(authority) {
		return ledger.ErrMissingSignature
	}
	return txn.CloseAccount(key, dest)
}

// FindAssociatedAddress derives the canonical associated token address for a
// wallet and mint.
func FindAssociatedAddress(wallet, mint solana.PublicKey) (solana.PublicKey, uint8, error) {
	return solana.FindAssociatedTokenAddress(wallet, mint)
}

// CreateAssociatedAccount ensures the wallet's associated holding account for
// mint exists, creating and initializing it at the payer's expense when
// absent. Returns the associated address.
func CreateAssociatedAccount(txn *ledger.Txn, payer, wallet, mint solana.PublicKey) (solana.PublicKey, error) {
	ata, bump, err := FindAssociatedAddress(wallet, mint)
	if err != nil {
		return solana.PublicKey{}, xerrors.Wrap(xerrors.CodeLedgerFailure, err, "derive associated token address")
	}
	if txn.Exists(ata) {
		if _, err := read(txn, ata); err == nil {
			return ata, nil
		}
	}
	seeds := [][]byte{wallet.Bytes(), ProgramID.Bytes(), mint.Bytes(), {bump}}
	if _, err := txn.SignWithSeeds(AssociatedProgramID, seeds...); err != nil {
		return solana.PublicKey{}, err
	}
	rent := txn.MinimumBalance(AccountLen)
	if err := txn.CreateAccount(payer, ata, rent, AccountLen, ProgramID); err != nil {
		return solana.PublicKey{}, err
	}
	if err := InitializeAccount(txn, ata, mint, wallet); err != nil {
		return solana.PublicKey{}, err
	}
	return ata, nil
}
