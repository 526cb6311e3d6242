package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"

	xerrors "solscope/internal/errors"
)

// Error codes surfaced by the host ledger.
const (
	CodeAccountExists    xerrors.Code = "LEDGER_ACCOUNT_EXISTS"
	CodeAccountNotFound  xerrors.Code = "LEDGER_ACCOUNT_NOT_FOUND"
	CodeMissingSignature xerrors.Code = "LEDGER_MISSING_SIGNATURE"
	CodeInsufficientFunds xerrors.Code = "LEDGER_INSUFFICIENT_FUNDS"
)

var (
	// ErrAccountExists 表示目标地址已经被占用（first-write-wins）。
	ErrAccountExists = xerrors.New(CodeAccountExists, "account already exists")
	// ErrAccountNotFound 表示账户不存在。
	ErrAccountNotFound = xerrors.New(CodeAccountNotFound, "account not found")
	// ErrMissingSignature 表示交易缺少所需的签名授权。
	ErrMissingSignature = xerrors.New(CodeMissingSignature, "missing required signature")
	// ErrInsufficientFunds 表示账户余额不足以完成转账。
	ErrInsufficientFunds = xerrors.New(CodeInsufficientFunds, "insufficient lamports")
)

func init() {
	xerrors.Register(CodeAccountExists, xerrors.Attributes{
		Message:  "account already exists",
		Severity: xerrors.SeverityWarning,
	})
	xerrors.Register(CodeAccountNotFound, xerrors.Attributes{
		Message:  "account not found",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeMissingSignature, xerrors.Attributes{
		Message:  "missing required signature",
		Severity: xerrors.SeverityWarning,
		Alert:    true,
	})
	xerrors.Register(CodeInsufficientFunds, xerrors.Attributes{
		Message:  "insufficient lamports",
		Severity: xerrors.SeverityInfo,
	})
}

// Account is a ledger-held account: a lamport balance, the program that owns
// the account, and an opaque data payload.
type Account struct {
	Lamports uint64
	Owner    solana.PublicKey
	Data     []byte
}

func (a *Account) clone() *Account {
	if a == nil {
		return nil
	}
	dup := &Account{Lamports: a.Lamports, Owner: a.Owner}
	if a.Data != nil {
		dup.Data = append([]byte(nil), a.Data...)
	}
	return dup
}

// Ledger is an in-memory rendition of the host runtime. All operations against
// a ledger execute under one mutex, so concurrent callers observe serializable
// state: no two transactions ever interleave partial effects.
type Ledger struct {
	mu          sync.Mutex
	accounts    map[solana.PublicKey]*Account
	rentBase    uint64
	rentPerByte uint64
	clock       func() int64
}

// Option mutates ledger construction parameters.
type Option func(*Ledger)

// WithRent overrides the rent-exemption curve.
func WithRent(base, perByte uint64) Option {
	return func(l *Ledger) {
		l.rentBase = base
		l.rentPerByte = perByte
	}
}

// WithClock overrides the ledger clock, mainly for tests.
func WithClock(clock func() int64) Option {
	return func(l *Ledger) {
		if clock != nil {
			l.clock = clock
		}
	}
}

// New constructs an empty ledger.
func New(opts ...Option) *Ledger {
	l := &Ledger{
		accounts:    make(map[solana.PublicKey]*Account),
		rentBase:    890880,
		rentPerByte: 6960,
		clock:       func() int64 { return time.Now().Unix() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	return l
}

// MinimumBalance returns the rent-exempt deposit for an account of the given
// data size.
func (l *Ledger) MinimumBalance(size int) uint64 {
	if size < 0 {
		size = 0
	}
	return l.rentBase + l.rentPerByte*uint64(size)
}

// CreateFunded seeds a plain system account with lamports. Used to simulate
// external owner wallets funded outside the engine.
func (l *Ledger) CreateFunded(key solana.PublicKey, lamports uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.accounts[key] = &Account{Lamports: lamports, Owner: solana.SystemProgramID}
}

// Balance reads an account's lamport balance outside any transaction.
func (l *Ledger) Balance(key solana.PublicKey) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if acct, ok := l.accounts[key]; ok {
		return acct.Lamports
	}
	return 0
}

// Account returns a copy of the account stored at key.
func (l *Ledger) Account(key solana.PublicKey) (*Account, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	acct, ok := l.accounts[key]
	if !ok {
		return nil, false
	}
	return acct.clone(), true
}

// Execute runs fn as a single atomic transaction authorized by signers. If fn
// returns an error every account it touched is restored, so the caller
// observes all-or-nothing semantics. The signer set models signatures the host
// verified before dispatching the transaction; programs may extend it with
// derived authorities via Txn.SignWithSeeds.
func (l *Ledger) Execute(ctx context.Context, signers []solana.PublicKey, fn func(*Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	txn := &Txn{
		ledger:  l,
		signers: make(map[solana.PublicKey]struct{}, len(signers)+2),
		backups: make(map[solana.PublicKey]*Account),
	}
	for _, signer := range signers {
		txn.signers[signer] = struct{}{}
	}

	if err := fn(txn); err != nil {
		txn.rollback()
		return err
	}
	return nil
}

// Txn is the mutation surface handed to a transaction closure. All writes go
// through it so the ledger can snapshot touched accounts for rollback.
type Txn struct {
	ledger  *Ledger
	signers map[solana.PublicKey]struct{}
	backups map[solana.PublicKey]*Account // nil value: account did not exist
}

func (t *Txn) rollback() {
	for key, backup := range t.backups {
		if backup == nil {
			delete(t.ledger.accounts, key)
			continue
		}
		t.ledger.accounts[key] = backup
	}
}

// snapshot records the pre-image of key exactly once per transaction.
func (t *Txn) snapshot(key solana.PublicKey) {
	if _, done := t.backups[key]; done {
		return
	}
	t.backups[key] = t.ledger.accounts[key].clone()
}

// Now returns the ledger clock reading for this transaction.
func (t *Txn) Now() int64 {
	return t.ledger.clock()
}

// MinimumBalance mirrors Ledger.MinimumBalance inside a transaction.
func (t *Txn) MinimumBalance(size int) uint64 {
	return t.ledger.MinimumBalance(size)
}

// IsSigner reports whether key authorized this transaction.
func (t *Txn) IsSigner(key solana.PublicKey) bool {
	_, ok := t.signers[key]
	return ok
}

// SignWithSeeds proves a program-derived authority by recomputing the exact
// derivation used at creation. The resulting address joins the signer set; a
// wrong seed list yields a different address and the proof silently buys
// nothing.
func (t *Txn) SignWithSeeds(programID solana.PublicKey, seeds ...[]byte) (solana.PublicKey, error) {
	derived, err := solana.CreateProgramAddress(seeds, programID)
	if err != nil {
		return solana.PublicKey{}, xerrors.Wrap(xerrors.CodeLedgerFailure, err, "derive program authority")
	}
	t.signers[derived] = struct{}{}
	return derived, nil
}

// Exists reports whether an account is present at key.
func (t *Txn) Exists(key solana.PublicKey) bool {
	_, ok := t.ledger.accounts[key]
	return ok
}

// Lamports returns the balance at key, zero when absent.
func (t *Txn) Lamports(key solana.PublicKey) uint64 {
	if acct, ok := t.ledger.accounts[key]; ok {
		return acct.Lamports
	}
	return 0
}

// OwnerOf returns the owning program of the account at key.
func (t *Txn) OwnerOf(key solana.PublicKey) (solana.PublicKey, error) {
	acct, ok := t.ledger.accounts[key]
	if !ok {
		return solana.PublicKey{}, ErrAccountNotFound
	}
	return acct.Owner, nil
}

// Data returns a copy of the account payload at key.
func (t *Txn) Data(key solana.PublicKey) ([]byte, error) {
	acct, ok := t.ledger.accounts[key]
	if !ok {
		return nil, ErrAccountNotFound
	}
	return append([]byte(nil), acct.Data...), nil
}

// SetData replaces the account payload at key.
func (t *Txn) SetData(key solana.PublicKey, data []byte) error {
	acct, ok := t.ledger.accounts[key]
	if !ok {
		return ErrAccountNotFound
	}
	t.snapshot(key)
	acct = t.ledger.accounts[key]
	acct.Data = append([]byte(nil), data...)
	return nil
}

// CreateAccount allocates a new account at key: payer funds it with lamports,
// the account is sized to space bytes and handed to owner. Both payer and the
// new account must have signed the transaction. An occupied address fails with
// ErrAccountExists, which is what makes registration first-write-wins.
func (t *Txn) CreateAccount(payer, key solana.PublicKey, lamports uint64, space int, owner solana.PublicKey) error {
	if !t.IsSigner(payer) || !t.IsSigner(key) {
		return ErrMissingSignature
	}
	if existing, ok := t.ledger.accounts[key]; ok {
		if existing.Lamports > 0 || len(existing.Data) > 0 || !existing.Owner.Equals(solana.SystemProgramID) {
			return ErrAccountExists
		}
	}
	from, ok := t.ledger.accounts[payer]
	if !ok {
		return ErrAccountNotFound
	}
	if from.Lamports < lamports {
		return ErrInsufficientFunds
	}
	if space < 0 {
		space = 0
	}

	t.snapshot(payer)
	t.snapshot(key)
	t.ledger.accounts[payer].Lamports -= lamports
	t.ledger.accounts[key] = &Account{
		Lamports: lamports,
		Owner:    owner,
		Data:     make([]byte, space),
	}
	return nil
}

// Transfer moves lamports between accounts. The source must have signed the
// transaction, either as a human key or through a seed proof.
func (t *Txn) Transfer(from, to solana.PublicKey, amount uint64) error {
	if !t.IsSigner(from) {
		return ErrMissingSignature
	}
	src, ok := t.ledger.accounts[from]
	if !ok {
		return ErrAccountNotFound
	}
	if src.Lamports < amount {
		return ErrInsufficientFunds
	}

	t.snapshot(from)
	t.snapshot(to)
	t.ledger.accounts[from].Lamports -= amount
	dst, ok := t.ledger.accounts[to]
	if !ok {
		dst = &Account{Owner: solana.SystemProgramID}
		t.ledger.accounts[to] = dst
	}
	dst.Lamports += amount
	return nil
}

// CreditLamports adds lamports to an account without a source, creating the
// account when absent. Reserved for program-internal settlement.
func (t *Txn) CreditLamports(key solana.PublicKey, amount uint64) {
	t.snapshot(key)
	acct, ok := t.ledger.accounts[key]
	if !ok {
		acct = &Account{Owner: solana.SystemProgramID}
		t.ledger.accounts[key] = acct
	}
	acct.Lamports += amount
}

// DebitLamports removes lamports from an account. Reserved for
// program-internal settlement.
func (t *Txn) DebitLamports(key solana.PublicKey, amount uint64) error {
	acct, ok := t.ledger.accounts[key]
	if !ok {
		return ErrAccountNotFound
	}
	if acct.Lamports < amount {
		return ErrInsufficientFunds
	}
	t.snapshot(key)
	t.ledger.accounts[key].Lamports -= amount
	return nil
}

// CloseAccount removes the account at key, returning its whole balance to
// dest. Authorization is the caller's concern; programs gate it on their own
// authority model before delegating here.
func (t *Txn) CloseAccount(key, dest solana.PublicKey) error {
	acct, ok := t.ledger.accounts[key]
	if !ok {
		return ErrAccountNotFound
	}
	refund := acct.Lamports

	t.snapshot(key)
	t.snapshot(dest)
	delete(t.ledger.accounts, key)
	dst, ok := t.ledger.accounts[dest]
	if !ok {
		dst = &Account{Owner: solana.SystemProgramID}
		t.ledger.accounts[dest] = dst
	}
	dst.Lamports += refund
	return nil
}
