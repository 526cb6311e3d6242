package token

import (
	"context"
	"errors"
	"testing"

	"github.com/gagliardetto/solana-go"

	"solscope/internal/ledger"
)

func newNativeAccount(t *testing.T, l *ledger.Ledger, payer, key, authority solana.PublicKey, extra uint64) {
	t.Helper()
	err := l.Execute(context.Background(), []solana.PublicKey{payer, key}, func(txn *ledger.Txn) error {
		rent := txn.MinimumBalance(AccountLen)
		if err := txn.CreateAccount(payer, key, rent+extra, AccountLen, ProgramID); err != nil {
			return err
		}
		if err := InitializeAccount(txn, key, NativeMint, authority); err != nil {
			return err
		}
		return SyncNative(txn, key)
	})
	if err != nil {
		t.Fatalf("create native account: %v", err)
	}
}

func TestSyncNativeTracksBackingLamports(t *testing.T) {
	l := ledger.New()
	payer := solana.NewWallet().PublicKey()
	key := solana.NewWallet().PublicKey()
	authority := solana.NewWallet().PublicKey()
	l.CreateFunded(payer, 100_000_000)

	newNativeAccount(t, l, payer, key, authority, 750_000)

	err := l.Execute(context.Background(), nil, func(txn *ledger.Txn) error {
		if got := Balance(txn, key); got != 750_000 {
			t.Fatalf("expected synced balance 750000, got %d", got)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
}

func TestInitializeAccountRejectsReuse(t *testing.T) {
	l := ledger.New()
	payer := solana.NewWallet().PublicKey()
	key := solana.NewWallet().PublicKey()
	authority := solana.NewWallet().PublicKey()
	l.CreateFunded(payer, 100_000_000)

	newNativeAccount(t, l, payer, key, authority, 0)

	err := l.Execute(context.Background(), nil, func(txn *ledger.Txn) error {
		return InitializeAccount(txn, key, NativeMint, authority)
	})
	if !errors.Is(err, ErrAlreadyInitialized) {
		t.Fatalf("expected ErrAlreadyInitialized, got %v", err)
	}
}

func TestDebitInsufficientBalance(t *testing.T) {
	l := ledger.New()
	payer := solana.NewWallet().PublicKey()
	key := solana.NewWallet().PublicKey()
	authority := solana.NewWallet().PublicKey()
	l.CreateFunded(payer, 100_000_000)

	newNativeAccount(t, l, payer, key, authority, 100)

	err := l.Execute(context.Background(), nil, func(txn *ledger.Txn) error {
		return Debit(txn, key, 200)
	})
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
}

func TestCloseAccountRefundsEverything(t *testing.T) {
	l := ledger.New()
	payer := solana.NewWallet().PublicKey()
	key := solana.NewWallet().PublicKey()
	authority := solana.NewWallet().PublicKey()
	dest := solana.NewWallet().PublicKey()
	l.CreateFunded(payer, 100_000_000)

	newNativeAccount(t, l, payer, key, authority, 500_000)
	rent := l.MinimumBalance(AccountLen)

	err := l.Execute(context.Background(), []solana.PublicKey{authority}, func(txn *ledger.Txn) error {
		return CloseAccount(txn, key, dest, authority)
	})
	if err != nil {
		t.Fatalf("close account: %v", err)
	}

	if got := l.Balance(dest); got != rent+500_000 {
		t.Fatalf("expected refund %d, got %d", rent+500_000, got)
	}
	if _, ok := l.Account(key); ok {
		t.Fatalf("closed account still present")
	}
}

func TestCloseAccountRequiresAuthoritySignature(t *testing.T) {
	l := ledger.New()
	payer := solana.NewWallet().PublicKey()
	key := solana.NewWallet().PublicKey()
	authority := solana.NewWallet().PublicKey()
	dest := solana.NewWallet().PublicKey()
	l.CreateFunded(payer, 100_000_000)

	newNativeAccount(t, l, payer, key, authority, 0)

	err := l.Execute(context.Background(), nil, func(txn *ledger.Txn) error {
		return CloseAccount(txn, key, dest, authority)
	})
	if !errors.Is(err, ledger.ErrMissingSignature) {
		t.Fatalf("expected ErrMissingSignature, got %v", err)
	}
}

func TestCreateAssociatedAccountIsIdempotent(t *testing.T) {
	l := ledger.New()
	payer := solana.NewWallet().PublicKey()
	wallet := solana.NewWallet().PublicKey()
	mint := solana.NewWallet().PublicKey()
	l.CreateFunded(payer, 100_000_000)

	var first, second solana.PublicKey
	err := l.Execute(context.Background(), []solana.PublicKey{payer}, func(txn *ledger.Txn) error {
		var err error
		first, err = CreateAssociatedAccount(txn, payer, wallet, mint)
		if err != nil {
			return err
		}
		second, err = CreateAssociatedAccount(txn, payer, wallet, mint)
		return err
	})
	if err != nil {
		t.Fatalf("create associated account: %v", err)
	}
	if !first.Equals(second) {
		t.Fatalf("associated address changed between calls: %s vs %s", first, second)
	}

	expected, _, err := FindAssociatedAddress(wallet, mint)
	if err != nil {
		t.Fatalf("find associated address: %v", err)
	}
	if !first.Equals(expected) {
		t.Fatalf("unexpected associated address: got %s want %s", first, expected)
	}
}
