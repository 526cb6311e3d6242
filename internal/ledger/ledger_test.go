package ledger

import (
	"context"
	"errors"
	"testing"

	"github.com/gagliardetto/solana-go"
)

func TestExecuteRollsBackOnError(t *testing.T) {
	l := New()
	ctx := context.Background()

	payer := solana.NewWallet().PublicKey()
	dest := solana.NewWallet().PublicKey()
	l.CreateFunded(payer, 1_000_000)

	boom := errors.New("boom")
	err := l.Execute(ctx, []solana.PublicKey{payer}, func(txn *Txn) error {
		if err := txn.Transfer(payer, dest, 400_000); err != nil {
			t.Fatalf("transfer: %v", err)
		}
		if txn.Lamports(dest) != 400_000 {
			t.Fatalf("expected staged transfer, got %d", txn.Lamports(dest))
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected closure error, got %v", err)
	}

	if got := l.Balance(payer); got != 1_000_000 {
		t.Fatalf("payer balance not restored: %d", got)
	}
	if _, ok := l.Account(dest); ok {
		t.Fatalf("destination account should not survive rollback")
	}
}

func TestCreateAccountFirstWriteWins(t *testing.T) {
	l := New()
	ctx := context.Background()

	payer := solana.NewWallet().PublicKey()
	key := solana.NewWallet().PublicKey()
	owner := solana.NewWallet().PublicKey()
	l.CreateFunded(payer, 10_000_000)

	signers := []solana.PublicKey{payer, key}
	if err := l.Execute(ctx, signers, func(txn *Txn) error {
		return txn.CreateAccount(payer, key, txn.MinimumBalance(8), 8, owner)
	}); err != nil {
		t.Fatalf("first create: %v", err)
	}

	err := l.Execute(ctx, signers, func(txn *Txn) error {
		return txn.CreateAccount(payer, key, txn.MinimumBalance(8), 8, owner)
	})
	if !errors.Is(err, ErrAccountExists) {
		t.Fatalf("expected ErrAccountExists, got %v", err)
	}
}

func TestTransferRequiresSignature(t *testing.T) {
	l := New()
	ctx := context.Background()

	from := solana.NewWallet().PublicKey()
	to := solana.NewWallet().PublicKey()
	l.CreateFunded(from, 500_000)

	err := l.Execute(ctx, nil, func(txn *Txn) error {
		return txn.Transfer(from, to, 100_000)
	})
	if !errors.Is(err, ErrMissingSignature) {
		t.Fatalf("expected ErrMissingSignature, got %v", err)
	}
	if got := l.Balance(from); got != 500_000 {
		t.Fatalf("unexpected source balance: %d", got)
	}
}

func TestSignWithSeedsExtendsSignerSet(t *testing.T) {
	l := New()
	ctx := context.Background()

	program := solana.NewWallet().PublicKey()
	seeds := [][]byte{[]byte("auth"), {7}}
	derived, bump, err := solana.FindProgramAddress(seeds, program)
	if err != nil {
		t.Fatalf("find program address: %v", err)
	}
	l.CreateFunded(derived, 300_000)
	dest := solana.NewWallet().PublicKey()

	err = l.Execute(ctx, nil, func(txn *Txn) error {
		signed, err := txn.SignWithSeeds(program, []byte("auth"), []byte{7}, []byte{bump})
		if err != nil {
			return err
		}
		if !signed.Equals(derived) {
			t.Fatalf("derived %s, expected %s", signed, derived)
		}
		return txn.Transfer(derived, dest, 200_000)
	})
	if err != nil {
		t.Fatalf("seed-signed transfer: %v", err)
	}
	if got := l.Balance(dest); got != 200_000 {
		t.Fatalf("unexpected destination balance: %d", got)
	}
}

func TestMinimumBalanceScalesWithSize(t *testing.T) {
	l := New(WithRent(1000, 10))
	if got := l.MinimumBalance(0); got != 1000 {
		t.Fatalf("unexpected zero-size rent: %d", got)
	}
	if got := l.MinimumBalance(165); got != 1000+1650 {
		t.Fatalf("unexpected sized rent: %d", got)
	}
}
