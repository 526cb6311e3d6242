package vault

import (
	"github.com/gagliardetto/solana-go"

	xerrors "solscope/internal/errors"
)

// Derivation holds both program-derived addresses for one (owner, bot) pair
// together with the bump bytes that make the derivations reproducible.
type Derivation struct {
	BotMeta     solana.PublicKey
	BotMetaBump uint8
	Vault       solana.PublicKey
	VaultBump   uint8
}

// Derive computes the metadata and vault addresses for an owner and bot
// identity hash. The same inputs always yield the same pair, which is what
// lets clients locate a registration without any directory service.
func Derive(owner solana.PublicKey, botIDHash [32]byte) (Derivation, error) {
	meta, metaBump, err := solana.FindProgramAddress(
		[][]byte{seedBot, owner.Bytes(), botIDHash[:]},
		ProgramID,
	)
	if err != nil {
		return Derivation{}, xerrors.Wrap(xerrors.CodeLedgerFailure, err, "derive bot metadata address")
	}
	vaultKey, vaultBump, err := solana.FindProgramAddress(
		[][]byte{seedVault, owner.Bytes(), botIDHash[:]},
		ProgramID,
	)
	if err != nil {
		return Derivation{}, xerrors.Wrap(xerrors.CodeLedgerFailure, err, "derive vault address")
	}
	return Derivation{
		BotMeta:     meta,
		BotMetaBump: metaBump,
		Vault:       vaultKey,
		VaultBump:   vaultBump,
	}, nil
}
