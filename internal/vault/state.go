package vault

import (
	"encoding/binary"

	"github.com/gagliardetto/solana-go"
)

// ProgramID is the address the custody program is deployed under. Both
// derived addresses and account ownership checks key off it.
var ProgramID = solana.MustPublicKeyFromBase58("pxrgZ1DR257Ahz7fBxUFUmE6w6kq9nktz6h7eFHTrZP")

// Derivation seed prefixes.
var (
	seedBot   = []byte("bot")
	seedVault = []byte("vault")
)

// MetaLen is the serialized size of a bot metadata record.
const MetaLen = 106

// BotMeta is the on-ledger registration record for one bot. It binds the
// owner wallet, the bot identity hash, and the vault address together so
// every later operation can re-verify the trio against derived addresses.
type BotMeta struct {
	Owner     solana.PublicKey
	BotIDHash [32]byte
	Vault     solana.PublicKey
	CreatedAt int64
	Bump      uint8
	Paused    bool
}

// Layout:
//
//	owner(32) | bot_id_hash(32) | vault(32) | created_at i64 LE(8) | bump(1) | paused(1)
const (
	offOwner     = 0
	offBotIDHash = 32
	offVault     = 64
	offCreatedAt = 96
	offBump      = 104
	offPaused    = 105
)

// Marshal renders the record into its fixed wire layout.
func (m BotMeta) Marshal() []byte {
	buf := make([]byte, MetaLen)
	copy(buf[offOwner:], m.Owner.Bytes())
	copy(buf[offBotIDHash:], m.BotIDHash[:])
	copy(buf[offVault:], m.Vault.Bytes())
	binary.LittleEndian.PutUint64(buf[offCreatedAt:], uint64(m.CreatedAt))
	buf[offBump] = m.Bump
	if m.Paused {
		buf[offPaused] = 1
	}
	return buf
}

// UnmarshalBotMeta decodes a bot metadata record.
func UnmarshalBotMeta(data []byte) (BotMeta, error) {
	if len(data) != MetaLen {
		return BotMeta{}, ErrInvalidVault
	}
	m := BotMeta{
		Owner:     solana.PublicKeyFromBytes(data[offOwner : offOwner+32]),
		Vault:     solana.PublicKeyFromBytes(data[offVault : offVault+32]),
		CreatedAt: int64(binary.LittleEndian.Uint64(data[offCreatedAt:])),
		Bump:      data[offBump],
		Paused:    data[offPaused] == 1,
	}
	copy(m.BotIDHash[:], data[offBotIDHash:offBotIDHash+32])
	return m, nil
}
