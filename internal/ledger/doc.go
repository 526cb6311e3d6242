// Package ledger provides an in-memory host ledger with transactional
// execution semantics. It models accounts as lamport balances with an owning
// program and an opaque data payload, verifies signer authorization including
// seed-derived program authorities, and guarantees that a failed transaction
// leaves no partial effects behind.
package ledger
