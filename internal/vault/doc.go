// Package vault is the custodial core of the engine. It derives the metadata
// and vault addresses for each registered bot, enforces owner signatures and
// pause state on every entry point, and executes the wrap, swap, unwrap trade
// flow as one atomic ledger transaction with slippage measured from real
// balance deltas.
package vault
