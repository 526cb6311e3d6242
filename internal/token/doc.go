// Package token implements the token account primitives the execution engine
// relies on: fixed-layout account state, native lamport wrapping with balance
// synchronization, associated account derivation, and account closure with
// full refunds to a designated destination.
package token
