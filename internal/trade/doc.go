// Package trade manages the asynchronous trade pipeline: request validation
// and persistence, queue transports backed by memory, Redis, or RabbitMQ,
// and a worker pool that claims queued trades, drives the execution engine,
// and records fills, retries, and terminal failures.
package trade
