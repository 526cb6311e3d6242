// Package api exposes the REST surface for bot registration, vault funding
// and withdrawal, pause control, and trade submission. Handlers translate the
// unified error codes into HTTP statuses and feed per-route metrics.
package api
