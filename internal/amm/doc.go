// Package amm describes the external liquidity venue the engine swaps
// against. It carries the swap instruction wire format, the ordered account
// list a pool invocation requires, a YAML-backed market registry, and a
// deterministic paper venue used for local and test execution.
package amm
