// Package config provides centralized configuration for the solscope daemon,
// loading a JSON file selected by flag or environment variable and applying
// defaults for any section the operator leaves out.
package config
