// Package config loads, validates, and defaults formsight's TOML
// configuration. Every adaptive tunable in the pipeline (retry backoff,
// tier thresholds, pool sizes, battery floors) is configuration rather than
// a hard-coded contract.
package config
