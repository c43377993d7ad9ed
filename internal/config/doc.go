// Package config handles configuration loading, parsing, and validation
// from defaults, an optional YAML file and MEDFORGE_-prefixed environment
// variables. It provides type-safe access to the scheduler, router, repair
// loop, ledger and provider settings while keeping configuration details
// separate from the generation engine.
package config
