// Package api serves the engine's read-only status endpoints: ledger
// records per subject and group, the provider router's state, and the
// progress of runs in this process.
package api
