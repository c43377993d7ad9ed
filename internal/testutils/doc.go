// Package testutils holds helpers shared by package tests: an in-memory
// slog handler for asserting on log output and writers for on-disk
// fixtures.
package testutils
