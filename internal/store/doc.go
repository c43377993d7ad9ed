// Package store defines interfaces for data persistence operations.
// These interfaces abstract the underlying storage mechanism from the
// scheduler and ledger, so completion checks and status transitions stay
// independent of the directory layout that happens to back them.
package store
