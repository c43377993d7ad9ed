// Package fsutil provides the two persistence primitives the engine builds
// on: atomic file replacement and an advisory exclusive lock held on a
// separate lock file.
//
// Atomic replacement alone is enough for artifacts, which are written once
// to distinct paths. Read-modify-write cycles such as status ledger updates
// additionally hold the lock for the duration of the cycle.
package fsutil
