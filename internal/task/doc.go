// Package task schedules generation work. It computes the pending set of a
// run from the artifact store, feeds it through a bounded TaskQueue to a
// WorkerPool, and records each group's progress in the status ledger.
package task
