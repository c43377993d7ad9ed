// Package repair turns one task into one artifact. The Executor asks the
// router for a solution, parses and validates it, and on rejection asks
// again with the rejection reason and the previous output attached. When
// every attempt fails it synthesizes a degraded artifact flagged for manual
// review, so Run never returns an error.
package repair
