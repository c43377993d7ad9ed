// Package router decides which generation backend serves each call.
//
// One Router instance is shared by every worker. It prefers a current
// provider, fails over down a fixed priority list when calls fail or hit
// quota, and periodically probes the primary provider again with an
// exponentially growing cooldown. All state lives in a single State value
// guarded by one mutex; backend calls themselves run without holding it.
package router
