// Package events carries progress notifications out of the scheduler.
//
// The scheduler emits an Event for every finished task and group; handlers
// subscribed to a Dispatcher observe them without the scheduler
// knowing who listens. ProgressTracker is the handler behind the status
// API's progress endpoint.
package events
