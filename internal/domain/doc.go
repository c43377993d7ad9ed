// Package domain contains the entities shared by every stage of the
// generation engine: tasks read from the parse stage, the artifacts the
// engine persists for them, and the per-group status records that let
// stages wait on one another.
package domain
