// Package filestore implements the store interfaces on a local directory
// tree. Every write goes through fsutil atomic replacement; status records
// are additionally guarded by a per-record lock file.
//
// Layout:
//
//	<artifact root>/<group>/<task id>.json
//	<status root>/<group>/.status/<stage>.json
//	<status root>/<group>/.status/<stage>.json.lock
package filestore
