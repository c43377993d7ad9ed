// Package telemetry installs the OpenTelemetry tracer provider that the
// router and repair executor record spans through.
package telemetry
