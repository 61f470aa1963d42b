// Package otel publishes csrfkit metrics through OpenTelemetry observable instruments.
//
// [NewExporter] registers one Int64ObservableCounter per lifecycle counter and one
// Int64ObservableGauge per latency bucket. A single callback reads
// [csrfkit.Manager.MetricsSnapshot] on each collection cycle.
//
// # What this package must NOT do
//
//   - Own the MeterProvider. Callers supply the Meter.
//   - Mutate manager state.
package otel
