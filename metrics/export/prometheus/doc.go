// Package prometheus exposes csrfkit lifecycle metrics as a prometheus.Collector.
//
// The collector reads a snapshot on every scrape. Counters are named csrf_*_total and the
// endpoint latency histogram is csrf_endpoint_latency_seconds.
//
// # What this package must NOT do
//
//   - Register in the global Prometheus registry. Callers register the collector or
//     mount Handler.
//   - Mutate manager state.
package prometheus
