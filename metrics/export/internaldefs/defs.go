package internaldefs

import (
	"github.com/lingaplink/csrfkit"
)

// CounterDef names one lifecycle counter for exporters.
type CounterDef struct {
	ID   csrfkit.MetricID
	Name string
	Help string
}

// HistogramDef names one latency histogram for exporters.
type HistogramDef struct {
	ID   csrfkit.MetricID
	Name string
	Help string
}

var CounterDefs = []CounterDef{
	{ID: csrfkit.MetricFetchSuccess, Name: "csrf_fetch_success_total", Help: "Tokens fetched and committed."},
	{ID: csrfkit.MetricFetchFailure, Name: "csrf_fetch_failure_total", Help: "Failed token fetches."},
	{ID: csrfkit.MetricRefreshSuccess, Name: "csrf_refresh_success_total", Help: "Refresh calls answered successfully."},
	{ID: csrfkit.MetricRefreshFailure, Name: "csrf_refresh_failure_total", Help: "Refresh calls that failed."},
	{ID: csrfkit.MetricRefreshRotated, Name: "csrf_refresh_rotated_total", Help: "Refreshes that rotated the token."},
	{ID: csrfkit.MetricRefreshKept, Name: "csrf_refresh_kept_total", Help: "Refreshes where the server kept the token."},
	{ID: csrfkit.MetricRefreshFallback, Name: "csrf_refresh_fallback_total", Help: "Refresh failures followed by a fetch."},
	{ID: csrfkit.MetricAuthRequired, Name: "csrf_auth_required_total", Help: "Token endpoint answers requiring re-authentication."},
	{ID: csrfkit.MetricCacheHit, Name: "csrf_cache_hit_total", Help: "Token requests served from memory."},
	{ID: csrfkit.MetricFlightShared, Name: "csrf_flight_shared_total", Help: "Callers that shared an in-flight operation."},
	{ID: csrfkit.MetricFlightDetached, Name: "csrf_flight_detached_total", Help: "Operation results dropped after logout."},
	{ID: csrfkit.MetricAttachSkipped, Name: "csrf_attach_skipped_total", Help: "Requests sent without a token."},
	{ID: csrfkit.MetricPersistFailure, Name: "csrf_persist_failure_total", Help: "Failed store writes or clears."},
	{ID: csrfkit.MetricLoadRestored, Name: "csrf_load_restored_total", Help: "Tokens restored from the store."},
	{ID: csrfkit.MetricLoadEvicted, Name: "csrf_load_evicted_total", Help: "Expired tokens discarded at load."},
	{ID: csrfkit.MetricSweepTick, Name: "csrf_sweep_tick_total", Help: "Background sweep ticks."},
	{ID: csrfkit.MetricSweepRefresh, Name: "csrf_sweep_refresh_total", Help: "Refreshes started by the background sweep."},
	{ID: csrfkit.MetricLogout, Name: "csrf_logout_total", Help: "Logout operations."},
}

var HistogramDefs = []HistogramDef{
	{ID: csrfkit.MetricFetchLatency, Name: "csrf_endpoint_latency_seconds", Help: "Token endpoint round-trip latency."},
}

// HistogramBounds are the upper bounds in seconds of the first seven buckets; the eighth
// is +Inf.
var HistogramBounds = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5}

// AuditDroppedName is the counter for audit events lost to backpressure.
const (
	AuditDroppedName = "csrf_audit_dropped_total"
	AuditDroppedHelp = "Dropped audit events due to dispatcher backpressure."
)

func NormalizeBuckets(raw []uint64) [8]uint64 {
	var out [8]uint64
	for i := 0; i < len(out) && i < len(raw); i++ {
		out[i] = raw[i]
	}
	return out
}

// CumulativeBuckets converts per-bucket counts to running totals.
func CumulativeBuckets(raw [8]uint64) [8]uint64 {
	var out [8]uint64
	var running uint64
	for i := 0; i < len(raw); i++ {
		running += raw[i]
		out[i] = running
	}
	return out
}
