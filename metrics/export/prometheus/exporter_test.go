package prometheus

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/lingaplink/csrfkit"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

type fakeSource struct {
	snapshot csrfkit.MetricsSnapshot
	dropped  uint64
}

func (f fakeSource) MetricsSnapshot() csrfkit.MetricsSnapshot { return f.snapshot }
func (f fakeSource) AuditDropped() uint64                     { return f.dropped }

func TestCollectEmptyWhenMetricsDisabled(t *testing.T) {
	c := NewCollectorFromSource(fakeSource{
		snapshot: csrfkit.MetricsSnapshot{
			Counters:   map[csrfkit.MetricID]uint64{},
			Histograms: map[csrfkit.MetricID][]uint64{},
		},
	})

	if n := testutil.CollectAndCount(c); n != 0 {
		t.Fatalf("expected no metrics for disabled source, got %d", n)
	}
}

func TestCollectCounters(t *testing.T) {
	c := NewCollectorFromSource(fakeSource{
		snapshot: csrfkit.MetricsSnapshot{
			Counters: map[csrfkit.MetricID]uint64{
				csrfkit.MetricFetchSuccess: 7,
				csrfkit.MetricAttachSkipped: 3,
			},
			Histograms: map[csrfkit.MetricID][]uint64{},
		},
		dropped: 2,
	})

	expected := `
# HELP csrf_fetch_success_total Tokens fetched and committed.
# TYPE csrf_fetch_success_total counter
csrf_fetch_success_total 7
# HELP csrf_attach_skipped_total Requests sent without a token.
# TYPE csrf_attach_skipped_total counter
csrf_attach_skipped_total 3
# HELP csrf_audit_dropped_total Dropped audit events due to dispatcher backpressure.
# TYPE csrf_audit_dropped_total counter
csrf_audit_dropped_total 2
`
	err := testutil.CollectAndCompare(c, strings.NewReader(expected),
		"csrf_fetch_success_total", "csrf_attach_skipped_total", "csrf_audit_dropped_total")
	if err != nil {
		t.Fatalf("unexpected collector output: %v", err)
	}
}

func TestCollectHistogramIsCumulative(t *testing.T) {
	c := NewCollectorFromSource(fakeSource{
		snapshot: csrfkit.MetricsSnapshot{
			Counters: map[csrfkit.MetricID]uint64{csrfkit.MetricFetchSuccess: 1},
			Histograms: map[csrfkit.MetricID][]uint64{
				csrfkit.MetricFetchLatency: {1, 2, 3, 4, 5, 6, 7, 8},
			},
		},
	})

	reg := prometheus.NewRegistry()
	reg.MustRegister(c)
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}

	for _, mf := range families {
		if mf.GetName() != "csrf_endpoint_latency_seconds" {
			continue
		}
		h := mf.GetMetric()[0].GetHistogram()
		if h.GetSampleCount() != 36 {
			t.Fatalf("expected count 36, got %d", h.GetSampleCount())
		}
		buckets := h.GetBucket()
		if len(buckets) != 7 {
			t.Fatalf("expected 7 finite buckets, got %d", len(buckets))
		}
		if buckets[0].GetUpperBound() != 0.005 || buckets[0].GetCumulativeCount() != 1 {
			t.Fatalf("unexpected first bucket %v", buckets[0])
		}
		if buckets[6].GetCumulativeCount() != 28 {
			t.Fatalf("expected 0.5s bucket cumulative 28, got %d", buckets[6].GetCumulativeCount())
		}
		return
	}
	t.Fatal("latency histogram not collected")
}

func TestHandlerServesTextFormat(t *testing.T) {
	c := NewCollectorFromSource(fakeSource{
		snapshot: csrfkit.MetricsSnapshot{
			Counters:   map[csrfkit.MetricID]uint64{csrfkit.MetricLogout: 4},
			Histograms: map[csrfkit.MetricID][]uint64{},
		},
	})

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if got := rec.Header().Get("Content-Type"); !strings.Contains(got, "text/plain") {
		t.Fatalf("expected text content type, got %q", got)
	}
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), "csrf_logout_total 4") {
		t.Fatalf("expected logout counter, got:\n%s", body)
	}
}
