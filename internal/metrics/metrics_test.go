package metrics

import (
	"context"
	"testing"
	"time"

	"chronicle/changerequest/internal/diffcache"
)

func TestObserveMerge(t *testing.T) {
	m := New()
	m.ObserveMerge(true, 0, time.Millisecond)
	m.ObserveMerge(false, 2, time.Millisecond)

	found := counters(t, m)
	if found["changerequest_merges_total"] != 2 {
		t.Fatalf("merges = %v", found["changerequest_merges_total"])
	}
	if found["changerequest_conflicts_total"] != 2 {
		t.Fatalf("conflicts = %v", found["changerequest_conflicts_total"])
	}
}

// counters sums every counter series per metric family.
func counters(t *testing.T, m *Metrics) map[string]float64 {
	t.Helper()
	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	found := map[string]float64{}
	for _, family := range families {
		for _, metric := range family.GetMetric() {
			if metric.GetCounter() != nil {
				found[family.GetName()] += metric.GetCounter().GetValue()
			}
		}
	}
	return found
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveMerge(true, 0, 0)
	m.ObserveRebase()
	m.ObserveCommit("ok")
	m.ObserveHTTP("GET", 200, 0)
	m.WatchDiffCache(nil)
}

func TestWatchDiffCache(t *testing.T) {
	m := New()
	cache := diffcache.New(diffcache.Config{Enabled: true})
	m.WatchDiffCache(cache)

	key := diffcache.Key{FileChangeID: "a", Version: "filechange-1.1", Mode: "author"}
	render := func(context.Context) ([]byte, error) { return []byte("x"), nil }
	_, _ = cache.GetOrCompute(context.Background(), key, render)
	_, _ = cache.GetOrCompute(context.Background(), key, render)

	found := counters(t, m)
	if found["changerequest_diff_cache_hits_total"] != 1 || found["changerequest_diff_cache_misses_total"] != 1 {
		t.Fatalf("unexpected cache counters %v", found)
	}
}
