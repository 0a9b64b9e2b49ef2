package metrics

import (
	"encoding/json"
	"net/http/httptest"
	"testing"
)

func TestCounters(t *testing.T) {
	r := NewRegistry()
	r.Inc("commands")
	r.Add("commands", 4)

	if got := r.Get("commands"); got != 5 {
		t.Errorf("want 5, got %d", got)
	}
	if got := r.Get("missing"); got != 0 {
		t.Errorf("missing counter: want 0, got %d", got)
	}
}

func TestGaugesAndHandler(t *testing.T) {
	r := NewRegistry()
	r.ReportProperty("1", "JOBS", "estimate-num-keys", 42)
	r.ReportProperty("1", "JOBS", "estimate-num-keys", 43)
	r.Inc("snapshots_persisted")

	name := PropertyGaugeName("1", "JOBS", "estimate-num-keys")
	if v, ok := r.Gauge(name); !ok || v != 43 {
		t.Errorf("want 43, got %v (set=%v)", v, ok)
	}

	rec := httptest.NewRecorder()
	r.Handler(rec, httptest.NewRequest("GET", "/metrics", nil))

	var body struct {
		Counters map[string]int64   `json:"counters"`
		Gauges   map[string]float64 `json:"gauges"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Counters["snapshots_persisted"] != 1 {
		t.Errorf("counter missing from output: %+v", body.Counters)
	}
	if body.Gauges[name] != 43 {
		t.Errorf("gauge missing from output: %+v", body.Gauges)
	}
	if names := r.Names(); len(names) != 2 {
		t.Errorf("want 2 names, got %v", names)
	}
}
