package metrics

import (
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
)

// Registry holds counters and gauges for one process.
// Keys are strings, counter values are *int64, gauge values are *uint64 float bits.
type Registry struct {
	counters sync.Map
	gauges   sync.Map
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Inc increments a counter by 1.
func (r *Registry) Inc(name string) {
	r.Add(name, 1)
}

// Add adds delta to a counter.
func (r *Registry) Add(name string, delta int64) {
	val, ok := r.counters.Load(name)
	if !ok {
		val, _ = r.counters.LoadOrStore(name, new(int64))
	}
	atomic.AddInt64(val.(*int64), delta)
}

// Get returns the current value of a counter.
func (r *Registry) Get(name string) int64 {
	val, ok := r.counters.Load(name)
	if !ok {
		return 0
	}
	return atomic.LoadInt64(val.(*int64))
}

// SetGauge sets a gauge to value.
func (r *Registry) SetGauge(name string, value float64) {
	val, ok := r.gauges.Load(name)
	if !ok {
		val, _ = r.gauges.LoadOrStore(name, new(uint64))
	}
	atomic.StoreUint64(val.(*uint64), math.Float64bits(value))
}

// Gauge returns the current value of a gauge and whether it was ever set.
func (r *Registry) Gauge(name string) (float64, bool) {
	val, ok := r.gauges.Load(name)
	if !ok {
		return 0, false
	}
	return math.Float64frombits(atomic.LoadUint64(val.(*uint64))), true
}

// ReportProperty records an engine property of a column family as a gauge
// named zeebe_state_<property>{partition,cf}.
func (r *Registry) ReportProperty(partition, columnFamily, property string, value float64) {
	r.SetGauge(PropertyGaugeName(partition, columnFamily, property), value)
}

// PropertyGaugeName builds the gauge name used by ReportProperty.
func PropertyGaugeName(partition, columnFamily, property string) string {
	return fmt.Sprintf("zeebe_state_%s{partition=%q,cf=%q}", property, partition, columnFamily)
}

// Snapshot returns copies of all counters and gauges.
func (r *Registry) Snapshot() (counters map[string]int64, gauges map[string]float64) {
	counters = make(map[string]int64)
	r.counters.Range(func(key, value any) bool {
		counters[key.(string)] = atomic.LoadInt64(value.(*int64))
		return true
	})
	gauges = make(map[string]float64)
	r.gauges.Range(func(key, value any) bool {
		gauges[key.(string)] = math.Float64frombits(atomic.LoadUint64(value.(*uint64)))
		return true
	})
	return counters, gauges
}

// Names returns every registered metric name in sorted order.
func (r *Registry) Names() []string {
	counters, gauges := r.Snapshot()
	names := make([]string, 0, len(counters)+len(gauges))
	for name := range counters {
		names = append(names, name)
	}
	for name := range gauges {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Handler is an HTTP handler that exposes all metrics as JSON.
func (r *Registry) Handler(w http.ResponseWriter, req *http.Request) {
	counters, gauges := r.Snapshot()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(struct {
		Counters map[string]int64   `json:"counters"`
		Gauges   map[string]float64 `json:"gauges"`
	}{counters, gauges})
}
