package metrics

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
)

// Registry creates prometheus collectors lazily, one per
// (group, name, label keys), and registers them in an injected Registerer.
// Group becomes the prometheus subsystem.
//
// A Registry is safe for concurrent use; poller goroutines report through it
// on every session event.
type Registry struct {
	namespace string
	reg       prometheus.Registerer

	mu         sync.Mutex
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec
	lastErr    error
}

// NewRegistry creates a Registry. A nil reg uses a private prometheus
// registry, which keeps values inspectable through Gatherer without
// exporting them.
func NewRegistry(namespace string, reg prometheus.Registerer) *Registry {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	return &Registry{
		namespace:  namespace,
		reg:        reg,
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		histograms: make(map[string]*prometheus.HistogramVec),
	}
}

// Gatherer returns the underlying registry when it can be gathered.
func (r *Registry) Gatherer() prometheus.Gatherer {
	g, _ := r.reg.(prometheus.Gatherer)
	return g
}

// LastError returns the last collector registration failure. Reporting
// never fails the caller; a metric that cannot be registered is dropped.
func (r *Registry) LastError() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastErr
}

func labelKeys(dim Dimension) []string {
	keys := make([]string, 0, len(dim))
	for k := range dim {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func collectorKey(group, name string, keys []string) string {
	return group + "/" + name + "{" + strings.Join(keys, ",") + "}"
}

// register adds c, reusing an identical collector registered earlier.
// Must be called with r.mu held.
func (r *Registry) register(c prometheus.Collector) (prometheus.Collector, bool) {
	if err := r.reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			return are.ExistingCollector, true
		}
		r.lastErr = errors.Wrap(err, "register collector")
		return nil, false
	}
	return c, true
}

func (r *Registry) counter(group, name string, keys []string) *prometheus.CounterVec {
	key := collectorKey(group, name, keys)

	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.counters[key]; ok {
		return c
	}
	c, ok := r.register(prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: r.namespace,
		Subsystem: group,
		Name:      name,
		Help:      group + " " + name,
	}, keys))
	if !ok {
		r.counters[key] = nil
		return nil
	}
	vec, _ := c.(*prometheus.CounterVec)
	r.counters[key] = vec
	return vec
}

func (r *Registry) gauge(group, name string, keys []string) *prometheus.GaugeVec {
	key := collectorKey(group, name, keys)

	r.mu.Lock()
	defer r.mu.Unlock()
	if g, ok := r.gauges[key]; ok {
		return g
	}
	g, ok := r.register(prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: r.namespace,
		Subsystem: group,
		Name:      name,
		Help:      group + " " + name,
	}, keys))
	if !ok {
		r.gauges[key] = nil
		return nil
	}
	vec, _ := g.(*prometheus.GaugeVec)
	r.gauges[key] = vec
	return vec
}

func (r *Registry) histogram(group, name string, keys []string) *prometheus.HistogramVec {
	key := collectorKey(group, name, keys)

	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.histograms[key]; ok {
		return h
	}
	h, ok := r.register(prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: r.namespace,
		Subsystem: group,
		Name:      name,
		Help:      group + " " + name,
		Buckets:   prometheus.DefBuckets,
	}, keys))
	if !ok {
		r.histograms[key] = nil
		return nil
	}
	vec, _ := h.(*prometheus.HistogramVec)
	r.histograms[key] = vec
	return vec
}

// IncrCounterWithGroup adds v to the counter group_name.
func (r *Registry) IncrCounterWithGroup(group, name string, v Value) {
	r.IncrCounterWithDimGroup(group, name, v, nil)
}

// IncrCounterWithDimGroup adds v to the counter group_name labelled by dim.
// Negative values are ignored.
func (r *Registry) IncrCounterWithDimGroup(group, name string, v Value, dim Dimension) {
	if r == nil || v < 0 {
		return
	}
	if c := r.counter(group, name, labelKeys(dim)); c != nil {
		c.With(prometheus.Labels(dim)).Add(float64(v))
	}
}

// UpdateGaugeWithGroup sets the gauge group_name to v.
func (r *Registry) UpdateGaugeWithGroup(group, name string, v Value) {
	r.UpdateGaugeWithDimGroup(group, name, v, nil)
}

func (r *Registry) UpdateGaugeWithDimGroup(group, name string, v Value, dim Dimension) {
	if r == nil {
		return
	}
	if g := r.gauge(group, name, labelKeys(dim)); g != nil {
		g.With(prometheus.Labels(dim)).Set(float64(v))
	}
}

// AddGaugeWithDimGroup adds v, which may be negative, to a gauge.
func (r *Registry) AddGaugeWithDimGroup(group, name string, v Value, dim Dimension) {
	if r == nil {
		return
	}
	if g := r.gauge(group, name, labelKeys(dim)); g != nil {
		g.With(prometheus.Labels(dim)).Add(float64(v))
	}
}

func (r *Registry) ObserveWithDimGroup(group, name string, v Value, dim Dimension) {
	if r == nil {
		return
	}
	if h := r.histogram(group, name, labelKeys(dim)); h != nil {
		h.With(prometheus.Labels(dim)).Observe(float64(v))
	}
}

// StopwatchWithDimGroup observes d in seconds.
func (r *Registry) StopwatchWithDimGroup(group, name string, d time.Duration, dim Dimension) {
	r.ObserveWithDimGroup(group, name, Value(d.Seconds()), dim)
}

// Report folds v into group_name according to policy.
func (r *Registry) Report(group, name string, v Value, policy Policy, dim Dimension) {
	switch policy {
	case PolicySet:
		r.UpdateGaugeWithDimGroup(group, name, v, dim)
	case PolicySum:
		r.IncrCounterWithDimGroup(group, name, v, dim)
	case PolicyStopwatch, PolicyHistogram:
		r.ObserveWithDimGroup(group, name, v, dim)
	}
}
