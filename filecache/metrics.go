package filecache

import "github.com/prometheus/client_golang/prometheus"

// Metrics instruments cache behavior. All methods are safe on a nil
// receiver so instrumentation stays optional.
type Metrics struct {
	Hits          prometheus.Counter
	Misses        prometheus.Counter
	Evictions     prometheus.Counter
	EvictedBytes  prometheus.Counter
	WrittenBytes  prometheus.Counter
	CommitsTotal  prometheus.Counter
	CommitsFailed prometheus.Counter
}

func (m *Metrics) incCounter(c prometheus.Counter) {
	if m == nil || c == nil {
		return
	}
	c.Inc()
}

func (m *Metrics) addCounter(c prometheus.Counter, v float64) {
	if m == nil || c == nil || v == 0 {
		return
	}
	c.Add(v)
}

func (m *Metrics) ObserveLookup(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.incCounter(m.Hits)
	} else {
		m.incCounter(m.Misses)
	}
}

func (m *Metrics) ObserveEviction(bytes int64) {
	if m == nil {
		return
	}
	m.incCounter(m.Evictions)
	m.addCounter(m.EvictedBytes, float64(bytes))
}

func (m *Metrics) ObserveCommit(bytes int64, err error) {
	if m == nil {
		return
	}
	m.incCounter(m.CommitsTotal)
	if err != nil {
		m.incCounter(m.CommitsFailed)
		return
	}
	m.addCounter(m.WrittenBytes, float64(bytes))
}
