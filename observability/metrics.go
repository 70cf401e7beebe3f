package observability

import (
	"sort"
	"strconv"
	"sync"
	"time"
)

// Metrics provides basic in-memory counters.
type Metrics struct {
	mu              sync.Mutex
	requestCount    map[string]int64
	requestDuration map[string]time.Duration
	transitionCount map[string]int64
}

// NewMetrics initializes metrics storage.
func NewMetrics() *Metrics {
	return &Metrics{
		requestCount:    make(map[string]int64),
		requestDuration: make(map[string]time.Duration),
		transitionCount: make(map[string]int64),
	}
}

// RecordRequest increments counters for requests.
func (m *Metrics) RecordRequest(route, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	key := route + "|" + method + "|" + strconv.Itoa(status)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requestCount[key]++
	m.requestDuration[key] += duration
}

// RecordTransition counts one transition attempt by outcome code.
func (m *Metrics) RecordTransition(kind, action, outcome string) {
	if m == nil {
		return
	}
	key := kind + "|" + action + "|" + outcome
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transitionCount[key]++
}

// Counter is one named count.
type Counter struct {
	Key       string  `json:"key"`
	Count     int64   `json:"count"`
	AvgMillis float64 `json:"avg_ms,omitempty"` // requests only
}

// Snapshot is a point-in-time copy of all counters, sorted by key.
type Snapshot struct {
	Requests    []Counter `json:"requests"`
	Transitions []Counter `json:"transitions"`
}

// Snapshot copies the current counters.
func (m *Metrics) Snapshot() Snapshot {
	if m == nil {
		return Snapshot{}
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var s Snapshot
	for k, n := range m.requestCount {
		avg := float64(m.requestDuration[k].Microseconds()) / 1000 / float64(n)
		s.Requests = append(s.Requests, Counter{Key: k, Count: n, AvgMillis: avg})
	}
	for k, n := range m.transitionCount {
		s.Transitions = append(s.Transitions, Counter{Key: k, Count: n})
	}
	sort.Slice(s.Requests, func(i, j int) bool { return s.Requests[i].Key < s.Requests[j].Key })
	sort.Slice(s.Transitions, func(i, j int) bool { return s.Transitions[i].Key < s.Transitions[j].Key })
	return s
}

// TransitionCount returns the count for one kind/action/outcome.
func (m *Metrics) TransitionCount(kind, action, outcome string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transitionCount[kind+"|"+action+"|"+outcome]
}
