package index

import (
	"slices"
	"sync"
	"time"
)

// HealthStatus is the health of one configured root.
type HealthStatus string

const (
	HealthHealthy  HealthStatus = "healthy"
	HealthDegraded HealthStatus = "degraded"
	HealthFailed   HealthStatus = "failed"
)

// SourceHealth is a point-in-time view of one root's health.
type SourceHealth struct {
	Profile          string       `json:"profile"`
	Status           HealthStatus `json:"status"`
	DiscoverFailures int          `json:"discoverFailures"`
	DegradedTraces   int          `json:"degradedTraces"`
	LastError        string       `json:"lastError,omitempty"`
}

// sourceHealth tracks consecutive failure counts for a single root. Fields
// are protected by mu because refresh cycles write them while Diagnostics
// reads them from API goroutines.
type sourceHealth struct {
	mu               sync.Mutex
	discoverFailures int
	lastDiscoverErr  string
	lastDiscoverFail time.Time
	parseFailures    map[string]int // keyed by trace id
	lastParseErr     string
	lastParseFail    time.Time
}

func newSourceHealth() *sourceHealth {
	return &sourceHealth{parseFailures: make(map[string]int)}
}

func (h *sourceHealth) recordDiscoverSuccess() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.discoverFailures = 0
	h.lastDiscoverErr = ""
}

func (h *sourceHealth) recordDiscoverFailure(err error, now time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.discoverFailures++
	h.lastDiscoverErr = err.Error()
	h.lastDiscoverFail = now
}

func (h *sourceHealth) recordParseSuccess(traceID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.parseFailures, traceID)
}

func (h *sourceHealth) recordParseFailure(traceID, msg string, now time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.parseFailures[traceID]++
	h.lastParseErr = msg
	h.lastParseFail = now
}

// removeTrace drops parse failure tracking for a removed trace.
func (h *sourceHealth) removeTrace(traceID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.parseFailures, traceID)
}

func (h *sourceHealth) snapshot(profile string, threshold int) SourceHealth {
	h.mu.Lock()
	defer h.mu.Unlock()
	degraded := 0
	for _, n := range h.parseFailures {
		if n >= threshold {
			degraded++
		}
	}
	s := SourceHealth{
		Profile:          profile,
		Status:           HealthHealthy,
		DiscoverFailures: h.discoverFailures,
		DegradedTraces:   degraded,
		LastError:        h.lastErrorLocked(),
	}
	switch {
	case h.discoverFailures >= threshold:
		s.Status = HealthFailed
	case degraded > 0:
		s.Status = HealthDegraded
	}
	return s
}

// lastErrorLocked returns whichever of the discover and parse errors
// happened most recently. Caller must hold h.mu.
func (h *sourceHealth) lastErrorLocked() string {
	if h.lastDiscoverErr != "" && (h.lastParseErr == "" || h.lastDiscoverFail.After(h.lastParseFail)) {
		return h.lastDiscoverErr
	}
	return h.lastParseErr
}

// healthBook holds one sourceHealth per root profile.
type healthBook struct {
	mu        sync.Mutex
	threshold int
	sources   map[string]*sourceHealth
}

func newHealthBook(threshold int) *healthBook {
	if threshold <= 0 {
		threshold = 1
	}
	return &healthBook{threshold: threshold, sources: make(map[string]*sourceHealth)}
}

func (b *healthBook) source(profile string) *sourceHealth {
	b.mu.Lock()
	defer b.mu.Unlock()
	h, ok := b.sources[profile]
	if !ok {
		h = newSourceHealth()
		b.sources[profile] = h
	}
	return h
}

func (b *healthBook) snapshot() []SourceHealth {
	b.mu.Lock()
	profiles := make([]string, 0, len(b.sources))
	for p := range b.sources {
		profiles = append(profiles, p)
	}
	b.mu.Unlock()

	slices.Sort(profiles)
	out := make([]SourceHealth, 0, len(profiles))
	for _, p := range profiles {
		out = append(out, b.source(p).snapshot(p, b.threshold))
	}
	return out
}
