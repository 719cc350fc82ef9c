package handlers

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/drfirst/go-rxrequest/internal/api/response"
	"github.com/drfirst/go-rxrequest/pkg/circuitbreaker"
)

// Check probes one dependency.
type Check func(ctx context.Context) error

// BreakerReporter lists circuit breaker states.
type BreakerReporter interface {
	GetHealthStatus() []circuitbreaker.HealthStatus
}

// HealthHandler serves liveness and readiness probes.
type HealthHandler struct {
	service  string
	version  string
	checks   map[string]Check
	breakers BreakerReporter
	timeout  time.Duration
}

func NewHealthHandler(service, version string, checks map[string]Check, breakers BreakerReporter) *HealthHandler {
	return &HealthHandler{
		service:  service,
		version:  version,
		checks:   checks,
		breakers: breakers,
		timeout:  2 * time.Second,
	}
}

// Health handles GET /health. It never touches dependencies.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	response.OK(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": h.service,
		"version": h.version,
	}, "")
}

type readiness struct {
	Status   string                        `json:"status"`
	Checks   map[string]string             `json:"checks"`
	Breakers []circuitbreaker.HealthStatus `json:"breakers,omitempty"`
}

// Ready handles GET /ready. Open notification breakers are reported but do
// not make the service unready.
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	results := make([]error, len(names))
	var wg sync.WaitGroup
	for i, name := range names {
		wg.Add(1)
		go func(i int, check Check) {
			defer wg.Done()
			results[i] = check(ctx)
		}(i, h.checks[name])
	}
	wg.Wait()

	body := readiness{Status: "ready", Checks: make(map[string]string, len(names))}
	ready := true
	for i, name := range names {
		if results[i] != nil {
			ready = false
			body.Checks[name] = results[i].Error()
			continue
		}
		body.Checks[name] = "ok"
	}
	if h.breakers != nil {
		body.Breakers = h.breakers.GetHealthStatus()
	}

	if !ready {
		body.Status = "not_ready"
		response.Write(w, http.StatusServiceUnavailable, response.Envelope{Success: false, Data: body, Message: "dependencies unavailable"})
		return
	}
	response.OK(w, http.StatusOK, body, "")
}
