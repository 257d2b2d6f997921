package handlers

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

const (
	statusHealthy   = "healthy"
	statusDegraded  = "degraded"
	statusUnhealthy = "unhealthy"
)

// Probe returns nil when the dependency is usable.
type Probe func(ctx context.Context) error

type check struct {
	name     string
	probe    Probe
	critical bool
}

// HealthHandler runs the registered probes. A failing critical probe makes the service
// unhealthy; any other failure only degrades it.
type HealthHandler struct {
	version string
	timeout time.Duration
	checks  []check
}

func NewHealthHandler(version string) *HealthHandler {
	return &HealthHandler{version: version, timeout: 5 * time.Second}
}

func (h *HealthHandler) AddCheck(name string, probe Probe, critical bool) *HealthHandler {
	h.checks = append(h.checks, check{name: name, probe: probe, critical: critical})
	return h
}

func (h *HealthHandler) HealthCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), h.timeout)
	defer cancel()

	var mu sync.Mutex
	var wg sync.WaitGroup
	checks := make(map[string]string, len(h.checks))
	overallStatus := statusHealthy

	for _, chk := range h.checks {
		wg.Add(1)
		go func(chk check) {
			defer wg.Done()
			status := statusHealthy
			if err := chk.probe(ctx); err != nil {
				status = statusDegraded
				if chk.critical {
					status = statusUnhealthy
				}
			}

			mu.Lock()
			defer mu.Unlock()
			checks[chk.name] = status
			switch {
			case status == statusUnhealthy:
				overallStatus = statusUnhealthy
			case status == statusDegraded && overallStatus == statusHealthy:
				overallStatus = statusDegraded
			}
		}(chk)
	}
	wg.Wait()

	statusCode := http.StatusOK
	if overallStatus == statusUnhealthy {
		statusCode = http.StatusServiceUnavailable
	}

	c.JSON(statusCode, gin.H{
		"status":    overallStatus,
		"timestamp": time.Now().Format(time.RFC3339),
		"checks":    checks,
		"version":   h.version,
	})
}
