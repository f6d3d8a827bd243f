package handlers

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/eldorplus/pki/pkg/logger"
)

// Check probes one dependency.
type Check func(ctx context.Context) error

// HealthHandler runs the registered dependency checks concurrently.
type HealthHandler struct {
	mu      sync.RWMutex
	checks  map[string]Check
	timeout time.Duration
	log     logger.Logger
}

// NewHealthHandler creates a handler with a per-probe timeout.
func NewHealthHandler(timeout time.Duration, log logger.Logger) *HealthHandler {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &HealthHandler{checks: map[string]Check{}, timeout: timeout, log: log.WithComponent("HealthHandler")}
}

// Add registers check under name.
func (h *HealthHandler) Add(name string, check Check) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks[name] = check
}

// Health reports 200 when every check passes and 503 otherwise.
func (h *HealthHandler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), h.timeout)
	defer cancel()

	h.mu.RLock()
	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	h.mu.RUnlock()
	sort.Strings(names)

	results := make(map[string]string, len(names))
	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for _, name := range names {
		h.mu.RLock()
		check := h.checks[name]
		h.mu.RUnlock()
		wg.Add(1)
		go func(name string, check Check) {
			defer wg.Done()
			status := "ok"
			if err := check(ctx); err != nil {
				status = "error: " + err.Error()
				h.log.Warn(ctx, "health check failed", logger.String("check", name), logger.Err(err))
			}
			mu.Lock()
			results[name] = status
			mu.Unlock()
		}(name, check)
	}
	wg.Wait()

	status, code := "healthy", http.StatusOK
	for _, r := range results {
		if r != "ok" {
			status, code = "unhealthy", http.StatusServiceUnavailable
			break
		}
	}
	c.JSON(code, gin.H{
		"status":    status,
		"timestamp": time.Now().UTC(),
		"checks":    results,
	})
}
