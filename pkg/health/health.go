package health

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Status is the outcome of one probe or of all of them together.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// CheckFunc probes one dependency
type CheckFunc func(ctx context.Context) error

// Check represents a single health check result
type Check struct {
	Name        string    `json:"name"`
	Status      Status    `json:"status"`
	Message     string    `json:"message"`
	LastChecked time.Time `json:"last_checked"`
}

// Checker holds the registered probes and their latest results
type Checker struct {
	mu          sync.RWMutex
	probes      map[string]CheckFunc
	checks      map[string]*Check
	lastHealthy time.Time
	timeout     time.Duration
	now         func() time.Time
}

// NewChecker creates a checker whose probes each get at most timeout to answer
func NewChecker(timeout time.Duration) *Checker {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Checker{
		probes:      make(map[string]CheckFunc),
		checks:      make(map[string]*Check),
		lastHealthy: time.Now(),
		timeout:     timeout,
		now:         time.Now,
	}
}

// Register adds a named probe. Registering a name twice replaces the probe.
func (c *Checker) Register(name string, fn CheckFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.probes[name] = fn
}

// RunCheck executes a health check and updates the status
func (c *Checker) RunCheck(ctx context.Context, name string, checkFunc CheckFunc) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	status := StatusHealthy
	message := "OK"
	if err := checkFunc(ctx); err != nil {
		status = StatusUnhealthy
		message = err.Error()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.checks[name] = &Check{
		Name:        name,
		Status:      status,
		Message:     message,
		LastChecked: c.now(),
	}

	if c.isHealthy() {
		c.lastHealthy = c.now()
	}
}

// RunAll executes every registered probe concurrently and returns the overall status.
func (c *Checker) RunAll(ctx context.Context) Status {
	c.mu.RLock()
	probes := make(map[string]CheckFunc, len(c.probes))
	for name, fn := range c.probes {
		probes[name] = fn
	}
	c.mu.RUnlock()

	var wg sync.WaitGroup
	for name, fn := range probes {
		wg.Add(1)
		go func(name string, fn CheckFunc) {
			defer wg.Done()
			c.RunCheck(ctx, name, fn)
		}(name, fn)
	}
	wg.Wait()
	return c.GetOverallStatus()
}

// GetOverallStatus is healthy when every check passed, unhealthy when all failed and
// degraded in between.
func (c *Checker) GetOverallStatus() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if len(c.checks) == 0 {
		return StatusHealthy
	}

	unhealthyCount := 0
	for _, check := range c.checks {
		if check.Status == StatusUnhealthy {
			unhealthyCount++
		}
	}

	if unhealthyCount == 0 {
		return StatusHealthy
	} else if unhealthyCount < len(c.checks) {
		return StatusDegraded
	}

	return StatusUnhealthy
}

// GetAllChecks returns all health check results ordered by name
func (c *Checker) GetAllChecks() []Check {
	c.mu.RLock()
	defer c.mu.RUnlock()

	checks := make([]Check, 0, len(c.checks))
	for _, check := range c.checks {
		checks = append(checks, *check)
	}
	sort.Slice(checks, func(i, j int) bool { return checks[i].Name < checks[j].Name })
	return checks
}

// GetLastHealthyTime returns the last time all checks were healthy
func (c *Checker) GetLastHealthyTime() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastHealthy
}

func (c *Checker) isHealthy() bool {
	for _, check := range c.checks {
		if check.Status != StatusHealthy {
			return false
		}
	}
	return true
}
