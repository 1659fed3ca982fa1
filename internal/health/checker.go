// Package health probes the server's dependencies: the ledger and saved
// fits databases plus the configured try-on provider endpoints.
package health

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"
)

// Status represents the health status of a component.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// Pinger is a dependency with a connectivity probe. Both ledger backends and
// the saved fits store implement it.
type Pinger interface {
	Ping(ctx context.Context) error
}

// CheckResult holds the result of one probe.
type CheckResult struct {
	Status    Status        `json:"status"`
	Message   string        `json:"message,omitempty"`
	Latency   time.Duration `json:"latency_ms"`
	Timestamp time.Time     `json:"timestamp"`
	Error     string        `json:"error,omitempty"`
}

// Component is one probed dependency.
type Component struct {
	Name string `json:"name"`
	Type string `json:"type"` // database or http
	CheckResult
}

// Overall is the aggregated health of the system.
type Overall struct {
	Status     Status      `json:"status"`
	Timestamp  time.Time   `json:"timestamp"`
	Components []Component `json:"components"`
}

// Checker probes all registered dependencies.
type Checker struct {
	databases map[string]Pinger
	endpoints map[string]string

	dbTimeout          time.Duration
	httpTimeout        time.Duration
	maxDatabaseLatency time.Duration

	mu   sync.RWMutex
	last []Component
}

// Config holds health checker configuration.
type Config struct {
	// Databases maps a component name to its connectivity probe.
	Databases map[string]Pinger
	// Endpoints maps a component name to the base URL of an upstream
	// provider. Any HTTP response, including 4xx, counts as reachable.
	Endpoints map[string]string

	DBTimeout          time.Duration
	HTTPTimeout        time.Duration
	MaxDatabaseLatency time.Duration
}

// New creates a health checker.
func New(cfg Config) *Checker {
	if cfg.DBTimeout == 0 {
		cfg.DBTimeout = 2 * time.Second
	}
	if cfg.HTTPTimeout == 0 {
		cfg.HTTPTimeout = 5 * time.Second
	}
	if cfg.MaxDatabaseLatency == 0 {
		cfg.MaxDatabaseLatency = 100 * time.Millisecond
	}
	return &Checker{
		databases:          cfg.Databases,
		endpoints:          cfg.Endpoints,
		dbTimeout:          cfg.DBTimeout,
		httpTimeout:        cfg.HTTPTimeout,
		maxDatabaseLatency: cfg.MaxDatabaseLatency,
	}
}

// Check probes every dependency concurrently and returns the overall status.
func (c *Checker) Check(ctx context.Context) Overall {
	var wg sync.WaitGroup
	results := make(chan Component, len(c.databases)+len(c.endpoints))

	for name, db := range c.databases {
		wg.Add(1)
		go func(name string, db Pinger) {
			defer wg.Done()
			results <- c.checkDatabase(ctx, name, db)
		}(name, db)
	}
	for name, url := range c.endpoints {
		wg.Add(1)
		go func(name, url string) {
			defer wg.Done()
			results <- c.checkEndpoint(ctx, name, url)
		}(name, url)
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	components := make([]Component, 0, cap(results))
	for comp := range results {
		components = append(components, comp)
	}
	sort.Slice(components, func(i, j int) bool { return components[i].Name < components[j].Name })

	c.mu.Lock()
	c.last = components
	c.mu.Unlock()

	return c.overall(components)
}

// LastStatus returns the most recent check without probing again.
func (c *Checker) LastStatus() Overall {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.last) == 0 {
		return Overall{Status: StatusHealthy, Timestamp: time.Now()}
	}
	return c.overall(c.last)
}

func (c *Checker) checkDatabase(ctx context.Context, name string, db Pinger) Component {
	comp := Component{Name: name, Type: "database", CheckResult: CheckResult{Timestamp: time.Now()}}

	dbCtx, cancel := context.WithTimeout(ctx, c.dbTimeout)
	defer cancel()

	start := time.Now()
	err := db.Ping(dbCtx)
	comp.Latency = time.Since(start)

	if err != nil {
		comp.Status = StatusUnhealthy
		comp.Error = err.Error()
		comp.Message = "Database unreachable"
		return comp
	}
	if comp.Latency > c.maxDatabaseLatency {
		comp.Status = StatusDegraded
		comp.Message = fmt.Sprintf("High latency: %v", comp.Latency)
	} else {
		comp.Status = StatusHealthy
		comp.Message = "Connected"
	}
	return comp
}

func (c *Checker) checkEndpoint(ctx context.Context, name, baseURL string) Component {
	comp := Component{Name: name, Type: "http", CheckResult: CheckResult{Timestamp: time.Now()}}

	client := &http.Client{Timeout: c.httpTimeout}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL, nil)
	if err != nil {
		comp.Status = StatusUnhealthy
		comp.Error = err.Error()
		return comp
	}

	start := time.Now()
	resp, err := client.Do(req)
	comp.Latency = time.Since(start)

	if err != nil {
		comp.Status = StatusDegraded
		comp.Error = err.Error()
		comp.Message = "Endpoint unreachable"
		return comp
	}
	defer resp.Body.Close()

	// Any response counts as reachable; a 401 from an API root still means
	// the service is up.
	comp.Status = StatusHealthy
	comp.Message = fmt.Sprintf("Reachable (HTTP %d)", resp.StatusCode)
	return comp
}

// overall aggregates component statuses. A database failure is critical;
// an unreachable provider only degrades, the chain has fallbacks for that.
func (c *Checker) overall(components []Component) Overall {
	status := StatusHealthy
	criticalUnhealthy := false

	for _, comp := range components {
		switch comp.Status {
		case StatusUnhealthy:
			if comp.Type == "database" {
				criticalUnhealthy = true
			}
			if status == StatusHealthy {
				status = StatusDegraded
			}
		case StatusDegraded:
			if status == StatusHealthy {
				status = StatusDegraded
			}
		}
	}
	if criticalUnhealthy {
		status = StatusUnhealthy
	}

	return Overall{Status: status, Timestamp: time.Now(), Components: components}
}
