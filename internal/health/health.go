// Package health runs dependency checks for /api/health and readiness.
package health

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrSkipped marks a dependency that is not configured. It does not fail
// the report.
var ErrSkipped = errors.New("not configured")

type CheckResult struct {
	Name      string `json:"name"`
	OK        bool   `json:"ok"`
	Skipped   bool   `json:"skipped,omitempty"`
	LatencyMS int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

type HealthStatus struct {
	OK        bool          `json:"ok"`
	Checks    []CheckResult `json:"checks"`
	CheckedAt time.Time     `json:"checked_at"`
}

func (h HealthStatus) String() string {
	status := "OK"
	if !h.OK {
		status = "FAIL"
	}
	s := fmt.Sprintf("Health: %s\n", status)
	for _, c := range h.Checks {
		mark := "✓"
		switch {
		case c.Skipped:
			mark = "-"
		case !c.OK:
			mark = "✗"
		}
		s += fmt.Sprintf("  %s %s (%dms)", mark, c.Name, c.LatencyMS)
		if c.Error != "" {
			s += fmt.Sprintf(" - %s", c.Error)
		}
		s += "\n"
	}
	return s
}

// Check probes one dependency.
type Check struct {
	Name string
	// Required checks gate readiness; the rest only show in the report.
	Required bool
	Fn       func(ctx context.Context) error
}

// CheckAll runs checks concurrently and returns the combined status.
func CheckAll(ctx context.Context, checks ...Check) HealthStatus {
	results := make([]CheckResult, len(checks))
	var wg sync.WaitGroup
	for i, c := range checks {
		wg.Add(1)
		go func(i int, c Check) {
			defer wg.Done()
			results[i] = run(ctx, c)
		}(i, c)
	}
	wg.Wait()

	allOK := true
	for i, r := range results {
		if !r.OK && checks[i].Required {
			allOK = false
		}
	}
	return HealthStatus{OK: allOK, Checks: results, CheckedAt: time.Now().UTC()}
}

func run(ctx context.Context, c Check) CheckResult {
	start := time.Now()
	result := CheckResult{Name: c.Name}
	err := c.Fn(ctx)
	result.LatencyMS = time.Since(start).Milliseconds()
	switch {
	case errors.Is(err, ErrSkipped):
		result.OK = true
		result.Skipped = true
		result.Error = err.Error()
	case err != nil:
		result.Error = err.Error()
	default:
		result.OK = true
	}
	return result
}
