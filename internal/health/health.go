// Package health implements the health-check logic behind GET /health
// (spec §6): façade reachability plus the scheduler's own monitor
// status, combined into one overall verdict. Adapted from the teacher's
// Checker, which probed IBM IAM auth and a specific Cloud Logs endpoint;
// generalized here to the two checks this domain's control surface
// actually has available.
package health

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/obs-ai/agent/internal/facade"
	"github.com/obs-ai/agent/internal/model"
)

// Status is the closed health-check verdict set.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// Check is one named health-check result.
type Check struct {
	Name      string        `json:"name"`
	Status    Status        `json:"status"`
	Message   string        `json:"message,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
	Duration  time.Duration `json:"duration"`
}

// StateProvider supplies the scheduler's current monitoring state
// without the health package depending on internal/scheduler directly
// (avoids an import cycle and keeps this package's dependency surface
// to just what it checks).
type StateProvider func() model.MonitoringState

// Checker performs the two checks behind GET /health: the log-store
// façade is reachable, and the monitor loop itself reports healthy.
type Checker struct {
	facade facade.Facade
	state  StateProvider
	logger *zap.Logger
}

// New builds a health checker over f (the log-store façade) and
// stateFn (the scheduler's state accessor).
func New(f facade.Facade, stateFn StateProvider, logger *zap.Logger) *Checker {
	return &Checker{facade: f, state: stateFn, logger: logger}
}

// CheckAll runs every check and folds them into one overall Status:
// unhealthy if any check is unhealthy, else degraded if any is degraded,
// else healthy.
func (c *Checker) CheckAll(ctx context.Context) (Status, []Check) {
	checks := []Check{
		c.checkFacade(ctx),
		c.checkMonitor(),
	}

	overall := StatusHealthy
	for _, check := range checks {
		if check.Status == StatusUnhealthy {
			overall = StatusUnhealthy
			break
		}
		if check.Status == StatusDegraded && overall == StatusHealthy {
			overall = StatusDegraded
		}
	}
	return overall, checks
}

func (c *Checker) checkFacade(ctx context.Context) Check {
	start := time.Now()
	check := Check{Name: "log_store", Timestamp: start}

	checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if c.facade.Healthy(checkCtx) {
		check.Status = StatusHealthy
		check.Message = "log store reachable"
	} else {
		check.Status = StatusUnhealthy
		check.Message = "log store unreachable"
		c.logger.Warn("health check failed: log store")
	}
	check.Duration = time.Since(start)
	return check
}

func (c *Checker) checkMonitor() Check {
	start := time.Now()
	check := Check{Name: "monitor", Timestamp: start}

	st := c.state()
	switch st.Status {
	case model.MonitoringHealthy:
		check.Status = StatusHealthy
		check.Message = "monitor loop healthy"
	case model.MonitoringDegraded:
		check.Status = StatusDegraded
		check.Message = "monitor loop degraded"
	case model.MonitoringInitializing:
		check.Status = StatusDegraded
		check.Message = "monitor loop still initializing"
	default:
		check.Status = StatusUnhealthy
		check.Message = fmt.Sprintf("monitor loop status: %s", st.Status)
	}
	check.Duration = time.Since(start)
	return check
}
