package repositories

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	domain "github.com/hanko-field/cartengine/internal/domain"
)

// DependencyCheck probes one backing service during readiness.
type DependencyCheck struct {
	Name string
	// Timeout bounds the probe; zero uses the repository default.
	Timeout time.Duration
	// Critical marks dependencies carts cannot be served without.
	Critical bool
	Check    func(context.Context) error
}

// DependencyHealthOption customises NewDependencyHealthRepository.
type DependencyHealthOption func(*dependencyProber)

func WithDependencyTimeout(timeout time.Duration) DependencyHealthOption {
	return func(p *dependencyProber) {
		if timeout > 0 {
			p.timeout = timeout
		}
	}
}

func WithDependencyClock(clock func() time.Time) DependencyHealthOption {
	return func(p *dependencyProber) {
		if clock != nil {
			p.clock = clock
		}
	}
}

type dependencyProber struct {
	checks  []DependencyCheck
	timeout time.Duration
	clock   func() time.Time
}

// NewDependencyHealthRepository probes checks concurrently on every Collect. Names must be unique
// and non-empty.
func NewDependencyHealthRepository(checks []DependencyCheck, opts ...DependencyHealthOption) (HealthRepository, error) {
	if len(checks) == 0 {
		return nil, errors.New("health repository: no dependency checks")
	}
	names := make(map[string]bool, len(checks))
	normalised := make([]DependencyCheck, len(checks))
	for i, check := range checks {
		check.Name = strings.TrimSpace(check.Name)
		switch {
		case check.Name == "":
			return nil, fmt.Errorf("health repository: check %d has no name", i)
		case check.Check == nil:
			return nil, fmt.Errorf("health repository: check %s has no probe", check.Name)
		case names[check.Name]:
			return nil, fmt.Errorf("health repository: check %s registered twice", check.Name)
		}
		names[check.Name] = true
		normalised[i] = check
	}

	p := &dependencyProber{checks: normalised, timeout: 1500 * time.Millisecond, clock: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p, nil
}

// Collect never fails because a dependency does; failures are reported per check. A failing
// critical check makes the report an error, any other failure makes it degraded.
func (p *dependencyProber) Collect(ctx context.Context) (domain.SystemHealthReport, error) {
	results := make([]domain.SystemHealthCheck, len(p.checks))
	var g errgroup.Group
	for i, check := range p.checks {
		g.Go(func() error {
			results[i] = p.probe(ctx, check)
			return nil
		})
	}
	_ = g.Wait()

	report := domain.SystemHealthReport{
		Status:      domain.HealthStatusOK,
		Checks:      make(map[string]domain.SystemHealthCheck, len(results)),
		GeneratedAt: p.clock(),
	}
	for i, result := range results {
		report.Checks[p.checks[i].Name] = result
		if result.Status == domain.HealthStatusOK {
			continue
		}
		if result.Critical {
			report.Status = domain.HealthStatusError
		} else if report.Status == domain.HealthStatusOK {
			report.Status = domain.HealthStatusDegraded
		}
	}
	return report, nil
}

func (p *dependencyProber) probe(ctx context.Context, check DependencyCheck) domain.SystemHealthCheck {
	timeout := check.Timeout
	if timeout <= 0 {
		timeout = p.timeout
	}
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	started := p.clock()
	err := check.Check(probeCtx)
	if err == nil {
		// A probe that ignores its context may return nil after the deadline.
		err = probeCtx.Err()
	}
	finished := p.clock()

	result := domain.SystemHealthCheck{
		Status:    domain.HealthStatusOK,
		Critical:  check.Critical,
		Detail:    "ok",
		Latency:   finished.Sub(started),
		CheckedAt: finished,
	}
	if err == nil {
		return result
	}
	result.Status = domain.HealthStatusError
	result.Error = err.Error()
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		result.Detail = "timeout"
	case errors.Is(err, context.Canceled):
		result.Detail = "canceled"
	default:
		result.Detail = "unreachable"
	}
	return result
}
