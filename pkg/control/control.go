// Package control is the port through which validator processes are
// stopped, started and probed.
package control

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrControlPort wraps every failure reported by a node-control implementation
var ErrControlPort = errors.New("node control failure")

// HealthStatus is the result of probing a node
type HealthStatus struct {
	Healthy bool   `json:"healthy"`
	Reason  string `json:"reason,omitempty"`
}

// NodeControl manages validator processes
type NodeControl interface {
	Stop(ctx context.Context, nodeID string) (bool, error)
	Start(ctx context.Context, nodeID string) (bool, error)
	HealthCheck(ctx context.Context, nodeID string) (HealthStatus, error)
}

// Timeouts bounds every call to a NodeControl
type Timeouts struct {
	Control time.Duration
	Health  time.Duration
}

// DefaultTimeouts returns 30s for stop/start and 5s for health probes
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Control: 30 * time.Second,
		Health:  5 * time.Second,
	}
}

type timeoutControl struct {
	next     NodeControl
	timeouts Timeouts
}

// WithTimeouts decorates next so no call outlives its timeout. A health
// probe that times out or errors is reported as unhealthy, not as an error.
func WithTimeouts(next NodeControl, t Timeouts) NodeControl {
	return &timeoutControl{next: next, timeouts: t}
}

func (c *timeoutControl) Stop(ctx context.Context, nodeID string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeouts.Control)
	defer cancel()

	ok, err := c.next.Stop(ctx, nodeID)
	if err != nil {
		return false, wrap("stop", nodeID, err)
	}
	return ok, nil
}

func (c *timeoutControl) Start(ctx context.Context, nodeID string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeouts.Control)
	defer cancel()

	ok, err := c.next.Start(ctx, nodeID)
	if err != nil {
		return false, wrap("start", nodeID, err)
	}
	return ok, nil
}

func (c *timeoutControl) HealthCheck(ctx context.Context, nodeID string) (HealthStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeouts.Health)
	defer cancel()

	status, err := c.next.HealthCheck(ctx, nodeID)
	if err != nil {
		return HealthStatus{Healthy: false, Reason: fmt.Sprintf("health check failed: %v", err)}, nil
	}
	return status, nil
}

func wrap(op, nodeID string, err error) error {
	if errors.Is(err, ErrControlPort) {
		return fmt.Errorf("%s %s: %w", op, nodeID, err)
	}
	return fmt.Errorf("%s %s: %w: %w", op, nodeID, ErrControlPort, err)
}
