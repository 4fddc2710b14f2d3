// Package health reports whether the store and the message broker are reachable.
package health

import (
	"context"
	"fmt"
	"time"
)

// Status values reported by Check.
const (
	StatusOK       = "ok"
	StatusDegraded = "degraded"

	Connected    = "connected"
	Disconnected = "disconnected"
	// NotConfigured is reported for the broker when the process has no subscriber.
	NotConfigured = "not_configured"
)

const checkTimeout = 3 * time.Second

// StoreChecker is implemented by repository.Store.
type StoreChecker interface {
	HealthCheck(ctx context.Context) error
}

// BrokerState is implemented by source.MQTTSubscriber.
type BrokerState interface {
	Connected() bool
}

// Report is the health payload.
type Report struct {
	Status    string    `json:"status"`
	Database  string    `json:"database"`
	Broker    string    `json:"broker"`
	Uptime    string    `json:"uptime"`
	Timestamp time.Time `json:"timestamp"`
}

// Healthy reports whether every dependency is reachable.
func (r Report) Healthy() bool {
	return r.Status == StatusOK
}

// Checker combines dependency checks into one Report.
type Checker struct {
	store   StoreChecker
	broker  BrokerState
	started time.Time
	now     func() time.Time
}

// NewChecker returns a Checker. broker may be nil when no subscriber runs in this process.
func NewChecker(store StoreChecker, broker BrokerState) *Checker {
	return &Checker{store: store, broker: broker, started: time.Now(), now: time.Now}
}

// Check probes the store and reads the broker connection state.
func (c *Checker) Check(ctx context.Context) Report {
	now := c.now()
	r := Report{
		Status:    StatusOK,
		Database:  Connected,
		Broker:    NotConfigured,
		Uptime:    fmt.Sprintf("%.1fs", now.Sub(c.started).Seconds()),
		Timestamp: now.UTC(),
	}

	if c.store == nil {
		r.Database = Disconnected
	} else {
		ctx, cancel := context.WithTimeout(ctx, checkTimeout)
		err := c.store.HealthCheck(ctx)
		cancel()
		if err != nil {
			r.Database = Disconnected
		}
	}
	if c.broker != nil {
		r.Broker = Connected
		if !c.broker.Connected() {
			r.Broker = Disconnected
		}
	}
	if r.Database != Connected || r.Broker == Disconnected {
		r.Status = StatusDegraded
	}
	return r
}
