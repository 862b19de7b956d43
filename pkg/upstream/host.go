// Package upstream provides the cluster manager, load balancing and the
// asynchronous TCP connection pool the router draws upstream connections
// from. The manager's API is thread-safe; everything handed to a worker
// (pending connects, connection data) is pinned to that worker's loop.
package upstream

import (
	"sync/atomic"
)

// Host is one upstream endpoint of a cluster.
type Host struct {
	address string
	healthy atomic.Bool
}

// NewHost creates a healthy host with the given host:port address.
func NewHost(address string) *Host {
	h := &Host{address: address}
	h.healthy.Store(true)
	return h
}

// Address returns the host:port address.
func (h *Host) Address() string { return h.address }

// Healthy reports whether the host is eligible for selection.
func (h *Host) Healthy() bool { return h.healthy.Load() }

// SetHealthy marks the host eligible or ineligible for selection.
func (h *Host) SetHealthy(v bool) { h.healthy.Store(v) }
