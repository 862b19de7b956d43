package upstream

import (
	"fmt"
	"sync/atomic"
	"time"

	"mercator-hq/saturn/pkg/config"
)

// LoadBalancerContext lets the caller of ChooseHost steer selection. The
// router implements it to pin selection to an affinity destination and to
// forward route-level metadata-match criteria.
type LoadBalancerContext interface {
	// ShouldSelectAnotherHost returns true when the candidate must be
	// rejected and the balancer should keep looking.
	ShouldSelectAnotherHost(host *Host) bool

	// MetadataMatchCriteria returns the route's subset criteria, nil when
	// unset.
	MetadataMatchCriteria() map[string]string
}

// Cluster is one upstream cluster: a named host set with round-robin
// selection.
type Cluster struct {
	name            string
	hosts           []*Host
	connectTimeout  time.Duration
	maintenanceMode bool

	next atomic.Uint64
}

// NewCluster builds a cluster from configuration.
func NewCluster(name string, cfg config.ClusterConfig) *Cluster {
	hosts := make([]*Host, 0, len(cfg.Hosts))
	for _, addr := range cfg.Hosts {
		hosts = append(hosts, NewHost(addr))
	}
	return &Cluster{
		name:            name,
		hosts:           hosts,
		connectTimeout:  cfg.ConnectTimeout,
		maintenanceMode: cfg.MaintenanceMode,
	}
}

// Name returns the cluster name.
func (c *Cluster) Name() string { return c.name }

// Hosts returns the cluster's hosts.
func (c *Cluster) Hosts() []*Host { return c.hosts }

// MaintenanceMode reports whether the cluster refuses traffic.
func (c *Cluster) MaintenanceMode() bool { return c.maintenanceMode }

// ConnectTimeout bounds an upstream TCP connect.
func (c *Cluster) ConnectTimeout() time.Duration { return c.connectTimeout }

// ChooseHost selects a healthy host round-robin, honoring the context's
// rejection predicate. Returns nil when no host is selectable.
func (c *Cluster) ChooseHost(ctx LoadBalancerContext) *Host {
	n := len(c.hosts)
	if n == 0 {
		return nil
	}
	start := c.next.Add(1) - 1
	for i := 0; i < n; i++ {
		host := c.hosts[(start+uint64(i))%uint64(n)]
		if !host.Healthy() {
			continue
		}
		if ctx != nil && ctx.ShouldSelectAnotherHost(host) {
			continue
		}
		return host
	}
	return nil
}

// Manager owns every configured cluster. Immutable after construction; safe
// for use from any worker.
type Manager struct {
	clusters map[string]*Cluster
}

// NewManager builds the cluster set from configuration.
func NewManager(cfgs map[string]config.ClusterConfig) *Manager {
	clusters := make(map[string]*Cluster, len(cfgs))
	for name, cfg := range cfgs {
		clusters[name] = NewCluster(name, cfg)
	}
	return &Manager{clusters: clusters}
}

// Get returns the named cluster.
func (m *Manager) Get(name string) (*Cluster, error) {
	c, ok := m.clusters[name]
	if !ok {
		return nil, fmt.Errorf("unknown cluster %q", name)
	}
	return c, nil
}
