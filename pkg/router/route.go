package router

import (
	"sync/atomic"

	"mercator-hq/saturn/pkg/config"
	"mercator-hq/saturn/pkg/sip"
)

// Route is a matched route table entry.
type Route interface {
	// ClusterName names the upstream cluster.
	ClusterName() string

	// MetadataMatchCriteria returns the subset criteria forwarded to the
	// load balancer, nil when unset.
	MetadataMatchCriteria() map[string]string
}

// routeEntry is one immutable route table entry matching on domain.
type routeEntry struct {
	domain        string
	cluster       string
	metadataMatch map[string]string
}

func (e *routeEntry) ClusterName() string { return e.cluster }

func (e *routeEntry) MetadataMatchCriteria() map[string]string { return e.metadataMatch }

// matches tests the entry against a message's routing domain (msg.Domain):
// the configured domain parameter when present, else the top Route domain
// when present, else the Request-URI host.
func (e *routeEntry) matches(msg *sip.Message) bool {
	if e.domain == "*" {
		return true
	}
	domain, ok := msg.Domain()
	return ok && domain == e.domain
}

// RouteMatcher resolves messages against the route table. The table is an
// immutable snapshot swapped atomically on reload, so lookups never block.
type RouteMatcher struct {
	entries atomic.Pointer[[]*routeEntry]
}

// NewRouteMatcher builds the matcher from configuration.
func NewRouteMatcher(cfg config.RouteConfig) *RouteMatcher {
	m := &RouteMatcher{}
	m.Update(cfg)
	return m
}

// Update swaps in a new route table.
func (m *RouteMatcher) Update(cfg config.RouteConfig) {
	entries := make([]*routeEntry, 0, len(cfg.Routes))
	for _, rc := range cfg.Routes {
		entries = append(entries, &routeEntry{
			domain:        rc.Match.Domain,
			cluster:       rc.Route.Cluster,
			metadataMatch: rc.Route.MetadataMatch,
		})
	}
	m.entries.Store(&entries)
}

// Route returns the first matching entry, nil when none matches.
func (m *RouteMatcher) Route(msg *sip.Message) Route {
	for _, entry := range *m.entries.Load() {
		if entry.matches(msg) {
			return entry
		}
	}
	return nil
}
