package router

import (
	"testing"

	"mercator-hq/saturn/pkg/config"
)

func routeConfig(entries ...config.RouteEntryConfig) config.RouteConfig {
	return config.RouteConfig{Routes: entries}
}

func entry(domain, cluster string) config.RouteEntryConfig {
	return config.RouteEntryConfig{
		Match: config.RouteMatchConfig{Domain: domain},
		Route: config.RouteActionConfig{Cluster: cluster},
	}
}

func TestRouteMatcherDomain(t *testing.T) {
	m := NewRouteMatcher(routeConfig(
		entry("ex.com", "c1"),
		entry("other.com", "c2"),
	))

	tests := []struct {
		name        string
		msg         string
		wantCluster string
		wantNil     bool
	}{
		{
			name:        "request uri domain",
			msg:         testInvite,
			wantCluster: "c1",
		},
		{
			name: "top route domain wins",
			msg: "INVITE sip:alice@ex.com SIP/2.0\n" +
				"Via: SIP/2.0/TCP d;branch=z9hG4bK-1\n" +
				"Route: <sip:other.com>\n" +
				"Content-Length: 0\n\n",
			wantCluster: "c2",
		},
		{
			name: "no match",
			msg: "INVITE sip:alice@nowhere.net SIP/2.0\n" +
				"Via: SIP/2.0/TCP d;branch=z9hG4bK-1\n" +
				"Content-Length: 0\n\n",
			wantNil: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := decodeMessage(t, tt.msg)
			route := m.Route(msg)
			if tt.wantNil {
				if route != nil {
					t.Errorf("Route() = %v, want nil", route)
				}
				return
			}
			if route == nil {
				t.Fatal("Route() = nil")
			}
			if route.ClusterName() != tt.wantCluster {
				t.Errorf("ClusterName() = %q, want %q", route.ClusterName(), tt.wantCluster)
			}
		})
	}
}

func TestRouteMatcherWildcard(t *testing.T) {
	m := NewRouteMatcher(routeConfig(
		entry("ex.com", "c1"),
		entry("*", "fallback"),
	))

	msg := decodeMessage(t, "OPTIONS sip:anything.net SIP/2.0\n"+
		"Via: SIP/2.0/TCP d;branch=z9hG4bK-1\nContent-Length: 0\n\n")
	route := m.Route(msg)
	if route == nil || route.ClusterName() != "fallback" {
		t.Errorf("Route() = %v, want fallback cluster", route)
	}
}

func TestRouteMatcherFirstMatchWins(t *testing.T) {
	m := NewRouteMatcher(routeConfig(
		entry("ex.com", "first"),
		entry("ex.com", "second"),
	))

	msg := decodeMessage(t, testInvite)
	if route := m.Route(msg); route.ClusterName() != "first" {
		t.Errorf("ClusterName() = %q, want first", route.ClusterName())
	}
}

func TestRouteMatcherUpdate(t *testing.T) {
	m := NewRouteMatcher(routeConfig(entry("ex.com", "c1")))

	msg := decodeMessage(t, testInvite)
	if route := m.Route(msg); route.ClusterName() != "c1" {
		t.Fatalf("ClusterName() = %q, want c1", route.ClusterName())
	}

	m.Update(routeConfig(entry("ex.com", "c9")))
	if route := m.Route(msg); route.ClusterName() != "c9" {
		t.Errorf("ClusterName() after update = %q, want c9", route.ClusterName())
	}

	m.Update(routeConfig())
	if route := m.Route(msg); route != nil {
		t.Errorf("Route() after clearing table = %v, want nil", route)
	}
}

func TestRouteMetadataMatch(t *testing.T) {
	m := NewRouteMatcher(config.RouteConfig{Routes: []config.RouteEntryConfig{{
		Match: config.RouteMatchConfig{Domain: "ex.com"},
		Route: config.RouteActionConfig{Cluster: "c1", MetadataMatch: map[string]string{"env": "prod"}},
	}}})

	msg := decodeMessage(t, testInvite)
	route := m.Route(msg)
	if route.MetadataMatchCriteria()["env"] != "prod" {
		t.Errorf("MetadataMatchCriteria() = %v", route.MetadataMatchCriteria())
	}
}
