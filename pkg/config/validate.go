package config

import (
	"fmt"
	"net"
	"strings"

	"github.com/robfig/cron/v3"
)

// affinityKeyNames are the metadata fields an affinity entry may key on.
var affinityKeyNames = map[string]bool{
	"ep":       true,
	"opaque":   true,
	"p-cookie": true,
}

// Validate checks the configuration for consistency. It returns the first
// error found.
func Validate(cfg *Config) error {
	if cfg.Proxy.ListenAddress == "" {
		return fmt.Errorf("proxy.listen_address must not be empty")
	}
	if _, _, err := net.SplitHostPort(cfg.Proxy.ListenAddress); err != nil {
		return fmt.Errorf("proxy.listen_address %q is not host:port: %w", cfg.Proxy.ListenAddress, err)
	}

	for i, entry := range cfg.Settings.CustomizedAffinity {
		if entry.Type == "" {
			return fmt.Errorf("settings.customized_affinity[%d].type must not be empty", i)
		}
		if !affinityKeyNames[entry.KeyName] {
			return fmt.Errorf("settings.customized_affinity[%d].key_name %q is not one of %s",
				i, entry.KeyName, strings.Join(sortedKeys(affinityKeyNames), ", "))
		}
	}

	for i, route := range cfg.RouteConfig.Routes {
		if route.Match.Domain == "" {
			return fmt.Errorf("route_config.routes[%d].match.domain must not be empty", i)
		}
		if route.Route.Cluster == "" {
			return fmt.Errorf("route_config.routes[%d].route.cluster must not be empty", i)
		}
		if _, ok := cfg.Clusters[route.Route.Cluster]; !ok {
			return fmt.Errorf("route_config.routes[%d] references unknown cluster %q", i, route.Route.Cluster)
		}
	}

	for name, cluster := range cfg.Clusters {
		if len(cluster.Hosts) == 0 {
			return fmt.Errorf("clusters.%s.hosts must not be empty", name)
		}
		for _, host := range cluster.Hosts {
			if _, _, err := net.SplitHostPort(host); err != nil {
				return fmt.Errorf("clusters.%s host %q is not host:port: %w", name, host, err)
			}
		}
	}

	if cfg.CDR.Enabled && cfg.CDR.PruneSchedule != "" {
		if _, err := cron.ParseStandard(cfg.CDR.PruneSchedule); err != nil {
			return fmt.Errorf("cdr.prune_schedule %q is not a valid cron expression: %w", cfg.CDR.PruneSchedule, err)
		}
	}

	if ratio := cfg.Telemetry.Tracing.SampleRatio; ratio < 0 || ratio > 1 {
		return fmt.Errorf("telemetry.tracing.sample_ratio %v must be in [0, 1]", ratio)
	}

	return nil
}

func sortedKeys(m map[string]bool) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && keys[j] < keys[j-1]; j-- {
			keys[j], keys[j-1] = keys[j-1], keys[j]
		}
	}
	return keys
}
