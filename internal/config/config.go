// Package config loads runtime configuration from the environment and
// hosted-device definitions from YAML files.
package config

import (
	"os"
	"strconv"
	"strings"
)

// Config holds the runtime configuration shared by the host and
// control-point composers.
type Config struct {
	Host string
	Port string

	// SSDP settings.
	SSDPMaxAgeSec        int
	SSDPSearchMX         int
	SSDPSearchPasses     int
	SSDPPassIntervalMs   int
	SSDPRescanIntervalMs int
	ServerToken          string

	// SOAP settings.
	SoapTimeoutMs int

	// GENA settings.
	SubscriptionTimeoutSec int
	AutoSubscribe          bool

	// Control-point persistence; empty disables the registry.
	RegistryDBPath string

	// Event bridge; false disables the websocket endpoint.
	BridgeEnabled bool
}

// Load reads configuration from environment variables with defaults.
func Load() (Config, error) {
	return Config{
		Host:                   envString("UPNP_HOST", "0.0.0.0"),
		Port:                   envString("UPNP_PORT", "9100"),
		SSDPMaxAgeSec:          envInt("UPNP_SSDP_MAX_AGE_SEC", 1800),
		SSDPSearchMX:           envInt("UPNP_SSDP_SEARCH_MX", 2),
		SSDPSearchPasses:       envInt("UPNP_SSDP_SEARCH_PASSES", 3),
		SSDPPassIntervalMs:     envInt("UPNP_SSDP_PASS_INTERVAL_MS", 2000),
		SSDPRescanIntervalMs:   envInt("UPNP_SSDP_RESCAN_INTERVAL_MS", 60000),
		ServerToken:            envString("UPNP_SERVER_TOKEN", ""),
		SoapTimeoutMs:          envInt("UPNP_SOAP_TIMEOUT_MS", 30000),
		SubscriptionTimeoutSec: envInt("UPNP_SUBSCRIPTION_TIMEOUT", 1800),
		AutoSubscribe:          envBool("UPNP_AUTO_SUBSCRIBE", true),
		RegistryDBPath:         envString("UPNP_REGISTRY_DB_PATH", ""),
		BridgeEnabled:          envBool("UPNP_BRIDGE_ENABLED", false),
	}, nil
}

func envString(key, fallback string) string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return val
}

func envInt(key string, fallback int) int {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(val)
	if err != nil {
		return fallback
	}
	return parsed
}

func envBool(key string, fallback bool) bool {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return strings.EqualFold(val, "true")
}
