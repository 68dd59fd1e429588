package config

import (
	"fmt"
	"slices"
	"time"
)

// DNSType is the transport used to reach an upstream DNS server.
type DNSType string

const (
	DNSTypeUDP DNSType = "udp"
	DNSTypeTCP DNSType = "tcp"
	DNSTypeDoT DNSType = "dot"
)

// DNSServer is one upstream DNS server.
type DNSServer struct {
	Address        string
	Type           DNSType
	TimeoutSeconds int
	TLSHost        string // SNI and verification name for DoT, host of Address when empty
}

// Timeout defaults to 5 seconds.
func (s DNSServer) Timeout() time.Duration {
	if s.TimeoutSeconds <= 0 {
		return 5 * time.Second
	}
	return time.Duration(s.TimeoutSeconds) * time.Second
}

// DNSConfig selects the resolver for upstream host names. Without servers
// the system resolver is used.
type DNSConfig struct {
	Servers []DNSServer
}

func dnsConfigEqual(a, b DNSConfig) bool {
	return slices.Equal(a.Servers, b.Servers)
}

func parseDNS(section map[string]any) (DNSConfig, error) {
	var cfg DNSConfig
	raw, ok := section["servers"]
	if !ok {
		return cfg, nil
	}
	list, ok := raw.([]any)
	if !ok {
		return cfg, fmt.Errorf("dns.servers must be an array")
	}
	for i, item := range list {
		serverMap, ok := item.(map[string]any)
		if !ok {
			return cfg, fmt.Errorf("dns server at index %d must be an object", i)
		}
		var server DNSServer
		var serverType string
		if err := applyFields(serverMap, fmt.Sprintf("dns.servers[%d]", i), map[string]any{
			"address":         &server.Address,
			"type":            &serverType,
			"timeout-seconds": &server.TimeoutSeconds,
			"tls-host":        &server.TLSHost,
		}); err != nil {
			return cfg, err
		}
		if server.Address == "" {
			return cfg, fmt.Errorf("dns server at index %d requires an address", i)
		}
		switch t := DNSType(serverType); t {
		case "":
			server.Type = DNSTypeUDP
		case DNSTypeUDP, DNSTypeTCP, DNSTypeDoT:
			server.Type = t
		default:
			return cfg, fmt.Errorf("dns server at index %d: unsupported type %q", i, serverType)
		}
		cfg.Servers = append(cfg.Servers, server)
	}
	return cfg, nil
}
