package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

const envPrefix = "UMLEITUNG_"

type envBinding struct {
	name  string
	apply func(cfg *Config, value string) error
}

func envString(set func(cfg *Config, v string)) func(*Config, string) error {
	return func(cfg *Config, v string) error {
		set(cfg, v)
		return nil
	}
}

func envInt(set func(cfg *Config, v int)) func(*Config, string) error {
	return func(cfg *Config, v string) error {
		i, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return err
		}
		set(cfg, i)
		return nil
	}
}

func envBool(set func(cfg *Config, v bool)) func(*Config, string) error {
	return func(cfg *Config, v string) error {
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return err
		}
		set(cfg, b)
		return nil
	}
}

var envBindings = []envBinding{
	{"LISTENADDRESS", envString(func(c *Config, v string) { c.ListenAddress = v })},
	{"TIMEOUTSECONDS", envInt(func(c *Config, v int) { c.TimeoutSeconds = v })},
	{"MAXCONCURRENTCONNECTIONS", envInt(func(c *Config, v int) { c.MaxConcurrentConnections = v })},
	{"UPSTREAMINSECURE", envBool(func(c *Config, v bool) { c.UpstreamInsecure = v })},
	{"API_LISTENADDRESS", envString(func(c *Config, v string) { c.API.ListenAddress = v })},
	{"API_USERNAME", envString(func(c *Config, v string) { c.API.Username = v })},
	{"API_PASSWORD", envString(func(c *Config, v string) { c.API.Password = v })},
	{"API_JWTSECRET", envString(func(c *Config, v string) { c.API.JWTSecret = v })},
	{"CA_CERTFILE", envString(func(c *Config, v string) { c.CA.CertFile = v })},
	{"CA_KEYFILE", envString(func(c *Config, v string) { c.CA.KeyFile = v })},
	{"CA_KEYPASSWORD", envString(func(c *Config, v string) { c.CA.KeyPassword = v })},
	{"STORAGE_TYPE", envString(func(c *Config, v string) { c.Storage.Type = StorageType(v) })},
	{"STORAGE_PATH", envString(func(c *Config, v string) { c.Storage.Path = v })},
	{"STORAGE_DSN", envString(func(c *Config, v string) { c.Storage.DSN = v })},
	{"RECORDING", envBool(func(c *Config, v bool) { c.App.Recording = v })},
	{"SSLCAPTURE", envBool(func(c *Config, v bool) { c.App.SSLCapture = v })},
	{"INCLUDEDOMAINS", envString(func(c *Config, v string) { c.App.IncludeDomains, _ = parseStringList(v) })},
	{"EXCLUDEDOMAINS", envString(func(c *Config, v string) { c.App.ExcludeDomains, _ = parseStringList(v) })},
	{"MAXLOGSIZE", envInt(func(c *Config, v int) { c.App.MaxLogSize = v })},
	{"CLEARLOGSIZE", envInt(func(c *Config, v int) { c.App.ClearLogSize = v })},
	{"LOG_LEVEL", envString(func(c *Config, v string) { c.Log.Level = v })},
	{"LOG_FILE", envString(func(c *Config, v string) { c.Log.File = v })},
	{"METRICS", envBool(func(c *Config, v bool) { c.Metrics.Enabled = v })},
}

// loadConfigFromEnv applies UMLEITUNG_* overrides. Malformed values are
// reported on stderr and ignored.
func loadConfigFromEnv(cfg *Config) {
	for _, b := range envBindings {
		name := envPrefix + b.name
		value := os.Getenv(name)
		if value == "" {
			continue
		}
		if err := b.apply(cfg, value); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: Invalid format for %s: %s\n", name, value)
		}
	}
}
