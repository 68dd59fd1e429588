package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/codefionn/umleitung/umleitung-srv/logger"
)

// StorageType selects the rule store persistence backend.
type StorageType string

const (
	StorageTypeMemory   StorageType = "memory"
	StorageTypeFile     StorageType = "file"
	StorageTypeSQLite   StorageType = "sqlite"
	StorageTypePostgres StorageType = "postgres"
)

// APIConfig configures the management API listener.
type APIConfig struct {
	ListenAddress string
	Username      string // API authentication is enabled when Username and Password are set
	Password      string
	JWTSecret     string // generated per process when empty
}

// CAConfig configures where the root CA lives and how a new one is generated.
type CAConfig struct {
	CertFile     string
	KeyFile      string
	KeyPassword  string // encrypts the key file as PKCS#8 when set
	Organization string
	ValidYears   int
}

// StorageConfig configures rule persistence.
type StorageConfig struct {
	Type StorageType
	Path string // file and sqlite backends
	DSN  string // postgres backend
}

// LogConfig configures the logger package.
type LogConfig struct {
	Level      string
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

type MetricsConfig struct {
	Enabled bool
}

// Config represents the main configuration of the proxy.
type Config struct {
	ListenAddress            string // proxy listener
	TimeoutSeconds           int
	MaxConcurrentConnections int
	UpstreamInsecure         bool // skip upstream TLS verification for intercepted traffic
	API                      APIConfig
	CA                       CAConfig
	Storage                  StorageConfig
	App                      AppConfig
	Log                      LogConfig
	Metrics                  MetricsConfig
	DNS                      DNSConfig
	Classifiers              map[string]Classifier
	Forwards                 []Forward
}

// Default returns the configuration used before environment and file overrides.
func Default() *Config {
	return &Config{
		ListenAddress:            "127.0.0.1:8080",
		TimeoutSeconds:           30,
		MaxConcurrentConnections: 100,
		UpstreamInsecure:         true,
		API: APIConfig{
			ListenAddress: "127.0.0.1:8081",
		},
		CA: CAConfig{
			CertFile:     "umleitung-ca.pem",
			KeyFile:      "umleitung-ca-key.pem",
			Organization: "umleitung",
			ValidYears:   10,
		},
		Storage: StorageConfig{
			Type: StorageTypeSQLite,
			Path: "umleitung.db",
		},
		App: DefaultAppConfig(),
		Log: LogConfig{
			Level:      "INFO",
			MaxSizeMB:  50,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
		Classifiers: map[string]Classifier{},
	}
}

// LoadConfig loads configuration from the specified file path. An empty path
// yields the defaults with environment overrides applied.
func LoadConfig(configPath string) (*Config, error) {
	cfg := Default()
	loadConfigFromEnv(cfg)

	if configPath == "" {
		return cfg, cfg.App.Validate()
	}

	cleanPath := filepath.Clean(configPath)
	if !filepath.IsAbs(cleanPath) {
		absPath, err := filepath.Abs(cleanPath)
		if err != nil {
			return nil, fmt.Errorf("invalid config file path: %w", err)
		}
		cleanPath = absPath
	}

	var data map[string]any
	var err error
	switch ext := strings.ToLower(filepath.Ext(cleanPath)); ext {
	case ".json":
		data, err = readJSONConfig(cleanPath)
	case ".hcl":
		data, err = readHCLConfig(cleanPath)
	default:
		return nil, fmt.Errorf("unsupported config file format: %s", ext)
	}
	if err != nil {
		return nil, err
	}

	if err := applyConfigMap(data, cfg); err != nil {
		return nil, err
	}
	if err := cfg.App.Validate(); err != nil {
		return nil, fmt.Errorf("invalid app settings: %w", err)
	}
	return cfg, nil
}

func readJSONConfig(path string) (map[string]any, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer func() {
		if closeErr := file.Close(); closeErr != nil {
			logger.Error("Error closing config file: %v", closeErr)
		}
	}()

	var data map[string]any
	if err := json.NewDecoder(file).Decode(&data); err != nil {
		return nil, fmt.Errorf("failed to decode JSON config: %w", err)
	}
	return data, nil
}

// applyConfigMap maps the hyphenated keys of a decoded config document onto cfg.
func applyConfigMap(data map[string]any, cfg *Config) error {
	if err := setField(data, "listen-address", &cfg.ListenAddress); err != nil {
		return err
	}
	if err := setField(data, "timeout-seconds", &cfg.TimeoutSeconds); err != nil {
		return err
	}
	if err := setField(data, "max-concurrent-connections", &cfg.MaxConcurrentConnections); err != nil {
		return err
	}
	if err := setField(data, "upstream-insecure-skip-verify", &cfg.UpstreamInsecure); err != nil {
		return err
	}

	if section, err := subsection(data, "api"); err != nil {
		return err
	} else if section != nil {
		if err := applyFields(section, "api", map[string]any{
			"listen-address": &cfg.API.ListenAddress,
			"username":       &cfg.API.Username,
			"password":       &cfg.API.Password,
			"jwt-secret":     &cfg.API.JWTSecret,
		}); err != nil {
			return err
		}
	}

	if section, err := subsection(data, "ca"); err != nil {
		return err
	} else if section != nil {
		if err := applyFields(section, "ca", map[string]any{
			"cert-file":    &cfg.CA.CertFile,
			"key-file":     &cfg.CA.KeyFile,
			"key-password": &cfg.CA.KeyPassword,
			"organization": &cfg.CA.Organization,
			"valid-years":  &cfg.CA.ValidYears,
		}); err != nil {
			return err
		}
	}

	if section, err := subsection(data, "storage"); err != nil {
		return err
	} else if section != nil {
		var storageType string
		if err := applyFields(section, "storage", map[string]any{
			"type": &storageType,
			"path": &cfg.Storage.Path,
			"dsn":  &cfg.Storage.DSN,
		}); err != nil {
			return err
		}
		if storageType != "" {
			switch st := StorageType(storageType); st {
			case StorageTypeMemory, StorageTypeFile, StorageTypeSQLite, StorageTypePostgres:
				cfg.Storage.Type = st
			default:
				return fmt.Errorf("invalid storage type: %s", storageType)
			}
		}
	}

	if section, err := subsection(data, "app"); err != nil {
		return err
	} else if section != nil {
		if err := applyFields(section, "app", map[string]any{
			"recording":      &cfg.App.Recording,
			"ssl-capture":    &cfg.App.SSLCapture,
			"max-log-size":   &cfg.App.MaxLogSize,
			"clear-log-size": &cfg.App.ClearLogSize,
		}); err != nil {
			return err
		}
		if val, ok := section["include-domains"]; ok {
			list, err := parseStringList(val)
			if err != nil {
				return fmt.Errorf("app.include-domains: %w", err)
			}
			cfg.App.IncludeDomains = list
		}
		if val, ok := section["exclude-domains"]; ok {
			list, err := parseStringList(val)
			if err != nil {
				return fmt.Errorf("app.exclude-domains: %w", err)
			}
			cfg.App.ExcludeDomains = list
		}
	}

	if section, err := subsection(data, "log"); err != nil {
		return err
	} else if section != nil {
		if err := applyFields(section, "log", map[string]any{
			"level":        &cfg.Log.Level,
			"file":         &cfg.Log.File,
			"max-size-mb":  &cfg.Log.MaxSizeMB,
			"max-backups":  &cfg.Log.MaxBackups,
			"max-age-days": &cfg.Log.MaxAgeDays,
		}); err != nil {
			return err
		}
	}

	if section, err := subsection(data, "metrics"); err != nil {
		return err
	} else if section != nil {
		if err := setField(section, "enabled", &cfg.Metrics.Enabled); err != nil {
			return fmt.Errorf("metrics.%w", err)
		}
	}

	if section, err := subsection(data, "dns"); err != nil {
		return err
	} else if section != nil {
		dns, err := parseDNS(section)
		if err != nil {
			return err
		}
		cfg.DNS = dns
	}

	if val, exists := data["classifiers"]; exists {
		classifiers, ok := val.(map[string]any)
		if !ok {
			return fmt.Errorf("classifiers must be an object")
		}
		cfg.Classifiers = make(map[string]Classifier, len(classifiers))
		for name, raw := range classifiers {
			classifierMap, ok := raw.(map[string]any)
			if !ok {
				return fmt.Errorf("classifier %q must be an object", name)
			}
			c, err := parseClassifier(classifierMap)
			if err != nil {
				return fmt.Errorf("classifier %q: %w", name, err)
			}
			cfg.Classifiers[name] = c
		}
	}

	if val, exists := data["forwards"]; exists {
		forwards, ok := val.([]any)
		if !ok {
			return fmt.Errorf("forwards must be an array")
		}
		cfg.Forwards = nil
		for i, raw := range forwards {
			forwardMap, ok := raw.(map[string]any)
			if !ok {
				return fmt.Errorf("forward at index %d must be an object", i)
			}
			fwd, err := parseForward(forwardMap)
			if err != nil {
				return fmt.Errorf("forward at index %d: %w", i, err)
			}
			cfg.Forwards = append(cfg.Forwards, fwd)
		}
	}

	return nil
}

func subsection(data map[string]any, key string) (map[string]any, error) {
	val, exists := data[key]
	if !exists {
		return nil, nil
	}
	section, ok := val.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%s must be an object", key)
	}
	return section, nil
}

func applyFields(section map[string]any, prefix string, fields map[string]any) error {
	for key, target := range fields {
		var err error
		switch ptr := target.(type) {
		case *string:
			err = setField(section, key, ptr)
		case *int:
			err = setField(section, key, ptr)
		case *bool:
			err = setField(section, key, ptr)
		default:
			err = fmt.Errorf("unsupported field type %T for %s", target, key)
		}
		if err != nil {
			return fmt.Errorf("%s.%w", prefix, err)
		}
	}
	return nil
}

// setField assigns data[key] to *dst when the key is present.
func setField[T any](data map[string]any, key string, dst *T) error {
	val, exists := data[key]
	if !exists {
		return nil
	}
	ptr, err := parseValue[T](val)
	if err != nil {
		if strings.Contains(err.Error(), "secret") {
			return fmt.Errorf("%s: %w", key, err)
		}
		var zero T
		return fmt.Errorf("%s must be of type %T", key, zero)
	}
	*dst = *ptr
	return nil
}
