package config

import (
	"fmt"
	"slices"
	"strings"
	"sync"
)

// AppConfig holds the settings the console changes at runtime.
type AppConfig struct {
	Recording      bool     `json:"recording"`
	SSLCapture     bool     `json:"sslCapture"`
	IncludeDomains []string `json:"includeDomains"`
	ExcludeDomains []string `json:"excludeDomains"`
	MaxLogSize     int      `json:"maxLogSize"`
	ClearLogSize   int      `json:"clearLogSize"`
}

// DefaultAppConfig returns the settings used when nothing is configured.
func DefaultAppConfig() AppConfig {
	return AppConfig{
		Recording:      true,
		SSLCapture:     true,
		IncludeDomains: []string{},
		ExcludeDomains: []string{},
		MaxLogSize:     1000,
		ClearLogSize:   300,
	}
}

// Validate checks the retention bounds and domain entries.
func (c AppConfig) Validate() error {
	if c.MaxLogSize <= 0 {
		return fmt.Errorf("max-log-size must be positive, got %d", c.MaxLogSize)
	}
	if c.ClearLogSize <= 0 || c.ClearLogSize > c.MaxLogSize {
		return fmt.Errorf("clear-log-size must be between 1 and max-log-size (%d), got %d", c.MaxLogSize, c.ClearLogSize)
	}
	for _, list := range [][]string{c.IncludeDomains, c.ExcludeDomains} {
		for _, d := range list {
			if strings.TrimSpace(d) == "" {
				return fmt.Errorf("domain lists must not contain empty entries")
			}
		}
	}
	return nil
}

func (c AppConfig) clone() AppConfig {
	c.IncludeDomains = slices.Clone(c.IncludeDomains)
	c.ExcludeDomains = slices.Clone(c.ExcludeDomains)
	if c.IncludeDomains == nil {
		c.IncludeDomains = []string{}
	}
	if c.ExcludeDomains == nil {
		c.ExcludeDomains = []string{}
	}
	return c
}

// AppSettings is the single lock-guarded AppConfig instance of a running
// process. Readers receive copies; observers are notified after each change.
type AppSettings struct {
	mu        sync.RWMutex
	cfg       AppConfig
	observers []func(AppConfig)
}

// NewAppSettings creates the holder with an initial configuration.
func NewAppSettings(initial AppConfig) *AppSettings {
	return &AppSettings{cfg: initial.clone()}
}

// Get returns a copy of the current settings.
func (s *AppSettings) Get() AppConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.clone()
}

// Observe registers fn to be called with the new settings after every change.
func (s *AppSettings) Observe(fn func(AppConfig)) {
	s.mu.Lock()
	s.observers = append(s.observers, fn)
	s.mu.Unlock()
}

// SetRecording toggles capture recording.
func (s *AppSettings) SetRecording(on bool) AppConfig {
	cfg, _ := s.Update(func(c *AppConfig) { c.Recording = on })
	return cfg
}

// Update applies fn to a copy of the settings and stores it when it validates.
func (s *AppSettings) Update(fn func(*AppConfig)) (AppConfig, error) {
	s.mu.Lock()
	next := s.cfg.clone()
	fn(&next)
	if err := next.Validate(); err != nil {
		s.mu.Unlock()
		return s.Get(), err
	}
	s.cfg = next
	observers := slices.Clone(s.observers)
	s.mu.Unlock()

	for _, fn := range observers {
		fn(next.clone())
	}
	return next.clone(), nil
}

// Replace swaps the whole configuration, used on configuration reload.
func (s *AppSettings) Replace(cfg AppConfig) error {
	_, err := s.Update(func(c *AppConfig) { *c = cfg.clone() })
	return err
}
