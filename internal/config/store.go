package config

import (
	"fmt"
	"sync"

	"github.com/harun/tronagent/pkg/llm"
)

// Store holds the live configuration. The watcher swaps it between turns;
// readers take a snapshot per call.
type Store struct {
	mu        sync.RWMutex
	cfg       *Config
	override  string
	listeners []func(*Config)
}

// NewStore creates a store seeded with cfg
func NewStore(cfg *Config) *Store {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Store{cfg: cfg}
}

// Get returns the current config. Callers must treat it as read-only.
func (s *Store) Get() *Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// Set replaces the current config and notifies listeners
func (s *Store) Set(cfg *Config) {
	s.mu.Lock()
	s.cfg = cfg
	listeners := append([]func(*Config){}, s.listeners...)
	s.mu.Unlock()

	for _, fn := range listeners {
		fn(cfg)
	}
}

// OnChange registers fn to run after every Set
func (s *Store) OnChange(fn func(*Config)) {
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

// SetOverride pins the active profile regardless of ai.active. An empty id
// clears the override.
func (s *Store) SetOverride(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id != "" {
		if _, ok := s.cfg.Profile(id); !ok {
			return fmt.Errorf("unknown AI profile: %s", id)
		}
	}
	s.override = id
	return nil
}

// ActiveID returns the id of the profile used for the next LLM call
func (s *Store) ActiveID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.activeID()
}

func (s *Store) activeID() string {
	if s.override != "" {
		return s.override
	}
	return s.cfg.AI.Active
}

// Active resolves the provider config of the active profile
func (s *Store) Active() (llm.ProviderConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id := s.activeID()
	profile, ok := s.cfg.Profile(id)
	if !ok {
		return llm.ProviderConfig{}, fmt.Errorf("active AI profile %q is not configured", id)
	}
	return profile.ProviderConfig(), nil
}
