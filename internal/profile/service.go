// Package profile implements the operating-profile registry and the
// active-profile resolution collaborator consumed by the session manager.
package profile

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/sessiond/sessiond/internal/bus"
)

// TopicActiveProfile announces the active profile, keyed by "global".
const (
	TopicActiveProfile = "profiles.active"
	GlobalKey          = "global"
)

// ErrNotFound is returned for unknown profile names, or when no profile is
// active and a caller asked for the active one.
var ErrNotFound = errors.New("profile not found")

// Profile is an operating profile: a name plus its structured snapshot
// (device layout, stream topology, whatever the kind needs).
type Profile struct {
	Name     string         `json:"name"`
	Snapshot map[string]any `json:"snapshot,omitempty"`
}

// Service holds profiles in memory and tracks which one is active.
type Service struct {
	bus    *bus.Bus
	logger *slog.Logger

	mu       sync.Mutex
	profiles map[string]Profile
	active   string
}

func NewService(b *bus.Bus, logger *slog.Logger) *Service {
	return &Service{
		bus:      b,
		logger:   logger.With("component", "profile"),
		profiles: make(map[string]Profile),
	}
}

// Register adds or replaces a profile.
func (s *Service) Register(p Profile) {
	s.mu.Lock()
	s.profiles[p.Name] = p
	s.mu.Unlock()
	s.logger.Info("profile registered", "name", p.Name)
}

// Get looks a profile up by name.
func (s *Service) Get(name string) (Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.profiles[name]
	if !ok {
		return Profile{}, fmt.Errorf("profile %q: %w", name, ErrNotFound)
	}
	return p, nil
}

// Active returns the currently active profile.
func (s *Service) Active() (Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == "" {
		return Profile{}, fmt.Errorf("no active profile: %w", ErrNotFound)
	}
	p, ok := s.profiles[s.active]
	if !ok {
		return Profile{}, fmt.Errorf("active profile %q: %w", s.active, ErrNotFound)
	}
	return p, nil
}

// SetActive switches the active profile and announces it on the bus.
func (s *Service) SetActive(name string) (Profile, error) {
	s.mu.Lock()
	p, ok := s.profiles[name]
	if !ok {
		s.mu.Unlock()
		return Profile{}, fmt.Errorf("profile %q: %w", name, ErrNotFound)
	}
	s.active = name
	s.mu.Unlock()

	s.logger.Info("active profile changed", "name", name)
	s.bus.Publish(TopicActiveProfile, GlobalKey, p)
	return p, nil
}

// List returns all registered profiles.
func (s *Service) List() []Profile {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Profile, 0, len(s.profiles))
	for _, p := range s.profiles {
		out = append(out, p)
	}
	return out
}
