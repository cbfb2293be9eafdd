package config

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/livedub/internal/capture"
	"github.com/MrWong99/livedub/pkg/audio/playback"
)

// ErrDriverNotRegistered is returned by Create* methods when no factory has
// been registered under the requested driver name.
var ErrDriverNotRegistered = errors.New("config: driver not registered")

// SourceFactory builds the capture source of tabID from a driver entry.
type SourceFactory func(entry DriverEntry, tabID string) (capture.Source, error)

// DeviceFactory builds an output device running at sampleRate.
type DeviceFactory func(entry DriverEntry, sampleRate int) (playback.Device, error)

// Registry maps driver names to their constructor functions. It is safe for
// concurrent use.
type Registry struct {
	mu      sync.RWMutex
	sources map[string]SourceFactory
	devices map[string]DeviceFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		sources: make(map[string]SourceFactory),
		devices: make(map[string]DeviceFactory),
	}
}

// RegisterSource registers a capture source factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterSource(name string, factory SourceFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sources[name] = factory
}

// RegisterDevice registers an output device factory under name.
func (r *Registry) RegisterDevice(name string, factory DeviceFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.devices[name] = factory
}

// CreateSource instantiates the capture source described by entry for tabID.
// Returns [ErrDriverNotRegistered] if no factory matches entry.Name.
func (r *Registry) CreateSource(entry DriverEntry, tabID string) (capture.Source, error) {
	r.mu.RLock()
	f, ok := r.sources[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: source %q", ErrDriverNotRegistered, entry.Name)
	}
	return f(entry, tabID)
}

// CreateDevice instantiates the output device described by entry.
// Returns [ErrDriverNotRegistered] if no factory matches entry.Name.
func (r *Registry) CreateDevice(entry DriverEntry, sampleRate int) (playback.Device, error) {
	r.mu.RLock()
	f, ok := r.devices[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: device %q", ErrDriverNotRegistered, entry.Name)
	}
	return f(entry, sampleRate)
}

// Sources returns the registered source driver names in sorted order.
func (r *Registry) Sources() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.sources))
	for name := range r.sources {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Devices returns the registered device driver names in sorted order.
func (r *Registry) Devices() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.devices))
	for name := range r.devices {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
