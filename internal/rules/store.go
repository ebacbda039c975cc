package rules

import (
	"fmt"
	"sort"
	"sync"
)

// -------------------------------------------------------------------------
// Store — device registry
// -------------------------------------------------------------------------

// Store is the explicit device registry the engine resolves rules
// through. It replaces any notion of a global rule context: everything
// that needs rules takes a *Store.
//
// The registry is read-mostly: devices are registered at deploy time
// and looked up on every packet. An RWMutex guards the map; Device
// values themselves are immutable after registration, so lookups hand
// out shared pointers without copying.
type Store struct {
	mu      sync.RWMutex
	devices map[uint32]*Device
}

// NewStore returns an empty device registry.
func NewStore() *Store {
	return &Store{devices: make(map[uint32]*Device)}
}

// Register validates dev and adds it to the registry. Registering a
// device ID twice fails with ErrDuplicateDevice; use Replace for
// wholesale reloads.
func (s *Store) Register(dev *Device) error {
	if err := dev.Validate(); err != nil {
		return fmt.Errorf("register device: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.devices[dev.DeviceID]; exists {
		return fmt.Errorf("register device %d: %w", dev.DeviceID, ErrDuplicateDevice)
	}
	s.devices[dev.DeviceID] = dev
	return nil
}

// Unregister removes a device. Unregistering an unknown ID is a no-op,
// so teardown paths need not track registration state.
func (s *Store) Unregister(deviceID uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.devices, deviceID)
}

// Replace swaps the whole registry for devs in one step. Every device
// is validated (and checked for duplicate IDs within devs) before
// anything changes; a bad set leaves the running registry untouched.
func (s *Store) Replace(devs []*Device) error {
	next := make(map[uint32]*Device, len(devs))
	for _, dev := range devs {
		if err := dev.Validate(); err != nil {
			return fmt.Errorf("replace devices: %w", err)
		}
		if _, dup := next[dev.DeviceID]; dup {
			return fmt.Errorf("replace devices: device %d: %w", dev.DeviceID, ErrDuplicateDevice)
		}
		next[dev.DeviceID] = dev
	}

	s.mu.Lock()
	s.devices = next
	s.mu.Unlock()
	return nil
}

// Device returns the registered device with the given ID.
func (s *Store) Device(deviceID uint32) (*Device, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	dev, ok := s.devices[deviceID]
	return dev, ok
}

// Devices returns a snapshot of all registered devices sorted by ID.
// The slice is fresh; the *Device values are the shared immutable
// instances.
func (s *Store) Devices() []*Device {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Device, 0, len(s.devices))
	for _, dev := range s.devices {
		out = append(out, dev)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

// Len returns the number of registered devices.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.devices)
}

// CompressionRule resolves (device, rule ID) to a compression rule.
func (s *Store) CompressionRule(deviceID, ruleID uint32) (*CompressionRule, bool) {
	dev, ok := s.Device(deviceID)
	if !ok {
		return nil, false
	}
	return dev.CompressionRule(ruleID)
}

// FragmentationRuleFor resolves the fragmentation rule a transfer for
// (device, mode, direction) should use.
func (s *Store) FragmentationRuleFor(deviceID uint32, mode ReliabilityMode, dir Direction) (*FragmentationRule, bool) {
	dev, ok := s.Device(deviceID)
	if !ok {
		return nil, false
	}
	return dev.FragmentationRule(mode, dir)
}

// FragmentationRuleByID resolves (device, rule ID) to a fragmentation
// rule, the receive-side lookup.
func (s *Store) FragmentationRuleByID(deviceID, ruleID uint32) (*FragmentationRule, bool) {
	dev, ok := s.Device(deviceID)
	if !ok {
		return nil, false
	}
	return dev.FragmentationRuleByID(ruleID)
}
