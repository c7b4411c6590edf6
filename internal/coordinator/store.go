package coordinator

import (
	"log/slog"
	"sync"
	"time"

	"qingping-go-cloud/internal/qingping"
)

// Store holds the current snapshot of all known devices. It is the single
// shared-mutable owner of device state: the poller replaces the snapshot
// wholesale, push ingestion patches individual devices, everyone else reads.
//
// Published *qingping.Device values are immutable; a patch installs a clone.
// Readers therefore never observe a torn write, and a device reference
// obtained before a mutation stays internally consistent.
type Store struct {
	mu             sync.RWMutex
	controllerName string
	devices        []*qingping.Device
	byMAC          map[string]int

	pollOK      bool
	lastPoll    time.Time
	lastPollErr error

	logger *slog.Logger
}

// NewStore creates an empty store. Until the first successful poll the store
// reports poll failure, so a warm-started snapshot reads as unavailable.
func NewStore(logger *slog.Logger) *Store {
	return &Store{
		byMAC:  make(map[string]int),
		logger: logger.With("component", "store"),
	}
}

// ReplaceSnapshot atomically swaps the entire device list. Readers observe
// either the complete old list or the complete new one, never a mix.
func (s *Store) ReplaceSnapshot(controllerName string, devices []*qingping.Device) {
	byMAC := make(map[string]int, len(devices))
	for i, d := range devices {
		byMAC[d.MAC] = i
	}

	s.mu.Lock()
	s.controllerName = controllerName
	s.devices = devices
	s.byMAC = byMAC
	s.mu.Unlock()
}

// MarkPollSuccess records that the most recent poll attempt succeeded.
func (s *Store) MarkPollSuccess(at time.Time) {
	s.mu.Lock()
	s.pollOK = true
	s.lastPoll = at
	s.lastPollErr = nil
	s.mu.Unlock()
}

// MarkPollFailure records a failed poll attempt. The snapshot itself is left
// untouched; push ingestion keeps operating on stale-but-valid data.
func (s *Store) MarkPollFailure(at time.Time, err error) {
	s.mu.Lock()
	s.pollOK = false
	s.lastPoll = at
	s.lastPollErr = err
	s.mu.Unlock()
}

// LastPollSuccess reports whether the most recent poll attempt succeeded.
func (s *Store) LastPollSuccess() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pollOK
}

// PollStatus returns the last poll outcome for status reporting.
func (s *Store) PollStatus() (ok bool, at time.Time, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pollOK, s.lastPoll, s.lastPollErr
}

// ControllerName returns the opaque label of the cloud endpoint the current
// snapshot came from.
func (s *Store) ControllerName() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.controllerName
}

// Devices returns the current device list. The slice is a copy; the devices
// it points to are immutable.
func (s *Store) Devices() []*qingping.Device {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*qingping.Device, len(s.devices))
	copy(out, s.devices)
	return out
}

// DeviceByMAC resolves a device by physical address. A false return is a
// legitimate outcome (e.g. a push racing a re-provisioned snapshot), not an
// error. The MAC may be in any accepted format; it is normalized here.
func (s *Store) DeviceByMAC(mac string) (*qingping.Device, bool) {
	norm, err := qingping.NormalizeMAC(mac)
	if err != nil {
		return nil, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	i, ok := s.byMAC[norm]
	if !ok {
		return nil, false
	}
	return s.devices[i], true
}

// ApplyUpdate merges a set of attribute updates into the matching device.
// The whole update set is applied in one swap, so a concurrent reader sees
// either all of the update or none of it. Attributes not mentioned are left
// untouched. A false return means the device is unknown and the update was
// dropped.
func (s *Store) ApplyUpdate(mac string, updates map[string]qingping.Property) bool {
	norm, err := qingping.NormalizeMAC(mac)
	if err != nil {
		return false
	}
	if len(updates) == 0 {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	i, ok := s.byMAC[norm]
	if !ok {
		s.logger.Debug("update for unknown device dropped", "mac", norm)
		return false
	}

	patched := s.devices[i].Clone()
	for name, prop := range updates {
		patched.Data[name] = prop
	}
	s.devices[i] = patched
	return true
}
