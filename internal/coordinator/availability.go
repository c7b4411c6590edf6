package coordinator

import (
	"time"

	"qingping-go-cloud/internal/qingping"
)

// MaxDelayMultiplier is how many reporting intervals a device may miss before
// its readings are treated as stale. Devices self-report their cadence;
// tolerating a few missed reports absorbs normal jitter and retries without
// waiting indefinitely on a dead device.
const MaxDelayMultiplier = 3

// IsAvailable decides whether a device attribute should be presented as a
// live reading at the given instant.
//
// The "timestamp" attribute is the clock-sync signal itself: it is available
// whenever present, even while the poll path is down. For everything else a
// failed last poll means blanket unavailability — push-only data is not
// trusted to stand alone once the canonical pull path is broken. Otherwise
// the reading is fresh while the device's last report is within
// MaxDelayMultiplier reporting intervals of now.
func IsAvailable(dev *qingping.Device, attr string, now time.Time, pollOK bool) bool {
	if dev == nil {
		return false
	}
	if attr == "timestamp" {
		_, ok := dev.GetProperty("timestamp")
		return ok
	}
	if !pollOK {
		return false
	}

	prop, ok := dev.GetProperty(attr)
	if !ok {
		return false
	}
	if _, ok := prop.DisplayValue(); !ok {
		return false
	}

	ts, ok := dev.GetProperty("timestamp")
	if !ok {
		return false
	}
	reported, ok := ts.DisplayValue()
	if !ok {
		return false
	}

	delta := now.Unix() - int64(reported)
	maxDelay := int64(MaxDelayMultiplier) * int64(dev.ReportInterval)
	return delta <= maxDelay
}

// Available evaluates IsAvailable against the store's current snapshot and
// poll state. Unknown devices are unavailable.
func (s *Store) Available(mac, attr string, now time.Time) bool {
	dev, ok := s.DeviceByMAC(mac)
	if !ok {
		return false
	}
	return IsAvailable(dev, attr, now, s.LastPollSuccess())
}
