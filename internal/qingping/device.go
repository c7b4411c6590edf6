package qingping

import (
	"fmt"
	"strings"
)

// Device is one physical sensor unit as last reported by the cloud. The MAC
// is the sole identity key across the pull and push paths. A Device published
// to readers is treated as immutable; updates go through Clone.
type Device struct {
	MAC             string              `json:"mac"`
	Name            string              `json:"name"`
	ProductEnName   string              `json:"product_en_name"`
	Version         string              `json:"version"`
	StatusOffline   bool                `json:"status_offline"`
	ReportInterval  int                 `json:"setting_report_interval"`
	CollectInterval int                 `json:"setting_collect_interval"`
	Data            map[string]Property `json:"data"`
}

// NormalizeMAC canonicalizes a MAC for identity comparison: separators
// stripped, upper-cased. "aa:bb:cc:dd:ee:ff" and "AABBCCDDEEFF" are the
// same device.
func NormalizeMAC(s string) (string, error) {
	s = strings.ToUpper(strings.NewReplacer(":", "", "-", "").Replace(s))
	if len(s) != 12 {
		return "", fmt.Errorf("mac must be 12 hex digits, got %q", s)
	}
	for _, r := range s {
		if (r < '0' || r > '9') && (r < 'A' || r > 'F') {
			return "", fmt.Errorf("mac contains non-hex digit: %q", s)
		}
	}
	return s, nil
}

// FormatMAC renders a normalized MAC with colon separators for display.
func FormatMAC(mac string) string {
	var b strings.Builder
	for i := 0; i < len(mac); i += 2 {
		if i > 0 {
			b.WriteByte(':')
		}
		end := i + 2
		if end > len(mac) {
			end = len(mac)
		}
		b.WriteString(mac[i:end])
	}
	return b.String()
}

// GetProperty looks up an attribute by exact name. A false return means the
// device has never reported this attribute.
func (d *Device) GetProperty(name string) (Property, bool) {
	p, ok := d.Data[name]
	return p, ok
}

// Clone returns a copy with its own Data map, so the original can keep being
// served to readers while the copy is patched.
func (d *Device) Clone() *Device {
	cp := *d
	cp.Data = make(map[string]Property, len(d.Data))
	for k, v := range d.Data {
		cp.Data[k] = v
	}
	return &cp
}

// apiDevice is the wire shape of one device record from the cloud device
// list. Fields the integration does not use are simply not declared.
type apiDevice struct {
	Info struct {
		MAC     string `json:"mac"`
		Name    string `json:"name"`
		Version string `json:"version"`
		Product struct {
			EnName string `json:"en_name"`
		} `json:"product"`
		Status struct {
			Offline bool `json:"offline"`
		} `json:"status"`
		Setting struct {
			ReportInterval  int `json:"report_interval"`
			CollectInterval int `json:"collect_interval"`
		} `json:"setting"`
	} `json:"info"`
	Data map[string]struct {
		Value  any `json:"value"`
		Status int `json:"status"`
	} `json:"data"`
}

// deviceFromAPI builds a Device from a raw cloud record. Unknown attribute
// names are kept; they just have no display mapping.
func deviceFromAPI(rec apiDevice) (*Device, error) {
	mac, err := NormalizeMAC(rec.Info.MAC)
	if err != nil {
		return nil, fmt.Errorf("device record: %w", err)
	}
	d := &Device{
		MAC:             mac,
		Name:            rec.Info.Name,
		ProductEnName:   rec.Info.Product.EnName,
		Version:         rec.Info.Version,
		StatusOffline:   rec.Info.Status.Offline,
		ReportInterval:  rec.Info.Setting.ReportInterval,
		CollectInterval: rec.Info.Setting.CollectInterval,
		Data:            make(map[string]Property, len(rec.Data)),
	}
	for name, frame := range rec.Data {
		d.Data[name] = Property{Name: name, Value: frame.Value, Status: frame.Status}
	}
	return d, nil
}
