package web

import (
	"sort"
	"time"

	"qingping-go-cloud/internal/coordinator"
	"qingping-go-cloud/internal/qingping"
)

// PropertyView is one attribute rendered for presentation: display metadata
// from the attribute table, the coerced value, and the availability verdict.
type PropertyView struct {
	Name      string   `json:"name"`
	Title     string   `json:"title"`
	Unit      string   `json:"unit,omitempty"`
	Class     string   `json:"class,omitempty"`
	Value     *float64 `json:"value"` // null when absent or non-numeric
	RawValue  any      `json:"raw_value"`
	Status    int      `json:"status"`
	Available bool     `json:"available"`
}

// DeviceView is the enriched view of a device for API consumers.
type DeviceView struct {
	MAC             string         `json:"mac"`
	MACFormatted    string         `json:"mac_formatted"`
	Name            string         `json:"name"`
	Product         string         `json:"product"`
	Version         string         `json:"version"`
	Offline         bool           `json:"offline"`
	ReportInterval  int            `json:"report_interval"`
	CollectInterval int            `json:"collect_interval"`
	Properties      []PropertyView `json:"properties"`
}

// enrichDevice builds a DeviceView from a store device at the given instant.
func enrichDevice(store *coordinator.Store, dev *qingping.Device, now time.Time) DeviceView {
	pollOK := store.LastPollSuccess()
	v := DeviceView{
		MAC:             dev.MAC,
		MACFormatted:    qingping.FormatMAC(dev.MAC),
		Name:            dev.Name,
		Product:         dev.ProductEnName,
		Version:         dev.Version,
		Offline:         dev.StatusOffline,
		ReportInterval:  dev.ReportInterval,
		CollectInterval: dev.CollectInterval,
		Properties:      make([]PropertyView, 0, len(dev.Data)),
	}
	for name := range dev.Data {
		v.Properties = append(v.Properties, enrichProperty(dev, name, now, pollOK))
	}
	sort.Slice(v.Properties, func(i, j int) bool {
		return v.Properties[i].Name < v.Properties[j].Name
	})
	return v
}

// enrichProperty builds a PropertyView for one attribute.
func enrichProperty(dev *qingping.Device, name string, now time.Time, pollOK bool) PropertyView {
	prop, _ := dev.GetProperty(name)
	pv := PropertyView{
		Name:      name,
		Title:     prop.DisplayTitle(),
		Unit:      prop.DisplayUnit(),
		Class:     prop.DisplayClass(),
		RawValue:  prop.Value,
		Status:    prop.Status,
		Available: coordinator.IsAvailable(dev, name, now, pollOK),
	}
	if f, ok := prop.DisplayValue(); ok {
		pv.Value = &f
	}
	return pv
}
