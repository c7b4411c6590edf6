package qingping

import (
	"encoding/json"
	"strconv"
)

// Property is a single reported attribute of a device: the raw value as it
// came off the wire and the device-reported status code. Properties are never
// mutated after construction; a newer report supersedes the whole value.
type Property struct {
	Name   string `json:"name"`
	Value  any    `json:"value"`
	Status int    `json:"status"`
}

// propertyMeta is the presentation mapping for one attribute name.
type propertyMeta struct {
	Title string
	Unit  string
	Class string
}

// propertyTable is the closed vocabulary of attributes the Qingping cloud
// reports. Attributes missing from the table still flow through the system;
// they just have no display mapping.
var propertyTable = map[string]propertyMeta{
	"timestamp":   {Title: "Last Report", Unit: "s", Class: "timestamp"},
	"battery":     {Title: "Battery", Unit: "%", Class: "battery"},
	"signal":      {Title: "Signal", Unit: "dBm", Class: "signal_strength"},
	"temperature": {Title: "Temperature", Unit: "°C", Class: "temperature"},
	"humidity":    {Title: "Humidity", Unit: "%", Class: "humidity"},
	"pressure":    {Title: "Pressure", Unit: "hPa", Class: "pressure"},
	"co2":         {Title: "CO2", Unit: "ppm", Class: "carbon_dioxide"},
	"pm25":        {Title: "PM2.5", Unit: "µg/m³", Class: "pm25"},
	"pm10":        {Title: "PM10", Unit: "µg/m³", Class: "pm10"},
	"tvoc":        {Title: "TVOC", Unit: "ppb", Class: "volatile_organic_compounds"},
	"radon":       {Title: "Radon", Unit: "Bq/m³", Class: "radon"},
	"noise":       {Title: "Noise", Unit: "dB", Class: "sound_pressure"},
}

// DisplayValue coerces the raw value to a number for presentation.
// The second return is false when the value is absent or not numeric;
// that is a valid resting state, not an error.
func (p Property) DisplayValue() (float64, bool) {
	return toFloat(p.Value)
}

// DisplayTitle returns the human-readable attribute title, or the raw
// attribute name when there is no mapping.
func (p Property) DisplayTitle() string {
	if m, ok := propertyTable[p.Name]; ok {
		return m.Title
	}
	return p.Name
}

// DisplayUnit returns the unit of measurement, or "" when unmapped.
func (p Property) DisplayUnit() string {
	return propertyTable[p.Name].Unit
}

// DisplayClass returns the measurement classification, or "" when unmapped.
func (p Property) DisplayClass() string {
	return propertyTable[p.Name].Class
}

// toFloat converts the transport-dependent raw scalar (JSON number or
// numeric string) to a float64.
func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}
