package models

import (
	"time"
)

// Units accepted by the Safecast measurements API
const (
	UnitCPM = "cpm"
	UnitUSV = "usv"
)

// Reading is one decoded sample published by the Geiger counter.
// CPM and USV are nil when the sample did not carry them.
type Reading struct {
	Timestamp time.Time `json:"timestamp"`
	DeviceID  string    `json:"device_id"`
	CPM       *float64  `json:"cpm,omitempty"`
	USV       *float64  `json:"usv,omitempty"`
}

// Measurement is a single value stored locally and uploaded to Safecast
type Measurement struct {
	ID         int64      `json:"id"`
	CapturedAt time.Time  `json:"captured_at"`
	DeviceID   string     `json:"device_id"`
	Value      float64    `json:"value"`
	Unit       string     `json:"unit"`
	Latitude   string     `json:"latitude"`
	Longitude  string     `json:"longitude"`
	UploadedAt *time.Time `json:"uploaded_at,omitempty"`
	SafecastID *int64     `json:"safecast_id,omitempty"`
}

// Measurements splits a reading into one measurement per unit present.
func (r Reading) Measurements(latitude, longitude string) []Measurement {
	var out []Measurement
	add := func(v *float64, unit string) {
		if v == nil {
			return
		}
		out = append(out, Measurement{
			CapturedAt: r.Timestamp,
			DeviceID:   r.DeviceID,
			Value:      *v,
			Unit:       unit,
			Latitude:   latitude,
			Longitude:  longitude,
		})
	}
	add(r.CPM, UnitCPM)
	add(r.USV, UnitUSV)
	return out
}

// SafecastPayload is the JSON body POSTed to measurements.json.
// CapturedAt is RFC 3339 in UTC.
type SafecastPayload struct {
	CapturedAt string  `json:"captured_at"`
	DeviceID   string  `json:"device_id"`
	Latitude   string  `json:"latitude"`
	Longitude  string  `json:"longitude"`
	Unit       string  `json:"unit"`
	Value      float64 `json:"value"`
}

// Payload converts m into the Safecast wire format.
func (m Measurement) Payload() SafecastPayload {
	return SafecastPayload{
		CapturedAt: m.CapturedAt.UTC().Format(time.RFC3339),
		DeviceID:   m.DeviceID,
		Latitude:   m.Latitude,
		Longitude:  m.Longitude,
		Unit:       m.Unit,
		Value:      m.Value,
	}
}

// SafecastResponse is the subset of the created measurement echoed back
type SafecastResponse struct {
	ID int64 `json:"id"`
}
