// Package secrets declares the device credentials template.
//
// Copy the constants below into an untracked config.yaml or .env file and
// fill in real values before deploying. Nothing here validates the values.
package secrets

import (
	"fmt"
	"math"
	"strconv"
)

// WiFi credentials
const (
	SSID     = "your ssid"
	Password = "your password"
)

// Safecast credentials
const (
	APIURL          = "https://api.safecast.org/measurements.json"
	APIKey          = ""
	DeviceID        = "249" // https://api.safecast.org/en-US/devices?utf8=✓&model=SEN0463
	DeviceLatitude  = "your device latitude"
	DeviceLongitude = "your device longitude"
)

// Keys used by Fields and With.
const (
	KeySSID            = "ssid"
	KeyPassword        = "password"
	KeyAPIURL          = "api_url"
	KeyAPIKey          = "api_key"
	KeyDeviceID        = "device_id"
	KeyDeviceLatitude  = "latitude"
	KeyDeviceLongitude = "longitude"
)

// Record holds one set of credentials.
type Record struct {
	SSID            string
	Password        string
	APIURL          string
	APIKey          string
	DeviceID        string
	DeviceLatitude  string
	DeviceLongitude string
}

// Field is a single named credential.
type Field struct {
	Key   string
	Value string
}

// Template returns the record built from the package constants.
func Template() Record {
	return Record{
		SSID:            SSID,
		Password:        Password,
		APIURL:          APIURL,
		APIKey:          APIKey,
		DeviceID:        DeviceID,
		DeviceLatitude:  DeviceLatitude,
		DeviceLongitude: DeviceLongitude,
	}
}

// Fields returns the credentials in declaration order.
func (r Record) Fields() []Field {
	return []Field{
		{KeySSID, r.SSID},
		{KeyPassword, r.Password},
		{KeyAPIURL, r.APIURL},
		{KeyAPIKey, r.APIKey},
		{KeyDeviceID, r.DeviceID},
		{KeyDeviceLatitude, r.DeviceLatitude},
		{KeyDeviceLongitude, r.DeviceLongitude},
	}
}

// With returns a copy of r with the named field set to value.
func (r Record) With(key, value string) (Record, error) {
	switch key {
	case KeySSID:
		r.SSID = value
	case KeyPassword:
		r.Password = value
	case KeyAPIURL:
		r.APIURL = value
	case KeyAPIKey:
		r.APIKey = value
	case KeyDeviceID:
		r.DeviceID = value
	case KeyDeviceLatitude:
		r.DeviceLatitude = value
	case KeyDeviceLongitude:
		r.DeviceLongitude = value
	default:
		return r, fmt.Errorf("unknown credential key %q", key)
	}
	return r, nil
}

// Placeholders returns the keys whose value is still the template
// placeholder. The API key and endpoint have no placeholder.
func (r Record) Placeholders() []string {
	var keys []string
	if r.SSID == SSID {
		keys = append(keys, KeySSID)
	}
	if r.Password == Password {
		keys = append(keys, KeyPassword)
	}
	if r.DeviceLatitude == DeviceLatitude {
		keys = append(keys, KeyDeviceLatitude)
	}
	if r.DeviceLongitude == DeviceLongitude {
		keys = append(keys, KeyDeviceLongitude)
	}
	return keys
}

// Coordinates parses the device latitude and longitude as decimal degrees.
func (r Record) Coordinates() (lat, lon float64, err error) {
	lat, err = strconv.ParseFloat(r.DeviceLatitude, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid latitude %q: %w", r.DeviceLatitude, err)
	}
	lon, err = strconv.ParseFloat(r.DeviceLongitude, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid longitude %q: %w", r.DeviceLongitude, err)
	}
	if math.IsNaN(lat) || lat < -90 || lat > 90 {
		return 0, 0, fmt.Errorf("latitude %q out of range", r.DeviceLatitude)
	}
	if math.IsNaN(lon) || lon < -180 || lon > 180 {
		return 0, 0, fmt.Errorf("longitude %q out of range", r.DeviceLongitude)
	}
	return lat, lon, nil
}
