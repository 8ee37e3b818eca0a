package device

import (
	"fmt"
	"net/url"
	"strings"
)

// Family identifies a firmware generation with its own wire format and endpoint set.
type Family string

const (
	// FamilyJSON is the current firmware (client 5.3): flat JSON telemetry, password access.
	FamilyJSON Family = "json-v5"
	// FamilyOpen speaks the JSON dialect but never asks for a password.
	FamilyOpen Family = "json-open"
	// FamilyLegacyTag is the older firmware serving tag-delimited text on /xml.
	FamilyLegacyTag Family = "legacy-tag"
)

// Families lists the built-in families.
var Families = []Family{FamilyJSON, FamilyOpen, FamilyLegacyTag}

// Valid reports whether f is a known family.
func (f Family) Valid() bool {
	for _, known := range Families {
		if f == known {
			return true
		}
	}
	return false
}

// Type is the kind of equipment behind a descriptor.
type Type string

const TypeElectricMeter Type = "ELECTRIC_METER"

// Descriptor identifies a discovered device. It is immutable once connected.
type Descriptor struct {
	Address         string `json:"address"`
	SerialNumber    string `json:"serialNumber"`
	FirmwareVersion string `json:"firmwareVersion"`
	DeviceType      Type   `json:"deviceType"`
	Family          Family `json:"family,omitempty"`
}

// Validate checks the fields needed to reach the device.
func (d Descriptor) Validate() error {
	if strings.TrimSpace(d.Address) == "" {
		return fmt.Errorf("device address is required")
	}
	if _, err := BaseURL(d.Address); err != nil {
		return err
	}
	if d.Family != "" && !d.Family.Valid() {
		return fmt.Errorf("unknown device family %q", d.Family)
	}
	return nil
}

// BaseURL turns an address (bare IP, host:port or full URL) into the device base URL.
func BaseURL(address string) (*url.URL, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return nil, fmt.Errorf("empty device address")
	}
	if !strings.HasPrefix(address, "http://") && !strings.HasPrefix(address, "https://") {
		address = "http://" + address
	}
	u, err := url.Parse(address)
	if err != nil {
		return nil, fmt.Errorf("invalid device address %q: %w", address, err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("invalid device address %q: missing host", address)
	}
	u.Path = strings.TrimRight(u.Path, "/")
	return u, nil
}
