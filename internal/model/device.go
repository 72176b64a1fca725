// internal/model/device.go
package model

import (
	"fmt"
	"strings"
)

// DeviceType represents the type of device
type DeviceType string

const (
	DeviceTypeLidar DeviceType = "LIDAR"
)

// ConnectionType represents how the device is connected
type ConnectionType string

const (
	ConnectionTypeSerial ConnectionType = "SERIAL"
	ConnectionTypeTCP    ConnectionType = "TCP"
)

// DeviceBrand represents supported device brands
type DeviceBrand string

const (
	BrandScanse  DeviceBrand = "SCANSE"
	BrandGeneric DeviceBrand = "GENERIC"
)

// Capability represents what a device can do
type Capability string

const (
	CapabilityScan       Capability = "SCAN"
	CapabilityMotorSpeed Capability = "MOTOR_SPEED"
	CapabilitySampleRate Capability = "SAMPLE_RATE"
	CapabilityReset      Capability = "RESET"
	CapabilityStatus     Capability = "STATUS"
)

// Device describes one physical sensor the service drives
type Device struct {
	DeviceID       string         `json:"device_id" mapstructure:"id"`
	DeviceType     DeviceType     `json:"device_type" mapstructure:"type"`
	Brand          DeviceBrand    `json:"brand" mapstructure:"brand"`
	Model          string         `json:"model" mapstructure:"model"`
	ConnectionType ConnectionType `json:"connection_type" mapstructure:"connection_type"`
	Address        string         `json:"address" mapstructure:"address"`
	Capabilities   []Capability   `json:"capabilities" mapstructure:"-"`
}

// HasCapability checks if device has a specific capability
func (d *Device) HasCapability(capability Capability) bool {
	for _, c := range d.Capabilities {
		if c == capability {
			return true
		}
	}
	return false
}

// ParseConnectionType parses a configured connection type, case-insensitively
func ParseConnectionType(s string) (ConnectionType, error) {
	switch ConnectionType(strings.ToUpper(strings.TrimSpace(s))) {
	case ConnectionTypeSerial, "":
		return ConnectionTypeSerial, nil
	case ConnectionTypeTCP:
		return ConnectionTypeTCP, nil
	default:
		return "", fmt.Errorf("unsupported connection type: %s", s)
	}
}
