// pkg/driver/types.go
package driver

import (
	"time"

	"github.com/shopspring/decimal"

	"sweep-service/internal/model"
)

// State is the lifecycle state of a device session
type State string

const (
	StateClosed      State = "CLOSED"
	StateIdle        State = "IDLE"
	StateCalibrating State = "CALIBRATING"
	StateScanning    State = "SCANNING"
	StateFaulted     State = "FAULTED"
)

// Sample is one ranging reading within a scan
type Sample struct {
	// Angle in 1/16 degree steps, exactly as reported by the device
	Angle uint16 `json:"angle_raw"`
	// Distance in millimeters
	Distance int `json:"distance_mm"`
	// Signal strength, 0-255
	Strength uint8 `json:"strength"`
}

// AngleDegrees returns the angle as an exact decimal number of degrees
func (s Sample) AngleDegrees() decimal.Decimal {
	return decimal.New(int64(s.Angle), 0).Div(decimal.New(16, 0))
}

// AngleFloat returns the angle in degrees as a float
func (s Sample) AngleFloat() float64 {
	return float64(s.Angle) / 16.0
}

// Scan is one full rotation of samples. Scans are never modified once built.
type Scan struct {
	Sequence  uint64    `json:"sequence"`
	Timestamp time.Time `json:"timestamp"`
	Samples   []Sample  `json:"samples"`
}

// Settings is the configuration snapshot held by a session
type Settings struct {
	SampleRate int `json:"sample_rate"`
	MotorSpeed int `json:"motor_speed"`
}

// DeviceInfo contains the device's identification and live settings
type DeviceInfo struct {
	Brand           model.DeviceBrand    `json:"brand"`
	Model           string               `json:"model"`
	SerialNumber    string               `json:"serial_number"`
	FirmwareVersion string               `json:"firmware_version"`
	HardwareVersion string               `json:"hardware_version"`
	ProtocolVersion string               `json:"protocol_version"`
	ConnectionType  model.ConnectionType `json:"connection_type"`
	Manufacturer    string               `json:"manufacturer"`

	// Populated from the ID query only
	BitRate    string `json:"bit_rate,omitempty"`
	LaserState string `json:"laser_state,omitempty"`
	Mode       string `json:"mode,omitempty"`
	Diagnostic string `json:"diagnostic,omitempty"`
	MotorSpeed int    `json:"motor_speed,omitempty"`
	SampleRate int    `json:"sample_rate,omitempty"`
}

// QueueStats reports scan queue backlog
type QueueStats struct {
	Length    int    `json:"length"`
	Enqueued  uint64 `json:"enqueued"`
	Dequeued  uint64 `json:"dequeued"`
	Producing bool   `json:"producing"`
}

// Status is a non-blocking view of a session
type Status struct {
	DeviceID string     `json:"device_id"`
	State    State      `json:"state"`
	Settings Settings   `json:"settings"`
	Queue    QueueStats `json:"queue"`
	Fault    string     `json:"fault,omitempty"`
	OpenedAt *time.Time `json:"opened_at,omitempty"`
}

// EventHandler handles device events
type EventHandler interface {
	OnStateChanged(deviceID string, oldState, newState State)
	OnDeviceError(deviceID string, err error)
	OnScan(deviceID string, sequence uint64, samples int)
}
