// pkg/driver/interfaces.go
package driver

import (
	"context"
)

// RangingDriver is the interface that rotating ranging sensor drivers implement
type RangingDriver interface {
	// Connection management
	Open(ctx context.Context) error
	Close() error

	// Non-blocking views
	State() State
	Settings() Settings
	Status() Status

	// Configuration
	SetSampleRate(ctx context.Context, hz int) error
	GetSampleRate(ctx context.Context) (int, error)
	SetMotorSpeed(ctx context.Context, hz int) error
	GetMotorSpeed(ctx context.Context) (int, error)
	GetMotorReady(ctx context.Context) (bool, error)

	// Scanning
	StartScanning(ctx context.Context) error
	StopScanning(ctx context.Context) error
	GetScan(ctx context.Context) (*Scan, error)

	// Device information and maintenance
	GetDeviceInfo(ctx context.Context) (*DeviceInfo, error)
	Reset(ctx context.Context) error

	// Event handling
	SetEventHandler(handler EventHandler)
}
