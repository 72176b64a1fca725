// internal/driver/sweep/driver.go
package sweep

import (
	"fmt"

	"go.uber.org/zap"

	"sweep-service/internal/model"
	"sweep-service/internal/protocol"
	"sweep-service/pkg/driver"
)

var _ driver.RangingDriver = (*Session)(nil)

// Capabilities lists what a Sweep session supports
var Capabilities = []model.Capability{
	model.CapabilityScan,
	model.CapabilityMotorSpeed,
	model.CapabilitySampleRate,
	model.CapabilityReset,
	model.CapabilityStatus,
}

// NewDriver creates an unopened session for a configured device. The
// connection config must be a Config; the device supplies id and address.
func NewDriver(device *model.Device, connectionConfig interface{}, logger *zap.Logger) (driver.RangingDriver, error) {
	cfg, ok := connectionConfig.(Config)
	if !ok {
		return nil, fmt.Errorf("invalid connection config type %T for sweep driver", connectionConfig)
	}

	connectionType, err := protocol.ParseAddress(device.Address)
	if err != nil {
		return nil, fmt.Errorf("invalid device address: %w", err)
	}
	if device.ConnectionType != "" && device.ConnectionType != connectionType {
		return nil, fmt.Errorf("address %s does not match connection type %s", device.Address, device.ConnectionType)
	}

	cfg.DeviceID = device.DeviceID
	cfg.Address = device.Address
	device.ConnectionType = connectionType
	device.Capabilities = Capabilities

	return NewSession(cfg, AddressOpener(cfg.Address, cfg.Protocol, logger), logger), nil
}
