// internal/discovery/serial/scanner.go
package serial

import (
	"context"
	"fmt"
	"strings"

	"go.bug.st/serial/enumerator"
	"go.uber.org/zap"

	"sweep-service/internal/discovery"
	"sweep-service/internal/model"
)

// knownAdapter is a USB-serial bridge a Sweep is known to ship with
type knownAdapter struct {
	vendorID   string
	productID  string
	brand      model.DeviceBrand
	model      string
	confidence float64
}

// The Sweep enumerates through an FTDI FT230X. The bridge is generic, so a
// match is a strong hint rather than proof.
var knownAdapters = []knownAdapter{
	{vendorID: "0403", productID: "6015", brand: model.BrandScanse, model: "SWEEP", confidence: 0.8},
	{vendorID: "0403", productID: "6001", brand: model.BrandScanse, model: "SWEEP", confidence: 0.3},
}

// Scanner lists serial ports that may carry a Sweep
type Scanner struct {
	logger    *zap.Logger
	listPorts func() ([]*enumerator.PortDetails, error)
	// IncludeUnknown keeps ports that match no known adapter
	IncludeUnknown bool
}

// NewScanner creates a new serial scanner
func NewScanner(logger *zap.Logger) *Scanner {
	return &Scanner{
		logger:         logger.With(zap.String("scanner", "serial")),
		listPorts:      enumerator.GetDetailedPortsList,
		IncludeUnknown: true,
	}
}

// GetScannerType returns scanner type
func (s *Scanner) GetScannerType() string {
	return "serial"
}

// IsAvailable checks if serial scanning is available
func (s *Scanner) IsAvailable() bool {
	return true
}

// Scan enumerates serial ports and scores them against known adapters
func (s *Scanner) Scan(ctx context.Context) ([]*discovery.DiscoveredDevice, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ports, err := s.listPorts()
	if err != nil {
		return nil, fmt.Errorf("failed to get serial ports: %w", err)
	}

	devices := []*discovery.DiscoveredDevice{}
	for _, port := range ports {
		device := s.identify(port)
		if device == nil {
			continue
		}
		devices = append(devices, device)
	}

	s.logger.Debug("Serial port scan finished",
		zap.Int("ports", len(ports)),
		zap.Int("candidates", len(devices)),
	)
	return devices, nil
}

func (s *Scanner) identify(port *enumerator.PortDetails) *discovery.DiscoveredDevice {
	device := &discovery.DiscoveredDevice{
		ConnectionType: model.ConnectionTypeSerial,
		Address:        port.Name,
		Description:    port.Product,
	}

	if port.IsUSB {
		device.VendorID = strings.ToLower(port.VID)
		device.ProductID = strings.ToLower(port.PID)
		device.SerialNumber = port.SerialNumber

		for _, known := range knownAdapters {
			if device.VendorID == known.vendorID && device.ProductID == known.productID {
				device.Brand = known.brand
				device.Model = known.model
				device.DeviceType = model.DeviceTypeLidar
				device.Confidence = known.confidence
				return device
			}
		}
	}

	if !s.IncludeUnknown {
		return nil
	}
	device.Confidence = 0.1
	return device
}
