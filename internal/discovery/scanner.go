// internal/discovery/scanner.go
package discovery

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"sweep-service/internal/model"
)

// DeviceScanner finds candidate devices on one kind of connection
type DeviceScanner interface {
	Scan(ctx context.Context) ([]*DiscoveredDevice, error)
	GetScannerType() string
	IsAvailable() bool
}

// DiscoveredDevice represents a discovered device
type DiscoveredDevice struct {
	ConnectionType model.ConnectionType `json:"connection_type"`
	Address        string               `json:"address"`
	Brand          model.DeviceBrand    `json:"brand,omitempty"`
	Model          string               `json:"model,omitempty"`
	DeviceType     model.DeviceType     `json:"device_type,omitempty"`
	Confidence     float64              `json:"confidence"` // 0.0-1.0
	VendorID       string               `json:"vendor_id,omitempty"`
	ProductID      string               `json:"product_id,omitempty"`
	SerialNumber   string               `json:"serial_number,omitempty"`
	Description    string               `json:"description,omitempty"`
}

// ScannerManager runs every registered scanner
type ScannerManager struct {
	mu       sync.RWMutex
	scanners map[string]DeviceScanner
	logger   *zap.Logger
}

// NewScannerManager creates a new scanner manager
func NewScannerManager(logger *zap.Logger) *ScannerManager {
	return &ScannerManager{
		scanners: make(map[string]DeviceScanner),
		logger:   logger,
	}
}

// RegisterScanner registers a device scanner
func (sm *ScannerManager) RegisterScanner(scanner DeviceScanner) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	scannerType := scanner.GetScannerType()
	sm.scanners[scannerType] = scanner
	sm.logger.Info("Scanner registered", zap.String("type", scannerType))
}

// ErrUnknownScanner is returned by ScanByType for unregistered types
var ErrUnknownScanner = errors.New("scanner type not found")

func (sm *ScannerManager) snapshot() []DeviceScanner {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	scanners := make([]DeviceScanner, 0, len(sm.scanners))
	for _, scanner := range sm.scanners {
		scanners = append(scanners, scanner)
	}
	sort.Slice(scanners, func(i, j int) bool {
		return scanners[i].GetScannerType() < scanners[j].GetScannerType()
	})
	return scanners
}

// ScanAll runs every available scanner. A failing scanner is logged and
// skipped. An address reported twice keeps its most confident entry, and
// results are ordered by descending confidence.
func (sm *ScannerManager) ScanAll(ctx context.Context) ([]*DiscoveredDevice, error) {
	byAddress := make(map[string]*DiscoveredDevice)

	for _, scanner := range sm.snapshot() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		scannerType := scanner.GetScannerType()
		if !scanner.IsAvailable() {
			sm.logger.Debug("Scanner not available, skipping", zap.String("type", scannerType))
			continue
		}

		devices, err := scanner.Scan(ctx)
		if err != nil {
			sm.logger.Error("Scanner failed", zap.String("type", scannerType), zap.Error(err))
			continue
		}
		for _, d := range devices {
			if prev, ok := byAddress[d.Address]; !ok || d.Confidence > prev.Confidence {
				byAddress[d.Address] = d
			}
		}

		sm.logger.Info("Scanner completed",
			zap.String("type", scannerType),
			zap.Int("devices_found", len(devices)),
		)
	}

	found := make([]*DiscoveredDevice, 0, len(byAddress))
	for _, d := range byAddress {
		found = append(found, d)
	}
	sort.Slice(found, func(i, j int) bool {
		if found[i].Confidence != found[j].Confidence {
			return found[i].Confidence > found[j].Confidence
		}
		return found[i].Address < found[j].Address
	})
	return found, nil
}

// ScanByType runs one scanner
func (sm *ScannerManager) ScanByType(ctx context.Context, scannerType string) ([]*DiscoveredDevice, error) {
	sm.mu.RLock()
	scanner, exists := sm.scanners[scannerType]
	sm.mu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrUnknownScanner, scannerType)
	}
	if !scanner.IsAvailable() {
		return nil, fmt.Errorf("scanner not available: %s", scannerType)
	}
	return scanner.Scan(ctx)
}

// GetAvailableScanners returns the sorted types of usable scanners
func (sm *ScannerManager) GetAvailableScanners() []string {
	available := []string{}
	for _, scanner := range sm.snapshot() {
		if scanner.IsAvailable() {
			available = append(available, scanner.GetScannerType())
		}
	}
	return available
}
