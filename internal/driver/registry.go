// internal/driver/registry.go
package driver

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"sweep-service/internal/model"
	"sweep-service/pkg/driver"
)

// AnyModel registers a factory for every model of a brand and device type
const AnyModel = "*"

// ErrNoDriver is returned when no factory matches a device
var ErrNoDriver = errors.New("no driver registered")

// DriverFactory creates an unopened driver for a configured device
type DriverFactory func(device *model.Device, connectionConfig interface{}, logger *zap.Logger) (driver.RangingDriver, error)

// DriverKey identifies a registered factory
type DriverKey struct {
	Brand      model.DeviceBrand
	DeviceType model.DeviceType
	Model      string
}

func (k DriverKey) String() string {
	return fmt.Sprintf("%s/%s/%s", k.Brand, k.DeviceType, k.Model)
}

// Registry maps device descriptors to ranging driver factories
type Registry struct {
	mu      sync.RWMutex
	drivers map[DriverKey]DriverFactory
	logger  *zap.Logger
}

// NewRegistry creates an empty registry
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		drivers: make(map[DriverKey]DriverFactory),
		logger:  logger,
	}
}

// Register adds a factory. Registering the same key again replaces it.
func (r *Registry) Register(brand model.DeviceBrand, deviceType model.DeviceType, deviceModel string, factory DriverFactory) {
	key := DriverKey{Brand: brand, DeviceType: deviceType, Model: deviceModel}

	r.mu.Lock()
	r.drivers[key] = factory
	r.mu.Unlock()

	r.logger.Info("Driver registered", zap.Stringer("driver", key))
}

// resolve finds the most specific factory: exact model, then any model of
// the brand, then a generic driver for the device type.
func (r *Registry) resolve(brand model.DeviceBrand, deviceType model.DeviceType, deviceModel string) (DriverKey, DriverFactory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	candidates := []DriverKey{
		{Brand: brand, DeviceType: deviceType, Model: deviceModel},
		{Brand: brand, DeviceType: deviceType, Model: AnyModel},
		{Brand: model.BrandGeneric, DeviceType: deviceType, Model: AnyModel},
	}
	for _, key := range candidates {
		if factory, ok := r.drivers[key]; ok {
			return key, factory, true
		}
	}
	return DriverKey{}, nil, false
}

// CreateDriver builds an unopened driver for device
func (r *Registry) CreateDriver(device *model.Device, connectionConfig interface{}) (driver.RangingDriver, error) {
	key, factory, ok := r.resolve(device.Brand, device.DeviceType, device.Model)
	if !ok {
		return nil, fmt.Errorf("%w for brand=%s, type=%s, model=%s",
			ErrNoDriver, device.Brand, device.DeviceType, device.Model)
	}

	drv, err := factory(device, connectionConfig, r.logger)
	if err != nil {
		return nil, fmt.Errorf("driver %s: %w", key, err)
	}

	r.logger.Debug("Driver created",
		zap.String("device_id", device.DeviceID),
		zap.Stringer("driver", key),
	)
	return drv, nil
}

// IsSupported reports whether CreateDriver would find a factory
func (r *Registry) IsSupported(brand model.DeviceBrand, deviceType model.DeviceType, deviceModel string) bool {
	_, _, ok := r.resolve(brand, deviceType, deviceModel)
	return ok
}

// ListDrivers returns the registered keys in a stable order
func (r *Registry) ListDrivers() []DriverKey {
	r.mu.RLock()
	keys := make([]DriverKey, 0, len(r.drivers))
	for key := range r.drivers {
		keys = append(keys, key)
	}
	r.mu.RUnlock()

	sort.Slice(keys, func(i, j int) bool {
		return keys[i].String() < keys[j].String()
	})
	return keys
}

// GetSupportedBrands returns the sorted brands registered for a device type
func (r *Registry) GetSupportedBrands(deviceType model.DeviceType) []model.DeviceBrand {
	seen := make(map[model.DeviceBrand]struct{})
	var brands []model.DeviceBrand
	for _, key := range r.ListDrivers() {
		if key.DeviceType != deviceType {
			continue
		}
		if _, ok := seen[key.Brand]; ok {
			continue
		}
		seen[key.Brand] = struct{}{}
		brands = append(brands, key.Brand)
	}
	return brands
}
