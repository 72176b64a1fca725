// internal/driver/registry_init.go
package driver

import (
	"go.uber.org/zap"

	"sweep-service/internal/driver/sweep"
	"sweep-service/internal/model"
)

// RegisterDefaultDrivers registers all default device drivers
func RegisterDefaultDrivers(registry *Registry, logger *zap.Logger) {
	registerScanseDrivers(registry, logger)
}

// registerScanseDrivers registers Scanse lidar drivers
func registerScanseDrivers(registry *Registry, logger *zap.Logger) {
	// Scanse Sweep V1
	registry.Register(
		model.BrandScanse,
		model.DeviceTypeLidar,
		"SWEEP",
		sweep.NewDriver,
	)

	// Any Scanse lidar speaking the Sweep protocol
	registry.Register(
		model.BrandScanse,
		model.DeviceTypeLidar,
		AnyModel,
		sweep.NewDriver,
	)

	logger.Info("Scanse lidar drivers registered",
		zap.Int("models", 2),
	)
}
