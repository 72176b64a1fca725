// internal/service/device_service.go
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"sweep-service/internal/config"
	internalDriver "sweep-service/internal/driver"
	"sweep-service/internal/driver/sweep"
	"sweep-service/internal/model"
	"sweep-service/internal/protocol"
	"sweep-service/internal/utils"
	"sweep-service/pkg/driver"
)

// Options tunes the service around a driver
type Options struct {
	// OpenTimeout bounds connecting and the identification handshake
	OpenTimeout time.Duration
	// ScanWaitTimeout is the default wait for NextScan
	ScanWaitTimeout time.Duration
	// StopTimeout bounds the stop sent while shutting down
	StopTimeout time.Duration
}

// DefaultOptions returns service defaults
func DefaultOptions() Options {
	return Options{
		OpenTimeout:     10 * time.Second,
		ScanWaitTimeout: 5 * time.Second,
		StopTimeout:     3 * time.Second,
	}
}

// DeviceService owns the device session for the lifetime of the process
type DeviceService struct {
	device    *model.Device
	driver    driver.RangingDriver
	events    *EventBus
	options   Options
	logger    *utils.ServiceLogger
	deviceLog *utils.DeviceLogger
}

// NewDeviceService wraps an unopened driver for device
func NewDeviceService(device *model.Device, drv driver.RangingDriver, options Options, logger *zap.Logger) *DeviceService {
	defaults := DefaultOptions()
	if options.OpenTimeout <= 0 {
		options.OpenTimeout = defaults.OpenTimeout
	}
	if options.ScanWaitTimeout <= 0 {
		options.ScanWaitTimeout = defaults.ScanWaitTimeout
	}
	if options.StopTimeout <= 0 {
		options.StopTimeout = defaults.StopTimeout
	}

	ds := &DeviceService{
		device:    device,
		driver:    drv,
		events:    NewEventBus(logger),
		options:   options,
		logger:    utils.NewServiceLogger(logger, "sweep-service"),
		deviceLog: utils.NewDeviceLogger(logger, device.DeviceID, string(device.DeviceType), string(device.Brand)),
	}
	drv.SetEventHandler(ds.events)
	return ds
}

// NewDeviceServiceFromConfig creates the configured device's driver through
// the registry
func NewDeviceServiceFromConfig(cfg *config.Config, registry *internalDriver.Registry, logger *zap.Logger) (*DeviceService, error) {
	device, err := DeviceFromConfig(cfg.Device)
	if err != nil {
		return nil, err
	}

	drv, err := registry.CreateDriver(device, SweepConfig(cfg.Device))
	if err != nil {
		return nil, fmt.Errorf("failed to create driver: %w", err)
	}

	return NewDeviceService(device, drv, Options{
		OpenTimeout:     cfg.Device.CommandTimeout * 5,
		ScanWaitTimeout: cfg.Device.ScanWaitTimeout,
	}, logger), nil
}

// DeviceFromConfig describes the configured device
func DeviceFromConfig(cfg config.DeviceConfig) (*model.Device, error) {
	connectionType, err := model.ParseConnectionType(cfg.ConnectionType)
	if err != nil {
		return nil, err
	}

	return &model.Device{
		DeviceID:       cfg.ID,
		DeviceType:     model.DeviceTypeLidar,
		Brand:          model.DeviceBrand(strings.ToUpper(cfg.Brand)),
		Model:          cfg.Model,
		ConnectionType: connectionType,
		Address:        cfg.Address,
	}, nil
}

// SweepConfig builds the session configuration for the configured device
func SweepConfig(cfg config.DeviceConfig) sweep.Config {
	sc := sweep.DefaultConfig()
	sc.DeviceID = cfg.ID
	sc.Address = cfg.Address
	sc.CommandTimeout = cfg.CommandTimeout
	sc.ReadyPollInterval = cfg.ReadyPollInterval
	sc.ReadyPollMax = cfg.ReadyPollMax

	sc.Protocol = protocol.Options{
		Serial: protocol.SerialConfig{
			BaudRate: cfg.Serial.BaudRate,
			DataBits: cfg.Serial.DataBits,
			StopBits: cfg.Serial.StopBits,
			Parity:   cfg.Serial.Parity,
			Timeout:  cfg.Serial.Timeout,
		},
		TCP: protocol.TCPConfig{
			KeepAlive:    cfg.TCP.KeepAlive,
			Timeout:      cfg.TCP.ConnectTimeout,
			ReadTimeout:  cfg.TCP.ReadTimeout,
			WriteTimeout: cfg.TCP.WriteTimeout,
		},
	}
	return sc
}

// Device describes the driven device
func (ds *DeviceService) Device() *model.Device {
	return ds.device
}

// Events returns the bus carrying the driver's events
func (ds *DeviceService) Events() *EventBus {
	return ds.events
}

// Open connects to the device and identifies it. Calling it again reopens
// the session, which is the way out of FAULTED.
func (ds *DeviceService) Open(ctx context.Context) error {
	openCtx, cancel := context.WithTimeout(ctx, ds.options.OpenTimeout)
	defer cancel()

	if err := ds.driver.Open(openCtx); err != nil {
		ds.deviceLog.LogConnection("open", false, err)
		return fmt.Errorf("failed to open device: %w", err)
	}

	ds.deviceLog.Info("Device session opened",
		zap.String("address", ds.device.Address),
		zap.Any("settings", ds.driver.Settings()),
	)
	return nil
}

// Status returns a non-blocking view of the session
func (ds *DeviceService) Status() driver.Status {
	return ds.driver.Status()
}

// SetSampleRate changes the sample rate in Hz
func (ds *DeviceService) SetSampleRate(ctx context.Context, hz int) error {
	return ds.run("set_sample_rate", func() error { return ds.driver.SetSampleRate(ctx, hz) })
}

// GetSampleRate queries the sample rate in Hz
func (ds *DeviceService) GetSampleRate(ctx context.Context) (int, error) {
	return ds.driver.GetSampleRate(ctx)
}

// SetMotorSpeed changes the motor speed in Hz
func (ds *DeviceService) SetMotorSpeed(ctx context.Context, hz int) error {
	return ds.run("set_motor_speed", func() error { return ds.driver.SetMotorSpeed(ctx, hz) })
}

// GetMotorSpeed queries the motor speed in Hz
func (ds *DeviceService) GetMotorSpeed(ctx context.Context) (int, error) {
	return ds.driver.GetMotorSpeed(ctx)
}

// GetMotorReady reports whether the motor has settled
func (ds *DeviceService) GetMotorReady(ctx context.Context) (bool, error) {
	return ds.driver.GetMotorReady(ctx)
}

// StartScanning starts scan production, waiting for the motor if needed
func (ds *DeviceService) StartScanning(ctx context.Context) error {
	return ds.run("start_scanning", func() error { return ds.driver.StartScanning(ctx) })
}

// StopScanning stops scan production. Queued scans stay available.
func (ds *DeviceService) StopScanning(ctx context.Context) error {
	return ds.run("stop_scanning", func() error { return ds.driver.StopScanning(ctx) })
}

// NextScan waits up to timeout for the next queued scan. A non-positive
// timeout uses the configured default.
func (ds *DeviceService) NextScan(ctx context.Context, timeout time.Duration) (*driver.Scan, error) {
	if timeout <= 0 {
		timeout = ds.options.ScanWaitTimeout
	}
	scanCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	return ds.driver.GetScan(scanCtx)
}

// GetDeviceInfo queries identification and live settings
func (ds *DeviceService) GetDeviceInfo(ctx context.Context) (*driver.DeviceInfo, error) {
	return ds.driver.GetDeviceInfo(ctx)
}

// Reset restarts the device. The session must be reopened afterwards.
func (ds *DeviceService) Reset(ctx context.Context) error {
	return ds.run("reset", func() error { return ds.driver.Reset(ctx) })
}

// StartHealthMonitoring logs session status every interval until ctx ends
func (ds *DeviceService) StartHealthMonitoring(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var lastState driver.State
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		status := ds.driver.Status()
		if status.State == driver.StateFaulted && lastState != driver.StateFaulted {
			ds.deviceLog.Warn("Device session faulted, reopen required", zap.String("fault", status.Fault))
		}
		lastState = status.State

		ds.deviceLog.Debug("Device status",
			zap.String("state", string(status.State)),
			zap.Int("queued_scans", status.Queue.Length),
			zap.Uint64("scans_enqueued", status.Queue.Enqueued),
			zap.Uint64("scans_dequeued", status.Queue.Dequeued),
		)
	}
}

// Close stops scanning, closes the session and ends event subscriptions
func (ds *DeviceService) Close() error {
	var err error

	if ds.driver.State() == driver.StateScanning {
		ctx, cancel := context.WithTimeout(context.Background(), ds.options.StopTimeout)
		stopErr := ds.driver.StopScanning(ctx)
		cancel()
		if stopErr != nil {
			err = multierr.Append(err, fmt.Errorf("stop scanning: %w", stopErr))
		}
	}

	if closeErr := ds.driver.Close(); closeErr != nil {
		err = multierr.Append(err, fmt.Errorf("close session: %w", closeErr))
	}
	ds.events.Close()

	if err != nil {
		ds.logger.Warn("Device service closed with errors", zap.Errors("errors", multierr.Errors(err)))
	}
	return err
}

// run logs an operation's outcome
func (ds *DeviceService) run(op string, fn func() error) error {
	start := time.Now()
	err := fn()
	duration := time.Since(start)

	switch {
	case err == nil:
		ds.deviceLog.Info("Device operation completed",
			zap.String("operation", op),
			zap.Duration("duration", duration),
		)
	case driver.IsFatal(err) || errors.Is(err, driver.ErrFaulted):
		ds.deviceLog.Error("Device operation failed",
			zap.String("operation", op),
			zap.Duration("duration", duration),
			zap.Error(err),
		)
	default:
		ds.deviceLog.Warn("Device operation rejected",
			zap.String("operation", op),
			zap.Duration("duration", duration),
			zap.Error(err),
		)
	}
	return err
}
