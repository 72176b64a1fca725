// internal/service/device_service_test.go
package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"sweep-service/internal/config"
	internalDriver "sweep-service/internal/driver"
	"sweep-service/internal/model"
	"sweep-service/pkg/driver"
	"sweep-service/pkg/driver/drivertest"
)

func newTestService(t *testing.T) (*DeviceService, *drivertest.FakeDriver) {
	t.Helper()
	device := &model.Device{
		DeviceID:   "sweep-test",
		DeviceType: model.DeviceTypeLidar,
		Brand:      model.BrandScanse,
		Model:      "SWEEP",
		Address:    "/dev/ttyUSB0",
	}
	fake := drivertest.NewFakeDriver(device.DeviceID)
	ds := NewDeviceService(device, fake, Options{ScanWaitTimeout: 50 * time.Millisecond}, zap.NewNop())
	return ds, fake
}

func TestDeviceService_Lifecycle(t *testing.T) {
	ds, fake := newTestService(t)
	ctx := context.Background()

	require.NoError(t, ds.Open(ctx))
	assert.Equal(t, driver.StateIdle, ds.Status().State)

	require.NoError(t, ds.SetSampleRate(ctx, 1000))
	rate, err := ds.GetSampleRate(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1000, rate)

	require.NoError(t, ds.StartScanning(ctx))
	require.NoError(t, fake.Emit(driver.Sample{Angle: 16, Distance: 1000}))

	scan, err := ds.NextScan(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), scan.Sequence)

	require.NoError(t, ds.Close())
	assert.Equal(t, []string{"open", "set_sample_rate", "get_sample_rate", "start_scanning", "stop_scanning", "close"}, fake.Calls())
	assert.Equal(t, driver.StateClosed, ds.Status().State)
}

func TestDeviceService_NextScanTimesOut(t *testing.T) {
	ds, _ := newTestService(t)
	ctx := context.Background()
	require.NoError(t, ds.Open(ctx))
	require.NoError(t, ds.StartScanning(ctx))

	start := time.Now()
	_, err := ds.NextScan(ctx, 20*time.Millisecond)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
}

func TestDeviceService_NextScanWhenStopped(t *testing.T) {
	ds, _ := newTestService(t)
	require.NoError(t, ds.Open(context.Background()))

	_, err := ds.NextScan(context.Background(), 0)
	assert.ErrorIs(t, err, driver.ErrNotScanning)
}

func TestDeviceService_OpenFailure(t *testing.T) {
	ds, fake := newTestService(t)
	fake.OpenErr = errors.New("no such port")

	err := ds.Open(context.Background())
	assert.ErrorIs(t, err, driver.ErrTransport)
	assert.Equal(t, driver.StateFaulted, ds.Status().State)

	// reopening recovers
	require.NoError(t, ds.Open(context.Background()))
	assert.Equal(t, driver.StateIdle, ds.Status().State)
}

func TestDeviceService_Events(t *testing.T) {
	ds, fake := newTestService(t)
	events, unsubscribe := ds.Events().Subscribe(16)
	defer unsubscribe()

	require.NoError(t, ds.Open(context.Background()))
	require.NoError(t, ds.StartScanning(context.Background()))
	require.NoError(t, fake.Emit())
	fake.Fail(errors.New("cable pulled"))

	var types []string
	for len(types) < 5 {
		select {
		case ev := <-events:
			types = append(types, ev.Type)
		case <-time.After(time.Second):
			t.Fatalf("missing events, got %v", types)
		}
	}
	assert.Equal(t, []string{
		EventStateChanged, EventStateChanged, EventScan, EventDeviceError, EventStateChanged,
	}, types)
}

func TestEventBus_Close(t *testing.T) {
	bus := NewEventBus(zap.NewNop())
	events, unsubscribe := bus.Subscribe(1)

	bus.Close()
	_, ok := <-events
	assert.False(t, ok)

	// both are safe after close
	unsubscribe()
	late, _ := bus.Subscribe(1)
	_, ok = <-late
	assert.False(t, ok)
}

func TestEventBus_SlowSubscriberDoesNotBlock(t *testing.T) {
	bus := NewEventBus(zap.NewNop())
	_, unsubscribe := bus.Subscribe(1)
	defer unsubscribe()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			bus.OnScan("sweep", uint64(i), 1)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
}

func TestNewDeviceServiceFromConfig(t *testing.T) {
	cfg, err := config.Defaults()
	require.NoError(t, err)
	cfg.Device.Address = "tcp://127.0.0.1:9"
	cfg.Device.ConnectionType = "tcp"

	registry := internalDriver.NewRegistry(zap.NewNop())
	internalDriver.RegisterDefaultDrivers(registry, zap.NewNop())

	ds, err := NewDeviceServiceFromConfig(cfg, registry, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, model.ConnectionTypeTCP, ds.Device().ConnectionType)
	assert.Equal(t, driver.StateClosed, ds.Status().State)

	sc := SweepConfig(cfg.Device)
	assert.Equal(t, cfg.Device.CommandTimeout, sc.CommandTimeout)
	assert.Equal(t, 115200, sc.Protocol.Serial.BaudRate)

	cfg.Device.Brand = "ACME"
	_, err = NewDeviceServiceFromConfig(cfg, registry, zap.NewNop())
	assert.Error(t, err)
}
