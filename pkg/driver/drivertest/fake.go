// pkg/driver/drivertest/fake.go
package drivertest

import (
	"context"
	"errors"
	"sync"
	"time"

	"sweep-service/internal/scanqueue"
	"sweep-service/pkg/driver"
)

// FakeDriver is an in-memory RangingDriver for tests of code built on top of
// a driver. Scans are produced by calling Emit.
type FakeDriver struct {
	mu       sync.Mutex
	deviceID string
	state    driver.State
	settings driver.Settings
	ready    bool
	fault    error
	nextSeq  uint64
	openedAt time.Time
	handler  driver.EventHandler
	queue    *scanqueue.Queue[*driver.Scan]
	calls    []string

	// OpenErr is returned by the next Open
	OpenErr error
	// Info is returned by GetDeviceInfo
	Info driver.DeviceInfo
}

var _ driver.RangingDriver = (*FakeDriver)(nil)

// NewFakeDriver creates a closed fake driver
func NewFakeDriver(deviceID string) *FakeDriver {
	return &FakeDriver{
		deviceID: deviceID,
		state:    driver.StateClosed,
		ready:    true,
		queue:    scanqueue.New[*driver.Scan](),
		Info: driver.DeviceInfo{
			Model:           "SWEEP",
			SerialNumber:    "00000042",
			FirmwareVersion: "1.7",
			Manufacturer:    "Scanse",
		},
	}
}

// Calls lists the driver methods invoked so far
func (f *FakeDriver) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// SetReady controls what GetMotorReady reports
func (f *FakeDriver) SetReady(ready bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ready = ready
}

// Emit queues a complete scan while scanning
func (f *FakeDriver) Emit(samples ...driver.Sample) error {
	f.mu.Lock()
	scan := &driver.Scan{Sequence: f.nextSeq, Timestamp: time.Now(), Samples: samples}
	h := f.handler
	f.mu.Unlock()

	if err := f.queue.Enqueue(scan); err != nil {
		return err
	}

	f.mu.Lock()
	f.nextSeq++
	f.mu.Unlock()

	if h != nil {
		h.OnScan(f.deviceID, scan.Sequence, len(samples))
	}
	return nil
}

// Fail faults the driver as a transport failure would
func (f *FakeDriver) Fail(cause error) {
	f.mu.Lock()
	old := f.state
	f.state = driver.StateFaulted
	f.fault = driver.NewError(driver.CodeTransport, "read", cause)
	h := f.handler
	f.mu.Unlock()

	f.queue.Stop()
	if h != nil {
		h.OnDeviceError(f.deviceID, cause)
	}
	f.notify(old, driver.StateFaulted)
}

func (f *FakeDriver) record(call string) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
}

func (f *FakeDriver) transition(to driver.State) {
	f.mu.Lock()
	old := f.state
	f.state = to
	f.mu.Unlock()
	f.notify(old, to)
}

func (f *FakeDriver) notify(from, to driver.State) {
	f.mu.Lock()
	h := f.handler
	f.mu.Unlock()
	if h != nil && from != to {
		h.OnStateChanged(f.deviceID, from, to)
	}
}

func (f *FakeDriver) usable(op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch f.state {
	case driver.StateClosed:
		return driver.Errorf(driver.CodeInvalidState, op, "session closed")
	case driver.StateFaulted:
		return driver.Errorf(driver.CodeFaulted, op, "session faulted: %v", f.fault)
	}
	return nil
}

func (f *FakeDriver) idle(op string) error {
	if err := f.usable(op); err != nil {
		return err
	}
	if f.State() == driver.StateScanning {
		return driver.Errorf(driver.CodeInvalidState, op, "not allowed while scanning")
	}
	return nil
}

func (f *FakeDriver) Open(ctx context.Context) error {
	f.record("open")
	if err := ctx.Err(); err != nil {
		return err
	}

	f.queue.Stop()
	f.queue.Clear()

	f.mu.Lock()
	err := f.OpenErr
	f.OpenErr = nil
	f.mu.Unlock()
	if err != nil {
		f.mu.Lock()
		f.fault = driver.NewError(driver.CodeTransport, "open", err)
		f.mu.Unlock()
		f.transition(driver.StateFaulted)
		return driver.NewError(driver.CodeTransport, "open", err)
	}

	f.mu.Lock()
	f.settings = driver.Settings{SampleRate: 500, MotorSpeed: 5}
	f.fault = nil
	f.nextSeq = 0
	f.openedAt = time.Now()
	f.mu.Unlock()
	f.transition(driver.StateIdle)
	return nil
}

func (f *FakeDriver) Close() error {
	f.record("close")
	f.queue.Stop()
	f.transition(driver.StateClosed)
	return nil
}

func (f *FakeDriver) State() driver.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *FakeDriver) Settings() driver.Settings {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.settings
}

func (f *FakeDriver) Status() driver.Status {
	st := f.queue.Stats()

	f.mu.Lock()
	defer f.mu.Unlock()
	status := driver.Status{
		DeviceID: f.deviceID,
		State:    f.state,
		Settings: f.settings,
		Queue: driver.QueueStats{
			Length:    st.Length,
			Enqueued:  st.Enqueued,
			Dequeued:  st.Dequeued,
			Producing: st.Producing,
		},
	}
	if f.fault != nil {
		status.Fault = f.fault.Error()
	}
	if !f.openedAt.IsZero() {
		openedAt := f.openedAt
		status.OpenedAt = &openedAt
	}
	return status
}

func (f *FakeDriver) SetSampleRate(ctx context.Context, hz int) error {
	f.record("set_sample_rate")
	if hz != 500 && hz != 750 && hz != 1000 {
		return driver.Errorf(driver.CodeInvalidArgument, "set_sample_rate", "sample rate %d Hz", hz)
	}
	if err := f.idle("set_sample_rate"); err != nil {
		return err
	}
	f.mu.Lock()
	f.settings.SampleRate = hz
	f.mu.Unlock()
	return nil
}

func (f *FakeDriver) GetSampleRate(ctx context.Context) (int, error) {
	f.record("get_sample_rate")
	if err := f.usable("get_sample_rate"); err != nil {
		return 0, err
	}
	return f.Settings().SampleRate, nil
}

func (f *FakeDriver) SetMotorSpeed(ctx context.Context, hz int) error {
	f.record("set_motor_speed")
	if hz < 0 || hz > 10 {
		return driver.Errorf(driver.CodeInvalidArgument, "set_motor_speed", "motor speed %d Hz", hz)
	}
	if err := f.idle("set_motor_speed"); err != nil {
		return err
	}
	f.mu.Lock()
	f.settings.MotorSpeed = hz
	f.mu.Unlock()
	return nil
}

func (f *FakeDriver) GetMotorSpeed(ctx context.Context) (int, error) {
	f.record("get_motor_speed")
	if err := f.usable("get_motor_speed"); err != nil {
		return 0, err
	}
	return f.Settings().MotorSpeed, nil
}

func (f *FakeDriver) GetMotorReady(ctx context.Context) (bool, error) {
	f.record("get_motor_ready")
	if err := f.usable("get_motor_ready"); err != nil {
		return false, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ready, nil
}

func (f *FakeDriver) StartScanning(ctx context.Context) error {
	f.record("start_scanning")
	if err := f.usable("start_scanning"); err != nil {
		return err
	}
	if f.State() == driver.StateScanning {
		return nil
	}
	f.queue.Start()
	f.transition(driver.StateScanning)
	return nil
}

func (f *FakeDriver) StopScanning(ctx context.Context) error {
	f.record("stop_scanning")
	if err := f.usable("stop_scanning"); err != nil {
		return err
	}
	f.queue.Stop()
	f.transition(driver.StateIdle)
	return nil
}

func (f *FakeDriver) GetScan(ctx context.Context) (*driver.Scan, error) {
	scan, err := f.queue.Dequeue(ctx)
	if err == nil {
		return scan, nil
	}
	if !errors.Is(err, scanqueue.ErrNotProducing) {
		return nil, err
	}
	if err := f.usable("get_scan"); err != nil {
		return nil, err
	}
	return nil, driver.Errorf(driver.CodeNotScanning, "get_scan", "no scans queued and scanning is stopped")
}

func (f *FakeDriver) GetDeviceInfo(ctx context.Context) (*driver.DeviceInfo, error) {
	f.record("get_device_info")
	if err := f.usable("get_device_info"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	info := f.Info
	info.MotorSpeed = f.settings.MotorSpeed
	info.SampleRate = f.settings.SampleRate
	return &info, nil
}

func (f *FakeDriver) Reset(ctx context.Context) error {
	f.record("reset")
	if err := f.usable("reset"); err != nil {
		return err
	}
	f.queue.Stop()
	f.mu.Lock()
	f.fault = errors.New("device reset")
	f.mu.Unlock()
	f.transition(driver.StateFaulted)
	return nil
}

func (f *FakeDriver) SetEventHandler(h driver.EventHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handler = h
}
