// internal/discovery/serial/scanner_test.go
package serial

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.bug.st/serial/enumerator"
	"go.uber.org/zap"

	"sweep-service/internal/discovery"
	"sweep-service/internal/model"
)

func newTestScanner(ports []*enumerator.PortDetails, err error) *Scanner {
	s := NewScanner(zap.NewNop())
	s.listPorts = func() ([]*enumerator.PortDetails, error) {
		return ports, err
	}
	return s
}

var testPorts = []*enumerator.PortDetails{
	{Name: "/dev/ttyS0"},
	{Name: "/dev/ttyUSB0", IsUSB: true, VID: "0403", PID: "6015", SerialNumber: "DM00ABCD", Product: "FT230X Basic UART"},
	{Name: "/dev/ttyACM0", IsUSB: true, VID: "2341", PID: "0043"},
}

func TestScanner_Scan(t *testing.T) {
	s := newTestScanner(testPorts, nil)

	devices, err := s.Scan(context.Background())
	require.NoError(t, err)
	require.Len(t, devices, 3)

	sweep := devices[1]
	assert.Equal(t, "/dev/ttyUSB0", sweep.Address)
	assert.Equal(t, model.BrandScanse, sweep.Brand)
	assert.Equal(t, model.DeviceTypeLidar, sweep.DeviceType)
	assert.Equal(t, "DM00ABCD", sweep.SerialNumber)
	assert.Greater(t, sweep.Confidence, devices[0].Confidence)
}

func TestScanner_KnownOnly(t *testing.T) {
	s := newTestScanner(testPorts, nil)
	s.IncludeUnknown = false

	devices, err := s.Scan(context.Background())
	require.NoError(t, err)
	require.Len(t, devices, 1)
	assert.Equal(t, "/dev/ttyUSB0", devices[0].Address)
}

func TestScanner_Errors(t *testing.T) {
	_, err := newTestScanner(nil, errors.New("no sysfs")).Scan(context.Background())
	assert.Error(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = newTestScanner(testPorts, nil).Scan(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestScannerManager_OrdersByConfidence(t *testing.T) {
	m := discovery.NewScannerManager(zap.NewNop())
	m.RegisterScanner(newTestScanner(testPorts, nil))

	devices, err := m.ScanAll(context.Background())
	require.NoError(t, err)
	require.Len(t, devices, 3)
	assert.Equal(t, "/dev/ttyUSB0", devices[0].Address)
	assert.Equal(t, []string{"serial"}, m.GetAvailableScanners())

	_, err = m.ScanByType(context.Background(), "usb")
	assert.Error(t, err)
}
