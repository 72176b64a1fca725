// internal/driver/sweep/sim_test.go
package sweep

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"sweep-service/internal/model"
	"sweep-service/internal/protocol"
	"sweep-service/pkg/driver"
)

// simDevice emulates a Sweep on the far side of a Transport
type simDevice struct {
	mu             sync.Mutex
	motorSpeed     int
	sampleRate     int
	calibratePolls int
	pollsLeft      int
	scanning       bool
	commands       []string
	muted          map[Header]bool
	writeErr       error
	refuseStarts   int
	rejectParams   bool
	// frames streamed ahead of the DX reply
	beforeStop [][]byte
	conn       simSink
	opens      int
}

// simSink is where the device puts its replies
type simSink interface {
	send(frame []byte)
}

type simConn struct {
	dev    *simDevice
	frames chan []byte
	closed chan struct{}
	once   sync.Once
}

func newSimDevice() *simDevice {
	return &simDevice{
		motorSpeed:     5,
		sampleRate:     500,
		calibratePolls: 2,
		muted:          make(map[Header]bool),
	}
}

func (d *simDevice) open(ctx context.Context) (Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c := &simConn{
		dev:    d,
		frames: make(chan []byte, 4096),
		closed: make(chan struct{}),
	}
	d.conn = c
	d.opens++
	return c, nil
}

func (c *simConn) Expect(h Header) {}

func (c *simConn) Write(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-c.closed:
		return errors.New("sim: connection closed")
	default:
	}
	return c.dev.handle(c, data)
}

func (c *simConn) ReadFrame(ctx context.Context) ([]byte, error) {
	select {
	case f := <-c.frames:
		return f, nil
	case <-c.closed:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *simConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *simConn) send(frame []byte) {
	select {
	case c.frames <- frame:
	case <-c.closed:
	}
}

// openBytes connects through a byte stream and the real frame splitter
func (d *simDevice) openBytes(ctx context.Context) (Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p := &simPort{
		dev:    d,
		ready:  make(chan struct{}, 1),
		closed: make(chan struct{}),
	}
	d.conn = p
	d.opens++
	return NewFrameTransport(p), nil
}

// simPort is a serial line to the device. Reads come back in small
// chunks that ignore frame boundaries.
type simPort struct {
	dev    *simDevice
	mu     sync.Mutex
	buf    []byte
	ready  chan struct{}
	closed chan struct{}
	once   sync.Once
}

const simChunk = 5

var _ protocol.DeviceProtocol = (*simPort)(nil)

func (p *simPort) Open(ctx context.Context) error { return nil }

func (p *simPort) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}

func (p *simPort) IsOpen() bool {
	select {
	case <-p.closed:
		return false
	default:
		return true
	}
}

func (p *simPort) Write(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !p.IsOpen() {
		return errors.New("sim: port closed")
	}
	return p.dev.handle(p, data)
}

func (p *simPort) Read(ctx context.Context, maxBytes int) ([]byte, error) {
	for {
		p.mu.Lock()
		if len(p.buf) > 0 {
			n := min(maxBytes, simChunk, len(p.buf))
			out := append([]byte(nil), p.buf[:n]...)
			p.buf = p.buf[n:]
			p.mu.Unlock()
			return out, nil
		}
		p.mu.Unlock()

		select {
		case <-p.ready:
		case <-p.closed:
			return nil, io.EOF
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Millisecond):
			return []byte{}, nil
		}
	}
}

func (p *simPort) GetProtocolType() model.ConnectionType { return model.ConnectionTypeSerial }

func (p *simPort) Stats() protocol.ProtocolStats { return protocol.ProtocolStats{} }

func (p *simPort) send(frame []byte) {
	p.mu.Lock()
	p.buf = append(p.buf, frame...)
	p.mu.Unlock()
	select {
	case p.ready <- struct{}{}:
	default:
	}
}

func (d *simDevice) handle(c simSink, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.writeErr != nil {
		return d.writeErr
	}

	line := strings.TrimSuffix(string(data), "\n")
	d.commands = append(d.commands, line)
	h := Header(line[:2])
	param := line[2:]
	if d.muted[h] {
		return nil
	}

	switch h {
	case HeaderStartScan:
		switch {
		case d.refuseStarts > 0:
			d.refuseStarts--
			c.send(statusFrame(h, StatusMotorNotReady))
		case d.motorSpeed == 0:
			c.send(statusFrame(h, StatusMotorStationary))
		case d.pollsLeft > 0:
			c.send(statusFrame(h, StatusMotorNotReady))
		default:
			d.scanning = true
			c.send(statusFrame(h, StatusOK))
		}
	case HeaderStopScan:
		for _, f := range d.beforeStop {
			c.send(f)
		}
		d.scanning = false
		c.send(statusFrame(h, StatusOK))
	case HeaderMotorSpeedAdj:
		n, _ := strconv.Atoi(param)
		if n != d.motorSpeed {
			d.pollsLeft = d.calibratePolls
		}
		d.motorSpeed = n
		c.send(paramFrame(h, param, StatusOK))
	case HeaderSampleRateAdj:
		hz, ok := sampleRateFromCode(param)
		if !ok || d.rejectParams {
			c.send(paramFrame(h, param, StatusInvalidParam))
			return nil
		}
		if hz != d.sampleRate {
			d.pollsLeft = d.calibratePolls
		}
		d.sampleRate = hz
		c.send(paramFrame(h, param, StatusOK))
	case HeaderMotorReady:
		if d.pollsLeft > 0 {
			d.pollsLeft--
			c.send(valueFrame(h, "01"))
		} else {
			c.send(valueFrame(h, "00"))
		}
	case HeaderMotorSpeedInfo:
		c.send(valueFrame(h, fmt.Sprintf("%02d", d.motorSpeed)))
	case HeaderSampleRateInfo:
		c.send(valueFrame(h, sampleRateCodes[d.sampleRate]))
	case HeaderVersionInfo:
		c.send([]byte("IVSWEEP17171" + "00000042" + "\n"))
	case HeaderDeviceInfo:
		c.send([]byte(fmt.Sprintf("ID115200100%02d%04d\n", d.motorSpeed, d.sampleRate)))
	case HeaderResetDevice:
		d.scanning = false
		d.motorSpeed = 5
		d.sampleRate = 500
	}
	return nil
}

// emitScans streams n complete rotations of size samples each, followed by
// the sync packet that closes the last one
func (d *simDevice) emitScans(n, size int) {
	d.mu.Lock()
	c := d.conn
	d.mu.Unlock()

	for i := 0; i < n; i++ {
		for j := 0; j < size; j++ {
			c.send(packetFrame(j == 0, uint16(j*16*360/size), uint16(100+i), 200))
		}
	}
	c.send(packetFrame(true, 0, 100, 200))
}

func (d *simDevice) emit(frame []byte) {
	d.mu.Lock()
	c := d.conn
	d.mu.Unlock()
	c.send(frame)
}

func (d *simDevice) sent() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.commands...)
}

func (d *simDevice) set(fn func(d *simDevice)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	fn(d)
}

func statusFrame(h Header, status Status) []byte {
	return []byte{h[0], h[1], status[0], status[1], StatusChecksum(status[0], status[1]), '\n'}
}

func paramFrame(h Header, param string, status Status) []byte {
	return []byte{h[0], h[1], param[0], param[1], '\n', status[0], status[1], StatusChecksum(status[0], status[1]), '\n'}
}

func valueFrame(h Header, value string) []byte {
	return []byte(string(h) + value + "\n")
}

// flaggedFrame is a packet whose error flags spell a header letter
func flaggedFrame(first, second byte, strength uint8) []byte {
	b := []byte{first, second, 0, 100, 0, strength, 0}
	b[6] = PacketChecksum(b)
	return b
}

func packetFrame(start bool, angle, distanceCM uint16, strength uint8) []byte {
	b := make([]byte, packetSize)
	if start {
		b[0] = syncBit
	}
	binary.LittleEndian.PutUint16(b[1:3], angle)
	binary.LittleEndian.PutUint16(b[3:5], distanceCM)
	b[5] = strength
	b[6] = PacketChecksum(b)
	return b
}

// recordingHandler collects session events
type recordingHandler struct {
	mu          sync.Mutex
	transitions []string
	errors      []error
	scans       []uint64
}

func (h *recordingHandler) OnStateChanged(deviceID string, oldState, newState driver.State) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.transitions = append(h.transitions, string(oldState)+">"+string(newState))
}

func (h *recordingHandler) OnDeviceError(deviceID string, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.errors = append(h.errors, err)
}

func (h *recordingHandler) OnScan(deviceID string, sequence uint64, samples int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.scans = append(h.scans, sequence)
}

func (h *recordingHandler) seen() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.transitions...)
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.DeviceID = "sweep-test"
	cfg.CommandTimeout = time.Second
	cfg.ReadyPollInterval = time.Millisecond
	cfg.ReadyPollMax = 4 * time.Millisecond
	return cfg
}

func openTestSession(t *testing.T, dev *simDevice, opts ...Option) *Session {
	t.Helper()
	return openTestSessionWith(t, dev, testConfig(), opts...)
}

func openTestSessionWith(t *testing.T, dev *simDevice, cfg Config, opts ...Option) *Session {
	t.Helper()
	s := NewSession(cfg, dev.open, zap.NewNop(), opts...)
	require.NoError(t, s.Open(context.Background()))
	t.Cleanup(func() { s.Close() })
	return s
}

// waitReady polls readiness the way an external caller would
func waitReady(t *testing.T, s *Session) {
	t.Helper()
	require.Eventually(t, func() bool {
		ready, err := s.GetMotorReady(context.Background())
		return err == nil && ready
	}, 2*time.Second, time.Millisecond)
}

func waitEnqueued(t *testing.T, s *Session, n uint64) {
	t.Helper()
	require.Eventually(t, func() bool {
		return s.QueueStats().Enqueued >= n
	}, 2*time.Second, time.Millisecond)
}
