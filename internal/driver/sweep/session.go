// internal/driver/sweep/session.go
package sweep

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"sweep-service/internal/model"
	"sweep-service/internal/protocol"
	"sweep-service/internal/scanqueue"
	"sweep-service/internal/utils"
	"sweep-service/pkg/driver"
)

// Config configures a device session
type Config struct {
	DeviceID          string
	Address           string
	CommandTimeout    time.Duration
	ReadyPollInterval time.Duration
	ReadyPollMax      time.Duration
	Protocol          protocol.Options
}

// DefaultConfig returns session defaults
func DefaultConfig() Config {
	return Config{
		DeviceID:          "sweep",
		CommandTimeout:    2 * time.Second,
		ReadyPollInterval: 100 * time.Millisecond,
		ReadyPollMax:      time.Second,
		Protocol:          protocol.DefaultOptions(),
	}
}

var errStopped = errors.New("session stopped")

// Option customizes a Session
type Option func(*Session)

// WithClock sets the clock used for timestamps and timers
func WithClock(clk clock.Clock) Option {
	return func(s *Session) {
		s.clock = clk
	}
}

// WithEventHandler sets the handler that receives session events
func WithEventHandler(h driver.EventHandler) Option {
	return func(s *Session) {
		s.handler = h
	}
}

type result struct {
	resp *Response
	err  error
}

// pendingCommand is the single command awaiting its response
type pendingCommand struct {
	header Header
	// runs on the reader goroutine with s.mu held, before the caller wakes
	onAck func(*Response)
	done  chan result
}

// link is one opened transport and its reader goroutine
type link struct {
	transport Transport
	cancel    context.CancelFunc
	stop      chan struct{}
}

// Session owns one device connection. A background reader demultiplexes
// inbound frames: responses complete the pending command, scan packets feed
// the assembler while streaming. The cmds semaphore admits one command round
// trip at a time and is never held while waiting for the motor.
type Session struct {
	cfg     Config
	opener  Opener
	clock   clock.Clock
	base    *utils.DeviceLogger
	log     atomic.Pointer[utils.DeviceLogger]
	queue   *scanqueue.Queue[*driver.Scan]
	monitor *readinessMonitor

	cmds *semaphore.Weighted

	mu        sync.Mutex
	state     driver.State
	settings  driver.Settings
	fault     error
	link      *link
	pending   *pendingCommand
	streaming bool
	asm       *assembler
	nextSeq   uint64
	sessionID string
	openedAt  time.Time
	handler   driver.EventHandler
	// cancels a StartScanning that is still waiting for the motor
	starting context.CancelFunc
}

// NewSession creates a closed session. Call Open to connect.
func NewSession(cfg Config, opener Opener, logger *zap.Logger, opts ...Option) *Session {
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = DefaultConfig().CommandTimeout
	}

	s := &Session{
		cfg:    cfg,
		opener: opener,
		clock:  clock.New(),
		base:   utils.NewDeviceLogger(logger, cfg.DeviceID, string(model.DeviceTypeLidar), string(model.BrandScanse)),
		queue:  scanqueue.New[*driver.Scan](),
		cmds:   semaphore.NewWeighted(1),
		state:  driver.StateClosed,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.log.Store(s.base)
	s.asm = newAssembler(s.clock)
	s.monitor = newReadinessMonitor(s.clock, cfg.ReadyPollInterval, cfg.ReadyPollMax)
	return s
}

// Dial opens a session on a device address such as /dev/ttyUSB0 or tcp://host:port
func Dial(ctx context.Context, cfg Config, logger *zap.Logger, opts ...Option) (*Session, error) {
	s := NewSession(cfg, AddressOpener(cfg.Address, cfg.Protocol, logger), logger, opts...)
	if err := s.Open(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// AddressOpener returns an Opener that connects to address on every call
func AddressOpener(address string, opts protocol.Options, logger *zap.Logger) Opener {
	return func(ctx context.Context) (Transport, error) {
		proto, err := protocol.CreateProtocol(address, opts, logger)
		if err != nil {
			return nil, err
		}
		if err := proto.Open(ctx); err != nil {
			return nil, err
		}
		return NewFrameTransport(proto), nil
	}
}

func (s *Session) logger() *utils.DeviceLogger {
	return s.log.Load()
}

// SetEventHandler sets the handler that receives session events
func (s *Session) SetEventHandler(h driver.EventHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = h
}

// Open connects a fresh transport and performs the handshake. Reopening
// discards the previous transport, clears queued scans and restarts
// sequence numbering. It is the only way out of FAULTED.
func (s *Session) Open(ctx context.Context) error {
	const op = "open"

	if err := s.acquireCommands(ctx, op); err != nil {
		return err
	}
	defer s.releaseCommands()

	s.mu.Lock()
	old := s.state
	prev, p := s.detachLocked()
	s.settings = driver.Settings{}
	s.fault = nil
	s.nextSeq = 0
	s.mu.Unlock()

	if err := s.release(prev, p, driver.Errorf(driver.CodeInvalidState, op, "session reopened")); err != nil {
		s.logger().Warn("Failed to close previous transport", zap.Error(err))
	}
	if dropped := s.queue.Clear(); dropped > 0 {
		s.logger().Info("Discarded queued scans on reopen", zap.Int("scans", dropped))
	}

	t, err := s.opener(ctx)
	if err != nil {
		derr := driver.NewError(driver.CodeTransport, op, err)
		s.mu.Lock()
		s.state = driver.StateFaulted
		s.fault = derr
		s.mu.Unlock()
		s.logger().LogConnection("open", false, err)
		s.notifyState(old, driver.StateFaulted)
		return derr
	}

	readerCtx, cancel := context.WithCancel(context.Background())
	l := &link{transport: t, cancel: cancel, stop: make(chan struct{})}
	sessionID := uuid.New().String()

	s.mu.Lock()
	s.link = l
	s.state = driver.StateIdle
	s.sessionID = sessionID
	s.openedAt = s.clock.Now()
	s.mu.Unlock()

	s.log.Store(s.base.WithSession(sessionID))
	go s.readLoop(readerCtx, l)

	if err := s.handshake(ctx); err != nil {
		if !driver.IsFatal(err) {
			err = driver.NewError(driver.CodeTransport, op, err)
		}
		s.failLink(l, err)
		s.logger().LogConnection("open", false, err)
		return err
	}

	s.logger().LogConnection("open", true, nil)
	s.notifyState(old, driver.StateIdle)
	return nil
}

// handshake identifies the device and seeds the configuration snapshot
func (s *Session) handshake(ctx context.Context) error {
	const op = "handshake"

	resp, err := s.roundTrip(ctx, op, Cmd(HeaderVersionInfo), nil)
	if err != nil {
		return err
	}

	speed, err := s.queryMotorSpeed(ctx, op)
	if err != nil {
		return err
	}
	rate, err := s.querySampleRate(ctx, op)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.settings = driver.Settings{SampleRate: rate, MotorSpeed: speed}
	s.mu.Unlock()

	s.logger().Info("Device identified",
		zap.String("model", resp.Version.Model),
		zap.String("firmware", resp.Version.FirmwareVersion),
		zap.String("serial_number", resp.Version.SerialNumber),
		zap.Int("motor_speed", speed),
		zap.Int("sample_rate", rate),
	)
	return nil
}

// Close releases the transport. Later operations fail with InvalidState.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.state == driver.StateClosed && s.link == nil {
		s.mu.Unlock()
		return nil
	}
	old := s.state
	s.state = driver.StateClosed
	l, p := s.detachLocked()
	s.mu.Unlock()

	err := s.release(l, p, driver.Errorf(driver.CodeInvalidState, "close", "session closed"))
	s.logger().LogConnection("close", err == nil, err)
	s.notifyState(old, driver.StateClosed)
	if err != nil {
		return driver.NewError(driver.CodeTransport, "close", err)
	}
	return nil
}

// State returns the lifecycle state
func (s *Session) State() driver.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Settings returns the configuration snapshot
func (s *Session) Settings() driver.Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings
}

// QueueStats reports the scan backlog
func (s *Session) QueueStats() driver.QueueStats {
	st := s.queue.Stats()
	return driver.QueueStats{
		Length:    st.Length,
		Enqueued:  st.Enqueued,
		Dequeued:  st.Dequeued,
		Producing: st.Producing,
	}
}

// SessionID identifies the current open of the session
func (s *Session) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// Status returns a non-blocking view of the session
func (s *Session) Status() driver.Status {
	queue := s.QueueStats()

	s.mu.Lock()
	defer s.mu.Unlock()

	status := driver.Status{
		DeviceID: s.cfg.DeviceID,
		State:    s.state,
		Settings: s.settings,
		Queue:    queue,
	}
	if s.fault != nil {
		status.Fault = s.fault.Error()
	}
	if !s.openedAt.IsZero() {
		openedAt := s.openedAt
		status.OpenedAt = &openedAt
	}
	return status
}

// SetSampleRate sets the sample rate in Hz (500, 750 or 1000)
func (s *Session) SetSampleRate(ctx context.Context, hz int) error {
	return s.adjust(ctx, "set_sample_rate", SampleRateAdjust(hz), func(st *driver.Settings) *int {
		return &st.SampleRate
	})
}

// SetMotorSpeed sets the motor speed in Hz (0 to 10)
func (s *Session) SetMotorSpeed(ctx context.Context, hz int) error {
	return s.adjust(ctx, "set_motor_speed", MotorSpeedAdjust(hz), func(st *driver.Settings) *int {
		return &st.MotorSpeed
	})
}

// adjust sends a configuration command. The snapshot changes only when the
// device acknowledges, and a changed value starts a calibration.
func (s *Session) adjust(ctx context.Context, op string, cmd Command, field func(*driver.Settings) *int) error {
	if err := s.acquireCommands(ctx, op); err != nil {
		return err
	}
	defer s.releaseCommands()

	s.mu.Lock()
	if err := s.usableLocked(op); err != nil {
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()

	payload, err := Encode(cmd)
	if err != nil {
		return err
	}
	param := string(payload[2:4])

	s.mu.Lock()
	if s.state == driver.StateScanning {
		s.mu.Unlock()
		return driver.Errorf(driver.CodeInvalidState, op, "configuration cannot change while scanning")
	}
	s.mu.Unlock()

	resp, err := s.roundTrip(ctx, op, cmd, func(resp *Response) {
		if resp.Status != StatusOK || resp.Param != param {
			return
		}
		value := field(&s.settings)
		if *value == cmd.Value {
			return
		}
		*value = cmd.Value
		if s.state == driver.StateIdle {
			s.state = driver.StateCalibrating
		}
	})
	if err != nil {
		return err
	}

	if resp.Param != param {
		return s.escalate(driver.NewError(driver.CodeProtocol, op,
			&ProtocolError{Kind: Unexpected, Header: cmd.Header, Detail: fmt.Sprintf("echoed %q, sent %q", resp.Param, param)}))
	}
	if err := statusError(op, cmd.Header, resp.Status); err != nil {
		return s.escalate(err)
	}

	s.logger().Info("Configuration acknowledged",
		zap.String("operation", op),
		zap.Int("value", cmd.Value),
	)
	return nil
}

// GetSampleRate queries the device's current sample rate in Hz
func (s *Session) GetSampleRate(ctx context.Context) (int, error) {
	const op = "get_sample_rate"
	if err := s.acquireCommands(ctx, op); err != nil {
		return 0, err
	}
	defer s.releaseCommands()
	return s.querySampleRate(ctx, op)
}

func (s *Session) querySampleRate(ctx context.Context, op string) (int, error) {
	resp, err := s.roundTrip(ctx, op, Cmd(HeaderSampleRateInfo), nil)
	if err != nil {
		return 0, err
	}
	hz, err := resp.SampleRate()
	if err != nil {
		return 0, s.escalate(driver.NewError(driver.CodeProtocol, op, err))
	}
	return hz, nil
}

// GetMotorSpeed queries the device's current motor speed in Hz
func (s *Session) GetMotorSpeed(ctx context.Context) (int, error) {
	const op = "get_motor_speed"
	if err := s.acquireCommands(ctx, op); err != nil {
		return 0, err
	}
	defer s.releaseCommands()
	return s.queryMotorSpeed(ctx, op)
}

func (s *Session) queryMotorSpeed(ctx context.Context, op string) (int, error) {
	resp, err := s.roundTrip(ctx, op, Cmd(HeaderMotorSpeedInfo), nil)
	if err != nil {
		return 0, err
	}
	hz, err := resp.MotorSpeed()
	if err != nil {
		return 0, s.escalate(driver.NewError(driver.CodeProtocol, op, err))
	}
	return hz, nil
}

// GetMotorReady performs one readiness query. A ready motor ends CALIBRATING.
// It waits for at most the command in flight, even while a start is waiting
// for the motor.
func (s *Session) GetMotorReady(ctx context.Context) (bool, error) {
	const op = "get_motor_ready"
	if err := s.acquireCommands(ctx, op); err != nil {
		return false, err
	}
	defer s.releaseCommands()
	return s.queryMotorReady(ctx, op)
}

func (s *Session) queryMotorReady(ctx context.Context, op string) (bool, error) {
	resp, err := s.roundTrip(ctx, op, Cmd(HeaderMotorReady), func(resp *Response) {
		ready, err := resp.MotorReady()
		if err == nil && ready && s.state == driver.StateCalibrating {
			s.state = driver.StateIdle
		}
	})
	if err != nil {
		return false, err
	}
	ready, err := resp.MotorReady()
	if err != nil {
		return false, s.escalate(driver.NewError(driver.CodeProtocol, op, err))
	}
	return ready, nil
}

// StartScanning waits for the motor to settle, then starts the data stream.
// Scans are queued only after the device acknowledges the start. Each
// readiness poll takes the command slot for one round trip only, so other
// commands interleave with the wait and StopScanning abandons it.
func (s *Session) StartScanning(ctx context.Context) error {
	const op = "start_scanning"

	s.mu.Lock()
	if err := s.usableLocked(op); err != nil {
		s.mu.Unlock()
		return err
	}
	if s.state == driver.StateScanning {
		s.mu.Unlock()
		return driver.Errorf(driver.CodeInvalidState, op, "already scanning")
	}
	if s.starting != nil {
		s.mu.Unlock()
		return driver.Errorf(driver.CodeInvalidState, op, "start already in progress")
	}
	waitCtx, cancel := context.WithCancel(ctx)
	s.starting = cancel
	stop := s.link.stop
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.starting = nil
		s.mu.Unlock()
		cancel()
	}()

	for {
		polls, err := s.monitor.wait(waitCtx, stop, func(ctx context.Context) (bool, error) {
			if err := s.acquireCommands(ctx, op); err != nil {
				return false, err
			}
			defer s.releaseCommands()
			return s.queryMotorReady(ctx, op)
		})
		if err != nil {
			return s.startAborted(ctx, waitCtx, op, err)
		}
		s.logger().Debug("Motor ready", zap.Int("polls", polls))

		resp, err := s.sendStart(waitCtx, op)
		if err != nil {
			return s.startAborted(ctx, waitCtx, op, err)
		}

		if resp.Status == StatusMotorNotReady {
			s.logger().Debug("Start refused while calibrating, waiting again")
			continue
		}
		if err := statusError(op, HeaderStartScan, resp.Status); err != nil {
			return s.escalate(err)
		}

		s.logger().Info("Scanning started")
		return nil
	}
}

// sendStart issues DS once the motor is ready. A start abandoned by
// StopScanning never reaches the device.
func (s *Session) sendStart(ctx context.Context, op string) (*Response, error) {
	if err := s.acquireCommands(ctx, op); err != nil {
		return nil, err
	}
	defer s.releaseCommands()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	return s.roundTrip(ctx, op, Cmd(HeaderStartScan), func(resp *Response) {
		switch resp.Status {
		case StatusOK:
			s.state = driver.StateScanning
			s.streaming = true
			s.asm.reset()
			s.queue.Start()
		case StatusMotorNotReady:
			if s.state == driver.StateIdle {
				s.state = driver.StateCalibrating
			}
		}
	})
}

// startAborted maps the reason a start gave up to the error it reports
func (s *Session) startAborted(ctx, waitCtx context.Context, op string, err error) error {
	switch {
	case errors.Is(err, errStopped):
		s.mu.Lock()
		err = s.usableLocked(op)
		s.mu.Unlock()
		if err == nil {
			err = driver.Errorf(driver.CodeInvalidState, op, "session stopped")
		}
		return err
	case driver.CodeOf(err) != "":
		return err
	case ctx.Err() != nil:
		return fmt.Errorf("%s: %w", op, ctx.Err())
	case waitCtx.Err() != nil:
		return driver.Errorf(driver.CodeInvalidState, op, "stopped before the motor was ready")
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}

// StopScanning stops the data stream. Queued scans stay available and any
// partial rotation is discarded. A start still waiting for the motor is
// abandoned. It is a no-op when not scanning.
func (s *Session) StopScanning(ctx context.Context) error {
	const op = "stop_scanning"

	s.mu.Lock()
	if s.starting != nil {
		s.starting()
	}
	s.mu.Unlock()

	if err := s.acquireCommands(ctx, op); err != nil {
		return err
	}
	defer s.releaseCommands()

	s.mu.Lock()
	if err := s.usableLocked(op); err != nil {
		s.mu.Unlock()
		return err
	}
	if s.state != driver.StateScanning {
		s.mu.Unlock()
		return nil
	}
	s.streaming = false
	s.asm.reset()
	s.mu.Unlock()

	s.queue.Stop()

	resp, err := s.roundTrip(ctx, op, Cmd(HeaderStopScan), func(resp *Response) {
		s.state = driver.StateIdle
	})
	if err != nil {
		return err
	}
	if err := statusError(op, HeaderStopScan, resp.Status); err != nil {
		return s.escalate(err)
	}

	s.logger().Info("Scanning stopped", zap.Int("queued_scans", s.queue.Len()))
	return nil
}

// GetScan returns the next complete scan, blocking until one is available.
// With an empty queue it fails with NotScanning once production has stopped,
// including when a stop happens while the caller is blocked.
func (s *Session) GetScan(ctx context.Context) (*driver.Scan, error) {
	const op = "get_scan"

	s.mu.Lock()
	if err := s.usableLocked(op); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	s.mu.Unlock()

	scan, err := s.queue.Dequeue(ctx)
	if err == nil {
		return scan, nil
	}
	if !errors.Is(err, scanqueue.ErrNotProducing) {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.usableLocked(op); err != nil {
		return nil, err
	}
	return nil, driver.Errorf(driver.CodeNotScanning, op, "no scans queued and scanning is stopped")
}

// GetDeviceInfo queries version and device information
func (s *Session) GetDeviceInfo(ctx context.Context) (*driver.DeviceInfo, error) {
	const op = "get_device_info"

	if err := s.acquireCommands(ctx, op); err != nil {
		return nil, err
	}
	defer s.releaseCommands()

	version, err := s.roundTrip(ctx, op, Cmd(HeaderVersionInfo), nil)
	if err != nil {
		return nil, err
	}
	details, err := s.roundTrip(ctx, op, Cmd(HeaderDeviceInfo), nil)
	if err != nil {
		return nil, err
	}

	connectionType, _ := protocol.ParseAddress(s.cfg.Address)
	info := &driver.DeviceInfo{
		Brand:           model.BrandScanse,
		Model:           version.Version.Model,
		SerialNumber:    version.Version.SerialNumber,
		FirmwareVersion: version.Version.FirmwareVersion,
		HardwareVersion: version.Version.HardwareVersion,
		ProtocolVersion: version.Version.ProtocolVersion,
		ConnectionType:  connectionType,
		Manufacturer:    "Scanse",
		BitRate:         details.Info.BitRate,
		LaserState:      details.Info.LaserState,
		Mode:            details.Info.Mode,
		Diagnostic:      details.Info.Diagnostic,
		SampleRate:      parseInfoSampleRate(details.Info.SampleRate),
	}
	if hz, err := (&Response{Header: HeaderDeviceInfo, Value: details.Info.MotorSpeed}).MotorSpeed(); err == nil {
		info.MotorSpeed = hz
	}
	return info, nil
}

// Reset restarts the device. The session is left FAULTED and must be reopened.
func (s *Session) Reset(ctx context.Context) error {
	const op = "reset"

	if err := s.acquireCommands(ctx, op); err != nil {
		return err
	}
	defer s.releaseCommands()

	if _, err := s.roundTrip(ctx, op, Cmd(HeaderResetDevice), nil); err != nil {
		return err
	}

	s.mu.Lock()
	l := s.link
	s.mu.Unlock()

	s.logger().Info("Device reset requested")
	s.failLink(l, errors.New("device reset"))
	return nil
}

// acquireCommands takes the command slot, giving up when ctx ends
func (s *Session) acquireCommands(ctx context.Context, op string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if err := s.cmds.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (s *Session) releaseCommands() {
	s.cmds.Release(1)
}

// usableLocked fails fast for closed and faulted sessions
func (s *Session) usableLocked(op string) error {
	switch s.state {
	case driver.StateClosed:
		return driver.Errorf(driver.CodeInvalidState, op, "session closed")
	case driver.StateFaulted:
		return driver.Errorf(driver.CodeFaulted, op, "session faulted: %v", s.fault)
	}
	if s.link == nil {
		return driver.Errorf(driver.CodeInvalidState, op, "session not open")
	}
	return nil
}

// roundTrip sends one command and waits for its response. The caller holds
// the command slot. Once the bytes are written the wait ignores ctx and is bounded by the
// command timeout, so a late response can never be taken for the next command.
func (s *Session) roundTrip(ctx context.Context, op string, cmd Command, onAck func(*Response)) (*Response, error) {
	payload, err := Encode(cmd)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if err := s.usableLocked(op); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	l := s.link
	var p *pendingCommand
	if cmd.ExpectsResponse() {
		p = &pendingCommand{header: cmd.Header, onAck: onAck, done: make(chan result, 1)}
		s.pending = p
	}
	s.mu.Unlock()

	if p != nil {
		l.transport.Expect(cmd.Header)
	}

	start := s.clock.Now()
	if err := l.transport.Write(ctx, payload); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
			s.clearPending(p)
			l.transport.Expect("")
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		derr := driver.NewError(driver.CodeTransport, op, err)
		s.failLink(l, derr)
		return nil, derr
	}
	if p == nil {
		s.logger().LogCommand(op, string(cmd.Header), s.clock.Since(start), nil)
		return nil, nil
	}

	timer := s.clock.Timer(s.cfg.CommandTimeout)
	defer timer.Stop()

	select {
	case r := <-p.done:
		s.logger().LogCommand(op, string(cmd.Header), s.clock.Since(start), r.err)
		return r.resp, r.err
	case <-timer.C:
		derr := driver.Errorf(driver.CodeTransport, op, "no %s response within %s", cmd.Header, s.cfg.CommandTimeout)
		s.failLink(l, derr)
		return nil, derr
	}
}

func (s *Session) clearPending(p *pendingCommand) {
	if p == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending == p {
		s.pending = nil
	}
}

// escalate faults the session for Transport and Protocol errors
func (s *Session) escalate(err error) error {
	if driver.IsFatal(err) {
		s.mu.Lock()
		l := s.link
		s.mu.Unlock()
		s.failLink(l, err)
	}
	return err
}

// detachLocked unhooks the current link and pending command for release
func (s *Session) detachLocked() (*link, *pendingCommand) {
	l, p := s.link, s.pending
	s.link, s.pending = nil, nil
	s.streaming = false
	s.asm.reset()
	return l, p
}

// release stops production, fails the pending command and closes the link
func (s *Session) release(l *link, p *pendingCommand, cause error) error {
	s.queue.Stop()
	if p != nil {
		p.done <- result{err: cause}
	}
	if l == nil {
		return nil
	}
	close(l.stop)
	l.cancel()
	return l.transport.Close()
}

// failLink moves the session to FAULTED if l is still the current link
func (s *Session) failLink(l *link, cause error) {
	s.mu.Lock()
	if l == nil || s.link != l {
		s.mu.Unlock()
		return
	}
	old := s.state
	s.state = driver.StateFaulted
	s.fault = cause
	_, p := s.detachLocked()
	s.mu.Unlock()

	if err := s.release(l, p, cause); err != nil {
		s.logger().Warn("Failed to close transport", zap.Error(err))
	}

	s.logger().Error("Session faulted", zap.Error(cause))
	s.notifyState(old, driver.StateFaulted)
	if h := s.eventHandler(); h != nil {
		h.OnDeviceError(s.cfg.DeviceID, cause)
	}
}

// readLoop is the single reader of the transport
func (s *Session) readLoop(ctx context.Context, l *link) {
	for {
		frame, err := l.transport.ReadFrame(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.failLink(l, driver.NewError(driver.CodeTransport, "read", err))
			return
		}

		if err := s.dispatch(l, frame); err != nil {
			s.failLink(l, err)
			return
		}
	}
}

// dispatch routes by length: no response frame is packet sized
func (s *Session) dispatch(l *link, frame []byte) error {
	if len(frame) == packetSize {
		return s.dispatchPacket(l, frame)
	}
	return s.dispatchResponse(l, frame)
}

func (s *Session) dispatchResponse(l *link, frame []byte) error {
	s.mu.Lock()
	if s.link != l {
		s.mu.Unlock()
		return nil
	}

	p := s.pending
	var outstanding Header
	if p != nil {
		outstanding = p.header
	}

	resp, err := Decode(outstanding, frame)
	if err != nil {
		s.mu.Unlock()
		return driver.NewError(driver.CodeProtocol, "decode", err)
	}

	s.pending = nil
	old := s.state
	if p.onAck != nil {
		p.onAck(resp)
	}
	current := s.state
	s.mu.Unlock()

	p.done <- result{resp: resp}
	s.notifyState(old, current)
	return nil
}

func (s *Session) dispatchPacket(l *link, frame []byte) error {
	pkt, err := DecodePacket(frame)

	s.mu.Lock()
	if s.link != l || !s.streaming {
		s.mu.Unlock()
		return nil
	}
	if err != nil {
		s.mu.Unlock()
		return driver.NewError(driver.CodeProtocol, "decode", err)
	}

	rot, ok := s.asm.add(pkt)
	if !ok {
		s.mu.Unlock()
		return nil
	}

	scan := &driver.Scan{
		Sequence:  s.nextSeq,
		Timestamp: rot.startedAt,
		Samples:   rot.samples,
	}
	if err := s.queue.Enqueue(scan); err != nil {
		s.mu.Unlock()
		return nil
	}
	s.nextSeq++
	h := s.handler
	s.mu.Unlock()

	if h != nil {
		h.OnScan(s.cfg.DeviceID, scan.Sequence, len(scan.Samples))
	}
	return nil
}

func (s *Session) eventHandler() driver.EventHandler {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handler
}

func (s *Session) notifyState(from, to driver.State) {
	if from == to {
		return
	}
	s.logger().LogStateChange(string(from), string(to))
	if h := s.eventHandler(); h != nil {
		h.OnStateChanged(s.cfg.DeviceID, from, to)
	}
}

// statusError maps an acknowledgement status to a device error
func statusError(op string, h Header, status Status) error {
	switch status {
	case StatusOK:
		return nil
	case StatusInvalidParam:
		return driver.Errorf(driver.CodeInvalidArgument, op, "device rejected %s parameter", h)
	case StatusMotorNotReady:
		return driver.Errorf(driver.CodeInvalidState, op, "motor not ready")
	case StatusMotorStationary:
		return driver.Errorf(driver.CodeInvalidState, op, "motor stationary")
	default:
		return driver.NewError(driver.CodeProtocol, op, malformed(h, "unknown status %q", status))
	}
}
