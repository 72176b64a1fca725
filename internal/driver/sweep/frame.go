// internal/driver/sweep/frame.go
package sweep

import (
	"bufio"
	"context"
	"io"
	"sync/atomic"

	"sweep-service/internal/protocol"
)

// Transport is a framed, bidirectional channel to one device
type Transport interface {
	// Expect announces the response the next command will produce, before
	// the command is written. An empty header clears it.
	Expect(h Header)
	Write(ctx context.Context, data []byte) error
	// ReadFrame returns exactly one response frame or scan packet
	ReadFrame(ctx context.Context) ([]byte, error)
	Close() error
}

// Opener creates a fresh transport for a session (re)open
type Opener func(ctx context.Context) (Transport, error)

const maxFrameSize = 64

// splitFrames cuts the inbound stream into frames. Only the expected
// response is recognized, and only when its fixed-length frame ends in LF;
// everything else is a scan packet, whose first byte may carry error flags
// that look like header letters.
func splitFrames(expected Header, data []byte, atEOF bool) (advance int, token []byte, err error) {
	if len(data) < 2 {
		return 0, nil, nil
	}

	if h, ok := responseHeader(data); ok && h == expected {
		n := sweepCommands[h].length
		if len(data) < n {
			return 0, nil, nil
		}
		if data[n-1] == '\n' {
			return n, data[:n], nil
		}
	}

	if len(data) < packetSize {
		return 0, nil, nil
	}
	return packetSize, data[:packetSize], nil
}

// frameTransport adapts a byte-level DeviceProtocol to the Transport interface
type frameTransport struct {
	proto   protocol.DeviceProtocol
	scanner *bufio.Scanner
	// header of the response the splitter may cut next
	expected atomic.Value
	// only touched by the goroutine calling ReadFrame
	readCtx context.Context
}

// NewFrameTransport wraps an open protocol connection
func NewFrameTransport(proto protocol.DeviceProtocol) Transport {
	t := &frameTransport{
		proto:   proto,
		readCtx: context.Background(),
	}
	t.expected.Store(Header(""))
	t.scanner = bufio.NewScanner(protocolReader{t: t})
	t.scanner.Buffer(make([]byte, 0, maxFrameSize*4), maxFrameSize*64)
	t.scanner.Split(t.split)
	return t
}

func (t *frameTransport) split(data []byte, atEOF bool) (int, []byte, error) {
	expected := t.expected.Load().(Header)
	advance, token, err := splitFrames(expected, data, atEOF)
	if token != nil && len(token) != packetSize {
		// one response per command
		t.expected.CompareAndSwap(expected, Header(""))
	}
	return advance, token, err
}

func (t *frameTransport) Expect(h Header) {
	t.expected.Store(h)
}

func (t *frameTransport) Write(ctx context.Context, data []byte) error {
	return t.proto.Write(ctx, data)
}

func (t *frameTransport) ReadFrame(ctx context.Context) ([]byte, error) {
	t.readCtx = ctx
	if !t.scanner.Scan() {
		if err := t.scanner.Err(); err != nil {
			return nil, err
		}
		return nil, io.EOF
	}
	frame := make([]byte, len(t.scanner.Bytes()))
	copy(frame, t.scanner.Bytes())
	return frame, nil
}

func (t *frameTransport) Close() error {
	return t.proto.Close()
}

// protocolReader turns timed-out empty reads into a blocking io.Reader
type protocolReader struct {
	t *frameTransport
}

func (r protocolReader) Read(p []byte) (int, error) {
	for {
		data, err := r.t.proto.Read(r.t.readCtx, len(p))
		if err != nil {
			return 0, err
		}
		if len(data) > 0 {
			return copy(p, data), nil
		}
	}
}
