// internal/driver/sweep/codec.go
package sweep

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"sweep-service/pkg/driver"
)

const (
	terminator = '\n'
	packetSize = 7

	syncBit       = 0x01
	errorFlagMask = 0xFE
)

// Status is the two-character status code carried by acknowledgements
type Status string

const (
	StatusOK              Status = "00"
	StatusInvalidParam    Status = "11"
	StatusMotorNotReady   Status = "12"
	StatusMotorStationary Status = "13"
)

// ProtocolErrorKind classifies decode failures
type ProtocolErrorKind string

const (
	Malformed  ProtocolErrorKind = "MALFORMED"
	Unexpected ProtocolErrorKind = "UNEXPECTED"
)

// Sentinels for errors.Is against a ProtocolError kind
var (
	ErrMalformed  = &ProtocolError{Kind: Malformed}
	ErrUnexpected = &ProtocolError{Kind: Unexpected}
)

// ProtocolError reports a frame that could not be decoded
type ProtocolError struct {
	Kind   ProtocolErrorKind
	Header Header
	Detail string
}

func (e *ProtocolError) Error() string {
	msg := "protocol error: " + strings.ToLower(string(e.Kind))
	if e.Header != "" {
		msg += " " + string(e.Header) + " response"
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

// Is matches on the error kind
func (e *ProtocolError) Is(target error) bool {
	var t *ProtocolError
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

func malformed(h Header, format string, args ...interface{}) *ProtocolError {
	return &ProtocolError{Kind: Malformed, Header: h, Detail: fmt.Sprintf(format, args...)}
}

// VersionInfo is the decoded IV response
type VersionInfo struct {
	Model           string
	ProtocolVersion string
	FirmwareVersion string
	HardwareVersion string
	SerialNumber    string
}

// DeviceInfoFields is the decoded ID response
type DeviceInfoFields struct {
	BitRate    string
	LaserState string
	Mode       string
	Diagnostic string
	MotorSpeed string
	SampleRate string
}

// Response is a decoded device reply
type Response struct {
	Header  Header
	Status  Status
	Param   string
	Value   string
	Version *VersionInfo
	Info    *DeviceInfoFields
}

// Packet is one decoded scan packet
type Packet struct {
	Sync       bool
	ErrorFlags uint8
	Angle      uint16
	DistanceCM uint16
	Strength   uint8
}

// Encode renders a command into wire bytes. Parameters outside the device's
// accepted domain fail with an InvalidArgument device error.
func Encode(cmd Command) ([]byte, error) {
	spec, ok := sweepCommands[cmd.Header]
	if !ok {
		return nil, driver.Errorf(driver.CodeInvalidArgument, "encode", "unknown command %q", cmd.Header)
	}

	buf := make([]byte, 0, 5)
	buf = append(buf, cmd.Header...)

	if spec.param {
		param, err := encodeParam(cmd)
		if err != nil {
			return nil, err
		}
		buf = append(buf, param...)
	}

	return append(buf, terminator), nil
}

func encodeParam(cmd Command) (string, error) {
	switch cmd.Header {
	case HeaderMotorSpeedAdj:
		if cmd.Value < MinMotorSpeed || cmd.Value > MaxMotorSpeed {
			return "", driver.Errorf(driver.CodeInvalidArgument, "encode",
				"motor speed %d Hz outside [%d, %d]", cmd.Value, MinMotorSpeed, MaxMotorSpeed)
		}
		return fmt.Sprintf("%02d", cmd.Value), nil
	case HeaderSampleRateAdj:
		code, ok := sampleRateCodes[cmd.Value]
		if !ok {
			return "", driver.Errorf(driver.CodeInvalidArgument, "encode",
				"sample rate %d Hz not in %v", cmd.Value, SupportedSampleRates)
		}
		return code, nil
	default:
		return "", driver.Errorf(driver.CodeInvalidArgument, "encode", "command %q takes no parameter", cmd.Header)
	}
}

// StatusChecksum computes the checksum byte that follows a status code
func StatusChecksum(s0, s1 byte) byte {
	return ((s0 + s1) & 0x3F) + 0x30
}

// PacketChecksum computes the checksum of the first six bytes of a scan packet
func PacketChecksum(b []byte) byte {
	var sum int
	for _, v := range b[:packetSize-1] {
		sum += int(v)
	}
	return byte(sum % 255)
}

// responseHeader reports whether data starts with a known response header
func responseHeader(data []byte) (Header, bool) {
	if len(data) < 2 || !isUpper(data[0]) || !isUpper(data[1]) {
		return "", false
	}
	h := Header(data[:2])
	spec, ok := sweepCommands[h]
	if !ok || spec.shape == shapeNone {
		return "", false
	}
	return h, true
}

func isUpper(b byte) bool {
	return b >= 'A' && b <= 'Z'
}

// Decode parses a response frame for the outstanding command. A frame whose
// header differs from outstanding, or any frame when outstanding is empty,
// fails with Unexpected. Framing and checksum errors fail with Malformed.
func Decode(outstanding Header, frame []byte) (*Response, error) {
	h, ok := responseHeader(frame)
	if !ok {
		return nil, malformed("", "not a response frame")
	}

	if outstanding == "" {
		return nil, &ProtocolError{Kind: Unexpected, Header: h, Detail: "no command outstanding"}
	}
	if h != outstanding {
		return nil, &ProtocolError{Kind: Unexpected, Header: h, Detail: fmt.Sprintf("awaiting %s", outstanding)}
	}

	spec := sweepCommands[h]
	if len(frame) != spec.length {
		return nil, malformed(h, "length %d, want %d", len(frame), spec.length)
	}
	if frame[len(frame)-1] != terminator {
		return nil, malformed(h, "missing terminator")
	}

	resp := &Response{Header: h}
	body := frame[2 : len(frame)-1]

	switch spec.shape {
	case shapeStatus:
		status, err := decodeStatus(h, body)
		if err != nil {
			return nil, err
		}
		resp.Status = status

	case shapeParam:
		if body[2] != terminator {
			return nil, malformed(h, "missing parameter terminator")
		}
		status, err := decodeStatus(h, body[3:])
		if err != nil {
			return nil, err
		}
		resp.Param = string(body[:2])
		resp.Status = status

	case shapeValue:
		resp.Value = string(body)

	case shapeVersion:
		resp.Version = &VersionInfo{
			Model:           trimField(body[0:5]),
			ProtocolVersion: dotted(body[5:7]),
			FirmwareVersion: dotted(body[7:9]),
			HardwareVersion: trimField(body[9:10]),
			SerialNumber:    trimField(body[10:18]),
		}

	case shapeDeviceInfo:
		resp.Info = &DeviceInfoFields{
			BitRate:    trimField(body[0:6]),
			LaserState: string(body[6:7]),
			Mode:       string(body[7:8]),
			Diagnostic: string(body[8:9]),
			MotorSpeed: string(body[9:11]),
			SampleRate: string(body[11:15]),
		}
	}

	return resp, nil
}

func decodeStatus(h Header, b []byte) (Status, error) {
	if len(b) != 3 {
		return "", malformed(h, "bad status block")
	}
	if StatusChecksum(b[0], b[1]) != b[2] {
		return "", malformed(h, "status checksum mismatch")
	}
	return Status(b[:2]), nil
}

func trimField(b []byte) string {
	return strings.TrimSpace(string(bytes.Trim(b, "\x00")))
}

func dotted(b []byte) string {
	if len(b) != 2 {
		return string(b)
	}
	return string(b[0]) + "." + string(b[1])
}

// DecodePacket parses a 7-byte scan packet
func DecodePacket(frame []byte) (Packet, error) {
	if len(frame) != packetSize {
		return Packet{}, malformed("", "scan packet length %d", len(frame))
	}
	if PacketChecksum(frame) != frame[packetSize-1] {
		return Packet{}, malformed("", "scan packet checksum mismatch")
	}
	return Packet{
		Sync:       frame[0]&syncBit != 0,
		ErrorFlags: frame[0] & errorFlagMask,
		Angle:      binary.LittleEndian.Uint16(frame[1:3]),
		DistanceCM: binary.LittleEndian.Uint16(frame[3:5]),
		Strength:   frame[5],
	}, nil
}

// MotorReady interprets an MZ response. "00" means the motor has settled.
func (r *Response) MotorReady() (bool, error) {
	switch r.Value {
	case "00":
		return true, nil
	case "01":
		return false, nil
	default:
		return false, malformed(r.Header, "motor ready value %q", r.Value)
	}
}

// MotorSpeed interprets an MI response in Hz
func (r *Response) MotorSpeed() (int, error) {
	hz, err := strconv.Atoi(r.Value)
	if err != nil || hz < MinMotorSpeed || hz > MaxMotorSpeed {
		return 0, malformed(r.Header, "motor speed value %q", r.Value)
	}
	return hz, nil
}

// SampleRate interprets an LI response in Hz
func (r *Response) SampleRate() (int, error) {
	hz, ok := sampleRateFromCode(r.Value)
	if !ok {
		return 0, malformed(r.Header, "sample rate code %q", r.Value)
	}
	return hz, nil
}

func sampleRateFromCode(code string) (int, bool) {
	for hz, c := range sampleRateCodes {
		if c == code {
			return hz, true
		}
	}
	return 0, false
}

// parseInfoSampleRate reads the four-digit rate field of an ID response,
// which some firmware reports as a rate code instead of Hz.
func parseInfoSampleRate(field string) int {
	n, err := strconv.Atoi(strings.TrimSpace(field))
	if err != nil {
		return 0
	}
	if hz, ok := sampleRateFromCode(fmt.Sprintf("%02d", n)); ok && n < 10 {
		return hz
	}
	return n
}
