// internal/driver/sweep/command.go
package sweep

// Header is the two-letter mnemonic that starts every command and response
type Header string

const (
	HeaderStartScan      Header = "DS"
	HeaderStopScan       Header = "DX"
	HeaderMotorSpeedAdj  Header = "MS"
	HeaderSampleRateAdj  Header = "LR"
	HeaderMotorReady     Header = "MZ"
	HeaderMotorSpeedInfo Header = "MI"
	HeaderSampleRateInfo Header = "LI"
	HeaderVersionInfo    Header = "IV"
	HeaderDeviceInfo     Header = "ID"
	HeaderResetDevice    Header = "RR"
)

// responseShape describes the layout of the reply to a command
type responseShape int

const (
	shapeNone       responseShape = iota // no reply
	shapeStatus                          // hdr status(2) sum LF
	shapeParam                           // hdr param(2) LF status(2) sum LF
	shapeValue                           // hdr value(2) LF
	shapeVersion                         // hdr model(5) proto(2) fw(2) hw(1) serial(8) LF
	shapeDeviceInfo                      // hdr bitrate(6) laser mode diag motor(2) rate(4) LF
)

type commandSpec struct {
	param  bool
	shape  responseShape
	length int
}

// sweepCommands is the command set understood by the device
var sweepCommands = map[Header]commandSpec{
	HeaderStartScan:      {shape: shapeStatus, length: 6},
	HeaderStopScan:       {shape: shapeStatus, length: 6},
	HeaderMotorSpeedAdj:  {param: true, shape: shapeParam, length: 9},
	HeaderSampleRateAdj:  {param: true, shape: shapeParam, length: 9},
	HeaderMotorReady:     {shape: shapeValue, length: 5},
	HeaderMotorSpeedInfo: {shape: shapeValue, length: 5},
	HeaderSampleRateInfo: {shape: shapeValue, length: 5},
	HeaderVersionInfo:    {shape: shapeVersion, length: 21},
	HeaderDeviceInfo:     {shape: shapeDeviceInfo, length: 18},
	HeaderResetDevice:    {shape: shapeNone},
}

// Device parameter domains
const (
	MinMotorSpeed = 0
	MaxMotorSpeed = 10
)

// sampleRateCodes maps accepted sample rates in Hz to their wire codes
var sampleRateCodes = map[int]string{
	500:  "01",
	750:  "02",
	1000: "03",
}

// SupportedSampleRates lists the accepted sample rates in ascending order
var SupportedSampleRates = []int{500, 750, 1000}

// Command is a typed device command. Value is only used by the adjust commands.
type Command struct {
	Header Header
	Value  int
}

// Cmd builds a parameterless command
func Cmd(h Header) Command {
	return Command{Header: h}
}

// MotorSpeedAdjust builds an MS command for a motor speed in Hz
func MotorSpeedAdjust(hz int) Command {
	return Command{Header: HeaderMotorSpeedAdj, Value: hz}
}

// SampleRateAdjust builds an LR command for a sample rate in Hz
func SampleRateAdjust(hz int) Command {
	return Command{Header: HeaderSampleRateAdj, Value: hz}
}

// ExpectsResponse reports whether the device answers the command
func (c Command) ExpectsResponse() bool {
	spec, ok := sweepCommands[c.Header]
	return ok && spec.shape != shapeNone
}
