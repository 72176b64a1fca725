// internal/driver/sweep/codec_test.go
package sweep

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sweep-service/pkg/driver"
)

func TestEncode(t *testing.T) {
	tests := []struct {
		name string
		cmd  Command
		want string
	}{
		{name: "start scan", cmd: Cmd(HeaderStartScan), want: "DS\n"},
		{name: "stop scan", cmd: Cmd(HeaderStopScan), want: "DX\n"},
		{name: "motor ready", cmd: Cmd(HeaderMotorReady), want: "MZ\n"},
		{name: "motor speed info", cmd: Cmd(HeaderMotorSpeedInfo), want: "MI\n"},
		{name: "sample rate info", cmd: Cmd(HeaderSampleRateInfo), want: "LI\n"},
		{name: "reset", cmd: Cmd(HeaderResetDevice), want: "RR\n"},
		{name: "motor speed zero", cmd: MotorSpeedAdjust(0), want: "MS00\n"},
		{name: "motor speed max", cmd: MotorSpeedAdjust(10), want: "MS10\n"},
		{name: "sample rate 500", cmd: SampleRateAdjust(500), want: "LR01\n"},
		{name: "sample rate 750", cmd: SampleRateAdjust(750), want: "LR02\n"},
		{name: "sample rate 1000", cmd: SampleRateAdjust(1000), want: "LR03\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Encode(tt.cmd)
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(got))
		})
	}
}

func TestEncode_InvalidArgument(t *testing.T) {
	tests := []struct {
		name string
		cmd  Command
	}{
		{name: "negative motor speed", cmd: MotorSpeedAdjust(-1)},
		{name: "motor speed too high", cmd: MotorSpeedAdjust(11)},
		{name: "unsupported sample rate", cmd: SampleRateAdjust(600)},
		{name: "sample rate code", cmd: SampleRateAdjust(1)},
		{name: "unknown command", cmd: Cmd("ZZ")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Encode(tt.cmd)
			assert.ErrorIs(t, err, driver.ErrInvalidArgument)
		})
	}
}

func TestDecode(t *testing.T) {
	t.Run("status response", func(t *testing.T) {
		resp, err := Decode(HeaderStartScan, statusFrame(HeaderStartScan, StatusOK))
		require.NoError(t, err)
		assert.Equal(t, StatusOK, resp.Status)
	})

	t.Run("parameter response", func(t *testing.T) {
		resp, err := Decode(HeaderMotorSpeedAdj, paramFrame(HeaderMotorSpeedAdj, "05", StatusOK))
		require.NoError(t, err)
		assert.Equal(t, "05", resp.Param)
		assert.Equal(t, StatusOK, resp.Status)
	})

	t.Run("value responses", func(t *testing.T) {
		resp, err := Decode(HeaderMotorReady, valueFrame(HeaderMotorReady, "00"))
		require.NoError(t, err)
		ready, err := resp.MotorReady()
		require.NoError(t, err)
		assert.True(t, ready)

		resp, err = Decode(HeaderSampleRateInfo, valueFrame(HeaderSampleRateInfo, "03"))
		require.NoError(t, err)
		hz, err := resp.SampleRate()
		require.NoError(t, err)
		assert.Equal(t, 1000, hz)

		resp, err = Decode(HeaderMotorSpeedInfo, valueFrame(HeaderMotorSpeedInfo, "07"))
		require.NoError(t, err)
		speed, err := resp.MotorSpeed()
		require.NoError(t, err)
		assert.Equal(t, 7, speed)
	})

	t.Run("version response", func(t *testing.T) {
		resp, err := Decode(HeaderVersionInfo, []byte("IVSWEEP1618200000123\n"))
		require.NoError(t, err)
		require.NotNil(t, resp.Version)
		assert.Equal(t, "SWEEP", resp.Version.Model)
		assert.Equal(t, "1.6", resp.Version.ProtocolVersion)
		assert.Equal(t, "1.8", resp.Version.FirmwareVersion)
		assert.Equal(t, "2", resp.Version.HardwareVersion)
		assert.Equal(t, "00000123", resp.Version.SerialNumber)
	})

	t.Run("device info response", func(t *testing.T) {
		resp, err := Decode(HeaderDeviceInfo, []byte("ID115200120050750\n"))
		require.NoError(t, err)
		require.NotNil(t, resp.Info)
		assert.Equal(t, "115200", resp.Info.BitRate)
		assert.Equal(t, "1", resp.Info.LaserState)
		assert.Equal(t, "2", resp.Info.Mode)
		assert.Equal(t, "0", resp.Info.Diagnostic)
		assert.Equal(t, "05", resp.Info.MotorSpeed)
		assert.Equal(t, "0750", resp.Info.SampleRate)
		assert.Equal(t, 750, parseInfoSampleRate(resp.Info.SampleRate))
	})
}

func TestDecode_Malformed(t *testing.T) {
	badSum := statusFrame(HeaderStartScan, StatusOK)
	badSum[4]++

	badParamTerm := paramFrame(HeaderSampleRateAdj, "01", StatusOK)
	badParamTerm[4] = 'X'

	noTerm := valueFrame(HeaderMotorReady, "00")
	noTerm[4] = 'X'

	tests := []struct {
		name   string
		header Header
		frame  []byte
	}{
		{name: "status checksum", header: HeaderStartScan, frame: badSum},
		{name: "parameter terminator", header: HeaderSampleRateAdj, frame: badParamTerm},
		{name: "missing terminator", header: HeaderMotorReady, frame: noTerm},
		{name: "short frame", header: HeaderStopScan, frame: []byte("DX00\n")},
		{name: "not a response", header: HeaderStopScan, frame: []byte{0x01, 0x02, 0x03}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.header, tt.frame)
			assert.ErrorIs(t, err, ErrMalformed)
			assert.NotErrorIs(t, err, ErrUnexpected)
		})
	}
}

func TestDecode_Unexpected(t *testing.T) {
	t.Run("different command outstanding", func(t *testing.T) {
		_, err := Decode(HeaderMotorReady, valueFrame(HeaderMotorSpeedInfo, "05"))
		assert.ErrorIs(t, err, ErrUnexpected)
	})

	t.Run("nothing outstanding", func(t *testing.T) {
		_, err := Decode("", statusFrame(HeaderStopScan, StatusOK))
		assert.ErrorIs(t, err, ErrUnexpected)
	})
}

func TestResponseValues_Malformed(t *testing.T) {
	_, err := (&Response{Header: HeaderMotorReady, Value: "7?"}).MotorReady()
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = (&Response{Header: HeaderSampleRateInfo, Value: "09"}).SampleRate()
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = (&Response{Header: HeaderMotorSpeedInfo, Value: "42"}).MotorSpeed()
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestDecodePacket(t *testing.T) {
	frame := packetFrame(true, 5760-16, 1234, 97)
	pkt, err := DecodePacket(frame)
	require.NoError(t, err)
	assert.True(t, pkt.Sync)
	assert.Zero(t, pkt.ErrorFlags)
	assert.Equal(t, uint16(5744), pkt.Angle)
	assert.Equal(t, uint16(1234), pkt.DistanceCM)
	assert.Equal(t, uint8(97), pkt.Strength)

	frame[0] |= 0x02
	frame[6] = PacketChecksum(frame)
	pkt, err = DecodePacket(frame)
	require.NoError(t, err)
	assert.Equal(t, uint8(0x02), pkt.ErrorFlags)

	frame[6]++
	_, err = DecodePacket(frame)
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestStatusChecksum(t *testing.T) {
	// "00" -> ((0x30+0x30) & 0x3F) + 0x30
	assert.Equal(t, byte('P'), StatusChecksum('0', '0'))
	assert.Equal(t, byte('R'), StatusChecksum('1', '1'))
}
