// internal/protocol/factory.go
package protocol

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"sweep-service/internal/model"
)

const tcpScheme = "tcp://"

// Options carries the per-transport settings applied to an address
type Options struct {
	Serial SerialConfig
	TCP    TCPConfig
}

// DefaultOptions returns the defaults for both transports
func DefaultOptions() Options {
	return Options{
		Serial: DefaultSerialConfig(),
		TCP:    DefaultTCPConfig(),
	}
}

// ParseAddress determines the connection type of a device address.
// "tcp://host:port" selects TCP, anything else is a serial port path.
func ParseAddress(address string) (model.ConnectionType, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return "", fmt.Errorf("device address is required")
	}
	if strings.HasPrefix(strings.ToLower(address), tcpScheme) {
		return model.ConnectionTypeTCP, nil
	}
	if strings.Contains(address, "://") {
		return "", fmt.Errorf("unsupported address scheme: %s", address)
	}
	return model.ConnectionTypeSerial, nil
}

// CreateProtocol creates a protocol for the given device address
func CreateProtocol(address string, opts Options, logger *zap.Logger) (DeviceProtocol, error) {
	connectionType, err := ParseAddress(address)
	if err != nil {
		return nil, err
	}

	switch connectionType {
	case model.ConnectionTypeSerial:
		return createSerialProtocol(strings.TrimSpace(address), opts.Serial, logger)
	case model.ConnectionTypeTCP:
		return createTCPProtocol(strings.TrimSpace(address)[len(tcpScheme):], opts.TCP, logger)
	default:
		return nil, fmt.Errorf("unsupported protocol type: %s", connectionType)
	}
}

// createSerialProtocol creates a serial protocol
func createSerialProtocol(port string, serialConfig SerialConfig, logger *zap.Logger) (DeviceProtocol, error) {
	serialConfig.Port = port
	if err := ValidateSerialConfig(serialConfig); err != nil {
		return nil, err
	}

	logger.Info("Creating serial protocol",
		zap.String("port", serialConfig.Port),
		zap.Int("baud_rate", serialConfig.BaudRate),
	)

	return NewSerialConnection(&serialConfig, logger), nil
}

// createTCPProtocol creates a TCP protocol
func createTCPProtocol(hostPort string, tcpConfig TCPConfig, logger *zap.Logger) (DeviceProtocol, error) {
	host, portStr, err := net.SplitHostPort(hostPort)
	if err != nil {
		return nil, fmt.Errorf("invalid TCP address %q: %w", hostPort, err)
	}
	if host == "" {
		return nil, fmt.Errorf("TCP host is required")
	}

	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return nil, fmt.Errorf("invalid port number: %s", portStr)
	}

	tcpConfig.Host = host
	tcpConfig.Port = port

	logger.Info("Creating TCP protocol",
		zap.String("host", tcpConfig.Host),
		zap.Int("port", tcpConfig.Port),
	)

	return NewTCPConnection(&tcpConfig, logger), nil
}

// ValidateSerialConfig validates serial configuration
func ValidateSerialConfig(config SerialConfig) error {
	if config.Port == "" {
		return fmt.Errorf("serial port is required")
	}

	validRates := []int{9600, 19200, 38400, 57600, 115200, 230400}
	valid := false
	for _, validRate := range validRates {
		if config.BaudRate == validRate {
			valid = true
			break
		}
	}
	if !valid {
		return fmt.Errorf("invalid baud rate: %d", config.BaudRate)
	}

	if config.DataBits < 5 || config.DataBits > 8 {
		return fmt.Errorf("invalid data bits: %d", config.DataBits)
	}

	switch config.Parity {
	case "none", "odd", "even":
	default:
		return fmt.Errorf("invalid parity: %s", config.Parity)
	}

	return nil
}
