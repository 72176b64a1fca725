// internal/config/config.go
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the application configuration
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Security SecurityConfig `mapstructure:"security"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Device   DeviceConfig   `mapstructure:"device"`
	App      AppConfig      `mapstructure:"app"`
}

// ServerConfig represents HTTP server configuration
type ServerConfig struct {
	Host         string        `mapstructure:"host" validate:"required"`
	Port         string        `mapstructure:"port" validate:"required"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
	TLS          TLSConfig     `mapstructure:"tls"`
}

// TLSConfig represents TLS configuration
type TLSConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	CertFile string `mapstructure:"cert_file"`
	KeyFile  string `mapstructure:"key_file"`
}

// SecurityConfig represents security configuration
type SecurityConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level      string `mapstructure:"level" validate:"required"`
	Format     string `mapstructure:"format"`
	Output     string `mapstructure:"output"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
	Compress   bool   `mapstructure:"compress"`
}

// DeviceConfig describes the sensor the service drives
type DeviceConfig struct {
	ID                string           `mapstructure:"id"`
	Brand             string           `mapstructure:"brand"`
	Model             string           `mapstructure:"model"`
	Address           string           `mapstructure:"address"`
	ConnectionType    string           `mapstructure:"connection_type"`
	OpenOnStart       bool             `mapstructure:"open_on_start"`
	CommandTimeout    time.Duration    `mapstructure:"command_timeout"`
	ReadyPollInterval time.Duration    `mapstructure:"ready_poll_interval"`
	ReadyPollMax      time.Duration    `mapstructure:"ready_poll_max"`
	ScanWaitTimeout   time.Duration    `mapstructure:"scan_wait_timeout"`
	HealthInterval    time.Duration    `mapstructure:"health_check_interval"`
	Serial            SerialPortConfig `mapstructure:"serial"`
	TCP               TCPPortConfig    `mapstructure:"tcp"`
}

// SerialPortConfig represents serial port configuration
type SerialPortConfig struct {
	BaudRate int           `mapstructure:"baud_rate"`
	DataBits int           `mapstructure:"data_bits"`
	StopBits int           `mapstructure:"stop_bits"`
	Parity   string        `mapstructure:"parity"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// TCPPortConfig represents TCP port configuration
type TCPPortConfig struct {
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	KeepAlive      bool          `mapstructure:"keep_alive"`
}

// AppConfig represents application metadata
type AppConfig struct {
	Name        string `mapstructure:"name" validate:"required"`
	Version     string `mapstructure:"version" validate:"required"`
	Environment string `mapstructure:"environment" validate:"required"`
	Debug       bool   `mapstructure:"debug"`
}

// Load loads configuration from file and environment variables
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("../../internal/config")

	return load(v, true)
}

// LoadFile loads configuration from an explicit file path
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	return load(v, true)
}

// Defaults returns the configuration built from defaults and environment
// variables only
func Defaults() (*Config, error) {
	return load(viper.New(), false)
}

func load(v *viper.Viper, readFile bool) (*Config, error) {
	// Environment variable support
	v.SetEnvPrefix("SWEEP_SERVICE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if readFile {
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); ok {
				return nil, fmt.Errorf("config file not found: %w", err)
			}
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", "8084")
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.tls.enabled", false)

	// Security defaults
	v.SetDefault("security.allowed_origins", []string{"*"})

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")
	v.SetDefault("logging.max_size", 100)
	v.SetDefault("logging.max_backups", 3)
	v.SetDefault("logging.max_age", 28)
	v.SetDefault("logging.compress", true)

	// Device defaults
	v.SetDefault("device.id", "sweep")
	v.SetDefault("device.brand", "SCANSE")
	v.SetDefault("device.model", "SWEEP")
	v.SetDefault("device.address", "/dev/ttyUSB0")
	v.SetDefault("device.connection_type", "serial")
	v.SetDefault("device.open_on_start", true)
	v.SetDefault("device.command_timeout", "2s")
	v.SetDefault("device.ready_poll_interval", "100ms")
	v.SetDefault("device.ready_poll_max", "1s")
	v.SetDefault("device.scan_wait_timeout", "5s")
	v.SetDefault("device.health_check_interval", "30s")

	v.SetDefault("device.serial.baud_rate", 115200)
	v.SetDefault("device.serial.data_bits", 8)
	v.SetDefault("device.serial.stop_bits", 1)
	v.SetDefault("device.serial.parity", "none")
	v.SetDefault("device.serial.timeout", "100ms")

	v.SetDefault("device.tcp.connect_timeout", "5s")
	v.SetDefault("device.tcp.read_timeout", "100ms")
	v.SetDefault("device.tcp.write_timeout", "2s")
	v.SetDefault("device.tcp.keep_alive", true)

	// App defaults
	v.SetDefault("app.name", "sweep-service")
	v.SetDefault("app.version", "1.0.0")
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.debug", false)
}

// validate validates the configuration
func validate(config *Config) error {
	if config.Server.Host == "" {
		return fmt.Errorf("server.host is required")
	}
	if config.Server.Port == "" {
		return fmt.Errorf("server.port is required")
	}
	if config.Device.Address == "" {
		return fmt.Errorf("device.address is required")
	}
	if config.Device.CommandTimeout <= 0 {
		return fmt.Errorf("device.command_timeout must be positive")
	}
	if config.Device.ReadyPollInterval <= 0 {
		return fmt.Errorf("device.ready_poll_interval must be positive")
	}
	if config.Device.ReadyPollMax < config.Device.ReadyPollInterval {
		return fmt.Errorf("device.ready_poll_max must not be less than device.ready_poll_interval")
	}

	// Validate connection type
	switch strings.ToLower(config.Device.ConnectionType) {
	case "serial", "tcp", "":
	default:
		return fmt.Errorf("device.connection_type must be one of: [serial tcp]")
	}

	// Validate environment
	validEnvs := []string{"development", "staging", "production", "test"}
	isValidEnv := false
	for _, env := range validEnvs {
		if config.App.Environment == env {
			isValidEnv = true
			break
		}
	}
	if !isValidEnv {
		return fmt.Errorf("app.environment must be one of: %v", validEnvs)
	}

	// Validate logging level
	validLevels := []string{"debug", "info", "warn", "error", "fatal"}
	isValidLevel := false
	for _, level := range validLevels {
		if config.Logging.Level == level {
			isValidLevel = true
			break
		}
	}
	if !isValidLevel {
		return fmt.Errorf("logging.level must be one of: %v", validLevels)
	}

	return nil
}

// GetServerAddr returns the server address
func (c *Config) GetServerAddr() string {
	return fmt.Sprintf("%s:%s", c.Server.Host, c.Server.Port)
}

// IsProduction checks if the environment is production
func (c *Config) IsProduction() bool {
	return c.App.Environment == "production"
}

// IsDevelopment checks if the environment is development
func (c *Config) IsDevelopment() bool {
	return c.App.Environment == "development"
}

// IsDebugEnabled checks if debug mode is enabled
func (c *Config) IsDebugEnabled() bool {
	return c.App.Debug || c.IsDevelopment()
}
