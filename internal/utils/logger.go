// internal/utils/logger.go
package utils

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"sweep-service/internal/config"
)

const defaultLogFile = "./logs/sweep-service.log"

// NewLogger builds the process logger from configuration. Output is stdout,
// stderr or a file path rotated by lumberjack.
func NewLogger(cfg *config.LoggingConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("failed to parse log level: %w", err)
	}

	sink, err := newWriteSyncer(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create log output: %w", err)
	}

	core := zapcore.NewCore(newEncoder(cfg.Format), sink, level)
	return zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel)), nil
}

func newEncoder(format string) zapcore.Encoder {
	ec := zap.NewProductionEncoderConfig()
	ec.TimeKey = "timestamp"
	ec.MessageKey = "message"
	ec.EncodeTime = zapcore.TimeEncoderOfLayout(time.RFC3339Nano)
	ec.EncodeLevel = zapcore.LowercaseLevelEncoder
	ec.EncodeCaller = zapcore.ShortCallerEncoder
	ec.EncodeDuration = zapcore.StringDurationEncoder

	if format == "console" {
		ec.EncodeLevel = zapcore.CapitalColorLevelEncoder
		ec.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05.000")
		return zapcore.NewConsoleEncoder(ec)
	}
	return zapcore.NewJSONEncoder(ec)
}

func newWriteSyncer(cfg *config.LoggingConfig) (zapcore.WriteSyncer, error) {
	switch cfg.Output {
	case "stdout":
		return zapcore.Lock(os.Stdout), nil
	case "stderr":
		return zapcore.Lock(os.Stderr), nil
	}

	path := cfg.Output
	if path == "" {
		path = defaultLogFile
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	return zapcore.AddSync(&lumberjack.Logger{
		Filename:   path,
		MaxSize:    cfg.MaxSize, // MB
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAge, // days
		Compress:   cfg.Compress,
	}), nil
}

// DeviceLogger tags every entry with the device it concerns
type DeviceLogger struct {
	*zap.Logger
	deviceID string
}

// NewDeviceLogger creates a logger for one device
func NewDeviceLogger(baseLogger *zap.Logger, deviceID, deviceType, brand string) *DeviceLogger {
	return &DeviceLogger{
		Logger: baseLogger.With(
			zap.String("component", "device"),
			zap.String("device_id", deviceID),
			zap.String("device_type", deviceType),
			zap.String("brand", brand),
		),
		deviceID: deviceID,
	}
}

// DeviceID returns the tagged device id
func (dl *DeviceLogger) DeviceID() string {
	return dl.deviceID
}

// WithSession returns a logger tagged with one open of the device
func (dl *DeviceLogger) WithSession(sessionID string) *DeviceLogger {
	return &DeviceLogger{
		Logger:   dl.Logger.With(zap.String("session_id", sessionID)),
		deviceID: dl.deviceID,
	}
}

// LogCommand logs one command round trip. Successful round trips are debug
// level since a scanning session issues many of them.
func (dl *DeviceLogger) LogCommand(operation, command string, duration time.Duration, err error) {
	fields := []zap.Field{
		zap.String("operation", operation),
		zap.String("command", command),
		zap.Duration("duration", duration),
	}
	if err != nil {
		dl.Warn("Device command failed", append(fields, zap.Error(err))...)
		return
	}
	dl.Debug("Device command completed", fields...)
}

// LogConnection logs opening and closing of the transport
func (dl *DeviceLogger) LogConnection(action string, success bool, err error) {
	fields := []zap.Field{
		zap.String("action", action),
		zap.Bool("success", success),
	}
	if err != nil {
		dl.Error("Device connection event", append(fields, zap.Error(err))...)
		return
	}
	dl.Info("Device connection event", fields...)
}

// LogStateChange logs a lifecycle transition
func (dl *DeviceLogger) LogStateChange(from, to string) {
	dl.Info("Device state changed", zap.String("from", from), zap.String("to", to))
}

// OperationLogger times one multi-step operation
type OperationLogger struct {
	logger    *zap.Logger
	startTime time.Time
}

// NewOperationLogger creates a logger for one operation
func NewOperationLogger(baseLogger *zap.Logger, operationType, operationID string) *OperationLogger {
	return &OperationLogger{
		logger: baseLogger.With(
			zap.String("component", "operation"),
			zap.String("operation_type", operationType),
			zap.String("operation_id", operationID),
		),
		startTime: time.Now(),
	}
}

// Start logs operation start
func (ol *OperationLogger) Start(fields ...zap.Field) {
	ol.logger.Info("Operation started", append([]zap.Field{zap.Time("start_time", ol.startTime)}, fields...)...)
}

// Success logs successful completion
func (ol *OperationLogger) Success(fields ...zap.Field) {
	ol.logger.Info("Operation completed", ol.outcome(true, fields)...)
}

// Error logs failure
func (ol *OperationLogger) Error(err error, fields ...zap.Field) {
	ol.logger.Error("Operation failed", ol.outcome(false, append(fields, zap.Error(err)))...)
}

// Progress logs an intermediate step
func (ol *OperationLogger) Progress(message string, fields ...zap.Field) {
	ol.logger.Info(message, append([]zap.Field{zap.Duration("elapsed", time.Since(ol.startTime))}, fields...)...)
}

func (ol *OperationLogger) outcome(success bool, fields []zap.Field) []zap.Field {
	return append([]zap.Field{
		zap.Duration("duration", time.Since(ol.startTime)),
		zap.Bool("success", success),
	}, fields...)
}

// ServiceLogger provides service-level logging
type ServiceLogger struct {
	*zap.Logger
}

// NewServiceLogger creates a logger for a named service
func NewServiceLogger(baseLogger *zap.Logger, serviceName string) *ServiceLogger {
	return &ServiceLogger{
		Logger: baseLogger.With(
			zap.String("component", "service"),
			zap.String("service", serviceName),
		),
	}
}

// LogServiceStart logs startup with the effective configuration
func (sl *ServiceLogger) LogServiceStart(version string, cfg interface{}) {
	sl.Info("Service starting", zap.String("version", version), zap.Any("config", cfg))
}

// LogServiceStop logs shutdown
func (sl *ServiceLogger) LogServiceStop(reason string) {
	sl.Info("Service stopping", zap.String("reason", reason))
}

// LogAPIRequest logs one HTTP request at a level chosen by its status
func (sl *ServiceLogger) LogAPIRequest(method, path, userAgent, clientIP string, statusCode int, duration time.Duration) {
	level := zapcore.InfoLevel
	switch {
	case statusCode >= 500:
		level = zapcore.ErrorLevel
	case statusCode >= 400:
		level = zapcore.WarnLevel
	}

	if ce := sl.Check(level, "API request"); ce != nil {
		ce.Write(
			zap.String("method", method),
			zap.String("path", path),
			zap.String("user_agent", userAgent),
			zap.String("client_ip", clientIP),
			zap.Int("status_code", statusCode),
			zap.Duration("duration", duration),
		)
	}
}

// LoggerWithRequestID adds request ID to logger
func LoggerWithRequestID(logger *zap.Logger, requestID string) *zap.Logger {
	return logger.With(zap.String("request_id", requestID))
}

// LogPanic logs a recovered panic and exits
func LogPanic(logger *zap.Logger) {
	if r := recover(); r != nil {
		logger.Fatal("Application panic", zap.Any("panic", r), zap.Stack("stacktrace"))
	}
}

// CloseLogger flushes buffered log entries
func CloseLogger(logger *zap.Logger) error {
	return logger.Sync()
}
