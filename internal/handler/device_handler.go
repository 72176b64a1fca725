// internal/handler/device_handler.go
package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"sweep-service/internal/service"
	"sweep-service/internal/utils"
)

// maxScanWait caps the wait a client may request for the next scan
const maxScanWait = 60 * time.Second

// DeviceHandler handles device-related HTTP requests
type DeviceHandler struct {
	deviceService *service.DeviceService
	logger        *utils.ServiceLogger
}

// NewDeviceHandler creates a new device handler
func NewDeviceHandler(deviceService *service.DeviceService, logger *zap.Logger) *DeviceHandler {
	return &DeviceHandler{
		deviceService: deviceService,
		logger:        utils.NewServiceLogger(logger, "device-handler"),
	}
}

// RegisterRoutes registers device-related routes
func (h *DeviceHandler) RegisterRoutes(router *gin.RouterGroup) {
	device := router.Group("/device")
	{
		device.GET("", h.GetStatus)
		device.GET("/sample-rate", h.GetSampleRate)
		device.PUT("/sample-rate", h.SetSampleRate)
		device.GET("/motor-speed", h.GetMotorSpeed)
		device.PUT("/motor-speed", h.SetMotorSpeed)
		device.GET("/motor-ready", h.GetMotorReady)
		device.POST("/scanning/start", h.StartScanning)
		device.POST("/scanning/stop", h.StopScanning)
		device.GET("/scans/next", h.NextScan)
		device.GET("/info", h.GetDeviceInfo)
		device.POST("/reopen", h.Reopen)
		device.POST("/reset", h.Reset)
	}
}

// GetStatus returns the session state, settings and queue backlog
// @Summary Device status
// @Tags Device
// @Produce json
// @Success 200 {object} utils.APIResponse{data=driver.Status}
// @Router /device [get]
func (h *DeviceHandler) GetStatus(c *gin.Context) {
	utils.SuccessResponse(c, http.StatusOK, "Device status retrieved", gin.H{
		"device": h.deviceService.Device(),
		"status": h.deviceService.Status(),
	})
}

// GetSampleRate queries the sample rate
// @Summary Get sample rate
// @Tags Device
// @Produce json
// @Success 200 {object} utils.APIResponse{data=ValueResponse}
// @Failure 409 {object} utils.APIResponse "Session closed"
// @Failure 503 {object} utils.APIResponse "Session faulted"
// @Router /device/sample-rate [get]
func (h *DeviceHandler) GetSampleRate(c *gin.Context) {
	hz, err := h.deviceService.GetSampleRate(c.Request.Context())
	if err != nil {
		utils.DeviceErrorResponse(c, "Failed to get sample rate", err)
		return
	}
	utils.SuccessResponse(c, http.StatusOK, "Sample rate retrieved", ValueResponse{Value: hz})
}

// SetSampleRate changes the sample rate
// @Summary Set sample rate
// @Tags Device
// @Accept json
// @Produce json
// @Param request body ValueRequest true "Sample rate in Hz (500, 750 or 1000)"
// @Success 200 {object} utils.APIResponse{data=ValueResponse}
// @Failure 400 {object} utils.APIResponse "Unsupported rate"
// @Failure 409 {object} utils.APIResponse "Not allowed in the current state"
// @Router /device/sample-rate [put]
func (h *DeviceHandler) SetSampleRate(c *gin.Context) {
	var req ValueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.ErrorResponse(c, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	if err := h.deviceService.SetSampleRate(c.Request.Context(), *req.Value); err != nil {
		utils.DeviceErrorResponse(c, "Failed to set sample rate", err)
		return
	}
	utils.SuccessResponse(c, http.StatusOK, "Sample rate set", ValueResponse{Value: *req.Value})
}

// GetMotorSpeed queries the motor speed
func (h *DeviceHandler) GetMotorSpeed(c *gin.Context) {
	hz, err := h.deviceService.GetMotorSpeed(c.Request.Context())
	if err != nil {
		utils.DeviceErrorResponse(c, "Failed to get motor speed", err)
		return
	}
	utils.SuccessResponse(c, http.StatusOK, "Motor speed retrieved", ValueResponse{Value: hz})
}

// SetMotorSpeed changes the motor speed
func (h *DeviceHandler) SetMotorSpeed(c *gin.Context) {
	var req ValueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.ErrorResponse(c, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	if err := h.deviceService.SetMotorSpeed(c.Request.Context(), *req.Value); err != nil {
		utils.DeviceErrorResponse(c, "Failed to set motor speed", err)
		return
	}
	utils.SuccessResponse(c, http.StatusOK, "Motor speed set", ValueResponse{Value: *req.Value})
}

// GetMotorReady reports whether the motor has settled
func (h *DeviceHandler) GetMotorReady(c *gin.Context) {
	ready, err := h.deviceService.GetMotorReady(c.Request.Context())
	if err != nil {
		utils.DeviceErrorResponse(c, "Failed to get motor readiness", err)
		return
	}
	utils.SuccessResponse(c, http.StatusOK, "Motor readiness retrieved", MotorReadyResponse{Ready: ready})
}

// StartScanning starts scan production
// @Summary Start scanning
// @Description Waits for the motor to settle, then starts streaming scans into the queue
// @Tags Scanning
// @Produce json
// @Success 200 {object} utils.APIResponse
// @Failure 409 {object} utils.APIResponse "Motor stationary or session not idle"
// @Router /device/scanning/start [post]
func (h *DeviceHandler) StartScanning(c *gin.Context) {
	if err := h.deviceService.StartScanning(c.Request.Context()); err != nil {
		utils.DeviceErrorResponse(c, "Failed to start scanning", err)
		return
	}
	utils.SuccessResponse(c, http.StatusOK, "Scanning started", h.deviceService.Status())
}

// StopScanning stops scan production
func (h *DeviceHandler) StopScanning(c *gin.Context) {
	if err := h.deviceService.StopScanning(c.Request.Context()); err != nil {
		utils.DeviceErrorResponse(c, "Failed to stop scanning", err)
		return
	}
	utils.SuccessResponse(c, http.StatusOK, "Scanning stopped", h.deviceService.Status())
}

// NextScan returns the oldest queued scan, waiting up to ?timeout for one
// @Summary Next scan
// @Tags Scanning
// @Produce json
// @Param timeout query string false "Maximum wait, e.g. 5s"
// @Success 200 {object} utils.APIResponse{data=ScanResponse}
// @Failure 409 {object} utils.APIResponse "Not scanning and nothing queued"
// @Failure 504 {object} utils.APIResponse "No scan within timeout"
// @Router /device/scans/next [get]
func (h *DeviceHandler) NextScan(c *gin.Context) {
	var timeout time.Duration
	if raw := c.Query("timeout"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			utils.ValidationErrorResponse(c, map[string]string{"timeout": "must be a positive duration such as 5s"})
			return
		}
		if d > maxScanWait {
			d = maxScanWait
		}
		timeout = d
	}

	scan, err := h.deviceService.NextScan(c.Request.Context(), timeout)
	if err != nil {
		utils.DeviceErrorResponse(c, "No scan available", err)
		return
	}
	utils.SuccessResponse(c, http.StatusOK, "Scan retrieved", NewScanResponse(scan))
}

// GetDeviceInfo queries identification and live settings
func (h *DeviceHandler) GetDeviceInfo(c *gin.Context) {
	info, err := h.deviceService.GetDeviceInfo(c.Request.Context())
	if err != nil {
		utils.DeviceErrorResponse(c, "Failed to get device info", err)
		return
	}
	utils.SuccessResponse(c, http.StatusOK, "Device info retrieved", info)
}

// Reopen reconnects the session, recovering from a fault
func (h *DeviceHandler) Reopen(c *gin.Context) {
	if err := h.deviceService.Open(c.Request.Context()); err != nil {
		h.logger.Error("Failed to reopen device", zap.Error(err))
		utils.DeviceErrorResponse(c, "Failed to reopen device", err)
		return
	}
	utils.SuccessResponse(c, http.StatusOK, "Device reopened", h.deviceService.Status())
}

// Reset restarts the device; the session must be reopened afterwards
func (h *DeviceHandler) Reset(c *gin.Context) {
	if err := h.deviceService.Reset(c.Request.Context()); err != nil {
		utils.DeviceErrorResponse(c, "Failed to reset device", err)
		return
	}
	utils.SuccessResponse(c, http.StatusAccepted, "Device reset, reopen required", h.deviceService.Status())
}
