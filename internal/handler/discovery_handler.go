// internal/handler/discovery_handler.go
package handler

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"sweep-service/internal/discovery"
	"sweep-service/internal/utils"
)

// DiscoveryHandler handles device discovery requests
type DiscoveryHandler struct {
	scanners *discovery.ScannerManager
	logger   *utils.ServiceLogger
}

// NewDiscoveryHandler creates a new discovery handler
func NewDiscoveryHandler(scanners *discovery.ScannerManager, logger *zap.Logger) *DiscoveryHandler {
	return &DiscoveryHandler{
		scanners: scanners,
		logger:   utils.NewServiceLogger(logger, "discovery-handler"),
	}
}

// RegisterRoutes registers discovery routes
func (h *DiscoveryHandler) RegisterRoutes(router *gin.RouterGroup) {
	discoveryGroup := router.Group("/discovery")
	{
		discoveryGroup.GET("/ports", h.ScanPorts)
		discoveryGroup.GET("/scanners", h.ListScanners)
	}
}

// ScanPorts lists candidate ports a sensor may be attached to
// @Summary Scan for sensor ports
// @Tags Discovery
// @Produce json
// @Param type query string false "Scanner type" Enums(all, serial) default(all)
// @Param timeout query string false "Scan timeout" default(10s)
// @Success 200 {object} utils.APIResponse{data=object{devices_found=int,devices=[]discovery.DiscoveredDevice}}
// @Failure 400 {object} utils.APIResponse "Unknown scanner type"
// @Failure 500 {object} utils.APIResponse "Scan failed"
// @Router /discovery/ports [get]
func (h *DiscoveryHandler) ScanPorts(c *gin.Context) {
	scanType := c.DefaultQuery("type", "all")
	timeout, err := time.ParseDuration(c.DefaultQuery("timeout", "10s"))
	if err != nil || timeout <= 0 {
		utils.ValidationErrorResponse(c, map[string]string{"timeout": "must be a positive duration such as 10s"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), timeout)
	defer cancel()

	var devices []*discovery.DiscoveredDevice
	if scanType == "all" {
		devices, err = h.scanners.ScanAll(ctx)
	} else {
		devices, err = h.scanners.ScanByType(ctx, scanType)
	}
	if errors.Is(err, discovery.ErrUnknownScanner) {
		utils.ValidationErrorResponse(c, map[string]string{"type": err.Error()})
		return
	}
	if err != nil {
		h.logger.Error("Failed to scan ports", zap.String("type", scanType), zap.Error(err))
		utils.ErrorResponse(c, http.StatusInternalServerError, "Failed to scan ports", err)
		return
	}

	utils.SuccessResponse(c, http.StatusOK, "Port scan completed", gin.H{
		"devices_found": len(devices),
		"devices":       devices,
	})
}

// ListScanners lists the scanner types available on this host
func (h *DiscoveryHandler) ListScanners(c *gin.Context) {
	utils.SuccessResponse(c, http.StatusOK, "Available scanners", gin.H{
		"scanners": h.scanners.GetAvailableScanners(),
	})
}
