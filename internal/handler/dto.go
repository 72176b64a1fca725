// internal/handler/dto.go
package handler

import (
	"time"

	"github.com/shopspring/decimal"

	"sweep-service/pkg/driver"
)

// ValueRequest carries a single integer setting
type ValueRequest struct {
	Value *int `json:"value" binding:"required"`
}

// ValueResponse reports a single integer setting
type ValueResponse struct {
	Value int `json:"value"`
}

// MotorReadyResponse reports motor readiness
type MotorReadyResponse struct {
	Ready bool `json:"ready"`
}

// SampleResponse is one sample as served over the API
type SampleResponse struct {
	// Angle in degrees, exact to the device's 1/16 degree resolution
	Angle decimal.Decimal `json:"angle"`
	// Distance in millimetres
	Distance int   `json:"distance"`
	Strength uint8 `json:"strength"`
}

// ScanResponse is one rotation as served over the API
type ScanResponse struct {
	Sequence  uint64           `json:"sequence"`
	Timestamp time.Time        `json:"timestamp"`
	Samples   []SampleResponse `json:"samples"`
}

// NewScanResponse converts a scan for the API
func NewScanResponse(scan *driver.Scan) *ScanResponse {
	resp := &ScanResponse{
		Sequence:  scan.Sequence,
		Timestamp: scan.Timestamp,
		Samples:   make([]SampleResponse, len(scan.Samples)),
	}
	for i, s := range scan.Samples {
		resp.Samples[i] = SampleResponse{
			Angle:    s.AngleDegrees(),
			Distance: s.Distance,
			Strength: s.Strength,
		}
	}
	return resp
}
