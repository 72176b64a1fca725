// internal/utils/response_test.go
package utils

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sweep-service/pkg/driver"
)

func TestDeviceErrorStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{driver.Errorf(driver.CodeInvalidArgument, "op", "bad"), http.StatusBadRequest},
		{driver.Errorf(driver.CodeInvalidState, "op", "closed"), http.StatusConflict},
		{driver.Errorf(driver.CodeNotScanning, "op", "stopped"), http.StatusConflict},
		{driver.Errorf(driver.CodeProtocol, "op", "garbled"), http.StatusBadGateway},
		{driver.Errorf(driver.CodeTransport, "op", "unplugged"), http.StatusBadGateway},
		{driver.Errorf(driver.CodeFaulted, "op", "faulted"), http.StatusServiceUnavailable},
		{fmt.Errorf("get_scan: %w", context.DeadlineExceeded), http.StatusGatewayTimeout},
		{errors.New("other"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, DeviceErrorStatus(tt.err), tt.err.Error())
	}
}

func TestDeviceErrorResponse(t *testing.T) {
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Set("request_id", "req-1")

	DeviceErrorResponse(c, "Failed to set sample rate",
		fmt.Errorf("wrapped: %w", driver.Errorf(driver.CodeInvalidArgument, "set_sample_rate", "sample rate 600 Hz")))

	assert.Equal(t, http.StatusBadRequest, w.Code)

	var body APIResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.False(t, body.Success)
	assert.Equal(t, "req-1", body.RequestID)
	require.NotNil(t, body.Error)
	assert.Equal(t, "INVALID_ARGUMENT", body.Error.Code)
}
