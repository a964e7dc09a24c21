package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// DeviceServer accepts driver app connections.
type DeviceServer interface {
	ServeDevice(w http.ResponseWriter, r *http.Request, driverID string) error
}

type DeviceHandler struct {
	devices DeviceServer
}

func NewDeviceHandler(devices DeviceServer) *DeviceHandler {
	return &DeviceHandler{devices: devices}
}

// Connect handles GET /v1/devices/:driver_id/ws and blocks for the life of the connection.
//
// @Summary      Driver app location channel
// @Tags         devices
// @Param        driver_id  path  string  true  "Driver id"
// @Success      101
// @Router       /v1/devices/{driver_id}/ws [get]
func (h *DeviceHandler) Connect(c echo.Context) error {
	return h.devices.ServeDevice(c.Response(), c.Request(), c.Param("driver_id"))
}
