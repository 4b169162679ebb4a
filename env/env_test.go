package env_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/jt05610/reglo/env"
)

func TestLoadEnvSerial(t *testing.T) {
	t.Setenv("SERIAL_PORT", "/dev/ttyUSB0")
	t.Setenv("SERIAL_BAUD", "19200")
	t.Setenv("SERIAL_TIMEOUT_MS", "200")

	e := env.LoadEnv(zaptest.NewLogger(t))
	require.Equal(t, "/dev/ttyUSB0", e.SerialPort)
	require.Equal(t, 19200, e.Baud)
	require.Equal(t, 200*time.Millisecond, e.Timeout)
	require.Equal(t, "reglo", e.DeviceID)
}

func TestLoadEnvGateway(t *testing.T) {
	t.Setenv("GATEWAY_HOST", "pump-gw.lab")
	t.Setenv("GATEWAY_PORT", "4001")
	t.Setenv("DEVICE_ID", "pump-0")

	e := env.LoadEnv(zaptest.NewLogger(t))
	require.Equal(t, "pump-gw.lab", e.GatewayHost)
	require.Equal(t, 4001, e.GatewayPort)
	require.Equal(t, 9600, e.Baud)
	require.Equal(t, "pump-0", e.DeviceID)
}
