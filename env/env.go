// Package env loads the pump connection settings from the environment, with
// .env file support for development setups.
package env

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

type Environment struct {
	// SerialPort is the device path for a directly attached pump.
	SerialPort string
	// GatewayHost/GatewayPort select the TCP serial gateway variant instead.
	GatewayHost string
	GatewayPort int

	Baud    int
	Timeout time.Duration

	// AMQP settings are optional; events are only published when URI is set.
	AMQPURI  string
	Exchange string
	DeviceID string
}

// LoadEnv reads the environment, preloading a .env file when one exists.
// Exactly one of SERIAL_PORT and GATEWAY_HOST must be set.
func LoadEnv(logger *zap.Logger) *Environment {
	if err := godotenv.Load(); err != nil {
		logger.Debug("no .env file loaded", zap.Error(err))
	}
	e := &Environment{
		SerialPort:  os.Getenv("SERIAL_PORT"),
		GatewayHost: os.Getenv("GATEWAY_HOST"),
		Baud:        9600,
		Timeout:     50 * time.Millisecond,
		AMQPURI:     os.Getenv("AMQP_URI"),
		Exchange:    os.Getenv("AMQP_EXCHANGE"),
		DeviceID:    os.Getenv("DEVICE_ID"),
	}
	if e.SerialPort == "" && e.GatewayHost == "" {
		logger.Fatal("neither SERIAL_PORT nor GATEWAY_HOST set")
	}
	if v, found := os.LookupEnv("SERIAL_BAUD"); found {
		baud, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			logger.Fatal("failed to parse SERIAL_BAUD", zap.Error(err))
		}
		e.Baud = int(baud)
	}
	if v, found := os.LookupEnv("GATEWAY_PORT"); found {
		port, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			logger.Fatal("failed to parse GATEWAY_PORT", zap.Error(err))
		}
		e.GatewayPort = int(port)
	}
	if v, found := os.LookupEnv("SERIAL_TIMEOUT_MS"); found {
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			logger.Fatal("failed to parse SERIAL_TIMEOUT_MS", zap.Error(err))
		}
		e.Timeout = time.Duration(ms) * time.Millisecond
	}
	if e.GatewayHost != "" && e.GatewayPort == 0 {
		logger.Fatal("GATEWAY_HOST set without GATEWAY_PORT")
	}
	if e.DeviceID == "" {
		e.DeviceID = "reglo"
	}
	return e
}
