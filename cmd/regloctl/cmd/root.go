package cmd

import (
	"context"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jt05610/reglo"
	regloamqp "github.com/jt05610/reglo/amqp"
	"github.com/jt05610/reglo/comm"
	"github.com/jt05610/reglo/env"
)

var timeout time.Duration

// rootCmd represents the root command
var rootCmd = &cobra.Command{
	Use:   "regloctl",
	Short: "regloctl controls a Reglo ICC peristaltic pump",
	Long: `regloctl drives an Ismatec Reglo ICC multi-channel peristaltic pump
over a directly attached serial port or a TCP serial gateway. The connection
is configured through the environment (SERIAL_PORT or GATEWAY_HOST/PORT),
optionally from a .env file.`,
}

func init() {
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 10*time.Second, "per-operation timeout")
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		panic(err)
	}
}

// connect opens the configured transport, starts the worker and runs the
// pump's setup sequence. The returned close function tears everything down.
func connect(ctx context.Context) (*reglo.Pump, func(), *zap.Logger) {
	logger, err := zap.NewDevelopment()
	if err != nil {
		panic(err)
	}
	environ := env.LoadEnv(logger)
	cfg := comm.DefaultConfig()
	cfg.BaudRate = environ.Baud
	cfg.Timeout = environ.Timeout

	var tr comm.Transport
	if environ.GatewayHost != "" {
		tr, err = comm.DialGateway(environ.GatewayHost, environ.GatewayPort, cfg)
	} else {
		tr, err = comm.OpenSerial(environ.SerialPort, cfg)
	}
	if err != nil {
		logger.Fatal("failed to open transport", zap.Error(err))
	}

	opts := make([]comm.Option, 0, 1)
	var notifier *regloamqp.Notifier
	if environ.AMQPURI != "" {
		notifier, err = regloamqp.Dial(environ.AMQPURI, environ.Exchange, environ.DeviceID, logger)
		if err != nil {
			logger.Fatal("failed to connect to broker", zap.Error(err))
		}
		opts = append(opts, comm.WithStateHook(notifier.Hook()))
	}

	hw := comm.New(tr, logger, opts...)
	hw.Start()
	closeAll := func() {
		if err := hw.Close(); err != nil {
			logger.Error("failed to close communicator", zap.Error(err))
		}
		if notifier != nil {
			if err := notifier.Close(); err != nil {
				logger.Error("failed to close notifier", zap.Error(err))
			}
		}
	}

	pump, err := reglo.NewPump(ctx, hw, logger)
	if err != nil {
		closeAll()
		logger.Fatal("failed to set up pump", zap.Error(err))
	}
	return pump, closeAll, logger
}
