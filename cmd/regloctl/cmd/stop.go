package cmd

import (
	"context"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var stopChannel int

// stopCmd represents the stop command
var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop pumping",
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		pump, closeAll, logger := connect(ctx)
		defer closeAll()
		if err := pump.Stop(ctx, stopChannel); err != nil {
			logger.Fatal("failed to stop", zap.Error(err))
		}
	},
}

func init() {
	stopCmd.Flags().IntVar(&stopChannel, "channel", 0, "channel number, 0 for all")
	rootCmd.AddCommand(stopCmd)
}
