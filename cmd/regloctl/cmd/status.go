package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// statusCmd represents the status command
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the running state and flow rate of every channel",
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		pump, closeAll, logger := connect(ctx)
		defer closeAll()
		for _, ch := range pump.Channels {
			running, err := pump.Running(ch)
			if err != nil {
				logger.Fatal("failed to read running state", zap.Error(err))
			}
			rate, err := pump.Flowrate(ctx, ch)
			if err != nil {
				logger.Fatal("failed to query flow rate", zap.Error(err))
			}
			fmt.Printf("channel %d: running=%v rate=%.2f ml/min\n", ch, running, rate)
		}
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
