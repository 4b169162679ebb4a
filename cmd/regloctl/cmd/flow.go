package cmd

import (
	"context"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	flowRate    float64
	flowChannel int
)

// flowCmd represents the flow command
var flowCmd = &cobra.Command{
	Use:   "flow",
	Short: "Start continuous flow",
	Long: `Start continuous flow at --rate ml/min on --channel. A negative rate
reverses the direction; channel 0 starts every channel.`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		pump, closeAll, logger := connect(ctx)
		defer closeAll()
		if err := pump.ContinuousFlow(ctx, flowRate, flowChannel); err != nil {
			logger.Fatal("failed to start flow", zap.Error(err))
		}
	},
}

func init() {
	flowCmd.Flags().Float64Var(&flowRate, "rate", 0, "flow rate in ml/min")
	flowCmd.Flags().IntVar(&flowChannel, "channel", 0, "channel number, 0 for all")
	rootCmd.AddCommand(flowCmd)
}
