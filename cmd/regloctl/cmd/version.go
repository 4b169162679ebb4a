package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// versionCmd represents the version command
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the pump model, firmware version and head code",
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		pump, closeAll, logger := connect(ctx)
		defer closeAll()
		v, err := pump.Version(ctx)
		if err != nil {
			logger.Fatal("failed to query version", zap.Error(err))
		}
		fmt.Println(v)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
