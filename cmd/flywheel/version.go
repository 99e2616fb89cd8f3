package main

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/flywheelhq/flywheel/internal/config"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("flywheel %s (%s/%s, %s)\n",
			config.Version, runtime.GOOS, runtime.GOARCH, runtime.Version())
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
