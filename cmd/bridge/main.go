package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/dynamisinc/cobra-poc-sub003/internal/version"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "bridge",
		Short: "External messaging bridge for event channels",
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the bridge server",
		Run: func(cmd *cobra.Command, args []string) {
			runServe()
		},
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version.GetInfo())
		},
	}

	rootCmd.AddCommand(serveCmd, versionCmd)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
