package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Set at build time: -ldflags "-X main.version=v1.2.3"
var version = "dev"

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the loopd version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("loopd %s\n", version)
	},
}
