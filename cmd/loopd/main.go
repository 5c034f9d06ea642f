package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/batchku/live-draw-gstreamer-sub001/internal/config"
)

const defaultConfigPath = "config/loopd.yaml"

var configPath string

var rootCmd = &cobra.Command{
	Use:   "loopd",
	Short: "Keyboard-triggered palindrome video looper",
	Long: `loopd composites a live camera feed with up to nine looped clips.

Holding a digit key 1-9 records the live feed into that slot's ring
buffer; releasing the key plays the clip forward then backward, forever,
in the slot's grid cell next to the live preview.`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", defaultConfigPath,
		"path to YAML configuration file")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(checkConfigCmd)
	rootCmd.AddCommand(versionCmd)
}

// loadConfig reads the configured file. When the flag was left at its
// default and no file exists there, the built-in defaults apply.
func loadConfig() (*config.Config, error) {
	if !rootCmd.PersistentFlags().Changed("config") {
		if _, err := os.Stat(configPath); err != nil {
			return config.Default(), nil
		}
	}
	return config.Load(configPath)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
