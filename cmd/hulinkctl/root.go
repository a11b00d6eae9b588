package main

import (
	"github.com/spf13/cobra"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:   "hulinkctl",
	Short: "Head-unit session protocol client",
	Long: `hulinkctl opens links to a head unit, negotiates protocol sessions and
streams connection events to the log.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "hulink.toml", "config file path")

	rootCmd.AddCommand(connectCmd)
	rootCmd.AddCommand(decodeCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(demoCmd)
}
