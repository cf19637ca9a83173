package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	cfgFile string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "streamproxy",
	Short: "Durable streaming HTTP proxy with capability-based access",
	Long: `streamproxy fetches an upstream HTTP response on the caller's
behalf and persists it frame by frame to a durable store, handing back a
signed URL that any number of readers can use to consume the response
independently of the original request's lifetime.

Quick start:
  streamproxy init      # write a starter proxy.yaml
  streamproxy serve     # start the proxy server

Management:
  streamproxy validate  # validate configuration`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "proxy.yaml", "config file path")
}
