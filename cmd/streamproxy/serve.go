package main

import (
	"fmt"
	"os"

	"github.com/duraproxy/duraproxy/bootstrap"
	"github.com/duraproxy/duraproxy/config"
	"github.com/spf13/cobra"
)

var (
	hotReload bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the streaming proxy server",
	Long: `Start the streamproxy server.

The server will:
  - Load configuration from proxy.yaml (or --config)
  - Watch the config file for changes (unless --hot-reload=false)
  - Accept create/connect/renew/read/abort/meta/delete requests on /v1/proxy

Examples:
  streamproxy serve
  streamproxy serve --config /etc/streamproxy/proxy.yaml
  streamproxy serve --hot-reload=false`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().BoolVar(&hotReload, "hot-reload", true, "enable hot reload of configuration")
}

func runServe(cmd *cobra.Command, args []string) error {
	// Check if config exists
	if _, err := os.Stat(cfgFile); os.IsNotExist(err) {
		fmt.Println("No configuration found.")
		fmt.Println()
		fmt.Printf("Run 'streamproxy init' to create %s\n", cfgFile)
		fmt.Println("Or specify a config file with --config")
		return nil
	}

	// Create application
	var app *bootstrap.App
	var err error

	if hotReload {
		app, err = bootstrap.NewWithHotReload(cfgFile)
	} else {
		cfg, loadErr := config.Load(cfgFile)
		if loadErr != nil {
			return fmt.Errorf("error loading config: %w", loadErr)
		}
		app, err = bootstrap.New(cfg)
	}

	if err != nil {
		return fmt.Errorf("error initializing: %w", err)
	}

	// Run (blocks until shutdown)
	return app.Run()
}
