package main

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a starter proxy.yaml",
	Long: `Write a starter configuration file.

This generates a proxy.yaml with a random service secret and a
deny-everything allowlist, ready to be edited before 'streamproxy serve'.

Examples:
  streamproxy init
  streamproxy init --config /etc/streamproxy/proxy.yaml
  streamproxy init --store-url http://localhost:9000`,
	RunE: runInit,
}

var (
	initStoreURL string
)

func init() {
	rootCmd.AddCommand(initCmd)

	initCmd.Flags().StringVar(&initStoreURL, "store-url", "http://localhost:9000", "durable store base URL")
}

func runInit(cmd *cobra.Command, args []string) error {
	if _, err := os.Stat(cfgFile); err == nil {
		return fmt.Errorf("%s already exists, remove it first or pass --config", cfgFile)
	}

	secret, err := generateSecret()
	if err != nil {
		return fmt.Errorf("generate secret: %w", err)
	}

	if err := os.WriteFile(cfgFile, []byte(generateConfig(initStoreURL, secret)), 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	fmt.Printf("Wrote %s\n", cfgFile)
	fmt.Println()
	fmt.Println("Edit the allowlist before starting the server: by default no")
	fmt.Println("upstream URL is permitted.")
	fmt.Println()
	fmt.Println("Run 'streamproxy validate' to sanity-check it, then")
	fmt.Println("'streamproxy serve' to start the proxy server.")
	return nil
}

func generateSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

func generateConfig(storeURL, secret string) string {
	return fmt.Sprintf(`# streamproxy configuration
# Generated by 'streamproxy init'

server:
  host: "0.0.0.0"
  port: 8080

store:
  url: "%s"
  timeout: 30s
  dial_timeout: 10s
  idle_conn_timeout: 90s

secret: "%s"

allowlist: []
  # - "https://api.example.com/**"

stream:
  ttl_seconds: 86400
  url_ttl_seconds: 604800
  max_response_bytes: 104857600

pipe:
  batch_size_bytes: 4096
  batch_time_ms: 50
  inactivity_ms: 600000
  startup_timeout_ms: 60000

logging:
  level: info
  format: console

metrics:
  enabled: true
`, storeURL, secret)
}
