package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/duraproxy/duraproxy/config"
	"github.com/duraproxy/duraproxy/domain/allowlist"
	"github.com/spf13/cobra"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Parse and sanity-check a config file without starting a listener",
	Long: `Validate the streamproxy configuration file.

Checks:
  - YAML syntax is valid and required fields are present
  - Allowlist patterns compile
  - The store is reachable (optional)

Examples:
  streamproxy validate
  streamproxy validate --config /etc/streamproxy/proxy.yaml --check-store`,
	RunE: runValidate,
}

var validateCheckStore bool

func init() {
	rootCmd.AddCommand(validateCmd)

	validateCmd.Flags().BoolVar(&validateCheckStore, "check-store", false, "check if the store is reachable")
}

func runValidate(cmd *cobra.Command, args []string) error {
	fmt.Printf("Validating %s...\n\n", cfgFile)

	if _, err := os.Stat(cfgFile); os.IsNotExist(err) {
		fmt.Printf("  %s Config file exists\n", crossMark)
		return fmt.Errorf("config file not found: %s", cfgFile)
	}
	fmt.Printf("  %s Config file exists\n", checkMark)

	cfg, err := config.Load(cfgFile)
	if err != nil {
		fmt.Printf("  %s Config syntax valid\n", crossMark)
		return fmt.Errorf("config error: %w", err)
	}
	fmt.Printf("  %s Config syntax valid\n", checkMark)

	if _, err := allowlist.Compile(cfg.Allowlist); err != nil {
		fmt.Printf("  %s Allowlist patterns compile\n", crossMark)
		return fmt.Errorf("allowlist error: %w", err)
	}
	fmt.Printf("  %s Allowlist patterns compile (%d pattern(s))\n", checkMark, len(cfg.Allowlist))

	fmt.Printf("  %s Listen address: %s\n", checkMark, cfg.Server.Addr())
	fmt.Printf("  %s Store: %s\n", checkMark, cfg.Store.URL)
	fmt.Printf("  %s Stream TTL: %s, signed URL TTL: %s\n", checkMark, cfg.Stream.TTL(), cfg.Stream.URLTTL())

	if validateCheckStore {
		if err := checkStoreReachable(cfg.Store.URL); err != nil {
			fmt.Printf("  %s Store reachable\n", crossMark)
			fmt.Printf("      Error: %v\n", err)
		} else {
			fmt.Printf("  %s Store reachable\n", checkMark)
		}
	}

	fmt.Println()
	fmt.Println("Configuration is valid.")
	return nil
}

func checkStoreReachable(baseURL string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, baseURL, nil)
	if err != nil {
		return err
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

const (
	checkMark = "\033[32m✓\033[0m"
	crossMark = "\033[31m✗\033[0m"
)
