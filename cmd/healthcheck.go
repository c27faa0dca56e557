package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"tgrelay/pkg/config"

	"github.com/spf13/cobra"
)

const healthcheckTimeout = 3 * time.Second

var healthcheckURL string

var healthcheckCmd = &cobra.Command{
	Use:   "healthcheck",
	Short: "Probe the local /health endpoint",
	Long:  "Requests /health and exits 0 when it answers 200, 1 otherwise. Intended for container health checks.",
	RunE: func(cmd *cobra.Command, args []string) error {
		_ = args

		target := strings.TrimSpace(healthcheckURL)
		if target == "" {
			cfg, err := config.LoadConfig()
			if err != nil {
				cfg = config.Default()
			}
			target = defaultHealthURL(cfg.Gateway)
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), healthcheckTimeout)
		defer cancel()

		if err := probeHealth(ctx, http.DefaultClient, target); err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "health check failed: %v\n", err)
			return err
		}

		fmt.Fprintln(cmd.OutOrStdout(), "ok")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(healthcheckCmd)
	healthcheckCmd.Flags().StringVar(&healthcheckURL, "url", "", "health endpoint URL (default http://127.0.0.1:<gateway.port>/health)")
}

func defaultHealthURL(cfg config.GatewayConfig) string {
	port := cfg.Port
	if port <= 0 {
		port = 3000
	}
	return "http://127.0.0.1:" + strconv.Itoa(port) + "/health"
}

func probeHealth(ctx context.Context, client *http.Client, target string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return errors.New("unexpected status " + strconv.Itoa(resp.StatusCode))
	}
	return nil
}
