package commands

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/jholhewres/companion/pkg/companion/gateway"
)

// newHealthCmd creates the `companion health` command. It queries the
// status API of a running instance; used by Docker HEALTHCHECK.
func newHealthCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check a running instance through its status API",
		Long: `Requests /health from the status API of a running companion and
prints the response. Exits non-zero when the instance is unreachable.

Examples:
  companion health
  companion health --address 127.0.0.1:8085`,
		RunE: runHealth,
	}
	cmd.Flags().String("address", "", "status API address (default: gateway.address from the config)")
	cmd.Flags().Duration("timeout", 5*time.Second, "request timeout")
	return cmd
}

func runHealth(cmd *cobra.Command, _ []string) error {
	address, _ := cmd.Flags().GetString("address")
	timeout, _ := cmd.Flags().GetDuration("timeout")

	if address == "" {
		address = gateway.DefaultAddress
		if cfg, err := loadConfigForCLI(cmd); err == nil && cfg.Gateway.Address != "" {
			address = cfg.Gateway.Address
		}
	}

	body, err := fetchHealth(cmd.Context(), "http://"+address+"/health", timeout)
	if err != nil {
		return err
	}
	fmt.Print(body)
	return nil
}

// fetchHealth GETs url and returns the body of a 200 response.
func fetchHealth(ctx context.Context, url string, timeout time.Duration) (string, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", oops.Errorf("building request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", oops.With("url", url).Errorf("instance unreachable: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return "", oops.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", oops.With("url", url).Errorf("unhealthy: HTTP %d: %s", resp.StatusCode, string(data))
	}
	return string(data), nil
}
