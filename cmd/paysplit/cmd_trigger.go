package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"time"

	"paysplit/internal/config"
	"paysplit/internal/hmacauth"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	triggerURL  string
	triggerKey  string
	triggerBody string
)

var triggerCmd = &cobra.Command{
	Use:   "trigger",
	Short: "Ask a running paysplit server for a smoke run",
	Long: `Sends a signed POST /api/v1/runs to a paysplit server and prints the
response. The request is signed with HMAC_SECRET. Reusing --key replays the
stored result instead of starting a new run.`,
	Args: cobra.NoArgs,
	RunE: runTrigger,
}

func init() {
	triggerCmd.Flags().StringVar(&triggerURL, "url", "", "Server base URL (default http://127.0.0.1:API_HTTP_PORT)")
	triggerCmd.Flags().StringVar(&triggerKey, "key", "", "Idempotency key (default: random)")
	triggerCmd.Flags().StringVar(&triggerBody, "body", "", "JSON file with scenario overrides")
}

func runTrigger(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config error: %w", err)
	}

	base := triggerURL
	if base == "" {
		base = "http://127.0.0.1:" + strconv.Itoa(cfg.Service.HTTPPort)
	}
	key := triggerKey
	if key == "" {
		key = uuid.NewString()
	}

	var body []byte
	if triggerBody != "" {
		if body, err = os.ReadFile(triggerBody); err != nil {
			return fmt.Errorf("read body: %w", err)
		}
	}

	ctx, cancel := withTimeout(context.Background())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/api/v1/runs", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Idempotency-Key", key)
	hmacauth.SignRequest(req, cfg.Service.HMACSecret, body, time.Now())

	log().Debug("triggering run", zap.String("url", req.URL.String()), zap.String("key", key))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("trigger run: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if _, err := fmt.Fprintln(cmd.OutOrStdout(), string(respBody)); err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("server returned %s", resp.Status)
	}
	return nil
}
