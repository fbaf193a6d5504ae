package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"paysplit/internal/config"
	"paysplit/internal/smoke"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var jsonOutput bool

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one smoke test and print payee balances",
	Long: `Runs the smoke scenario once:
  1. deploy PaymentSplitterFactory (skipped when FACTORY_ADDRESS is set)
  2. newSplitter(payees, shares) and capture the splitter address
  3. transfer the fund amount to the splitter and wait for confirmations
  4. releaseAll(splitter) and wait for confirmations
  5. print the balance of every payee`,
	Args: cobra.NoArgs,
	RunE: runSmoke,
}

func init() {
	runCmd.Flags().BoolVar(&jsonOutput, "json", false, "Print the full report as JSON")
}

func runSmoke(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config error: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	client, closeClient, err := newClient(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeClient()

	runner := smoke.NewRunner(client,
		smoke.WithLogger(log()),
		smoke.WithRetry(cfg.Retry),
	)
	report, err := runner.Run(ctx, cfg.Scenario)
	if err != nil {
		log().Error("smoke run failed", zap.Error(err))
		return err
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}
	return report.Print(out)
}
