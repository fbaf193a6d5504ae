package main

import (
	"context"
	"fmt"
	"math/big"
	"os"
	"time"

	"paysplit/internal/config"
	"paysplit/internal/splitter"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	verbose    bool
	simulate   bool
	devAccount bool
	timeout    time.Duration

	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "paysplit",
	Short: "Smoke tests for the PaymentSplitterFactory contracts",
	Long: `paysplit deploys a PaymentSplitterFactory, creates a splitter through it,
funds the splitter, releases the funds and prints every payee balance.

Configuration comes from scenario.yaml, deployments.json and the environment.
Use --simulate to run against an in-memory chain.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg := zap.NewProductionConfig()
		if verbose {
			cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = cfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&simulate, "simulate", false, "Use the in-memory chain instead of CHAIN_RPC_URL")
	rootCmd.PersistentFlags().BoolVar(&devAccount, "dev-account", false, "Sign with the local development account when CHAIN_PRIVATE_KEY is unset")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 0, "Abort after this long (0 waits indefinitely)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(triggerCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func log() *zap.Logger {
	if logger == nil {
		return zap.NewNop()
	}
	return logger
}

// newClient returns the chain client and a cleanup func.
func newClient(ctx context.Context, cfg *config.AppConfig) (splitter.Client, func(), error) {
	key := cfg.Chain.PrivateKey
	if key == "" && (simulate || devAccount) {
		key = config.DevPrivateKey
	}

	if simulate {
		sender, err := senderOf(key)
		if err != nil {
			return nil, nil, err
		}
		log().Info("using simulated chain", zap.String("sender", sender.Hex()))
		fake := splitter.NewFakeClient(sender, map[common.Address]*big.Int{sender: cfg.SimulatedBalance})
		return fake, func() {}, nil
	}

	if key == "" {
		return nil, nil, fmt.Errorf("CHAIN_PRIVATE_KEY is not set (use --dev-account or --simulate)")
	}

	dialCtx := ctx
	if cfg.Chain.RPCTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, cfg.Chain.RPCTimeout)
		defer cancel()
	}
	client, err := splitter.NewEthClient(dialCtx, splitter.EthClientConfig{
		RPCURL:        cfg.Chain.RPCURL,
		PrivateKeyHex: key,
		ArtifactsDir:  cfg.Chain.ArtifactsDir,
		PollInterval:  cfg.Chain.PollInterval,
		Logger:        log(),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("chain client: %w", err)
	}
	log().Info("connected to chain",
		zap.String("rpc", cfg.Chain.RPCURL),
		zap.String("sender", client.Sender().Hex()))
	return client, client.Close, nil
}

func senderOf(hexKey string) (common.Address, error) {
	if len(hexKey) >= 2 && hexKey[:2] == "0x" {
		hexKey = hexKey[2:]
	}
	pk, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return common.Address{}, fmt.Errorf("parse private key: %w", err)
	}
	return crypto.PubkeyToAddress(pk.PublicKey), nil
}

func withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if timeout > 0 {
		return context.WithTimeout(ctx, timeout)
	}
	return context.WithCancel(ctx)
}
