package config

import (
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"paysplit/internal/smoke"
	"paysplit/internal/units"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

// ScenarioFile models scenario.yaml. JSON documents are accepted as well.
type ScenarioFile struct {
	Chain struct {
		RPCURL         string `yaml:"rpcUrl" json:"rpcUrl"`
		Confirmations  uint64 `yaml:"confirmations" json:"confirmations"`
		PollIntervalMs int    `yaml:"pollIntervalMs" json:"pollIntervalMs"`
		RPCTimeoutMs   int    `yaml:"rpcTimeoutMs" json:"rpcTimeoutMs"`
	} `yaml:"chain" json:"chain"`
	Scenario struct {
		Payees        []string `yaml:"payees" json:"payees"`
		Shares        []uint64 `yaml:"shares" json:"shares"`
		CreationValue string   `yaml:"creationValue" json:"creationValue"`
		FundAmount    string   `yaml:"fundAmount" json:"fundAmount"`
		Token         struct {
			Enabled bool   `yaml:"enabled" json:"enabled"`
			Amount  string `yaml:"amount" json:"amount"`
		} `yaml:"token" json:"token"`
	} `yaml:"scenario" json:"scenario"`
	Simulation struct {
		Balance string `yaml:"balance" json:"balance"`
	} `yaml:"simulation" json:"simulation"`
	Retry struct {
		MaxAttempts       int `yaml:"maxAttempts" json:"maxAttempts"`
		InitialBackoffMs  int `yaml:"initialBackoffMs" json:"initialBackoffMs"`
		MaxBackoffMs      int `yaml:"maxBackoffMs" json:"maxBackoffMs"`
		BackoffMultiplier int `yaml:"backoffMultiplier" json:"backoffMultiplier"`
	} `yaml:"retry" json:"retry"`
}

// DeploymentConfig represents deployments.json.
type DeploymentConfig struct {
	ChainID   int64  `yaml:"chainId" json:"chainId"`
	Deployer  string `yaml:"deployer" json:"deployer"`
	Contracts struct {
		PaymentSplitterFactory string `yaml:"PaymentSplitterFactory" json:"PaymentSplitterFactory"`
		ERC20Token             string `yaml:"ERC20Token" json:"ERC20Token"`
	} `yaml:"contracts" json:"contracts"`
}

// AppConfig ties together the scenario, deployment info and derived values.
type AppConfig struct {
	Scenario   smoke.Scenario
	Deployment DeploymentConfig
	Service    ServiceConfig
	Chain      ChainConfig
	Retry      smoke.RetryPolicy
	// SimulatedBalance seeds the deployer on the in-memory chain.
	SimulatedBalance *big.Int
}

type ServiceConfig struct {
	HTTPPort          int
	HMACSecret        string
	HMACClockSkew     time.Duration
	IdempotencyWindow time.Duration
	RunStorePath      string
	PostgresDSN       string
}

type ChainConfig struct {
	RPCURL       string
	PrivateKey   string
	ArtifactsDir string
	PollInterval time.Duration
	RPCTimeout   time.Duration
}

const (
	defaultScenarioPath    = "scenario.yaml"
	defaultDeploymentsPath = "deployments.json"
	defaultRPCURL          = "http://127.0.0.1:8545"
)

// DevPrivateKey is account 0 of the anvil/hardhat development mnemonic.
const DevPrivateKey = "0xac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

// DevPayees are accounts 1-4 of the development mnemonic, matching
// accounts[1..4] in the brownie script.
var DevPayees = []string{
	"0x70997970C51812dc3A010C7d01b50e0d17dc79C8",
	"0x3C44CdDdB6a900fa2b585dd299e03d12FA4293BC",
	"0x90F79bf6EB2c4f870365E785982E1f101E93b906",
	"0x15d34AAf54267DB7D7c367839AAf71A00a2C6A65",
}

// Load aggregates configuration from disk and environment. Both documents
// are optional; missing files fall back to the development defaults.
func Load() (*AppConfig, error) {
	return LoadFrom(
		envOr("SCENARIO_PATH", defaultScenarioPath),
		envOr("DEPLOYMENTS_PATH", defaultDeploymentsPath),
	)
}

func LoadFrom(scenarioPath, deploymentsPath string) (*AppConfig, error) {
	file, err := loadScenarioFile(scenarioPath)
	if err != nil {
		return nil, fmt.Errorf("load scenario: %w", err)
	}
	deployCfg, err := loadDeployments(deploymentsPath)
	if err != nil {
		return nil, fmt.Errorf("load deployments: %w", err)
	}

	sc, err := buildScenario(file, deployCfg)
	if err != nil {
		return nil, err
	}

	simBalance, err := units.ParseAmount(orDefault(file.Simulation.Balance, "10000 ether"))
	if err != nil {
		return nil, fmt.Errorf("simulation balance: %w", err)
	}

	chainCfg := ChainConfig{
		RPCURL:       envOr("CHAIN_RPC_URL", orDefault(file.Chain.RPCURL, defaultRPCURL)),
		PrivateKey:   envOr("CHAIN_PRIVATE_KEY", ""),
		ArtifactsDir: envOr("ARTIFACTS_DIR", filepath.Join("build", "contracts")),
		PollInterval: envOrDuration("CHAIN_POLL_INTERVAL_MS", time.Duration(orDefaultInt(file.Chain.PollIntervalMs, 2000))*time.Millisecond),
		RPCTimeout:   envOrDuration("CHAIN_RPC_TIMEOUT_MS", time.Duration(orDefaultInt(file.Chain.RPCTimeoutMs, 10000))*time.Millisecond),
	}

	serviceCfg := ServiceConfig{
		HTTPPort:          envOrInt("API_HTTP_PORT", 3000),
		HMACSecret:        envOr("HMAC_SECRET", ""),
		HMACClockSkew:     time.Duration(envOrInt("HMAC_CLOCK_SKEW_SECONDS", 60)) * time.Second,
		IdempotencyWindow: time.Duration(envOrInt("IDEMPOTENCY_WINDOW_SECONDS", 86400)) * time.Second,
		RunStorePath:      envOr("RUN_STORE_PATH", filepath.Join(os.TempDir(), "paysplit-runs.db")),
		PostgresDSN:       envOr("POSTGRES_DSN", ""),
	}

	retry := smoke.RetryPolicy{
		MaxAttempts:       envOrInt("RETRY_MAX_ATTEMPTS", orDefaultInt(file.Retry.MaxAttempts, 3)),
		InitialBackoff:    time.Duration(orDefaultInt(file.Retry.InitialBackoffMs, 500)) * time.Millisecond,
		MaxBackoff:        time.Duration(orDefaultInt(file.Retry.MaxBackoffMs, 5000)) * time.Millisecond,
		BackoffMultiplier: orDefaultInt(file.Retry.BackoffMultiplier, 2),
	}

	return &AppConfig{
		Scenario:         sc,
		Deployment:       *deployCfg,
		Service:          serviceCfg,
		Chain:            chainCfg,
		Retry:            retry,
		SimulatedBalance: simBalance,
	}, nil
}

func buildScenario(file *ScenarioFile, deploy *DeploymentConfig) (smoke.Scenario, error) {
	var sc smoke.Scenario

	payees := file.Scenario.Payees
	if len(payees) == 0 {
		payees = DevPayees
	}
	payeeAddrs, err := ParseAddresses(payees)
	if err != nil {
		return sc, err
	}
	sc.Payees = payeeAddrs

	shares := file.Scenario.Shares
	if len(shares) == 0 {
		shares = make([]uint64, len(payees))
		for i := range shares {
			shares[i] = 1
		}
	}
	for _, s := range shares {
		sc.Shares = append(sc.Shares, new(big.Int).SetUint64(s))
	}

	if sc.FundAmount, err = units.ParseAmount(envOr("FUND_AMOUNT", orDefault(file.Scenario.FundAmount, "4 ether"))); err != nil {
		return sc, fmt.Errorf("fund amount: %w", err)
	}
	if sc.CreationValue, err = units.ParseAmount(envOr("CREATION_VALUE", orDefault(file.Scenario.CreationValue, "0"))); err != nil {
		return sc, fmt.Errorf("creation value: %w", err)
	}

	confirmations := file.Chain.Confirmations
	if confirmations == 0 {
		confirmations = 1
	}
	n := envOrInt("CHAIN_CONFIRMATIONS", int(confirmations))
	if n < 1 {
		return sc, fmt.Errorf("confirmations must be at least 1, got %d", n)
	}
	sc.Confirmations = uint64(n)

	if addr := envOr("FACTORY_ADDRESS", deploy.Contracts.PaymentSplitterFactory); addr != "" {
		if !common.IsHexAddress(addr) {
			return sc, fmt.Errorf("invalid factory address %q", addr)
		}
		sc.Factory = common.HexToAddress(addr)
	}

	if file.Scenario.Token.Enabled {
		amount, err := units.ParseAmount(orDefault(file.Scenario.Token.Amount, "4"))
		if err != nil {
			return sc, fmt.Errorf("token amount: %w", err)
		}
		sc.Token = &smoke.TokenScenario{Amount: amount}
		if addr := deploy.Contracts.ERC20Token; addr != "" {
			if !common.IsHexAddress(addr) {
				return sc, fmt.Errorf("invalid token address %q", addr)
			}
			sc.Token.Address = common.HexToAddress(addr)
		}
	}
	return sc, nil
}

// ParseAddresses validates and converts hex addresses.
func ParseAddresses(in []string) ([]common.Address, error) {
	out := make([]common.Address, 0, len(in))
	for _, s := range in {
		if !common.IsHexAddress(s) {
			return nil, fmt.Errorf("invalid address %q", s)
		}
		out = append(out, common.HexToAddress(s))
	}
	return out, nil
}

func loadScenarioFile(path string) (*ScenarioFile, error) {
	var cfg ScenarioFile
	if err := readYAML(path, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func loadDeployments(path string) (*DeploymentConfig, error) {
	var cfg DeploymentConfig
	if err := readYAML(path, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// readYAML leaves out untouched when the file does not exist.
func readYAML(path string, out interface{}) error {
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	return yaml.Unmarshal(raw, out)
}

func envOr(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		return val
	}
	return fallback
}

func envOrInt(key string, fallback int) int {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		if parsed, err := strconv.Atoi(val); err == nil {
			return parsed
		}
	}
	return fallback
}

func envOrDuration(keyMs string, fallback time.Duration) time.Duration {
	if ms := envOrInt(keyMs, -1); ms >= 0 {
		return time.Duration(ms) * time.Millisecond
	}
	return fallback
}

func orDefault(val, fallback string) string {
	if val == "" {
		return fallback
	}
	return val
}

func orDefaultInt(val, fallback int) int {
	if val == 0 {
		return fallback
	}
	return val
}
