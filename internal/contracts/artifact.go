package contracts

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// ErrNoBytecode is returned when an artifact cannot be deployed.
var ErrNoBytecode = errors.New("artifact has no bytecode")

// Artifact is a compiled contract as written by `brownie compile`
// into build/contracts/<Name>.json.
type Artifact struct {
	Name     string
	ABI      abi.ABI
	Bytecode []byte
}

type rawArtifact struct {
	ContractName string          `json:"contractName"`
	ABI          json.RawMessage `json:"abi"`
	Bytecode     string          `json:"bytecode"`
}

// LoadArtifact reads <dir>/<name>.json.
func LoadArtifact(dir, name string) (*Artifact, error) {
	path := filepath.Join(dir, name+".json")
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read artifact %s: %w", name, err)
	}
	return ParseArtifact(name, raw)
}

// ParseArtifact decodes a brownie build file. Bytecode may be empty for
// interfaces; callers that deploy must check for ErrNoBytecode.
func ParseArtifact(name string, raw []byte) (*Artifact, error) {
	var doc rawArtifact
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode artifact %s: %w", name, err)
	}
	if doc.ContractName != "" {
		name = doc.ContractName
	}
	if len(doc.ABI) == 0 {
		return nil, fmt.Errorf("artifact %s: missing abi", name)
	}

	parsed, err := abi.JSON(strings.NewReader(string(doc.ABI)))
	if err != nil {
		return nil, fmt.Errorf("artifact %s: parse abi: %w", name, err)
	}

	code := strings.TrimSpace(doc.Bytecode)
	var bytecode []byte
	if code != "" {
		if strings.Contains(code, "__") {
			return nil, fmt.Errorf("artifact %s: bytecode has unlinked libraries", name)
		}
		bytecode = common.FromHex(code)
	}

	return &Artifact{Name: name, ABI: parsed, Bytecode: bytecode}, nil
}

// Deployable reports whether the artifact carries creation bytecode.
func (a *Artifact) Deployable() error {
	if len(a.Bytecode) == 0 {
		return fmt.Errorf("%s: %w", a.Name, ErrNoBytecode)
	}
	return nil
}

// MustParseABI parses one of the embedded ABI constants.
func MustParseABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(fmt.Sprintf("parse abi: %v", err))
	}
	return parsed
}
