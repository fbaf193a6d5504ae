package units

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/params"
)

var denominations = map[string]*big.Int{
	"wei":   big.NewInt(params.Wei),
	"kwei":  big.NewInt(1e3),
	"mwei":  big.NewInt(1e6),
	"gwei":  big.NewInt(params.GWei),
	"szabo": big.NewInt(1e12),
	"ether": big.NewInt(params.Ether),
	"eth":   big.NewInt(params.Ether),
}

// ParseAmount converts strings such as "4 ether", "0.5 gwei" or "1000" into wei.
// A bare number is taken as wei.
func ParseAmount(s string) (*big.Int, error) {
	fields := strings.Fields(strings.TrimSpace(s))
	if len(fields) == 0 || len(fields) > 2 {
		return nil, fmt.Errorf("invalid amount %q", s)
	}

	unit := denominations["wei"]
	if len(fields) == 2 {
		u, ok := denominations[strings.ToLower(fields[1])]
		if !ok {
			return nil, fmt.Errorf("unknown denomination %q", fields[1])
		}
		unit = u
	}

	value, ok := new(big.Rat).SetString(fields[0])
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", s)
	}
	if value.Sign() < 0 {
		return nil, fmt.Errorf("negative amount %q", s)
	}

	value.Mul(value, new(big.Rat).SetInt(unit))
	if !value.IsInt() {
		return nil, fmt.Errorf("amount %q is not a whole number of wei", s)
	}
	return new(big.Int).Set(value.Num()), nil
}

// MustParseAmount is ParseAmount for constants.
func MustParseAmount(s string) *big.Int {
	v, err := ParseAmount(s)
	if err != nil {
		panic(err)
	}
	return v
}

// FormatEther renders wei as a decimal ether string without trailing zeros.
func FormatEther(wei *big.Int) string {
	if wei == nil {
		return "0"
	}
	neg := wei.Sign() < 0
	abs := new(big.Int).Abs(wei)

	ether := big.NewInt(params.Ether)
	whole, frac := new(big.Int).QuoRem(abs, ether, new(big.Int))

	out := whole.String()
	if frac.Sign() != 0 {
		fs := frac.String()
		fs = strings.Repeat("0", 18-len(fs)) + fs
		out += "." + strings.TrimRight(fs, "0")
	}
	if neg {
		out = "-" + out
	}
	return out
}
