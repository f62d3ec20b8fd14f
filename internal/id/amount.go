package id

import (
	"fmt"
	"math/big"
	"regexp"
	"strings"

	clierr "github.com/ggonzalez94/defi-keeper/internal/errors"
)

var decimalPattern = regexp.MustCompile(`^[0-9]+(\.[0-9]*)?$|^\.[0-9]+$`)

// MaxUint256 is the largest value representable in a uint256 amount.
var MaxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

// ParseBaseUnits converts a decimal token amount into base units. Fractional
// digits beyond the token's decimals are truncated toward zero. Negative,
// non-finite and exponent forms are rejected.
func ParseBaseUnits(decimal string, decimals int) (*big.Int, error) {
	raw := strings.TrimSpace(decimal)
	if raw == "" {
		return nil, clierr.New(clierr.CodeUsage, "amount is required")
	}
	if decimals < 0 || decimals > 77 {
		return nil, clierr.New(clierr.CodeUsage, "decimals must be between 0 and 77")
	}
	if strings.HasPrefix(raw, "-") {
		return nil, clierr.New(clierr.CodeUsage, "amount must be non-negative")
	}
	raw = strings.TrimPrefix(raw, "+")
	if !decimalPattern.MatchString(raw) {
		return nil, clierr.New(clierr.CodeUsage, fmt.Sprintf("amount %q must be a finite decimal like 1.23", decimal))
	}

	intPart, fracPart, _ := strings.Cut(raw, ".")
	if len(fracPart) > decimals {
		fracPart = fracPart[:decimals]
	}
	fracPart += strings.Repeat("0", decimals-len(fracPart))
	combined := strings.TrimLeft(intPart+fracPart, "0")
	if combined == "" {
		return new(big.Int), nil
	}
	out, ok := new(big.Int).SetString(combined, 10)
	if !ok {
		return nil, clierr.New(clierr.CodeUsage, "invalid decimal amount")
	}
	if out.Cmp(MaxUint256) > 0 {
		return nil, clierr.New(clierr.CodeUsage, "amount exceeds uint256")
	}
	return out, nil
}

// ParsePositiveBaseUnits is ParseBaseUnits with zero rejected.
func ParsePositiveBaseUnits(decimal string, decimals int) (*big.Int, error) {
	out, err := ParseBaseUnits(decimal, decimals)
	if err != nil {
		return nil, err
	}
	if out.Sign() == 0 {
		return nil, clierr.New(clierr.CodeUsage, "amount must be greater than zero")
	}
	return out, nil
}

// FormatDecimal renders base units as a decimal string without trailing zeros.
func FormatDecimal(baseUnits *big.Int, decimals int) string {
	if baseUnits == nil {
		return "0"
	}
	s := baseUnits.String()
	if decimals <= 0 {
		return s
	}
	neg := strings.HasPrefix(s, "-")
	s = strings.TrimPrefix(s, "-")
	if len(s) <= decimals {
		s = strings.Repeat("0", decimals-len(s)+1) + s
	}
	intPart := s[:len(s)-decimals]
	fracPart := strings.TrimRight(s[len(s)-decimals:], "0")
	out := intPart
	if fracPart != "" {
		out += "." + fracPart
	}
	if neg {
		out = "-" + out
	}
	return out
}
