package intent

import (
	"fmt"
	"math/big"
	"strings"
)

// NativeDecimals is the precision of the chain's native asset.
const NativeDecimals = 18

// ParseUnits converts a decimal string such as "0.01" into base units with
// the given number of decimals. Excess fractional digits are an error, not
// silently truncated.
func ParseUnits(amount string, decimals int) (*big.Int, error) {
	amount = strings.TrimSpace(amount)
	if amount == "" {
		return nil, fmt.Errorf("amount is empty")
	}
	if strings.HasPrefix(amount, "-") {
		return nil, fmt.Errorf("amount %q is negative", amount)
	}
	whole, frac, _ := strings.Cut(amount, ".")
	if whole == "" {
		whole = "0"
	}
	if len(frac) > decimals {
		if strings.TrimRight(frac[decimals:], "0") != "" {
			return nil, fmt.Errorf("amount %q has more than %d decimals", amount, decimals)
		}
		frac = frac[:decimals]
	}
	frac += strings.Repeat("0", decimals-len(frac))
	value, ok := new(big.Int).SetString(whole+frac, 10)
	if !ok {
		return nil, fmt.Errorf("amount %q is not a decimal number", amount)
	}
	return value, nil
}

// FormatUnits renders base units as a decimal string without trailing zeros.
func FormatUnits(value *big.Int, decimals int) string {
	if value == nil {
		return "0"
	}
	neg := value.Sign() < 0
	digits := new(big.Int).Abs(value).String()
	if decimals > 0 {
		if len(digits) <= decimals {
			digits = strings.Repeat("0", decimals-len(digits)+1) + digits
		}
		whole, frac := digits[:len(digits)-decimals], strings.TrimRight(digits[len(digits)-decimals:], "0")
		digits = whole
		if frac != "" {
			digits += "." + frac
		}
	}
	if neg {
		return "-" + digits
	}
	return digits
}

// ParseInteger accepts a decimal or 0x-prefixed integer string.
func ParseInteger(value string) (*big.Int, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return new(big.Int), nil
	}
	base := 10
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		value, base = value[2:], 16
	}
	n, ok := new(big.Int).SetString(value, base)
	if !ok || n.Sign() < 0 {
		return nil, fmt.Errorf("%q is not a non-negative integer", value)
	}
	return n, nil
}
