package order

import (
	"fmt"
	"math"
	"strconv"
)

// usdcDecimals is the decimal count of the settlement asset.
const usdcDecimals = 6

// USDToBaseUnits converts a decimal USD amount to USDC base units (6
// decimals) as an integer string, rounding to nearest.
func USDToBaseUnits(usd float64) (string, error) {
	if math.IsNaN(usd) || math.IsInf(usd, 0) {
		return "", fmt.Errorf("amount must be a finite number")
	}
	return strconv.FormatInt(int64(math.Round(usd*math.Pow10(usdcDecimals))), 10), nil
}

// BaseUnitsToUSD converts an integer base-unit string back to decimal USD.
func BaseUnitsToUSD(baseUnits string) (float64, error) {
	v, err := strconv.ParseInt(baseUnits, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid base unit amount %q: %w", baseUnits, err)
	}
	return float64(v) / math.Pow10(usdcDecimals), nil
}
