package value

import "github.com/shopspring/decimal"

// CurrencyDecimals is the number of decimal places of the currency unit
// (1 whole coin = 1_000_000 base units).
const CurrencyDecimals = 6

// FormatQuantity renders a base-unit quantity with the given number of
// decimals, e.g. FormatQuantity(15_000_000, 6) == "15.000000".
func FormatQuantity(qty int64, decimals int32) string {
	return decimal.New(qty, -decimals).StringFixed(decimals)
}

// FormatAsset renders qty of asset for display: currency quantities use
// CurrencyDecimals, tokens are whole units.
func FormatAsset(asset AssetID, qty int64) string {
	if asset.IsCurrency() {
		return FormatQuantity(qty, CurrencyDecimals)
	}
	return FormatQuantity(qty, 0)
}
