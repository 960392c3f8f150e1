package swap

import "errors"

var (
	// ErrConfig is an invalid order or deployment parameter (price <= 0,
	// identical pair assets, malformed order record).
	ErrConfig = errors.New("invalid order configuration")

	// ErrAssetMismatch means a payment or update names a different asset
	// than the order expects.
	ErrAssetMismatch = errors.New("asset mismatch")

	// ErrInvalidPayment means the payment holds a negative quantity or nothing.
	ErrInvalidPayment = errors.New("invalid payment")

	// ErrInsufficientPayment means the payment buys less than one unit.
	ErrInsufficientPayment = errors.New("payment buys less than one unit")

	// ErrNegativeStock means an update would leave negative stock.
	ErrNegativeStock = errors.New("stock would become negative")

	// ErrOrderExhausted means the order has no stock left to sell. The order
	// stays live until its seller closes it.
	ErrOrderExhausted = errors.New("order has no stock")
)
