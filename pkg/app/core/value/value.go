package value

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common/math"
)

var (
	ErrNegativeQuantity = errors.New("negative quantity")
	ErrMultiAsset       = errors.New("more than one asset present")
	ErrEmptyValue       = errors.New("value holds no asset")
	ErrOverflow         = errors.New("quantity overflow")
)

// PolicyID identifies a token policy (hex encoded). The empty PolicyID is the
// currency sentinel.
type PolicyID string

// PolicyIDFromBytes hex encodes a raw policy hash.
func PolicyIDFromBytes(b []byte) PolicyID {
	return PolicyID(hex.EncodeToString(b))
}

// AssetID is (policy, token name). The zero AssetID is the currency.
type AssetID struct {
	Policy PolicyID `json:"policy"`
	Name   string   `json:"name"`
}

// CurrencyAsset is the distinguished currency AssetID.
var CurrencyAsset = AssetID{}

func (a AssetID) IsCurrency() bool { return a.Policy == "" }

func (a AssetID) String() string {
	if a.IsCurrency() {
		return "currency"
	}
	return string(a.Policy) + "." + a.Name
}

func (a AssetID) less(b AssetID) bool {
	if a.Policy != b.Policy {
		return a.Policy < b.Policy
	}
	return a.Name < b.Name
}

// ParseAssetID is the inverse of AssetID.String.
// Accepted forms: "currency", "" or "<policy>.<name>".
func ParseAssetID(s string) (AssetID, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "currency" {
		return CurrencyAsset, nil
	}
	policy, name, ok := strings.Cut(s, ".")
	if !ok || policy == "" {
		return AssetID{}, fmt.Errorf("invalid asset id: %q", s)
	}
	if _, err := hex.DecodeString(policy); err != nil {
		return AssetID{}, fmt.Errorf("invalid policy id %q: %w", policy, err)
	}
	return AssetID{Policy: PolicyID(policy), Name: name}, nil
}

// Value is a multi-asset quantity vector (currency plus token balances).
// Zero entries are never stored. Values are treated as immutable: every
// operation returns a fresh map and leaves its operands untouched.
type Value map[AssetID]int64

// New returns a Value holding qty units of a single asset.
func New(asset AssetID, qty int64) Value {
	if qty == 0 {
		return Value{}
	}
	return Value{asset: qty}
}

// Coin returns a currency-only Value.
func Coin(qty int64) Value {
	return New(CurrencyAsset, qty)
}

func (v Value) Clone() Value {
	out := make(Value, len(v))
	for a, q := range v {
		if q != 0 {
			out[a] = q
		}
	}
	return out
}

func (v Value) Add(other Value) Value {
	out := v.Clone()
	for a, q := range other {
		n := out[a] + q
		if n == 0 {
			delete(out, a)
			continue
		}
		out[a] = n
	}
	return out
}

// CheckedAdd is Add failing with ErrOverflow when a quantity leaves the
// int64 range.
func (v Value) CheckedAdd(other Value) (Value, error) {
	out := v.Clone()
	for a, q := range other {
		n, err := AddQty(out[a], q)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", a, err)
		}
		if n == 0 {
			delete(out, a)
			continue
		}
		out[a] = n
	}
	return out, nil
}

// Sum adds values with overflow checking.
func Sum(values ...Value) (Value, error) {
	total := Value{}
	for _, v := range values {
		var err error
		if total, err = total.CheckedAdd(v); err != nil {
			return nil, err
		}
	}
	return total, nil
}

// Sub may yield negative quantities; callers validate with AssertAllPositive.
func (v Value) Sub(other Value) Value {
	return v.Add(other.Neg())
}

func (v Value) Neg() Value {
	out := make(Value, len(v))
	for a, q := range v {
		if q != 0 {
			out[a] = -q
		}
	}
	return out
}

// Equal compares normalized (non-zero) entries.
func (v Value) Equal(other Value) bool {
	return v.Sub(other).IsZero()
}

func (v Value) IsZero() bool {
	for _, q := range v {
		if q != 0 {
			return false
		}
	}
	return true
}

// AssertAllPositive fails if any quantity is below zero.
func (v Value) AssertAllPositive() error {
	for _, a := range v.Assets() {
		if q := v[a]; q < 0 {
			return fmt.Errorf("%w: %s=%d", ErrNegativeQuantity, a, q)
		}
	}
	return nil
}

// Quantity returns the quantity held for asset (0 when absent).
func (v Value) Quantity(asset AssetID) int64 {
	return v[asset]
}

// NativeComponent returns the currency quantity (possibly 0).
func (v Value) NativeComponent() int64 {
	return v[CurrencyAsset]
}

// Without returns v with asset removed.
func (v Value) Without(asset AssetID) Value {
	out := v.Clone()
	delete(out, asset)
	return out
}

// Tokens returns v with the currency component removed.
func (v Value) Tokens() Value {
	return v.Without(CurrencyAsset)
}

// SingleAsset returns the sole non-currency asset and its quantity. When no
// token is present the currency component is returned instead. Each side of a
// trade is restricted to currency-or-single-token, so a second token fails
// with ErrMultiAsset instead of silently picking one.
func (v Value) SingleAsset() (AssetID, int64, error) {
	tokens := v.Tokens().Assets()
	switch len(tokens) {
	case 0:
		return CurrencyAsset, v.NativeComponent(), nil
	case 1:
		return tokens[0], v[tokens[0]], nil
	default:
		return AssetID{}, 0, fmt.Errorf("%w: %d tokens", ErrMultiAsset, len(tokens))
	}
}

// Sole returns the only entry of v, currency or token.
func (v Value) Sole() (AssetID, int64, error) {
	assets := v.Assets()
	switch len(assets) {
	case 0:
		return AssetID{}, 0, ErrEmptyValue
	case 1:
		return assets[0], v[assets[0]], nil
	default:
		return AssetID{}, 0, fmt.Errorf("%w: %d entries", ErrMultiAsset, len(assets))
	}
}

// Assets lists the non-zero assets in deterministic order (currency first).
func (v Value) Assets() []AssetID {
	out := make([]AssetID, 0, len(v))
	for a, q := range v {
		if q != 0 {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].less(out[j]) })
	return out
}

// Policies lists the distinct token policies present in v.
func (v Value) Policies() []PolicyID {
	seen := make(map[PolicyID]bool)
	var out []PolicyID
	for _, a := range v.Tokens().Assets() {
		if !seen[a.Policy] {
			seen[a.Policy] = true
			out = append(out, a.Policy)
		}
	}
	return out
}

func (v Value) String() string {
	assets := v.Assets()
	if len(assets) == 0 {
		return "{}"
	}
	parts := make([]string, len(assets))
	for i, a := range assets {
		parts[i] = fmt.Sprintf("%s:%d", a, v[a])
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

// AddQty adds two quantities, failing on overflow.
func AddQty(x, y int64) (int64, error) {
	s := x + y
	if (y > 0 && s < x) || (y < 0 && s > x) {
		return 0, fmt.Errorf("%w: %d + %d", ErrOverflow, x, y)
	}
	return s, nil
}

// MulQty multiplies two non-negative quantities, failing on overflow.
func MulQty(x, y int64) (int64, error) {
	if x < 0 || y < 0 {
		return 0, fmt.Errorf("%w: %d * %d", ErrNegativeQuantity, x, y)
	}
	p, overflow := math.SafeMul(uint64(x), uint64(y))
	if overflow || p > 1<<63-1 {
		return 0, fmt.Errorf("%w: %d * %d", ErrOverflow, x, y)
	}
	return int64(p), nil
}

type entry struct {
	Policy PolicyID `json:"policy"`
	Name   string   `json:"name"`
	Qty    int64    `json:"qty"`
}

// MarshalJSON encodes v as a sorted entry list so digests are deterministic.
func (v Value) MarshalJSON() ([]byte, error) {
	assets := v.Assets()
	entries := make([]entry, len(assets))
	for i, a := range assets {
		entries[i] = entry{Policy: a.Policy, Name: a.Name, Qty: v[a]}
	}
	return json.Marshal(entries)
}

func (v *Value) UnmarshalJSON(b []byte) error {
	var entries []entry
	if err := json.Unmarshal(b, &entries); err != nil {
		return err
	}
	out := make(Value, len(entries))
	for _, e := range entries {
		a := AssetID{Policy: e.Policy, Name: e.Name}
		if _, dup := out[a]; dup {
			return fmt.Errorf("duplicate asset %s", a)
		}
		if e.Qty != 0 {
			out[a] = e.Qty
		}
	}
	*v = out
	return nil
}
