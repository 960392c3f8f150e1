package swap

import (
	"errors"
	"fmt"

	"github.com/uhyunpark/hyperswap/pkg/app/core/value"
)

// FillResult is the outcome of matching one payment against an order.
// Value is conserved: Spent + ChangeOwed == payment and
// BoughtGoods*price + ChangeOwed + FoldedDust == payment.
type FillResult struct {
	UpdatedAsked   value.Value // order's asked value, unchanged
	BoughtGoods    value.Value // offered asset
	RemainingGoods value.Value // offered asset
	ChangeOwed     value.Value // asked asset, returned to the buyer
	NoChange       bool        // true when change was zero or folded as dust
	FoldedDust     value.Value // asked asset, change kept in the trade
	Spent          value.Value // asked asset paid to the seller (or escrow)
	Full           bool        // the whole stock was bought
}

// BoughtQty returns the number of offered units bought
func (r FillResult) BoughtQty() int64 {
	_, q, _ := r.BoughtGoods.SingleAsset()
	return q
}

// RemainingQty returns the offered units left on the order
func (r FillResult) RemainingQty() int64 {
	_, q, _ := r.RemainingGoods.SingleAsset()
	return q
}

// DustThreshold is the smallest change worth its own output: the order's
// minimum reserve for currency-asked orders, one unit for token-asked orders.
func (o *OrderRecord) DustThreshold() int64 {
	asset, _, err := o.AskedValue.Sole()
	if err == nil && asset.IsCurrency() {
		return o.MinReserve
	}
	return 1
}

// CalcFill computes how much of an order a payment buys.
//
// Formula:
//
//	maxAffordable = floor(spend / price)
//	diff          = spend - price*stock
//	full fill     (diff >= 0): bought = stock,         change = diff
//	partial fill  (diff <  0): bought = maxAffordable, change = spend - bought*price
//
// Change below the dust threshold is folded into the trade. The matcher never
// closes an order, even when nothing remains.
func CalcFill(order OrderRecord, payment value.Value) (FillResult, error) {
	if err := payment.AssertAllPositive(); err != nil {
		return FillResult{}, fmt.Errorf("%w: %w", ErrInvalidPayment, err)
	}
	payAsset, spend, err := payment.Sole()
	if errors.Is(err, value.ErrEmptyValue) {
		return FillResult{}, fmt.Errorf("%w: %w", ErrInvalidPayment, err)
	}
	if err != nil {
		return FillResult{}, fmt.Errorf("payment: %w", err)
	}

	askedAsset, price, err := order.Price()
	if err != nil {
		return FillResult{}, err
	}
	if payAsset != askedAsset {
		return FillResult{}, fmt.Errorf("%w: payment in %s, order asks %s", ErrAssetMismatch, payAsset, askedAsset)
	}
	if price <= 0 {
		return FillResult{}, fmt.Errorf("%w: price %d", ErrConfig, price)
	}

	stock := order.Stock()
	if stock <= 0 {
		return FillResult{}, ErrOrderExhausted
	}

	maxAffordable := spend / price
	if maxAffordable < 1 {
		return FillResult{}, fmt.Errorf("%w: spend %d, price %d", ErrInsufficientPayment, spend, price)
	}

	var bought, change int64
	total, err := value.MulQty(price, stock)
	if err == nil && spend-total >= 0 {
		bought = stock
		change = spend - total
	} else {
		// price*stock overflowing int64 means it exceeds any spend
		bought = maxAffordable
		change = spend - bought*price
	}

	res := FillResult{
		UpdatedAsked:   order.AskedValue.Clone(),
		BoughtGoods:    value.New(order.OfferedAsset, bought),
		RemainingGoods: value.New(order.OfferedAsset, stock-bought),
		ChangeOwed:     value.Value{},
		FoldedDust:     value.Value{},
		Full:           bought == stock,
	}

	res.NoChange = change == 0 || change < order.DustThreshold()
	if res.NoChange {
		res.FoldedDust = value.New(askedAsset, change)
	} else {
		res.ChangeOwed = value.New(askedAsset, change)
	}
	res.Spent = payment.Sub(res.ChangeOwed)
	return res, nil
}
