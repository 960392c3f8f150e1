package api

// API request and response types for REST endpoints and WebSocket messages

// ==============================
// REST Response Types
// ==============================

// AssetAmount is one asset quantity. Display renders it in whole units
// (currency with six decimals).
type AssetAmount struct {
	Asset   string `json:"asset"`   // "currency" or "<policy>.<name>"
	Qty     int64  `json:"qty"`     // base units
	Display string `json:"display"` // e.g. "15.000000"
}

// OfferInfo represents one live order
type OfferInfo struct {
	Beacon        string        `json:"beacon"` // beacon token name, the order's stable handle
	Ref           string        `json:"ref"`    // current OutRef, changes on every update/fill
	Seller        string        `json:"seller"`
	Price         AssetAmount   `json:"price"` // asked per offered unit
	Stock         AssetAmount   `json:"stock"`
	Locked        []AssetAmount `json:"locked"`
	EscrowEnabled bool          `json:"escrowEnabled"`
	ServiceFee    int64         `json:"serviceFee"`
	MinReserve    int64         `json:"minReserve"`
	Version       int64         `json:"version"`
}

// EscrowInfo represents one held escrow
type EscrowInfo struct {
	OrderID string        `json:"orderId"`
	Ref     string        `json:"ref"`
	Buyer   string        `json:"buyer"`
	Seller  string        `json:"seller"`
	Payment []AssetAmount `json:"payment"`
	Goods   []AssetAmount `json:"goods"`
	Deposit []AssetAmount `json:"deposit"`
	HeldAt  int64         `json:"heldAt"` // Unix milliseconds
}

// WalletInfo is the sum of wallet outputs of one identity
type WalletInfo struct {
	Address    string        `json:"address"`
	Registered bool          `json:"registered"`
	Balance    []AssetAmount `json:"balance"`
}

// CommitInfo describes one accepted transition
type CommitInfo struct {
	ID         string   `json:"id"`
	Seq        uint64   `json:"seq"`
	Kind       string   `json:"kind"`
	AcceptedAt int64    `json:"acceptedAt"` // Unix milliseconds
	Signers    []string `json:"signers"`
	Consumed   []string `json:"consumed"`
	Produced   []string `json:"produced"`
}

// LedgerStatus summarises the reference ledger
type LedgerStatus struct {
	Sequence uint64 `json:"sequence"` // accepted commits
	Offers   int    `json:"offers"`
	Escrow   bool   `json:"escrowEnabled"`
	Version  int64  `json:"version"`
}

// CommitResponse is returned by every mutating endpoint
type CommitResponse struct {
	Status   string `json:"status"` // "accepted"
	CommitID string `json:"commitId"`
}

// ErrorResponse is returned for all errors
type ErrorResponse struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	RequestID string `json:"requestId,omitempty"`
}

// ==============================
// REST Request Types
// ==============================

// AmountRequest names a quantity of one asset in base units
type AmountRequest struct {
	Asset string `json:"asset"`
	Qty   int64  `json:"qty"`
}

// RegisterRequest is the payload for POST /api/v1/participants
type RegisterRequest struct {
	Participant string `json:"participant"`
}

// OpenRequest is the payload for POST /api/v1/offers
type OpenRequest struct {
	Seller  string        `json:"seller"`
	Asked   AmountRequest `json:"asked"`   // unit price
	Offered AmountRequest `json:"offered"` // stock
}

// UpdateRequest is the payload for POST /api/v1/offers/{beacon}/update.
// A nil Asked keeps the current price.
type UpdateRequest struct {
	Seller string         `json:"seller"`
	Asked  *AmountRequest `json:"asked,omitempty"`
	Delta  *AmountRequest `json:"delta,omitempty"` // signed stock change
}

// FillRequest is the payload for POST /api/v1/offers/{beacon}/fill
type FillRequest struct {
	Buyer   string        `json:"buyer"`
	Payment AmountRequest `json:"payment"`
}

// CloseRequest is the payload for POST /api/v1/offers/{beacon}/close
type CloseRequest struct {
	Seller string `json:"seller"`
}

// EscrowRequest is the payload for POST /api/v1/escrows/{orderId}/approve
// and /refund. Authority is only used by refund.
type EscrowRequest struct {
	Buyer     string `json:"buyer"`
	Seller    string `json:"seller"`
	Authority string `json:"authority,omitempty"`
}

// ==============================
// WebSocket Message Types
// ==============================

// WSSubscribeRequest is sent by client to subscribe to channels
type WSSubscribeRequest struct {
	Op       string   `json:"op"`       // "subscribe" or "unsubscribe"
	Channels []string `json:"channels"` // e.g. ["commits", "offer:<beacon>", "wallet:0x..."]
}

// CommitUpdate is broadcast for every accepted commit
type CommitUpdate struct {
	Type   string     `json:"type"` // "commit"
	Commit CommitInfo `json:"commit"`
}
