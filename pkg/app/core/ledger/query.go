package ledger

import (
	"context"
	"errors"

	"github.com/uhyunpark/hyperswap/pkg/app/core/value"
)

var (
	// ErrNotFound is returned by lookups of records that are not live.
	ErrNotFound = errors.New("record not found")

	// ErrConflict means a consumed or referenced record is no longer live:
	// the transition was built from a stale snapshot or lost a race.
	ErrConflict = errors.New("stale or concurrently consumed record")

	// ErrBeaconMint is a broken single-instance invariant on a unique policy.
	ErrBeaconMint = errors.New("beacon mint rejected")

	// ErrUnbalanced means consumed + minted + funded value != produced value.
	ErrUnbalanced = errors.New("transition value not balanced")

	// ErrNotYetValid means the transition's validity window has not opened.
	ErrNotYetValid = errors.New("transition not yet valid")
)

// ErrUniquenessViolation is the same failure as ErrBeaconMint seen from the
// uniqueness-marker side.
var ErrUniquenessViolation = ErrBeaconMint

// Query is the read side of the ledger. Every method returns immutable
// snapshots of live (unconsumed) records.
type Query interface {
	Get(ctx context.Context, ref OutRef) (Record, error)

	// FindByUniquenessKey returns the live records holding the given asset.
	FindByUniquenessKey(ctx context.Context, key value.AssetID) ([]Record, error)

	// FindByPolicy returns the live records holding any asset of a policy.
	FindByPolicy(ctx context.Context, policy value.PolicyID) ([]Record, error)

	FindByAddress(ctx context.Context, addr Address) ([]Record, error)

	// FindReferenceRecord returns the record at a reference address that
	// holds the unique token minted for it, or ErrNotFound.
	FindReferenceRecord(ctx context.Context, participantKey Address) (Record, error)
}
