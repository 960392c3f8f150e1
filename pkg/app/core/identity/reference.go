package identity

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/hyperswap/pkg/app/core/ledger"
	"github.com/uhyunpark/hyperswap/pkg/app/core/value"
)

// ErrReferenceNotFound means an expected reference record (identity
// reference or escrow) is absent or does not hold the expected value.
var ErrReferenceNotFound = errors.New("reference record not found")

// Record is the datum of a participant's reference record
type Record struct {
	Participant common.Address `json:"participant"`
	Owner       common.Address `json:"owner"`
	Version     int64          `json:"version"`
	TokenName   string         `json:"tokenName"`
}

// ReferenceOutput builds the read-only reference record minted on
// registration: exactly one reference token plus the identity datum.
func (s Scripts) ReferenceOutput(participant common.Address) (ledger.Output, error) {
	ref := s.ReferenceAsset(participant)
	datum, err := ledger.NewDatum(ledger.DatumIdentity, Record{
		Participant: participant,
		Owner:       s.Owner,
		Version:     s.Version,
		TokenName:   ref.Name,
	})
	if err != nil {
		return ledger.Output{}, err
	}
	return ledger.Output{
		Address: s.ReferenceAddress(participant),
		Value:   value.New(ref, 1),
		Datum:   datum,
	}, nil
}

// FindReference locates a participant's reference record through its unique
// reference token. Other records sitting at the reference address are ignored.
func (s Scripts) FindReference(ctx context.Context, q ledger.Query, participant common.Address) (ledger.Record, error) {
	records, err := q.FindByUniquenessKey(ctx, s.ReferenceAsset(participant))
	if err != nil {
		return ledger.Record{}, fmt.Errorf("failed to load reference record: %w", err)
	}
	addr := s.ReferenceAddress(participant)
	for _, rec := range records {
		if rec.Address == addr {
			return rec, nil
		}
	}
	return ledger.Record{}, fmt.Errorf("%w: identity of %s", ErrReferenceNotFound, participant.Hex())
}

// VerifyReference loads a participant's reference record and checks that it
// holds exactly the minted value and names the participant.
func (s Scripts) VerifyReference(ctx context.Context, q ledger.Query, participant common.Address) (ledger.Record, error) {
	rec, err := s.FindReference(ctx, q, participant)
	if err != nil {
		return ledger.Record{}, err
	}
	if err := s.CheckReference(rec, participant); err != nil {
		return ledger.Record{}, err
	}
	return rec, nil
}

// FindUserToken locates the wallet record holding a participant's spendable
// identity token.
func (s Scripts) FindUserToken(ctx context.Context, q ledger.Query, participant common.Address) (ledger.Record, error) {
	records, err := q.FindByUniquenessKey(ctx, s.UserAsset(participant))
	if err != nil {
		return ledger.Record{}, fmt.Errorf("failed to load identity token: %w", err)
	}
	wallet := ledger.WalletAddress(participant)
	for _, rec := range records {
		if rec.Address == wallet {
			return rec, nil
		}
	}
	return ledger.Record{}, fmt.Errorf("%w: identity token of %s not in its wallet", ErrReferenceNotFound, participant.Hex())
}

// CheckReference validates an already loaded reference record
func (s Scripts) CheckReference(rec ledger.Record, participant common.Address) error {
	want := value.New(s.ReferenceAsset(participant), 1)
	if !rec.Value.Equal(want) {
		return fmt.Errorf("%w: reference of %s holds %s, want %s",
			ErrReferenceNotFound, participant.Hex(), rec.Value, want)
	}

	var r Record
	if err := rec.Datum.Decode(ledger.DatumIdentity, &r); err != nil {
		return fmt.Errorf("%w: %v", ErrReferenceNotFound, err)
	}
	if r.Participant != participant || r.Owner != s.Owner || r.Version != s.Version {
		return fmt.Errorf("%w: reference datum names %s", ErrReferenceNotFound, r.Participant.Hex())
	}
	return nil
}
