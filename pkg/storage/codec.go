package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"github.com/uhyunpark/hyperswap/pkg/app/core/ledger"
	"github.com/uhyunpark/hyperswap/pkg/app/core/transaction"
)

// CommitEntry is one accepted transition in the journal
type CommitEntry struct {
	ID         transaction.CommitID         `json:"id"`
	Seq        uint64                       `json:"seq"`
	AcceptedAt time.Time                    `json:"acceptedAt"`
	Signed     transaction.SignedTransition `json:"signed"`
}

// ProducedRefs lists the outrefs the commit created
func (c *CommitEntry) ProducedRefs() []ledger.OutRef {
	refs := make([]ledger.OutRef, len(c.Signed.Transition.Produced))
	for i := range refs {
		refs[i] = ledger.OutRef{TxID: c.ID, Index: uint32(i)}
	}
	return refs
}

func encodeJSON(v any, what string) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s: %w", what, err)
	}
	return b, nil
}

func decodeRecord(b []byte) (ledger.Record, error) {
	var rec ledger.Record
	if err := json.Unmarshal(b, &rec); err != nil {
		return ledger.Record{}, fmt.Errorf("failed to unmarshal record: %w", err)
	}
	return rec, nil
}

func decodeCommit(b []byte) (*CommitEntry, error) {
	var c CommitEntry
	if err := json.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("failed to unmarshal commit: %w", err)
	}
	return &c, nil
}

func seqBytes(seq uint64) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], seq)
	return k[:]
}

func parseSeq(b []byte) uint64 {
	if len(b) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}
