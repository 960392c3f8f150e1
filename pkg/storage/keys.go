package storage

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/uhyunpark/hyperswap/pkg/app/core/ledger"
	"github.com/uhyunpark/hyperswap/pkg/app/core/transaction"
	"github.com/uhyunpark/hyperswap/pkg/app/core/value"
)

// Ledger key schema for Pebble storage
//
//   rec:<outref>                   → Record (live records only)
//   addr:<address>/<outref>        → index entry (empty value)
//   asset:<policy>.<name>/<outref> → index entry, token assets only
//   commit:<commitID>              → CommitEntry
//   clog:<seq>                     → commitID, in acceptance order
//   meta:seq                       → last commit sequence
//
// <outref> is the hex of OutRef.Bytes(), so index suffixes decode back
// into record keys.

// Key prefixes
const (
	prefixRecord    = "rec:"
	prefixAddress   = "addr:"
	prefixAsset     = "asset:"
	prefixCommit    = "commit:"
	prefixCommitLog = "clog:"
	keySequence     = "meta:seq"
)

func outRefHex(ref ledger.OutRef) string {
	return hex.EncodeToString(ref.Bytes())
}

func parseOutRefHex(s string) (ledger.OutRef, error) {
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != 36 {
		return ledger.OutRef{}, fmt.Errorf("invalid out ref key %q", s)
	}
	var ref ledger.OutRef
	copy(ref.TxID[:], b[:32])
	ref.Index = binary.BigEndian.Uint32(b[32:])
	return ref, nil
}

// recordKey returns the key for a live record
// Format: "rec:{outref}"
func recordKey(ref ledger.OutRef) []byte {
	return []byte(prefixRecord + outRefHex(ref))
}

// addressKey returns the index key for a record at an address
// Format: "addr:{address}/{outref}"
func addressKey(addr ledger.Address, ref ledger.OutRef) []byte {
	return []byte(fmt.Sprintf("%s%s/%s", prefixAddress, addr, outRefHex(ref)))
}

// addressPrefix returns the prefix for all records at an address
func addressPrefix(addr ledger.Address) []byte {
	return []byte(fmt.Sprintf("%s%s/", prefixAddress, addr))
}

// assetKey returns the index key for a record holding a token
// Format: "asset:{policy}.{name}/{outref}"
func assetKey(asset value.AssetID, ref ledger.OutRef) []byte {
	return []byte(fmt.Sprintf("%s%s.%s/%s", prefixAsset, asset.Policy, asset.Name, outRefHex(ref)))
}

// assetPrefix returns the prefix for all records holding one token
func assetPrefix(asset value.AssetID) []byte {
	return []byte(fmt.Sprintf("%s%s.%s/", prefixAsset, asset.Policy, asset.Name))
}

// policyPrefix returns the prefix for all records holding any token of a policy
func policyPrefix(policy value.PolicyID) []byte {
	return []byte(fmt.Sprintf("%s%s.", prefixAsset, policy))
}

// commitKey returns the key for a journal entry
// Format: "commit:{commitID}"
func commitKey(id transaction.CommitID) []byte {
	return []byte(prefixCommit + id.Hex())
}

// commitLogKey returns the key for the n-th accepted commit
// Sequence is zero-padded (20 digits) for lexicographic sorting
func commitLogKey(seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", prefixCommitLog, seq))
}

// indexRef extracts the outref suffix of an index key
func indexRef(key []byte) (ledger.OutRef, error) {
	const n = 72 // hex of 36 bytes
	if len(key) < n {
		return ledger.OutRef{}, fmt.Errorf("index key too short: %q", key)
	}
	return parseOutRefHex(string(key[len(key)-n:]))
}

// keyUpperBound returns the exclusive upper bound for a prefix scan
func keyUpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	bound[len(bound)-1]++
	return bound
}
