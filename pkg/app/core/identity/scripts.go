package identity

import (
	"encoding/binary"
	"encoding/hex"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/crypto/blake2b"

	"github.com/uhyunpark/hyperswap/pkg/app/core/ledger"
	"github.com/uhyunpark/hyperswap/pkg/app/core/value"
)

// ScriptHashSize is the size of every script/policy hash (blake2b-224)
const ScriptHashSize = 28

// Token name prefixes of the two identity tokens minted per participant
const (
	ReferencePrefix = "ref"
	UserPrefix      = "usr"
)

// Scripts derives every policy id and script address of one protocol
// deployment. A deployment is fixed by the owner identity and the version.
type Scripts struct {
	Owner   common.Address
	Version int64
}

func NewScripts(owner common.Address, version int64) Scripts {
	return Scripts{Owner: owner, Version: version}
}

// hash224 hashes length-prefixed parts with blake2b-224
func hash224(parts ...[]byte) []byte {
	h, err := blake2b.New(ScriptHashSize, nil)
	if err != nil {
		// Only fails for sizes outside 1..64
		panic(err)
	}
	var lenBuf [4]byte
	for _, p := range parts {
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(p)))
		h.Write(lenBuf[:])
		h.Write(p)
	}
	return h.Sum(nil)
}

func versionBytes(v int64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(v))
	return b[:]
}

func (s Scripts) scriptHash(tag string) string {
	return hex.EncodeToString(hash224([]byte(tag), s.Owner.Bytes(), versionBytes(s.Version)))
}

// BeaconPolicy is the unique policy under which order beacons are minted
func (s Scripts) BeaconPolicy() value.PolicyID {
	return value.PolicyID(s.scriptHash("beacon"))
}

// IdentityPolicy is the unique policy under which identity tokens are minted
func (s Scripts) IdentityPolicy() value.PolicyID {
	return value.PolicyID(s.scriptHash("identity"))
}

// EscrowPolicyHash identifies the escrow script
func (s Scripts) EscrowPolicyHash() string {
	return s.scriptHash("escrow")
}

// IdentityValidatorHash identifies the script holding reference records
func (s Scripts) IdentityValidatorHash() string {
	return s.scriptHash("reference")
}

// EscrowAddress is where every EscrowRecord of this deployment lives
func (s Scripts) EscrowAddress() ledger.Address {
	return ledger.EscrowAddress(s.EscrowPolicyHash())
}

// SwapAddress is the script address of the order for one seller/asset-pair.
// Together with the deployment version it is the order's uniqueness key.
func (s Scripts) SwapAddress(seller common.Address, asked, offered value.AssetID) ledger.Address {
	h := hash224(
		[]byte("swap"),
		seller.Bytes(),
		[]byte(asked.String()),
		[]byte(offered.String()),
		s.Owner.Bytes(),
		versionBytes(s.Version),
	)
	return ledger.SwapAddress(hex.EncodeToString(h))
}

// BeaconName derives the beacon token name from the order's address
func BeaconName(addr ledger.Address) string {
	return hex.EncodeToString(hash224([]byte(addr)))
}

// BeaconAsset is the beacon that marks the live order at addr
func (s Scripts) BeaconAsset(addr ledger.Address) value.AssetID {
	return value.AssetID{Policy: s.BeaconPolicy(), Name: BeaconName(addr)}
}

// IdentityID keys a participant's identity tokens and reference record
func (s Scripts) IdentityID(participant common.Address) string {
	return hex.EncodeToString(hash224(participant.Bytes(), s.Owner.Bytes(), versionBytes(s.Version)))
}

// ReferenceAsset is the token held by the read-only reference record
func (s Scripts) ReferenceAsset(participant common.Address) value.AssetID {
	return value.AssetID{Policy: s.IdentityPolicy(), Name: ReferencePrefix + s.IdentityID(participant)}
}

// UserAsset is the spendable identity token held by the participant
func (s Scripts) UserAsset(participant common.Address) value.AssetID {
	return value.AssetID{Policy: s.IdentityPolicy(), Name: UserPrefix + s.IdentityID(participant)}
}

// ReferenceAddress is the script address of a participant's reference record
func (s Scripts) ReferenceAddress(participant common.Address) ledger.Address {
	return ledger.ReferenceAddress(s.IdentityID(participant))
}

// UniquePolicies lists the policies whose assets may exist at most once
func (s Scripts) UniquePolicies() []value.PolicyID {
	return []value.PolicyID{s.BeaconPolicy(), s.IdentityPolicy()}
}
