package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"go.uber.org/zap"

	"github.com/uhyunpark/hyperswap/pkg/app/core/ledger"
	"github.com/uhyunpark/hyperswap/pkg/app/core/transaction"
	"github.com/uhyunpark/hyperswap/pkg/app/core/value"
	"github.com/uhyunpark/hyperswap/pkg/util"
)

// LedgerConfig wires the collaborators of a LedgerStore. Zero values fall
// back to: real clock, nop logger, no metrics, no audit log, on-disk files.
type LedgerConfig struct {
	Verifier       *transaction.Verifier
	UniquePolicies []value.PolicyID
	Clock          util.Clock
	Logger         *zap.SugaredLogger
	Metrics        *Metrics
	Audit          AuditLog
	FS             vfs.FS
}

// CommitListener is called after every accepted commit
type CommitListener func(entry *CommitEntry)

// LedgerStore is the reference ledger: an arena of immutable records kept in
// Pebble. Submit applies a transition as a single batch (consumed records
// deleted, produced records written, journal appended) or rejects it whole.
type LedgerStore struct {
	db       *pebble.DB
	verifier *transaction.Verifier
	unique   map[value.PolicyID]bool
	clock    util.Clock
	log      *zap.SugaredLogger
	metrics  *Metrics
	audit    AuditLog

	mu  sync.Mutex // serialises Submit
	seq uint64

	listenersMu sync.RWMutex
	listeners   []CommitListener
}

func OpenLedger(path string, cfg LedgerConfig) (*LedgerStore, error) {
	if cfg.Verifier == nil {
		return nil, fmt.Errorf("ledger requires a signature verifier")
	}
	opts := &pebble.Options{}
	if cfg.FS != nil {
		opts.FS = cfg.FS
	}
	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}

	s := &LedgerStore{
		db:       db,
		verifier: cfg.Verifier,
		unique:   make(map[value.PolicyID]bool),
		clock:    cfg.Clock,
		log:      cfg.Logger,
		metrics:  cfg.Metrics,
		audit:    cfg.Audit,
	}
	for _, p := range cfg.UniquePolicies {
		s.unique[p] = true
	}
	if s.clock == nil {
		s.clock = util.RealClock{}
	}
	if s.log == nil {
		s.log = zap.NewNop().Sugar()
	}
	if s.audit == nil {
		s.audit = NewNopWAL()
	}

	val, closer, err := db.Get([]byte(keySequence))
	switch {
	case err == nil:
		s.seq = parseSeq(val)
		closer.Close()
	case !errors.Is(err, pebble.ErrNotFound):
		db.Close()
		return nil, fmt.Errorf("failed to load commit sequence: %w", err)
	}

	if s.metrics != nil {
		n, err := s.countLive()
		if err != nil {
			db.Close()
			return nil, err
		}
		s.metrics.LiveRecords.Set(float64(n))
	}
	return s, nil
}

func (s *LedgerStore) Close() error { return s.db.Close() }

// Subscribe registers a listener for accepted commits
func (s *LedgerStore) Subscribe(fn CommitListener) {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// ============================================================================
// LedgerApply
// ============================================================================

// Submit validates and applies a signed transition atomically.
//
// Rejections:
//   - ErrAuthorization: missing or invalid required signature
//   - ErrConflict: a consumed/referenced record is not live, or the commit exists
//   - ErrNotYetValid: ValidFrom is in the future
//   - ErrUnbalanced: consumed + mint + funding != produced
//   - ErrBeaconMint: a unique asset would exist more than once
func (s *LedgerStore) Submit(ctx context.Context, st *transaction.SignedTransition) (transaction.CommitID, error) {
	kind := string(st.Transition.Kind)
	start := time.Now()

	if err := ctx.Err(); err != nil {
		return transaction.CommitID{}, err
	}
	if err := s.verifier.Verify(st); err != nil {
		return transaction.CommitID{}, s.reject(kind, err)
	}

	entry, live, err := s.apply(ctx, st)
	if err != nil {
		return transaction.CommitID{}, s.reject(kind, err)
	}

	s.metrics.ObserveCommit(kind, time.Since(start), live)
	s.audit.Append(fmt.Sprintf("%d %s %s", entry.Seq, entry.ID.Hex(), kind))
	s.log.Infow("commit_accepted",
		"id", entry.ID.Hex(),
		"seq", entry.Seq,
		"kind", kind,
		"consumed", len(st.Transition.Consumed),
		"produced", len(st.Transition.Produced),
	)

	s.listenersMu.RLock()
	listeners := s.listeners
	s.listenersMu.RUnlock()
	for _, fn := range listeners {
		fn(entry)
	}
	return entry.ID, nil
}

func (s *LedgerStore) reject(kind string, err error) error {
	reason := rejectReason(err)
	s.metrics.IncReject(kind, reason)
	s.log.Warnw("commit_rejected", "kind", kind, "reason", reason, "err", err)
	return err
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, ledger.ErrConflict):
		return "conflict"
	case errors.Is(err, transaction.ErrAuthorization):
		return "authorization"
	case errors.Is(err, ledger.ErrUnbalanced):
		return "unbalanced"
	case errors.Is(err, ledger.ErrNotYetValid):
		return "not_yet_valid"
	case errors.Is(err, ledger.ErrBeaconMint):
		return "uniqueness"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "invalid"
	}
}

// apply runs the state-dependent checks and writes the batch under the lock.
// Returns the journal entry and the change in live record count.
func (s *LedgerStore) apply(ctx context.Context, st *transaction.SignedTransition) (*CommitEntry, int, error) {
	tr := &st.Transition
	id, err := tr.ID()
	if err != nil {
		return nil, 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.Commit(ctx, id); err == nil {
		return nil, 0, fmt.Errorf("%w: commit %s already applied", ledger.ErrConflict, id.Hex())
	}

	if now := util.UnixMillis(s.clock); tr.ValidFrom > now {
		return nil, 0, fmt.Errorf("%w: valid from %d, now %d", ledger.ErrNotYetValid, tr.ValidFrom, now)
	}

	// CAS: every consumed and referenced record must still be live
	consumed := make([]ledger.Record, 0, len(tr.Consumed))
	for _, ref := range tr.Consumed {
		rec, err := s.Get(ctx, ref)
		if errors.Is(err, ledger.ErrNotFound) {
			return nil, 0, fmt.Errorf("%w: consumed %s", ledger.ErrConflict, ref)
		}
		if err != nil {
			return nil, 0, err
		}
		consumed = append(consumed, rec)
	}
	for _, ref := range tr.References {
		if _, err := s.Get(ctx, ref); errors.Is(err, ledger.ErrNotFound) {
			return nil, 0, fmt.Errorf("%w: referenced %s", ledger.ErrConflict, ref)
		} else if err != nil {
			return nil, 0, err
		}
	}

	if err := checkOwnership(tr, consumed); err != nil {
		return nil, 0, err
	}

	inputs := []value.Value{tr.Mint}
	for _, f := range tr.Funding {
		inputs = append(inputs, f.Value)
	}
	for _, rec := range consumed {
		inputs = append(inputs, rec.Value)
	}
	in, err := value.Sum(inputs...)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: inputs: %w", ledger.ErrUnbalanced, err)
	}
	outputs := make([]value.Value, 0, len(tr.Produced))
	for _, o := range tr.Produced {
		outputs = append(outputs, o.Value)
	}
	out, err := value.Sum(outputs...)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: outputs: %w", ledger.ErrUnbalanced, err)
	}
	if !in.Equal(out) {
		return nil, 0, fmt.Errorf("%w: in %s, out %s", ledger.ErrUnbalanced, in, out)
	}

	if err := s.checkUnique(ctx, tr, consumed); err != nil {
		return nil, 0, err
	}
	if err := s.checkReferences(tr); err != nil {
		return nil, 0, err
	}

	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}

	batch := s.db.NewBatch()
	defer batch.Close()

	for _, rec := range consumed {
		if err := s.deleteRecord(batch, rec); err != nil {
			return nil, 0, err
		}
	}
	for i, out := range tr.Produced {
		rec := ledger.Record{Ref: ledger.OutRef{TxID: id, Index: uint32(i)}, Output: out}
		if err := s.putRecord(batch, rec); err != nil {
			return nil, 0, err
		}
	}

	seq := s.seq + 1
	entry := &CommitEntry{ID: id, Seq: seq, AcceptedAt: s.clock.Now().UTC(), Signed: *st}
	data, err := encodeJSON(entry, "commit")
	if err != nil {
		return nil, 0, err
	}
	if err := batch.Set(commitKey(id), data, nil); err != nil {
		return nil, 0, fmt.Errorf("failed to stage commit: %w", err)
	}
	if err := batch.Set(commitLogKey(seq), id.Bytes(), nil); err != nil {
		return nil, 0, fmt.Errorf("failed to stage commit log: %w", err)
	}
	if err := batch.Set([]byte(keySequence), seqBytes(seq), nil); err != nil {
		return nil, 0, fmt.Errorf("failed to stage sequence: %w", err)
	}

	if err := batch.Commit(pebble.Sync); err != nil {
		return nil, 0, fmt.Errorf("failed to commit batch: %w", err)
	}
	s.seq = seq
	return entry, len(tr.Produced) - len(consumed), nil
}

// checkUnique enforces the unique policies: each mint or burn is exactly one
// unit, funding never carries unique assets, and live supply stays <= 1.
func (s *LedgerStore) checkUnique(ctx context.Context, tr *transaction.Transition, consumed []ledger.Record) error {
	touched := make(map[value.AssetID]bool)

	for _, a := range tr.Mint.Assets() {
		if !s.unique[a.Policy] {
			return fmt.Errorf("%w: mint of unmanaged policy %s", ledger.ErrUnbalanced, a.Policy)
		}
		if q := tr.Mint[a]; q != 1 && q != -1 {
			return fmt.Errorf("%w: mint %d of %s", ledger.ErrBeaconMint, q, a)
		}
		touched[a] = true
	}
	for _, f := range tr.Funding {
		for _, a := range f.Value.Assets() {
			if s.unique[a.Policy] {
				return fmt.Errorf("%w: %s funded from wallet", ledger.ErrBeaconMint, a)
			}
		}
	}
	for _, out := range tr.Produced {
		for _, a := range out.Value.Assets() {
			if s.unique[a.Policy] {
				touched[a] = true
			}
		}
	}

	for a := range touched {
		live, err := s.FindByUniquenessKey(ctx, a)
		if err != nil {
			return err
		}
		var supply int64
		for _, rec := range live {
			supply += rec.Value.Quantity(a)
		}
		for _, rec := range consumed {
			supply -= rec.Value.Quantity(a)
		}
		for _, out := range tr.Produced {
			supply += out.Value.Quantity(a)
		}
		if supply > 1 || supply < 0 {
			return fmt.Errorf("%w: %s supply would be %d", ledger.ErrBeaconMint, a, supply)
		}
	}
	return nil
}

// checkOwnership: wallet records are spent only with their owner's signature,
// reference records are never spent.
func checkOwnership(tr *transaction.Transition, consumed []ledger.Record) error {
	for _, rec := range consumed {
		if rec.Address.IsReference() {
			return fmt.Errorf("%w: reference record %s is read-only", transaction.ErrAuthorization, rec.Ref)
		}
		if owner, ok := rec.Address.WalletOwner(); ok && !tr.RequiresSigner(owner) {
			return fmt.Errorf("%w: %s spent without %s", transaction.ErrAuthorization, rec.Ref, owner.Hex())
		}
	}
	return nil
}

// checkReferences: an output at a reference address holds exactly the one
// unique token minted for that address in the same transition, nothing else.
func (s *LedgerStore) checkReferences(tr *transaction.Transition) error {
	for i, out := range tr.Produced {
		key, ok := out.Address.ReferenceKey()
		if !ok {
			continue
		}
		asset, qty, err := out.Value.Sole()
		if err != nil || qty != 1 || !s.unique[asset.Policy] || !strings.HasSuffix(asset.Name, key) {
			return fmt.Errorf("%w: output %d at %s holds %s", ledger.ErrUniquenessViolation, i, out.Address, out.Value)
		}
		if tr.Mint.Quantity(asset) != 1 {
			return fmt.Errorf("%w: output %d at %s was not minted here", ledger.ErrUniquenessViolation, i, out.Address)
		}
	}
	return nil
}

func (s *LedgerStore) putRecord(batch *pebble.Batch, rec ledger.Record) error {
	data, err := encodeJSON(rec, "record")
	if err != nil {
		return err
	}
	if err := batch.Set(recordKey(rec.Ref), data, nil); err != nil {
		return fmt.Errorf("failed to stage record: %w", err)
	}
	if err := batch.Set(addressKey(rec.Address, rec.Ref), nil, nil); err != nil {
		return fmt.Errorf("failed to stage address index: %w", err)
	}
	for _, a := range rec.Value.Tokens().Assets() {
		if err := batch.Set(assetKey(a, rec.Ref), nil, nil); err != nil {
			return fmt.Errorf("failed to stage asset index: %w", err)
		}
	}
	return nil
}

func (s *LedgerStore) deleteRecord(batch *pebble.Batch, rec ledger.Record) error {
	if err := batch.Delete(recordKey(rec.Ref), nil); err != nil {
		return fmt.Errorf("failed to stage record delete: %w", err)
	}
	if err := batch.Delete(addressKey(rec.Address, rec.Ref), nil); err != nil {
		return fmt.Errorf("failed to stage index delete: %w", err)
	}
	for _, a := range rec.Value.Tokens().Assets() {
		if err := batch.Delete(assetKey(a, rec.Ref), nil); err != nil {
			return fmt.Errorf("failed to stage index delete: %w", err)
		}
	}
	return nil
}

// ============================================================================
// LedgerQuery
// ============================================================================

func (s *LedgerStore) Get(ctx context.Context, ref ledger.OutRef) (ledger.Record, error) {
	if err := ctx.Err(); err != nil {
		return ledger.Record{}, err
	}
	data, closer, err := s.db.Get(recordKey(ref))
	if errors.Is(err, pebble.ErrNotFound) {
		return ledger.Record{}, fmt.Errorf("%w: %s", ledger.ErrNotFound, ref)
	}
	if err != nil {
		return ledger.Record{}, fmt.Errorf("failed to get record: %w", err)
	}
	defer closer.Close()
	return decodeRecord(data)
}

// scanIndex resolves every index entry under prefix into its live record,
// keeping those accepted by keep
func (s *LedgerStore) scanIndex(ctx context.Context, prefix []byte, keep func(ledger.Record) bool) ([]ledger.Record, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open iterator: %w", err)
	}
	defer iter.Close()

	var refs []ledger.OutRef
	seen := make(map[ledger.OutRef]bool)
	for iter.First(); iter.Valid(); iter.Next() {
		ref, err := indexRef(iter.Key())
		if err != nil {
			continue // Skip malformed entries
		}
		if !seen[ref] {
			seen[ref] = true
			refs = append(refs, ref)
		}
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("failed to scan index: %w", err)
	}

	records := make([]ledger.Record, 0, len(refs))
	for _, ref := range refs {
		rec, err := s.Get(ctx, ref)
		if errors.Is(err, ledger.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if keep(rec) {
			records = append(records, rec)
		}
	}
	return records, nil
}

func (s *LedgerStore) FindByUniquenessKey(ctx context.Context, key value.AssetID) ([]ledger.Record, error) {
	if key.IsCurrency() {
		return nil, fmt.Errorf("currency is not a uniqueness key")
	}
	return s.scanIndex(ctx, assetPrefix(key), func(rec ledger.Record) bool {
		return rec.Value.Quantity(key) > 0
	})
}

func (s *LedgerStore) FindByPolicy(ctx context.Context, policy value.PolicyID) ([]ledger.Record, error) {
	if policy == "" {
		return nil, fmt.Errorf("currency has no policy index")
	}
	return s.scanIndex(ctx, policyPrefix(policy), func(rec ledger.Record) bool {
		for _, a := range rec.Value.Tokens().Assets() {
			if a.Policy == policy {
				return true
			}
		}
		return false
	})
}

func (s *LedgerStore) FindByAddress(ctx context.Context, addr ledger.Address) ([]ledger.Record, error) {
	return s.scanIndex(ctx, addressPrefix(addr), func(rec ledger.Record) bool {
		return rec.Address == addr
	})
}

// FindReferenceRecord returns the record holding the unique token minted for
// a reference address. Anything else found there is ignored.
func (s *LedgerStore) FindReferenceRecord(ctx context.Context, participantKey ledger.Address) (ledger.Record, error) {
	key, ok := participantKey.ReferenceKey()
	if !ok {
		return ledger.Record{}, fmt.Errorf("%s is not a reference address", participantKey)
	}
	records, err := s.FindByAddress(ctx, participantKey)
	if err != nil {
		return ledger.Record{}, err
	}
	for _, rec := range records {
		asset, qty, err := rec.Value.Sole()
		if err == nil && qty == 1 && s.unique[asset.Policy] && strings.HasSuffix(asset.Name, key) {
			return rec, nil
		}
	}
	return ledger.Record{}, fmt.Errorf("%w: reference at %s", ledger.ErrNotFound, participantKey)
}

// Balance sums the live records at an address
func (s *LedgerStore) Balance(ctx context.Context, addr ledger.Address) (value.Value, error) {
	records, err := s.FindByAddress(ctx, addr)
	if err != nil {
		return nil, err
	}
	total := value.Value{}
	for _, rec := range records {
		total = total.Add(rec.Value)
	}
	return total, nil
}

// ============================================================================
// Commit journal
// ============================================================================

// Commit loads an accepted transition by id
func (s *LedgerStore) Commit(ctx context.Context, id transaction.CommitID) (*CommitEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, closer, err := s.db.Get(commitKey(id))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, fmt.Errorf("%w: commit %s", ledger.ErrNotFound, id.Hex())
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get commit: %w", err)
	}
	defer closer.Close()
	return decodeCommit(data)
}

// RecentCommits loads the most recent N commits, newest first
func (s *LedgerStore) RecentCommits(ctx context.Context, limit int) ([]*CommitEntry, error) {
	prefix := []byte(prefixCommitLog)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open iterator: %w", err)
	}
	defer iter.Close()

	var ids []transaction.CommitID
	for iter.Last(); iter.Valid() && len(ids) < limit; iter.Prev() {
		var id transaction.CommitID
		copy(id[:], iter.Value())
		ids = append(ids, id)
	}

	entries := make([]*CommitEntry, 0, len(ids))
	for _, id := range ids {
		c, err := s.Commit(ctx, id)
		if err != nil {
			return nil, err
		}
		entries = append(entries, c)
	}
	return entries, nil
}

// Sequence returns the number of accepted commits
func (s *LedgerStore) Sequence() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq
}

func (s *LedgerStore) countLive() (int, error) {
	prefix := []byte(prefixRecord)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return 0, fmt.Errorf("failed to open iterator: %w", err)
	}
	defer iter.Close()

	n := 0
	for iter.First(); iter.Valid(); iter.Next() {
		n++
	}
	return n, iter.Error()
}

var _ ledger.Query = (*LedgerStore)(nil)
var _ transaction.Applier = (*LedgerStore)(nil)
