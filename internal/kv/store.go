package kv

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"
	"github.com/xtrntr/marketsim/internal/exchange"
	"github.com/xtrntr/marketsim/internal/models"
)

// Store is an embedded exchange.Store on Pebble. Records are JSON values under
// prefixed big-endian keys so iteration returns them in sequence order.
type Store struct {
	db *pebble.DB
}

var _ exchange.Store = (*Store)(nil)

var errAlreadyStored = errors.New("already stored")

// keys: d:<seq>, b:<priority>, l:<ledger id>, s:<role>:<source id>, wm
var (
	prefixDelta  = []byte("d:")
	prefixBuy    = []byte("b:")
	prefixLedger = []byte("l:")
	prefixSource = []byte("s:")
	keyWatermark = []byte("wm")
)

// Open opens (or creates) a Pebble database at dir
func Open(dir string) (*Store, error) {
	opts := &pebble.Options{
		Cache:        pebble.NewCache(32 << 20),
		MemTableSize: 16 << 20,
		BytesPerSync: 512 << 10,
	}
	defer opts.Cache.Unref()

	db, err := pebble.Open(dir, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble db at %s: %w", dir, err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func seqKey(prefix []byte, n int64) []byte {
	key := make([]byte, len(prefix)+8)
	copy(key, prefix)
	binary.BigEndian.PutUint64(key[len(prefix):], uint64(n))
	return key
}

// sourceKey indexes a settled source so it can be stored at most once
func sourceKey(role models.Role, sourceID int64) []byte {
	prefix := make([]byte, 0, len(prefixSource)+len(role)+1)
	prefix = append(prefix, prefixSource...)
	prefix = append(prefix, role...)
	prefix = append(prefix, ':')
	return seqKey(prefix, sourceID)
}

// keyUpperBound returns the smallest key greater than every key with prefix
func keyUpperBound(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

func (s *Store) put(key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}
	return s.db.Set(key, data, pebble.Sync)
}

func (s *Store) SaveOfferDelta(_ context.Context, d models.OfferDelta) error {
	if err := s.put(seqKey(prefixDelta, d.Seq), d); err != nil {
		return fmt.Errorf("failed to save offer delta: %w", err)
	}
	return nil
}

func (s *Store) SaveBuyRequest(_ context.Context, r models.BuyRequest) error {
	if err := s.put(seqKey(prefixBuy, r.Priority), r); err != nil {
		return fmt.Errorf("failed to save buy request: %w", err)
	}
	return nil
}

// AppendLedger writes the batch atomically. An entry ID or a (role, source)
// already present, in the store or earlier in the batch, fails the whole batch.
func (s *Store) AppendLedger(_ context.Context, entries []models.LedgerEntry) error {
	batch := s.db.NewIndexedBatch()
	defer batch.Close()

	for _, e := range entries {
		key := seqKey(prefixLedger, e.ID)
		if err := absent(batch, key); err != nil {
			return fmt.Errorf("ledger entry %d: %w", e.ID, err)
		}
		srcKey := sourceKey(e.Role, e.SourceID)
		if err := absent(batch, srcKey); err != nil {
			return fmt.Errorf("%s source %d: %w", e.Role, e.SourceID, err)
		}

		data, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("failed to marshal ledger entry: %w", err)
		}
		if err := batch.Set(key, data, nil); err != nil {
			return fmt.Errorf("failed to stage ledger entry: %w", err)
		}
		if err := batch.Set(srcKey, seqKey(nil, e.ID), nil); err != nil {
			return fmt.Errorf("failed to stage source index: %w", err)
		}
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("failed to commit ledger batch: %w", err)
	}
	return nil
}

// absent reads through the batch, so keys staged earlier in it count too
func absent(batch *pebble.Batch, key []byte) error {
	_, closer, err := batch.Get(key)
	if err == nil {
		closer.Close()
		return errAlreadyStored
	}
	if err != pebble.ErrNotFound {
		return fmt.Errorf("failed to check key: %w", err)
	}
	return nil
}

func (s *Store) ClearLedger(_ context.Context, watermark int64) error {
	current, err := s.watermark()
	if err != nil {
		return err
	}
	if watermark <= current {
		return nil
	}
	val := make([]byte, 8)
	binary.BigEndian.PutUint64(val, uint64(watermark))
	if err := s.db.Set(keyWatermark, val, pebble.Sync); err != nil {
		return fmt.Errorf("failed to clear ledger: %w", err)
	}
	return nil
}

func (s *Store) watermark() (int64, error) {
	val, closer, err := s.db.Get(keyWatermark)
	if err == pebble.ErrNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get ledger watermark: %w", err)
	}
	defer closer.Close()
	if len(val) != 8 {
		return 0, fmt.Errorf("corrupt ledger watermark (%d bytes)", len(val))
	}
	return int64(binary.BigEndian.Uint64(val)), nil
}

func (s *Store) Load(_ context.Context) (*exchange.State, error) {
	st := &exchange.State{}
	var err error

	if st.Deltas, err = scan[models.OfferDelta](s.db, prefixDelta); err != nil {
		return nil, fmt.Errorf("failed to load offer deltas: %w", err)
	}
	if st.BuyRequests, err = scan[models.BuyRequest](s.db, prefixBuy); err != nil {
		return nil, fmt.Errorf("failed to load buy requests: %w", err)
	}
	if st.Ledger, err = scan[models.LedgerEntry](s.db, prefixLedger); err != nil {
		return nil, fmt.Errorf("failed to load ledger: %w", err)
	}
	if st.Watermark, err = s.watermark(); err != nil {
		return nil, err
	}
	return st, nil
}

func scan[T any](db *pebble.DB, prefix []byte) ([]T, error) {
	iter, err := db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []T
	for iter.First(); iter.Valid(); iter.Next() {
		var v T
		if err := json.Unmarshal(iter.Value(), &v); err != nil {
			return nil, fmt.Errorf("failed to unmarshal %q: %w", iter.Key(), err)
		}
		out = append(out, v)
	}
	return out, iter.Error()
}
