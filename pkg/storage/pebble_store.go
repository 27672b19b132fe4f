package storage

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/cockroachdb/pebble"
	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/hyperswap/pkg/app/core/ledger"
	"github.com/uhyunpark/hyperswap/pkg/app/core/orderbook"
	"github.com/uhyunpark/hyperswap/pkg/app/dex"
)

// PebbleStore persists the exchange state. Each Save is one synced batch, so
// a crash leaves either the previous or the new state on disk.
type PebbleStore struct {
	db *pebble.DB
}

func NewPebbleStore(path string) (*PebbleStore, error) {
	opts := &pebble.Options{
		Cache:        pebble.NewCache(64 << 20),
		MemTableSize: 32 << 20,
		MaxOpenFiles: 1000,
		BytesPerSync: 512 << 10,
	}
	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble db at %s: %w", path, err)
	}
	return &PebbleStore{db: db}, nil
}

func (s *PebbleStore) Close() error { return s.db.Close() }

// Save applies d in one synced batch: changed balances and orders are
// written, balances that dropped to zero are deleted.
func (s *PebbleStore) Save(d dex.Delta) error {
	batch := s.db.NewBatch()
	defer batch.Close()

	for _, e := range d.Balances {
		key := balanceKey(e.Account, e.Asset)
		if e.Amount == 0 {
			if err := batch.Delete(key, nil); err != nil {
				return fmt.Errorf("failed to stage delete %s: %w", key, err)
			}
			continue
		}
		data, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("failed to marshal balance: %w", err)
		}
		if err := batch.Set(key, data, nil); err != nil {
			return fmt.Errorf("failed to stage %s: %w", key, err)
		}
	}
	for _, o := range d.Orders {
		data, err := json.Marshal(o)
		if err != nil {
			return fmt.Errorf("failed to marshal order %s: %w", o.ID, err)
		}
		if err := batch.Set(orderKey(o.ID), data, nil); err != nil {
			return fmt.Errorf("failed to stage order %s: %w", o.ID, err)
		}
	}

	if err := batch.Set(keyNextOrder, encodeUint64(uint64(d.NextOrderID)), nil); err != nil {
		return err
	}
	if err := batch.Set(keyEventSeq, encodeUint64(d.EventSeq), nil); err != nil {
		return err
	}
	if d.Created {
		if err := batch.Set(keyCreated, d.Creator.Bytes(), nil); err != nil {
			return err
		}
	} else if err := batch.Delete(keyCreated, nil); err != nil {
		return err
	}

	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("failed to commit state: %w", err)
	}
	return nil
}

// Load reads the stored state. found is false for an empty database.
func (s *PebbleStore) Load() (st dex.State, found bool, err error) {
	next, ok, err := s.getUint64(keyNextOrder)
	if err != nil || !ok {
		return dex.State{}, false, err
	}
	st.NextOrderID = orderbook.OrderID(next)

	if st.EventSeq, _, err = s.getUint64(keyEventSeq); err != nil {
		return dex.State{}, false, err
	}

	creator, closer, err := s.db.Get(keyCreated)
	switch {
	case err == nil:
		st.Created = true
		st.Creator = common.BytesToAddress(creator)
		closer.Close()
	case !errors.Is(err, pebble.ErrNotFound):
		return dex.State{}, false, fmt.Errorf("failed to get creator: %w", err)
	}

	err = s.scan([]byte(prefixBalance), func(v []byte) error {
		var e ledger.Entry
		if err := json.Unmarshal(v, &e); err != nil {
			return fmt.Errorf("failed to unmarshal balance: %w", err)
		}
		st.Balances = append(st.Balances, e)
		return nil
	})
	if err != nil {
		return dex.State{}, false, err
	}
	// Keys use checksummed hex; restore the ledger's byte order
	sortBalances(st.Balances)

	err = s.scan([]byte(prefixOrder), func(v []byte) error {
		var o orderbook.Order
		if err := json.Unmarshal(v, &o); err != nil {
			return fmt.Errorf("failed to unmarshal order: %w", err)
		}
		st.Orders = append(st.Orders, o)
		return nil
	})
	if err != nil {
		return dex.State{}, false, err
	}
	return st, true, nil
}

func (s *PebbleStore) scan(prefix []byte, fn func(v []byte) error) error {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return fmt.Errorf("failed to scan %s: %w", prefix, err)
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		if err := fn(iter.Value()); err != nil {
			return err
		}
	}
	return iter.Error()
}

func (s *PebbleStore) getUint64(key []byte) (uint64, bool, error) {
	val, closer, err := s.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to get %s: %w", key, err)
	}
	defer closer.Close()
	v, err := decodeUint64(val)
	if err != nil {
		return 0, false, fmt.Errorf("corrupt %s: %w", key, err)
	}
	return v, true, nil
}

// sortBalances orders entries by account bytes, then asset
func sortBalances(entries []ledger.Entry) {
	sort.Slice(entries, func(i, j int) bool {
		if c := bytes.Compare(entries[i].Account[:], entries[j].Account[:]); c != 0 {
			return c < 0
		}
		return entries[i].Asset < entries[j].Asset
	})
}

var _ dex.Persister = (*PebbleStore)(nil)
