package batchq

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// key prefixes
const (
	keyPrefixResult = "res:"
	keyPrefixOrder  = "ord:"
	keySequence     = "seq:cache"
)

// resultKey returns the key for a cached result.
func resultKey(key string) []byte {
	return []byte(keyPrefixResult + key)
}

// orderKey returns the insertion-order index key for a sequence number.
// BigEndian encoding makes lexicographic key order equal insertion order,
// so a forward iteration visits entries oldest first.
func orderKey(seq uint64) []byte {
	k := make([]byte, 0, len(keyPrefixOrder)+8)
	k = append(k, []byte(keyPrefixOrder)...)
	seqBytes := make([]byte, 8)
	binary.BigEndian.PutUint64(seqBytes, seq)
	return append(k, seqBytes...)
}

// BadgerCache implements the ResultCache interface using BadgerDB. The
// cache contents survive process restarts; the job queue itself remains
// strictly in-memory.
type BadgerCache struct {
	db         *badger.DB
	seq        *badger.Sequence
	maxEntries int
	logger     *slog.Logger
}

// NewBadgerCache creates a BadgerDB-backed result cache bounded to
// maxEntries. The database directory will be created if it doesn't exist.
// Note: BadgerDB uses its own logger interface, so its internal logging is
// disabled.
func NewBadgerCache(dbPath string, maxEntries int, logger *slog.Logger) (*BadgerCache, error) {
	if maxEntries <= 0 {
		return nil, fmt.Errorf("maxEntries must be > 0, got %d", maxEntries)
	}
	if logger == nil {
		logger = slog.Default()
	}

	opts := badger.DefaultOptions(dbPath)
	opts.Logger = nil // Disable BadgerDB's internal logging (uses different logger interface)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB: %w", err)
	}

	seq, err := db.GetSequence([]byte(keySequence), 128)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to open insertion sequence: %w", err)
	}

	return &BadgerCache{
		db:         db,
		seq:        seq,
		maxEntries: maxEntries,
		logger:     logger,
	}, nil
}

// Close releases the sequence and closes the database.
func (c *BadgerCache) Close() error {
	if err := c.seq.Release(); err != nil {
		c.logger.Warn("BadgerCache: sequence release failed", "error", err)
	}
	return c.db.Close()
}

// retryUpdate retries a BadgerDB update operation on transaction conflicts.
func (c *BadgerCache) retryUpdate(ctx context.Context, fn func(txn *badger.Txn) error) error {
	const maxRetries = 50
	const retryDelay = 1 * time.Millisecond

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
			time.Sleep(retryDelay)
		}

		err := c.db.Update(fn)
		if err == nil {
			return nil
		}
		if errors.Is(err, badger.ErrConflict) {
			lastErr = err
			continue
		}
		return err
	}

	return fmt.Errorf("transaction conflict after %d retries: %w", maxRetries, lastErr)
}

// Get returns the cached result for key.
func (c *BadgerCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	var result []byte
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(resultKey(key))
		if err != nil {
			return err
		}
		result, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cache get: %w", err)
	}
	return result, true, nil
}

// Put stores a result, evicting the oldest entries when at capacity.
// Re-inserting an existing key refreshes the value in place so the entry
// keeps its original insertion position.
func (c *BadgerCache) Put(ctx context.Context, key string, result []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	seqReserved := false
	var seq uint64
	err := c.retryUpdate(ctx, func(txn *badger.Txn) error {
		_, err := txn.Get(resultKey(key))
		if err == nil {
			return txn.Set(resultKey(key), result)
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		if err := c.evictLocked(txn, c.maxEntries-1); err != nil {
			return err
		}

		// The sequence survives txn retries; reserve it once.
		if !seqReserved {
			seq, err = c.seq.Next()
			if err != nil {
				return err
			}
			seqReserved = true
		}
		if err := txn.Set(orderKey(seq), []byte(key)); err != nil {
			return err
		}
		return txn.Set(resultKey(key), result)
	})
	if err != nil {
		return fmt.Errorf("cache put: %w", err)
	}
	return nil
}

// evictLocked deletes oldest-first order entries (and their results) until
// at most keep remain. Runs inside an update transaction.
func (c *BadgerCache) evictLocked(txn *badger.Txn, keep int) error {
	count, err := countPrefix(txn, []byte(keyPrefixOrder))
	if err != nil {
		return err
	}
	excess := count - keep
	if excess <= 0 {
		return nil
	}

	opts := badger.DefaultIteratorOptions
	opts.Prefix = []byte(keyPrefixOrder)
	it := txn.NewIterator(opts)
	defer it.Close()

	evicted := 0
	for it.Rewind(); it.Valid() && evicted < excess; it.Next() {
		item := it.Item()
		victim, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		if err := txn.Delete(item.KeyCopy(nil)); err != nil {
			return err
		}
		if err := txn.Delete(resultKey(string(victim))); err != nil {
			return err
		}
		evicted++
	}
	return nil
}

// Len returns the number of entries currently stored.
func (c *BadgerCache) Len(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	var count int
	err := c.db.View(func(txn *badger.Txn) error {
		var err error
		count, err = countPrefix(txn, []byte(keyPrefixOrder))
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("cache len: %w", err)
	}
	return count, nil
}

// Clear removes all entries.
func (c *BadgerCache) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	err := c.retryUpdate(ctx, func(txn *badger.Txn) error {
		for _, prefix := range [][]byte{[]byte(keyPrefixOrder), []byte(keyPrefixResult)} {
			opts := badger.DefaultIteratorOptions
			opts.Prefix = prefix
			opts.PrefetchValues = false
			it := txn.NewIterator(opts)
			for it.Rewind(); it.Valid(); it.Next() {
				if err := txn.Delete(it.Item().KeyCopy(nil)); err != nil {
					it.Close()
					return err
				}
			}
			it.Close()
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("cache clear: %w", err)
	}
	return nil
}

// countPrefix counts keys under prefix with a keys-only iteration.
func countPrefix(txn *badger.Txn, prefix []byte) (int, error) {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	opts.PrefetchValues = false
	it := txn.NewIterator(opts)
	defer it.Close()

	count := 0
	for it.Rewind(); it.Valid(); it.Next() {
		count++
	}
	return count, nil
}
