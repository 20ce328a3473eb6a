// Package storage's BadgerDB backend. Grounded in
// tenzoki-agen/omni/internal/storage/badger.go for the open/close/
// options shape, adapted from a generic KV wrapper into the envelope-
// specific append/status/history operations this spec requires.
package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	badgeroptions "github.com/dgraph-io/badger/v4/options"

	"github.com/khaliqgant/agent-relay-sub006/internal/envelope"
	"github.com/khaliqgant/agent-relay-sub006/internal/logging"
)

// BadgerStore is the Store implementation backing live broker instances.
// Writes are buffered per BatchConfig and flushed by a single background
// goroutine; status transitions commit synchronously as the spec
// requires (§4.B: "status updates bypass the batch").
type BadgerStore struct {
	db     *badger.DB
	cfg    BatchConfig
	log    *logging.Logger

	mu      sync.Mutex
	pending []*queuedWrite
	bytes   int
	lastErr error
	closed  bool

	flushCh chan struct{}
	doneCh  chan struct{}
}

// Open creates the data directory if needed and opens a BadgerDB store
// at dir, wiring in the batching policy described by cfg.
func Open(dir string, cfg BatchConfig, log *logging.Logger) (*BadgerStore, error) {
	opts := badger.DefaultOptions(dir)
	opts.Logger = &badgerLogAdapter{log: log}
	opts.Compression = badgeroptions.Snappy

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("storage: open badger at %s: %w", dir, err)
	}

	s := &BadgerStore{
		db:      db,
		cfg:     cfg,
		log:     log,
		flushCh: make(chan struct{}, 1),
		doneCh:  make(chan struct{}),
	}
	go s.flushLoop()
	return s, nil
}

func (s *BadgerStore) flushLoop() {
	interval := s.cfg.TickInterval
	if interval <= 0 {
		interval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var firstQueuedAt time.Time
	for {
		select {
		case <-s.doneCh:
			return
		case <-s.flushCh:
			s.mu.Lock()
			shouldFlush := len(s.pending) > 0 && (s.cfg.MaxBatchSize > 0 && len(s.pending) >= s.cfg.MaxBatchSize ||
				s.cfg.MaxBatchBytes > 0 && s.bytes >= s.cfg.MaxBatchBytes)
			s.mu.Unlock()
			if shouldFlush {
				s.flush()
			}
		case <-ticker.C:
			s.mu.Lock()
			n := len(s.pending)
			if n > 0 && firstQueuedAt.IsZero() {
				firstQueuedAt = time.Now()
			}
			elapsed := n > 0 && !firstQueuedAt.IsZero() && time.Since(firstQueuedAt) >= s.cfg.MaxBatchDelay
			s.mu.Unlock()
			if elapsed {
				s.flush()
				firstQueuedAt = time.Time{}
			} else if n == 0 {
				firstQueuedAt = time.Time{}
			}
		}
	}
}

// Append queues e for the next batch flush and blocks until it commits
// (or fails). Duplicate IDs already queued or already persisted are
// rejected synchronously without touching the batch.
func (s *BadgerStore) Append(ctx context.Context, e *envelope.Envelope) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.lastErr != nil {
		err := s.lastErr
		s.mu.Unlock()
		return fmt.Errorf("storage: previous flush failed: %w", err)
	}
	for _, qw := range s.pending {
		if qw.env.ID == e.ID {
			s.mu.Unlock()
			return ErrDuplicateID
		}
	}
	s.mu.Unlock()

	if exists, err := s.exists(e.ID); err != nil {
		return fmt.Errorf("storage: duplicate check: %w", err)
	} else if exists {
		return ErrDuplicateID
	}

	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("storage: marshal envelope: %w", err)
	}

	qw := &queuedWrite{env: e, size: len(data), done: make(chan error, 1)}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.pending = append(s.pending, qw)
	s.bytes += qw.size
	full := len(s.pending) >= s.cfg.MaxBatchSize || s.bytes >= s.cfg.MaxBatchBytes
	s.mu.Unlock()

	if full {
		select {
		case s.flushCh <- struct{}{}:
		default:
		}
	}

	select {
	case err := <-qw.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *BadgerStore) exists(id string) (bool, error) {
	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(envelopeKey(id))
		return err
	})
	if err == badger.ErrKeyNotFound {
		return false, nil
	}
	return err == nil, err
}

// Flush forces the current batch to commit immediately.
func (s *BadgerStore) Flush() error {
	s.flush()
	s.mu.Lock()
	err := s.lastErr
	s.mu.Unlock()
	return err
}

func (s *BadgerStore) flush() {
	s.mu.Lock()
	if len(s.pending) == 0 {
		s.mu.Unlock()
		return
	}
	batch := s.pending
	s.pending = nil
	s.bytes = 0
	s.mu.Unlock()

	err := s.db.Update(func(txn *badger.Txn) error {
		for _, qw := range batch {
			data, merr := json.Marshal(qw.env)
			if merr != nil {
				return merr
			}
			if serr := txn.Set(envelopeKey(qw.env.ID), data); serr != nil {
				return serr
			}
			if serr := txn.Set(indexKey(qw.env.TimestampMs, qw.env.ID), []byte(qw.env.ID)); serr != nil {
				return serr
			}
		}
		return nil
	})

	if err != nil {
		// Re-queue rather than drop (§4.B): on flush failure the batch
		// goes back to the front of the pending list and the error
		// surfaces to the next caller via lastErr, not to these
		// already-blocked callers, who will retry on the next tick.
		s.log.Warn("storage: flush failed, re-queueing %d envelopes: %v", len(batch), err)
		s.mu.Lock()
		s.pending = append(batch, s.pending...)
		for _, qw := range batch {
			s.bytes += qw.size
		}
		s.lastErr = err
		s.mu.Unlock()
		return
	}

	s.mu.Lock()
	s.lastErr = nil
	s.mu.Unlock()
	for _, qw := range batch {
		qw.done <- nil
	}
}

// UpdateStatus performs the synchronous, monotone status transition.
func (s *BadgerStore) UpdateStatus(ctx context.Context, id string, status envelope.Status) (bool, error) {
	var updated bool
	err := s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(envelopeKey(id))
		if err == badger.ErrKeyNotFound {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		var e envelope.Envelope
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &e)
		}); err != nil {
			return err
		}
		if !envelope.IsForwardTransition(e.Status, status) {
			return nil
		}
		if e.Status == status {
			return nil
		}
		e.Status = status
		data, err := json.Marshal(&e)
		if err != nil {
			return err
		}
		updated = true
		return txn.Set(envelopeKey(id), data)
	})
	if err != nil {
		return false, err
	}
	return updated, nil
}

// IncrementAttempts bumps and persists the attempts counter.
func (s *BadgerStore) IncrementAttempts(ctx context.Context, id string) (int, error) {
	var n int
	err := s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(envelopeKey(id))
		if err == badger.ErrKeyNotFound {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		var e envelope.Envelope
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &e)
		}); err != nil {
			return err
		}
		e.Attempts++
		n = e.Attempts
		data, err := json.Marshal(&e)
		if err != nil {
			return err
		}
		return txn.Set(envelopeKey(id), data)
	})
	return n, err
}

// GetByID checks the in-flight batch first (Append has not yet
// returned for these) and then the committed store.
func (s *BadgerStore) GetByID(ctx context.Context, id string) (*envelope.Envelope, error) {
	s.mu.Lock()
	for _, qw := range s.pending {
		if qw.env.ID == id {
			cp := qw.env.Clone()
			s.mu.Unlock()
			return cp, nil
		}
	}
	s.mu.Unlock()

	var e envelope.Envelope
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(envelopeKey(id))
		if err == badger.ErrKeyNotFound {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &e)
		})
	})
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// ListHistory walks the timestamp index and gathers matching envelopes.
func (s *BadgerStore) ListHistory(ctx context.Context, filter Filter) ([]*envelope.Envelope, error) {
	var out []*envelope.Envelope
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := indexPrefix()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			id := idFromIndexKey(it.Item().KeyCopy(nil))
			if id == "" {
				continue
			}
			item, err := txn.Get(envelopeKey(id))
			if err != nil {
				continue
			}
			var e envelope.Envelope
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &e)
			}); err != nil {
				continue
			}
			if !matchesFilter(&e, filter) {
				continue
			}
			out = append(out, &e)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	// The index is stored ascending by timestamp; sort accordingly and
	// reverse for the default ts-DESC order, then apply the limit.
	sort.SliceStable(out, func(i, j int) bool { return out[i].TimestampMs < out[j].TimestampMs })
	if filter.Order == OrderTimestampDesc {
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func matchesFilter(e *envelope.Envelope, f Filter) bool {
	if f.From != "" && e.From != f.From {
		return false
	}
	if f.To != "" && e.To != f.To {
		return false
	}
	if f.Thread != "" && e.Thread != f.Thread {
		return false
	}
	ts := time.UnixMilli(e.TimestampMs)
	if f.Since != nil && ts.Before(*f.Since) {
		return false
	}
	if f.Until != nil && ts.After(*f.Until) {
		return false
	}
	return true
}

// Retain removes every entry older than horizon (if horizon > 0); then, if
// maxRows > 0 and more than maxRows entries remain, it removes the oldest
// remaining entries until the row count is at or below maxRows.
func (s *BadgerStore) Retain(ctx context.Context, horizon time.Duration, maxRows int) (int, error) {
	cutoff := time.Now().Add(-horizon).UnixMilli()
	type row struct {
		id string
		ts int64
	}
	var rows []row

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		prefix := indexPrefix()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			key := it.Item().KeyCopy(nil)
			id := idFromIndexKey(key)
			if id == "" {
				continue
			}
			rows = append(rows, row{id: id})
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	removed := 0
	toRemove := map[string]bool{}
	if horizon > 0 {
		err = s.db.View(func(txn *badger.Txn) error {
			for i := range rows {
				item, err := txn.Get(envelopeKey(rows[i].id))
				if err != nil {
					continue
				}
				_ = item.Value(func(val []byte) error {
					var e envelope.Envelope
					if json.Unmarshal(val, &e) == nil {
						rows[i].ts = e.TimestampMs
						if e.TimestampMs < cutoff {
							toRemove[rows[i].id] = true
						}
					}
					return nil
				})
			}
			return nil
		})
		if err != nil {
			return 0, err
		}
	}

	if maxRows > 0 && len(rows)-len(toRemove) > maxRows {
		sort.Slice(rows, func(i, j int) bool { return rows[i].ts < rows[j].ts })
		excess := len(rows) - len(toRemove) - maxRows
		for _, r := range rows {
			if excess <= 0 {
				break
			}
			if toRemove[r.id] {
				continue
			}
			toRemove[r.id] = true
			excess--
		}
	}

	if len(toRemove) == 0 {
		return 0, nil
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		for _, r := range rows {
			if !toRemove[r.id] {
				continue
			}
			if err := txn.Delete(envelopeKey(r.id)); err != nil {
				return err
			}
			if err := txn.Delete(indexKey(r.ts, r.id)); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	return removed, err
}

// Close flushes pending writes, stops the flush loop, and closes the
// underlying database.
func (s *BadgerStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.flush()
	close(s.doneCh)
	return s.db.Close()
}

type badgerLogAdapter struct {
	log *logging.Logger
}

func (b *badgerLogAdapter) Errorf(format string, args ...interface{})   { b.log.Error("badger: "+format, args...) }
func (b *badgerLogAdapter) Warningf(format string, args ...interface{}) { b.log.Warn("badger: "+format, args...) }
func (b *badgerLogAdapter) Infof(format string, args ...interface{})    {}
func (b *badgerLogAdapter) Debugf(format string, args ...interface{})   {}
