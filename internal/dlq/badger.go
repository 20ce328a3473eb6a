package dlq

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	badgeroptions "github.com/dgraph-io/badger/v4/options"

	"github.com/khaliqgant/agent-relay-sub006/internal/logging"
)

const (
	entryPrefix = "d\x00"
	idxPrefix   = "x\x00"
)

func entryKey(id string) []byte { return []byte(entryPrefix + id) }

func indexKey(dlqTs int64, id string) []byte {
	return []byte(fmt.Sprintf("%s%013x\x00%s", idxPrefix, uint64(dlqTs), id))
}

func idFromIndexKey(key []byte) string {
	s := strings.TrimPrefix(string(key), idxPrefix)
	parts := strings.SplitN(s, "\x00", 2)
	if len(parts) != 2 {
		return ""
	}
	return parts[1]
}

// BadgerQueue is the Queue implementation used by live broker instances,
// keyed by DLQ entry ID with a secondary timestamp index for ordered
// queries, following the same layout convention as storage.BadgerStore.
type BadgerQueue struct {
	db  *badger.DB
	log *logging.Logger
}

// Open opens (or creates) a BadgerDB-backed DLQ store at dir.
func Open(dir string, log *logging.Logger) (*BadgerQueue, error) {
	opts := badger.DefaultOptions(dir)
	opts.Logger = &dlqLogAdapter{log: log}
	opts.Compression = badgeroptions.Snappy

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("dlq: open badger at %s: %w", dir, err)
	}
	return &BadgerQueue{db: db, log: log}, nil
}

func (q *BadgerQueue) Add(ctx context.Context, e *Entry) error {
	if !IsValidReason(e.Reason) {
		e.Reason = ReasonUnknown
	}
	if e.DLQTimestampMs == 0 {
		e.DLQTimestampMs = time.Now().UnixMilli()
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("dlq: marshal entry: %w", err)
	}
	return q.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(entryKey(e.ID), data); err != nil {
			return err
		}
		return txn.Set(indexKey(e.DLQTimestampMs, e.ID), []byte(e.ID))
	})
}

func (q *BadgerQueue) Get(ctx context.Context, id string) (*Entry, error) {
	var e Entry
	err := q.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(entryKey(id))
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

func (q *BadgerQueue) all(txn *badger.Txn) ([]*Entry, error) {
	var out []*Entry
	opts := badger.DefaultIteratorOptions
	opts.Prefix = []byte(entryPrefix)
	it := txn.NewIterator(opts)
	defer it.Close()
	for it.Seek([]byte(entryPrefix)); it.ValidForPrefix([]byte(entryPrefix)); it.Next() {
		var e Entry
		if err := it.Item().Value(func(val []byte) error {
			return json.Unmarshal(val, &e)
		}); err != nil {
			continue
		}
		out = append(out, &e)
	}
	return out, nil
}

func matches(e *Entry, f QueryFilter) bool {
	if f.To != "" && e.Recipient != f.To {
		return false
	}
	if f.From != "" && e.Envelope != nil && e.Envelope.From != f.From {
		return false
	}
	if f.Reason != "" && e.Reason != f.Reason {
		return false
	}
	if f.Acknowledged != nil && e.Acknowledged != *f.Acknowledged {
		return false
	}
	ts := time.UnixMilli(e.DLQTimestampMs)
	if f.Since != nil && ts.Before(*f.Since) {
		return false
	}
	if f.Until != nil && ts.After(*f.Until) {
		return false
	}
	return true
}

func (q *BadgerQueue) Query(ctx context.Context, filter QueryFilter) ([]*Entry, error) {
	var matched []*Entry
	err := q.db.View(func(txn *badger.Txn) error {
		all, err := q.all(txn)
		if err != nil {
			return err
		}
		for _, e := range all {
			if matches(e, filter) {
				matched = append(matched, e)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	switch filter.Order {
	case OrderByOriginalTimestamp:
		sort.SliceStable(matched, func(i, j int) bool { return matched[i].OriginalTs < matched[j].OriginalTs })
	case OrderByAttemptCount:
		sort.SliceStable(matched, func(i, j int) bool { return matched[i].AttemptCount < matched[j].AttemptCount })
	default:
		sort.SliceStable(matched, func(i, j int) bool { return matched[i].DLQTimestampMs < matched[j].DLQTimestampMs })
	}

	if filter.Offset > 0 {
		if filter.Offset >= len(matched) {
			return nil, nil
		}
		matched = matched[filter.Offset:]
	}
	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}
	return matched, nil
}

func (q *BadgerQueue) Acknowledge(ctx context.Context, id, who string) (bool, error) {
	var didAck bool
	err := q.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(entryKey(id))
		if err == badger.ErrKeyNotFound {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		var e Entry
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &e)
		}); err != nil {
			return err
		}
		if e.Acknowledged {
			return nil
		}
		e.Acknowledged = true
		e.AcknowledgedBy = who
		e.AcknowledgedTs = time.Now().UnixMilli()
		data, err := json.Marshal(&e)
		if err != nil {
			return err
		}
		didAck = true
		return txn.Set(entryKey(id), data)
	})
	if err != nil {
		return false, err
	}
	return didAck, nil
}

func (q *BadgerQueue) AcknowledgeMany(ctx context.Context, ids []string, who string) (int, error) {
	count := 0
	for _, id := range ids {
		ok, err := q.Acknowledge(ctx, id, who)
		if err != nil && err != ErrNotFound {
			return count, err
		}
		if ok {
			count++
		}
	}
	return count, nil
}

func (q *BadgerQueue) IncrementRetry(ctx context.Context, id string) (int, error) {
	var n int
	err := q.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(entryKey(id))
		if err == badger.ErrKeyNotFound {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		var e Entry
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &e)
		}); err != nil {
			return err
		}
		e.DLQRetryCount++
		n = e.DLQRetryCount
		data, err := json.Marshal(&e)
		if err != nil {
			return err
		}
		return txn.Set(entryKey(id), data)
	})
	return n, err
}

func (q *BadgerQueue) Remove(ctx context.Context, id string) error {
	return q.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(entryKey(id))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		var e Entry
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &e)
		}); err != nil {
			return err
		}
		if err := txn.Delete(entryKey(id)); err != nil {
			return err
		}
		return txn.Delete(indexKey(e.DLQTimestampMs, id))
	})
}

func (q *BadgerQueue) GetStats(ctx context.Context) (Stats, error) {
	stats := Stats{ByReason: make(map[Reason]int)}
	err := q.db.View(func(txn *badger.Txn) error {
		all, err := q.all(txn)
		if err != nil {
			return err
		}
		for _, e := range all {
			stats.Total++
			if e.Acknowledged {
				stats.Acknowledged++
			} else {
				stats.Unacknowledged++
			}
			stats.ByReason[e.Reason]++
			if stats.OldestDLQTs == 0 || e.DLQTimestampMs < stats.OldestDLQTs {
				stats.OldestDLQTs = e.DLQTimestampMs
			}
			if e.DLQTimestampMs > stats.NewestDLQTs {
				stats.NewestDLQTs = e.DLQTimestampMs
			}
		}
		return nil
	})
	return stats, err
}

func (q *BadgerQueue) Cleanup(ctx context.Context, retentionHours int, maxEntries int) (int, error) {
	var all []*Entry
	err := q.db.View(func(txn *badger.Txn) error {
		var err error
		all, err = q.all(txn)
		return err
	})
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().Add(-time.Duration(retentionHours) * time.Hour).UnixMilli()
	var toRemove []*Entry
	var keep []*Entry
	for _, e := range all {
		if retentionHours > 0 && e.DLQTimestampMs < cutoff {
			toRemove = append(toRemove, e)
			continue
		}
		keep = append(keep, e)
	}

	// Acknowledged entries are eligible first, oldest first, per spec's
	// storage retention rule reused for the DLQ (§4.B/§4.C).
	if maxEntries > 0 && len(keep) > maxEntries {
		sort.SliceStable(keep, func(i, j int) bool {
			if keep[i].Acknowledged != keep[j].Acknowledged {
				return keep[i].Acknowledged
			}
			return keep[i].DLQTimestampMs < keep[j].DLQTimestampMs
		})
		excess := len(keep) - maxEntries
		toRemove = append(toRemove, keep[:excess]...)
	}

	if len(toRemove) == 0 {
		return 0, nil
	}

	err = q.db.Update(func(txn *badger.Txn) error {
		for _, e := range toRemove {
			if err := txn.Delete(entryKey(e.ID)); err != nil {
				return err
			}
			if err := txn.Delete(indexKey(e.DLQTimestampMs, e.ID)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(toRemove), nil
}

func (q *BadgerQueue) GetRetryable(ctx context.Context, maxRetries int, limit int) ([]*Entry, error) {
	var all []*Entry
	err := q.db.View(func(txn *badger.Txn) error {
		var err error
		all, err = q.all(txn)
		return err
	})
	if err != nil {
		return nil, err
	}

	var out []*Entry
	for _, e := range all {
		if e.Acknowledged {
			continue
		}
		if e.DLQRetryCount >= maxRetries {
			continue
		}
		out = append(out, e)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].DLQTimestampMs < out[j].DLQTimestampMs })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (q *BadgerQueue) Close() error {
	return q.db.Close()
}

type dlqLogAdapter struct {
	log *logging.Logger
}

func (d *dlqLogAdapter) Errorf(format string, args ...interface{})   { d.log.Error("badger(dlq): "+format, args...) }
func (d *dlqLogAdapter) Warningf(format string, args ...interface{}) { d.log.Warn("badger(dlq): "+format, args...) }
func (d *dlqLogAdapter) Infof(format string, args ...interface{})    {}
func (d *dlqLogAdapter) Debugf(format string, args ...interface{})   {}
