// Package replay buffers analytics side-effect events while the upstream is
// unreachable and drains them in FIFO order once connectivity returns. A send
// failure halts the drain for that invocation; nothing is skipped or reordered.
package replay

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"time"

	"github.com/dgraph-io/badger/v4"
	json "github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/clearflow/aquaedge/internal/metrics"
)

const (
	eventPrefix  = "replay:"
	sequenceName = "replay_seq"
)

// Event is one buffered side-effect payload awaiting replay.
type Event struct {
	ID        string          `json:"id"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// Queue is a durable FIFO of buffered events. Ordering comes from a badger
// sequence encoded big-endian into the key, so the natural iteration order is
// insertion order.
type Queue struct {
	db      *badger.DB
	seq     *badger.Sequence
	logger  *slog.Logger
	metrics *metrics.Recorder
}

// QueueOptions configures OpenQueue.
type QueueOptions struct {
	Path     string
	InMemory bool
	Logger   *slog.Logger
	Metrics  *metrics.Recorder
}

// OpenQueue opens (or creates) the durable queue.
func OpenQueue(opts QueueOptions) (*Queue, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("agent", "replay_queue"))

	badgerOpts := badger.DefaultOptions(opts.Path).WithLogger(nil)
	if opts.InMemory {
		badgerOpts = badgerOpts.WithInMemory(true).WithDir("").WithValueDir("")
	}
	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("replay: open queue: %w", err)
	}
	seq, err := db.GetSequence([]byte(sequenceName), 64)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("replay: open sequence: %w", err)
	}
	return &Queue{db: db, seq: seq, logger: logger, metrics: opts.Metrics}, nil
}

// Enqueue appends a payload to the queue and returns the stored event.
func (q *Queue) Enqueue(_ context.Context, payload json.RawMessage) (Event, error) {
	ev := Event{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return Event{}, fmt.Errorf("replay: marshal event: %w", err)
	}
	n, err := q.seq.Next()
	if err != nil {
		return Event{}, fmt.Errorf("replay: next sequence: %w", err)
	}
	err = q.db.Update(func(txn *badger.Txn) error {
		return txn.Set(eventKey(n), data)
	})
	if err != nil {
		return Event{}, fmt.Errorf("replay: enqueue: %w", err)
	}
	q.publishDepth()
	return ev, nil
}

// Len counts the buffered events.
func (q *Queue) Len(_ context.Context) (int, error) {
	count := 0
	err := q.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(prefixIteratorOptions())
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			count++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("replay: len: %w", err)
	}
	return count, nil
}

// Drain sends buffered events in FIFO order. Each event is deleted from the
// queue only after its send succeeds. The first send failure stops the drain
// and leaves that event and everything behind it queued for the next trigger.
// Returns the number of events successfully replayed.
func (q *Queue) Drain(ctx context.Context, send func(context.Context, Event) error) (int, error) {
	defer q.publishDepth()

	sent := 0
	for {
		select {
		case <-ctx.Done():
			return sent, ctx.Err()
		default:
		}

		key, ev, ok, err := q.head()
		if err != nil {
			return sent, err
		}
		if !ok {
			return sent, nil
		}

		if err := send(ctx, ev); err != nil {
			q.observe("failed")
			return sent, fmt.Errorf("replay: send event %s: %w", ev.ID, err)
		}

		err = q.db.Update(func(txn *badger.Txn) error {
			return txn.Delete(key)
		})
		if err != nil {
			return sent, fmt.Errorf("replay: delete event %s: %w", ev.ID, err)
		}
		q.observe("sent")
		sent++
	}
}

// Close releases the sequence lease and the underlying database.
func (q *Queue) Close() error {
	if err := q.seq.Release(); err != nil {
		q.logger.Warn("sequence release failed", slog.Any("error", err))
	}
	return q.db.Close()
}

// head returns the oldest buffered event, if any.
func (q *Queue) head() ([]byte, Event, bool, error) {
	var key []byte
	var ev Event
	found := false
	err := q.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(prefixIteratorOptions())
		defer it.Close()
		it.Rewind()
		if !it.Valid() {
			return nil
		}
		item := it.Item()
		key = item.KeyCopy(nil)
		found = true
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &ev)
		})
	})
	if err != nil {
		return nil, Event{}, false, fmt.Errorf("replay: read head: %w", err)
	}
	return key, ev, found, nil
}

func (q *Queue) publishDepth() {
	if q.metrics == nil {
		return
	}
	if depth, err := q.Len(context.Background()); err == nil {
		q.metrics.SetReplayQueueDepth(depth)
	}
}

func (q *Queue) observe(result string) {
	if q.metrics != nil {
		q.metrics.ObserveReplay(result)
	}
}

func eventKey(n uint64) []byte {
	key := make([]byte, len(eventPrefix)+8)
	copy(key, eventPrefix)
	binary.BigEndian.PutUint64(key[len(eventPrefix):], n)
	return key
}

func prefixIteratorOptions() badger.IteratorOptions {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = []byte(eventPrefix)
	opts.PrefetchValues = false
	return opts
}
