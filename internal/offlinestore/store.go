// Package offlinestore persists analysis records on disk so lookups keep
// working while the upstream is unreachable. Records are one-per-key, last
// write wins, and are only served while inside the configured freshness window.
package offlinestore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dgraph-io/badger/v4"
	json "github.com/goccy/go-json"
)

const recordPrefix = "analysis:"

const defaultMaxAge = 7 * 24 * time.Hour

// Availability reports whether durable storage is usable. It is exposed as a
// tri-state so callers can distinguish "probed and broken" from "not yet
// probed" instead of duck-typing the store.
type Availability int

const (
	AvailabilityUnknown Availability = iota
	AvailabilityAvailable
	AvailabilityUnavailable
)

func (a Availability) String() string {
	switch a {
	case AvailabilityAvailable:
		return "available"
	case AvailabilityUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// Store is the durable analysis record store. Implementations never propagate
// storage failures as errors the caller must branch on: Get degrades to
// absent and Put degrades to a silent no-op so the fallback chain above keeps
// functioning.
type Store interface {
	Put(ctx context.Context, key string, payload json.RawMessage) error
	Get(ctx context.Context, key string) (json.RawMessage, bool, error)
	DeleteAll(ctx context.Context) error
	Availability() Availability
	Close() error
}

type record struct {
	Payload  json.RawMessage `json:"payload"`
	StoredAt time.Time       `json:"storedAt"`
}

// Options configures Open.
type Options struct {
	// Path is the badger directory. Ignored when InMemory is set.
	Path string
	// MaxAge is the freshness window; records older than this are treated as
	// absent on read. Defaults to 7 days.
	MaxAge time.Duration
	// InMemory runs badger without disk, for tests.
	InMemory bool
	Logger   *slog.Logger

	now func() time.Time
}

// Open creates or reopens the store. Opening is idempotent: badger performs
// its own schema setup on first use. When the underlying storage cannot be
// opened the returned store is a degraded no-op and the error is only logged,
// never returned, matching the documented failure mode.
func Open(opts Options) Store {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("agent", "offline_store"))

	if opts.MaxAge <= 0 {
		opts.MaxAge = defaultMaxAge
	}
	if opts.now == nil {
		opts.now = time.Now
	}

	badgerOpts := badger.DefaultOptions(opts.Path).WithLogger(nil)
	if opts.InMemory {
		badgerOpts = badgerOpts.WithInMemory(true).WithDir("").WithValueDir("")
	}

	db, err := badger.Open(badgerOpts)
	if err != nil {
		logger.Warn("durable storage unavailable, offline lookups disabled",
			slog.String("path", opts.Path), slog.Any("error", err))
		return &noopStore{}
	}

	logger.Info("offline store opened",
		slog.String("path", opts.Path), slog.Duration("max_age", opts.MaxAge))
	return &badgerStore{db: db, maxAge: opts.MaxAge, now: opts.now, logger: logger}
}

// Disabled returns the degraded no-op store, for deployments that opt out of
// durable storage entirely.
func Disabled() Store { return &noopStore{} }

type badgerStore struct {
	db     *badger.DB
	maxAge time.Duration
	now    func() time.Time
	logger *slog.Logger
}

func (s *badgerStore) Put(_ context.Context, key string, payload json.RawMessage) error {
	rec := record{Payload: payload, StoredAt: s.now().UTC()}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("offlinestore: marshal record: %w", err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(recordPrefix+key), data)
	})
	if err != nil {
		return fmt.Errorf("offlinestore: put %q: %w", key, err)
	}
	return nil
}

// Get returns the stored payload for key when a record exists and is younger
// than the freshness window. Stale records are treated as absent without
// being deleted; the next successful Put supersedes them.
func (s *badgerStore) Get(_ context.Context, key string) (json.RawMessage, bool, error) {
	var rec record
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(recordPrefix + key))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("offlinestore: get %q: %w", key, err)
	}
	if s.now().Sub(rec.StoredAt) >= s.maxAge {
		return nil, false, nil
	}
	return rec.Payload, true, nil
}

func (s *badgerStore) DeleteAll(_ context.Context) error {
	if err := s.db.DropPrefix([]byte(recordPrefix)); err != nil {
		return fmt.Errorf("offlinestore: delete all: %w", err)
	}
	return nil
}

func (s *badgerStore) Availability() Availability { return AvailabilityAvailable }

func (s *badgerStore) Close() error {
	return s.db.Close()
}

// noopStore stands in when durable storage cannot be opened: reads are always
// absent and writes silently succeed so calling code never branches on
// storage availability.
type noopStore struct{}

func (*noopStore) Put(context.Context, string, json.RawMessage) error { return nil }

func (*noopStore) Get(context.Context, string) (json.RawMessage, bool, error) {
	return nil, false, nil
}

func (*noopStore) DeleteAll(context.Context) error { return nil }

func (*noopStore) Availability() Availability { return AvailabilityUnavailable }

func (*noopStore) Close() error { return nil }
