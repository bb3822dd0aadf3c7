package storage

import (
	"log/slog"

	"github.com/dgraph-io/badger/v3"

	"github.com/cadenza-io/cadenza/internal/domain"
)

// Store owns the badger database shared by the durable repository and
// history adapters. One Store backs both so a run and its ledger live in
// the same keyspace.
type Store struct {
	db     *badger.DB
	logger *slog.Logger
}

// Open opens (or creates) the database at dir. An empty dir opens an
// in-memory database, which is what the tests use.
func Open(dir string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	opts := badger.DefaultOptions(dir)
	opts.Logger = nil
	if dir == "" {
		opts = opts.WithInMemory(true)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, domain.NewInternalError("failed to open storage", err)
	}

	return &Store{
		db:     db,
		logger: logger.With("component", "storage"),
	}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Runs() *RunRepository {
	return NewRunRepository(s.db, s.logger)
}

func (s *Store) History() *History {
	return NewHistory(s.db, s.logger)
}
