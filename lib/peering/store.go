// Copyright 2026 The Autopeer Authors
// SPDX-License-Identifier: Apache-2.0

// Package peering owns the table of peering records and the slot id
// allocator. All mutation goes through Store; shell sessions never
// touch the database directly.
//
// Slot ids are allocated lowest-gap-first so that ids freed by removed
// peerings are reused. The gap scan and the insert happen inside one
// IMMEDIATE transaction: SQLite takes the write lock at BEGIN, so two
// concurrent creates serialize and the second recomputes its candidate
// id after the first commits. The duplicate-ASN check rides in the
// same transaction, closing the check-then-act window.
package peering

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/autopeer-foundation/autopeer/lib/sqlitepool"
)

const schema = `
CREATE TABLE IF NOT EXISTS peering_links (
	id INTEGER PRIMARY KEY CHECK(id BETWEEN 1 AND 65535),
	as_num INTEGER UNIQUE NOT NULL,
	wg_pub_key TEXT NOT NULL,
	wg_endpoint_addr TEXT NOT NULL,
	wg_endpoint_port INTEGER NOT NULL CHECK(wg_endpoint_port BETWEEN 1 AND 65535),
	user_link_local TEXT
);
`

// Store provides atomic create/get/list/remove over peering records.
// Safe for concurrent use from multiple session goroutines.
type Store struct {
	pool   *sqlitepool.Pool
	logger *slog.Logger
}

// StoreConfig holds the parameters for opening a peering store.
type StoreConfig struct {
	// Path is the SQLite database file. The parent directory must
	// exist.
	Path string

	// PoolSize is the connection pool size. Defaults to 4.
	PoolSize int

	// Logger receives operational messages. If nil, a no-op logger is
	// used.
	Logger *slog.Logger
}

// OpenStore opens (creating if necessary) the peering database and
// ensures the schema exists. The caller must call Close when done.
func OpenStore(cfg StoreConfig) (*Store, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:     cfg.Path,
		PoolSize: cfg.PoolSize,
		Logger:   logger,
		OnConnect: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteScript(conn, schema, nil)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("peering: %w", err)
	}

	return &Store{pool: pool, logger: logger}, nil
}

// Close closes the underlying connection pool. Blocks until all
// borrowed connections are returned.
func (s *Store) Close() error {
	return s.pool.Close()
}

// Create allocates the lowest free slot id and inserts a record for
// the AS number, as one atomic unit. Returns ErrConflict if the AS
// number already has a record (store unchanged) and ErrCapacity if all
// slot ids are taken (store unchanged).
func (s *Store) Create(ctx context.Context, record Record) (slotID int, err error) {
	if record.EndpointPort < 1 || record.EndpointPort > 65535 {
		return 0, fmt.Errorf("peering: endpoint port %d out of range [1, 65535]", record.EndpointPort)
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return 0, fmt.Errorf("peering: create: %w", err)
	}
	defer s.pool.Put(conn)

	// IMMEDIATE takes the write lock at BEGIN. A concurrent Create
	// blocks here (up to the busy timeout) and recomputes its slot id
	// against the committed state, so both callers succeed with
	// distinct ids whenever capacity allows.
	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return 0, fmt.Errorf("peering: begin create: %w", err)
	}
	defer endTransaction(&err)

	exists := false
	err = sqlitex.Execute(conn, "SELECT 1 FROM peering_links WHERE as_num = ?", &sqlitex.ExecOptions{
		Args: []any{record.ASN},
		ResultFunc: func(*sqlite.Stmt) error {
			exists = true
			return nil
		},
	})
	if err != nil {
		return 0, fmt.Errorf("peering: checking AS%d: %w", record.ASN, err)
	}
	if exists {
		return 0, fmt.Errorf("AS%d: %w", record.ASN, ErrConflict)
	}

	slotID, err = nextSlotID(conn)
	if err != nil {
		return 0, err
	}

	err = sqlitex.Execute(conn, `
		INSERT INTO peering_links (id, as_num, wg_pub_key, wg_endpoint_addr, wg_endpoint_port, user_link_local)
		VALUES (?, ?, ?, ?, ?, ?)`, &sqlitex.ExecOptions{
		Args: []any{
			slotID,
			record.ASN,
			record.PublicKey,
			record.EndpointAddress,
			record.EndpointPort,
			nullableText(record.CustomLinkLocal),
		},
	})
	if err != nil {
		return 0, fmt.Errorf("peering: inserting AS%d: %w", record.ASN, err)
	}

	s.logger.Info("peering created",
		"asn", record.ASN,
		"slot_id", slotID,
	)
	return slotID, nil
}

// nextSlotID computes the smallest positive integer not present in the
// id column: 1 if free, otherwise the first adjacent gap, otherwise
// max+1. Must run inside the create transaction so the candidate
// cannot be consumed by a concurrent writer.
func nextSlotID(conn *sqlite.Conn) (int, error) {
	candidate := 1
	err := sqlitex.Execute(conn, "SELECT id FROM peering_links ORDER BY id", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			if stmt.ColumnInt(0) == candidate {
				candidate++
			}
			return nil
		},
	})
	if err != nil {
		return 0, fmt.Errorf("peering: scanning slot ids: %w", err)
	}
	if candidate > MaxSlotID {
		return 0, ErrCapacity
	}
	return candidate, nil
}

// Get returns the record for the AS number, or ErrNotFound.
func (s *Store) Get(ctx context.Context, asn uint32) (*Record, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("peering: get: %w", err)
	}
	defer s.pool.Put(conn)

	return getLocked(conn, asn)
}

func getLocked(conn *sqlite.Conn, asn uint32) (*Record, error) {
	var record *Record
	err := sqlitex.Execute(conn, `
		SELECT id, as_num, wg_pub_key, wg_endpoint_addr, wg_endpoint_port, user_link_local
		FROM peering_links WHERE as_num = ?`, &sqlitex.ExecOptions{
		Args: []any{asn},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			record = scanRecord(stmt)
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("peering: reading AS%d: %w", asn, err)
	}
	if record == nil {
		return nil, fmt.Errorf("AS%d: %w", asn, ErrNotFound)
	}
	return record, nil
}

// List returns the records for the given AS numbers, keyed by AS
// number. AS numbers without a record are simply absent from the
// result — this is the authorization-scoped listing used by the shell.
// The listing is a single statement, so it is one consistent snapshot
// of the store even with creates and removes in flight.
func (s *Store) List(ctx context.Context, asns []uint32) (map[uint32]Record, error) {
	result := make(map[uint32]Record, len(asns))
	if len(asns) == 0 {
		return result, nil
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("peering: list: %w", err)
	}
	defer s.pool.Put(conn)

	args := make([]any, len(asns))
	for i, asn := range asns {
		args[i] = asn
	}
	query := `
		SELECT id, as_num, wg_pub_key, wg_endpoint_addr, wg_endpoint_port, user_link_local
		FROM peering_links WHERE as_num IN (?` + strings.Repeat(", ?", len(asns)-1) + `)`
	err = sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			record := scanRecord(stmt)
			result[record.ASN] = *record
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("peering: listing records: %w", err)
	}
	return result, nil
}

// All returns every record ordered by slot id. Used by configuration
// generation and the control socket.
func (s *Store) All(ctx context.Context) ([]Record, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("peering: all: %w", err)
	}
	defer s.pool.Put(conn)

	var records []Record
	err = sqlitex.Execute(conn, `
		SELECT id, as_num, wg_pub_key, wg_endpoint_addr, wg_endpoint_port, user_link_local
		FROM peering_links ORDER BY id`, &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			records = append(records, *scanRecord(stmt))
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("peering: reading all records: %w", err)
	}
	return records, nil
}

// Count returns the number of peering records.
func (s *Store) Count(ctx context.Context) (int, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return 0, fmt.Errorf("peering: count: %w", err)
	}
	defer s.pool.Put(conn)

	count := 0
	err = sqlitex.Execute(conn, "SELECT COUNT(*) FROM peering_links", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			count = stmt.ColumnInt(0)
			return nil
		},
	})
	if err != nil {
		return 0, fmt.Errorf("peering: counting records: %w", err)
	}
	return count, nil
}

// Remove deletes the record for the AS number, freeing its slot id
// for reuse. Returns ErrNotFound if no record exists.
func (s *Store) Remove(ctx context.Context, asn uint32) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("peering: remove: %w", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, "DELETE FROM peering_links WHERE as_num = ?", &sqlitex.ExecOptions{
		Args: []any{asn},
	})
	if err != nil {
		return fmt.Errorf("peering: deleting AS%d: %w", asn, err)
	}
	if conn.Changes() == 0 {
		return fmt.Errorf("AS%d: %w", asn, ErrNotFound)
	}

	s.logger.Info("peering removed", "asn", asn)
	return nil
}

func scanRecord(stmt *sqlite.Stmt) *Record {
	return &Record{
		SlotID:          stmt.ColumnInt(0),
		ASN:             uint32(stmt.ColumnInt64(1)),
		PublicKey:       stmt.ColumnText(2),
		EndpointAddress: stmt.ColumnText(3),
		EndpointPort:    stmt.ColumnInt(4),
		CustomLinkLocal: stmt.ColumnText(5),
	}
}

// nullableText maps the empty string to SQL NULL.
func nullableText(s string) any {
	if s == "" {
		return nil
	}
	return s
}
