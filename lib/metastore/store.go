// Copyright 2026 The Pieceline Authors
// SPDX-License-Identifier: Apache-2.0

// Package metastore is the durable record of file descriptors and
// per-piece completion state, backed by SQLite. The ingest session is
// the sole writer for a file while it is active; once the file is
// complete the rows are immutable until the file is deleted.
package metastore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/pieceline/pieceline/lib/piecehash"
	"github.com/pieceline/pieceline/lib/pieceplan"
	"github.com/pieceline/pieceline/lib/sqlitepool"
)

// ErrNotFound is returned when a file or piece row does not exist.
var ErrNotFound = errors.New("metastore: not found")

// ErrExists is returned by CreateFile when the id already has a
// descriptor. A stored id is never reused, even after completion.
var ErrExists = errors.New("metastore: already exists")

// FileDescriptor is the immutable record of one file. DeclaredSize is
// the single exception: it may be corrected once, for producers that
// stream without a prior length, as long as the correction does not
// change the piece plan shape.
type FileDescriptor struct {
	ID           string
	Name         string
	DeclaredSize int64
	PieceSize    int64
	PieceCount   int
	MimeType     string
	CreatedAt    time.Time
	Complete     bool
}

// PieceRow tracks one piece's byte range and verification state.
// Hash is zero until the piece's bytes have been verified.
type PieceRow struct {
	FileID   string
	Index    int
	Offset   int64
	Length   int64
	Hash     piecehash.Hash
	Complete bool
}

// PieceMark records a verified piece for a batched completion flush.
type PieceMark struct {
	Index int
	Hash  piecehash.Hash
}

// Config holds the parameters for opening a store.
type Config struct {
	// Path is the SQLite database file.
	Path string

	// PoolSize is passed through to the connection pool.
	PoolSize int

	// Logger receives operational messages. Nil means discard.
	Logger *slog.Logger
}

// Store is the SQLite-backed metadata store. Safe for concurrent use.
type Store struct {
	pool   *sqlitepool.Pool
	logger *slog.Logger
}

const schema = `
CREATE TABLE IF NOT EXISTS files (
	id            TEXT PRIMARY KEY,
	name          TEXT NOT NULL,
	declared_size INTEGER NOT NULL,
	piece_size    INTEGER NOT NULL,
	piece_count   INTEGER NOT NULL,
	mime_type     TEXT NOT NULL,
	created_at    INTEGER NOT NULL,
	complete      INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS pieces (
	file_id  TEXT NOT NULL REFERENCES files(id) ON DELETE CASCADE,
	idx      INTEGER NOT NULL,
	offset   INTEGER NOT NULL,
	length   INTEGER NOT NULL,
	hash     BLOB,
	complete INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (file_id, idx)
) WITHOUT ROWID;
`

// Open opens (creating if necessary) the store at cfg.Path.
func Open(cfg Config) (*Store, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
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
		return nil, fmt.Errorf("metastore: %w", err)
	}
	return &Store{pool: pool, logger: logger}, nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	return s.pool.Close()
}

// CreateFile persists a descriptor and all of its piece rows
// (incomplete, hash unset) in one transaction. The table must come
// from pieceplan.New on the descriptor's declared size.
func (s *Store) CreateFile(ctx context.Context, desc FileDescriptor, table []pieceplan.Entry) error {
	if len(table) != desc.PieceCount {
		return fmt.Errorf("metastore: table has %d entries, descriptor declares %d pieces",
			len(table), desc.PieceCount)
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	endTx, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("metastore: begin create transaction: %w", err)
	}
	defer endTx(&err)

	err = sqlitex.Execute(conn,
		`INSERT INTO files (id, name, declared_size, piece_size, piece_count, mime_type, created_at, complete)
		 VALUES (?, ?, ?, ?, ?, ?, ?, 0)`,
		&sqlitex.ExecOptions{Args: []any{
			desc.ID, desc.Name, desc.DeclaredSize, desc.PieceSize,
			desc.PieceCount, desc.MimeType, desc.CreatedAt.UnixNano(),
		}})
	if err != nil {
		if sqlite.ErrCode(err) == sqlite.ResultConstraintPrimaryKey {
			return fmt.Errorf("metastore: file %s: %w", desc.ID, ErrExists)
		}
		return fmt.Errorf("metastore: insert file %s: %w", desc.ID, err)
	}

	for _, entry := range table {
		err = sqlitex.Execute(conn,
			`INSERT INTO pieces (file_id, idx, offset, length, hash, complete)
			 VALUES (?, ?, ?, ?, NULL, 0)`,
			&sqlitex.ExecOptions{Args: []any{desc.ID, entry.Index, entry.Offset, entry.Length}})
		if err != nil {
			return fmt.Errorf("metastore: insert piece %s/%d: %w", desc.ID, entry.Index, err)
		}
	}

	return nil
}

// File fetches a descriptor by id. Returns ErrNotFound for unknown
// ids.
func (s *Store) File(ctx context.Context, id string) (FileDescriptor, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return FileDescriptor{}, err
	}
	defer s.pool.Put(conn)

	return fileLocked(conn, id)
}

func fileLocked(conn *sqlite.Conn, id string) (FileDescriptor, error) {
	var desc FileDescriptor
	found := false
	err := sqlitex.Execute(conn,
		`SELECT id, name, declared_size, piece_size, piece_count, mime_type, created_at, complete
		 FROM files WHERE id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{id},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				found = true
				desc = FileDescriptor{
					ID:           stmt.ColumnText(0),
					Name:         stmt.ColumnText(1),
					DeclaredSize: stmt.ColumnInt64(2),
					PieceSize:    stmt.ColumnInt64(3),
					PieceCount:   stmt.ColumnInt(4),
					MimeType:     stmt.ColumnText(5),
					CreatedAt:    time.Unix(0, stmt.ColumnInt64(6)),
					Complete:     stmt.ColumnInt(7) != 0,
				}
				return nil
			},
		})
	if err != nil {
		return FileDescriptor{}, fmt.Errorf("metastore: select file %s: %w", id, err)
	}
	if !found {
		return FileDescriptor{}, fmt.Errorf("metastore: file %s: %w", id, ErrNotFound)
	}
	return desc, nil
}

// ListFiles returns all descriptors, newest first.
func (s *Store) ListFiles(ctx context.Context) ([]FileDescriptor, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var files []FileDescriptor
	err = sqlitex.Execute(conn,
		`SELECT id, name, declared_size, piece_size, piece_count, mime_type, created_at, complete
		 FROM files ORDER BY created_at DESC`,
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				files = append(files, FileDescriptor{
					ID:           stmt.ColumnText(0),
					Name:         stmt.ColumnText(1),
					DeclaredSize: stmt.ColumnInt64(2),
					PieceSize:    stmt.ColumnInt64(3),
					PieceCount:   stmt.ColumnInt(4),
					MimeType:     stmt.ColumnText(5),
					CreatedAt:    time.Unix(0, stmt.ColumnInt64(6)),
					Complete:     stmt.ColumnInt(7) != 0,
				})
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("metastore: list files: %w", err)
	}
	return files, nil
}

// CorrectDeclaredSize applies the one permitted size correction: the
// file must still be incomplete and the new size must keep the same
// piece size and piece count (only the final piece's length may
// change). The final piece row's length is updated to match.
//
// The transfer protocol requires the declared size at init and never
// calls this; it is a store-level repair for descriptors recorded from
// a bad length.
func (s *Store) CorrectDeclaredSize(ctx context.Context, id string, size int64) (err error) {
	plan, err := pieceplan.New(size)
	if err != nil {
		return fmt.Errorf("metastore: correcting size of %s: %w", id, err)
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	endTx, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("metastore: begin correction transaction: %w", err)
	}
	defer endTx(&err)

	desc, err := fileLocked(conn, id)
	if err != nil {
		return err
	}
	if desc.Complete {
		return fmt.Errorf("metastore: file %s is complete, size cannot be corrected", id)
	}
	if plan.PieceSize != desc.PieceSize || plan.PieceCount != desc.PieceCount {
		return fmt.Errorf("metastore: corrected size %d changes the piece plan of %s (%d pieces of %d, now %d of %d)",
			size, id, desc.PieceCount, desc.PieceSize, plan.PieceCount, plan.PieceSize)
	}

	err = sqlitex.Execute(conn,
		`UPDATE files SET declared_size = ? WHERE id = ?`,
		&sqlitex.ExecOptions{Args: []any{size, id}})
	if err != nil {
		return fmt.Errorf("metastore: update declared size of %s: %w", id, err)
	}

	final := plan.Table[plan.PieceCount-1]
	err = sqlitex.Execute(conn,
		`UPDATE pieces SET length = ? WHERE file_id = ? AND idx = ?`,
		&sqlitex.ExecOptions{Args: []any{final.Length, id, final.Index}})
	if err != nil {
		return fmt.Errorf("metastore: update final piece of %s: %w", id, err)
	}
	return nil
}

// MarkComplete flushes a batch of verified pieces: each mark's hash
// is recorded and its complete flag set, in one transaction.
func (s *Store) MarkComplete(ctx context.Context, id string, marks []PieceMark) (err error) {
	if len(marks) == 0 {
		return nil
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	endTx, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("metastore: begin mark transaction: %w", err)
	}
	defer endTx(&err)

	for _, mark := range marks {
		err = sqlitex.Execute(conn,
			`UPDATE pieces SET hash = ?, complete = 1 WHERE file_id = ? AND idx = ?`,
			&sqlitex.ExecOptions{Args: []any{mark.Hash[:], id, mark.Index}})
		if err != nil {
			return fmt.Errorf("metastore: mark piece %s/%d: %w", id, mark.Index, err)
		}
	}
	return nil
}

// MarkFileComplete sets the file-level complete flag. Called after the
// final piece flush.
func (s *Store) MarkFileComplete(ctx context.Context, id string) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		`UPDATE files SET complete = 1 WHERE id = ?`,
		&sqlitex.ExecOptions{Args: []any{id}})
	if err != nil {
		return fmt.Errorf("metastore: mark file %s complete: %w", id, err)
	}
	return nil
}

// CompleteIndices returns the sorted indices of all complete pieces.
// Returns ErrNotFound if the file does not exist.
func (s *Store) CompleteIndices(ctx context.Context, id string) ([]int, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	if _, err := fileLocked(conn, id); err != nil {
		return nil, err
	}

	var indices []int
	err = sqlitex.Execute(conn,
		`SELECT idx FROM pieces WHERE file_id = ? AND complete = 1 ORDER BY idx`,
		&sqlitex.ExecOptions{
			Args: []any{id},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				indices = append(indices, stmt.ColumnInt(0))
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("metastore: complete indices of %s: %w", id, err)
	}
	return indices, nil
}

// PieceRow fetches one piece row. Returns ErrNotFound for an unknown
// file or out-of-range index.
func (s *Store) PieceRow(ctx context.Context, id string, index int) (PieceRow, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return PieceRow{}, err
	}
	defer s.pool.Put(conn)

	var row PieceRow
	found := false
	err = sqlitex.Execute(conn,
		`SELECT idx, offset, length, hash, complete FROM pieces WHERE file_id = ? AND idx = ?`,
		&sqlitex.ExecOptions{
			Args: []any{id, index},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				found = true
				row = PieceRow{FileID: id, Index: stmt.ColumnInt(0)}
				row.Offset = stmt.ColumnInt64(1)
				row.Length = stmt.ColumnInt64(2)
				if stmt.ColumnLen(3) == piecehash.Size {
					raw := make([]byte, piecehash.Size)
					stmt.ColumnBytes(3, raw)
					row.Hash, _ = piecehash.FromBytes(raw)
				}
				row.Complete = stmt.ColumnInt(4) != 0
				return nil
			},
		})
	if err != nil {
		return PieceRow{}, fmt.Errorf("metastore: select piece %s/%d: %w", id, index, err)
	}
	if !found {
		return PieceRow{}, fmt.Errorf("metastore: piece %s/%d: %w", id, index, ErrNotFound)
	}
	return row, nil
}

// Pieces returns all piece rows for a file in index order.
func (s *Store) Pieces(ctx context.Context, id string) ([]PieceRow, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var rows []PieceRow
	err = sqlitex.Execute(conn,
		`SELECT idx, offset, length, hash, complete FROM pieces WHERE file_id = ? ORDER BY idx`,
		&sqlitex.ExecOptions{
			Args: []any{id},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				row := PieceRow{FileID: id, Index: stmt.ColumnInt(0)}
				row.Offset = stmt.ColumnInt64(1)
				row.Length = stmt.ColumnInt64(2)
				if stmt.ColumnLen(3) == piecehash.Size {
					raw := make([]byte, piecehash.Size)
					stmt.ColumnBytes(3, raw)
					row.Hash, _ = piecehash.FromBytes(raw)
				}
				row.Complete = stmt.ColumnInt(4) != 0
				rows = append(rows, row)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("metastore: select pieces of %s: %w", id, err)
	}
	return rows, nil
}

// DeleteFile removes the descriptor and, via the cascade, every piece
// row. Used by abort: after DeleteFile no trace of the transfer
// remains in the store. Deleting an unknown id is a no-op.
func (s *Store) DeleteFile(ctx context.Context, id string) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		`DELETE FROM files WHERE id = ?`,
		&sqlitex.ExecOptions{Args: []any{id}})
	if err != nil {
		return fmt.Errorf("metastore: delete file %s: %w", id, err)
	}
	return nil
}
