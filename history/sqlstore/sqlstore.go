// Package sqlstore is a history.NodeStore backed by crawshaw.io/sqlite,
// adapted from the teacher's mpt/mptsqlite storage in the same shape: one
// row per node record, plus here a second table tracking every epoch at
// which a label was written so EpochLTE can answer without a full scan.
package sqlstore

import (
	"context"
	"embed"
	"fmt"

	"crawshaw.io/sqlite"
	"crawshaw.io/sqlite/sqlitex"

	"keydirectory.example/history"
	"keydirectory.example/label"
)

//go:embed schema.sql
var schemaFS embed.FS

// Store is a history.NodeStore backed by a pooled SQLite connection.
type Store struct {
	pool *sqlitex.Pool
}

var _ history.NodeStore = (*Store)(nil)

// Open creates (if needed) and returns a Store at dbPath.
func Open(ctx context.Context, dbPath string) (*Store, error) {
	pool, err := sqlitex.Open(dbPath, 0, 10)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: opening pool: %w", err)
	}

	conn := pool.Get(ctx)
	if conn == nil {
		pool.Close()
		return nil, ctx.Err()
	}
	schema, err := schemaFS.ReadFile("schema.sql")
	if err != nil {
		pool.Close()
		return nil, err
	}
	if err := sqlitex.ExecScript(conn, string(schema)); err != nil {
		pool.Put(conn)
		pool.Close()
		return nil, fmt.Errorf("sqlstore: applying schema: %w", err)
	}
	pool.Put(conn)

	return &Store{pool: pool}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.pool.Close()
}

func (s *Store) Get(ctx context.Context, key history.NodeKey, epoch uint64) (*history.Node, error) {
	conn := s.pool.Get(ctx)
	if conn == nil {
		return nil, ctx.Err()
	}
	defer s.pool.Put(conn)

	var node *history.Node
	err := sqlitex.Exec(conn, `
		SELECT birth, last, parent_bit_len, parent_bytes, kind,
		       left_bit_len, left_bytes, right_bit_len, right_bytes, value, hash
		FROM nodes WHERE tag = ? AND label_bit_len = ? AND label_bytes = ?`,
		func(stmt *sqlite.Stmt) error {
			n, err := nodeFromRow(key, stmt)
			if err != nil {
				return err
			}
			node = n
			return nil
		},
		int64(key.Tag), int64(key.Label.BitLen), key.Label.Bits[:])
	if err != nil {
		return nil, fmt.Errorf("sqlstore: get: %w", err)
	}
	if node == nil {
		return nil, history.ErrNotFound
	}

	if node.Last > epoch {
		last, err := s.EpochLTE(ctx, key.Label, epoch)
		if err != nil {
			return nil, err
		}
		node.Last = last
	}
	return node, nil
}

func (s *Store) BatchGet(ctx context.Context, keys []history.NodeKey, epoch uint64) ([]*history.Node, error) {
	out := make([]*history.Node, len(keys))
	for i, k := range keys {
		n, err := s.Get(ctx, k, epoch)
		if err != nil {
			return nil, err
		}
		out[i] = n
	}
	return out, nil
}

func (s *Store) Set(ctx context.Context, node *history.Node) error {
	conn := s.pool.Get(ctx)
	if conn == nil {
		return ctx.Err()
	}
	defer s.pool.Put(conn)

	key := node.Key()
	err := sqlitex.Exec(conn, `
		INSERT INTO nodes (tag, label_bit_len, label_bytes, birth, last,
			parent_bit_len, parent_bytes, kind,
			left_bit_len, left_bytes, right_bit_len, right_bytes, value, hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (tag, label_bit_len, label_bytes) DO UPDATE SET
			birth = excluded.birth, last = excluded.last,
			parent_bit_len = excluded.parent_bit_len, parent_bytes = excluded.parent_bytes,
			kind = excluded.kind,
			left_bit_len = excluded.left_bit_len, left_bytes = excluded.left_bytes,
			right_bit_len = excluded.right_bit_len, right_bytes = excluded.right_bytes,
			value = excluded.value, hash = excluded.hash`,
		nil,
		int64(key.Tag), int64(key.Label.BitLen), key.Label.Bits[:],
		int64(node.Birth), int64(node.Last),
		int64(node.Parent.BitLen), node.Parent.Bits[:],
		int64(node.Kind),
		int64(node.Left.BitLen), node.Left.Bits[:],
		int64(node.Right.BitLen), node.Right.Bits[:],
		node.Value[:], node.Hash[:])
	if err != nil {
		return fmt.Errorf("sqlstore: set: %w", err)
	}

	return sqlitex.Exec(conn, `
		INSERT OR IGNORE INTO node_epochs (tag, label_bit_len, label_bytes, epoch)
		VALUES (?, ?, ?, ?)`,
		nil, int64(key.Tag), int64(key.Label.BitLen), key.Label.Bits[:], int64(node.Last))
}

func (s *Store) EpochLTE(ctx context.Context, l label.Label, epoch uint64) (uint64, error) {
	conn := s.pool.Get(ctx)
	if conn == nil {
		return 0, ctx.Err()
	}
	defer s.pool.Put(conn)

	found := false
	var result uint64
	err := sqlitex.Exec(conn, `
		SELECT MAX(epoch) FROM node_epochs
		WHERE tag = ? AND label_bit_len = ? AND label_bytes = ? AND epoch <= ?`,
		func(stmt *sqlite.Stmt) error {
			if stmt.ColumnType(0) == sqlite.TypeNull {
				return nil
			}
			found = true
			result = uint64(stmt.ColumnInt64(0))
			return nil
		},
		int64(history.HistoryTreeNode), int64(l.BitLen), l.Bits[:], int64(epoch))
	if err != nil {
		return 0, fmt.Errorf("sqlstore: epoch_lte: %w", err)
	}
	if !found {
		return 0, history.ErrNotFound
	}
	return result, nil
}

func nodeFromRow(key history.NodeKey, stmt *sqlite.Stmt) (*history.Node, error) {
	n := &history.Node{Label: key.Label}
	n.Birth = uint64(stmt.ColumnInt64(0))
	n.Last = uint64(stmt.ColumnInt64(1))

	parentBitLen := uint32(stmt.ColumnInt64(2))
	parentBytes := make([]byte, 32)
	stmt.ColumnBytes(3, parentBytes)
	parent, err := label.FromBytes(parentBitLen, parentBytes)
	if err != nil {
		return nil, err
	}
	n.Parent = parent

	n.Kind = history.NodeKind(stmt.ColumnInt64(4))

	leftBitLen := uint32(stmt.ColumnInt64(5))
	leftBytes := make([]byte, 32)
	stmt.ColumnBytes(6, leftBytes)
	left, err := label.FromBytes(leftBitLen, leftBytes)
	if err != nil {
		return nil, err
	}
	n.Left = left

	rightBitLen := uint32(stmt.ColumnInt64(7))
	rightBytes := make([]byte, 32)
	stmt.ColumnBytes(8, rightBytes)
	right, err := label.FromBytes(rightBitLen, rightBytes)
	if err != nil {
		return nil, err
	}
	n.Right = right

	value := make([]byte, 32)
	stmt.ColumnBytes(9, value)
	copy(n.Value[:], value)

	hash := make([]byte, 32)
	stmt.ColumnBytes(10, hash)
	copy(n.Hash[:], hash)

	return n, nil
}
