// Package sqlstore provides quorum.MemberStore and quorum.NonceStore
// implementations backed by crawshaw.io/sqlite, in the same shape as
// history/sqlstore: one pooled connection, one table per concern.
package sqlstore

import (
	"context"
	"embed"
	"fmt"

	"crawshaw.io/sqlite"
	"crawshaw.io/sqlite/sqlitex"

	"keydirectory.example/quorum"
	"keydirectory.example/quorumcrypto"
)

//go:embed schema.sql
var schemaFS embed.FS

// Store is both a quorum.MemberStore and a quorum.NonceStore backed by
// a single SQLite database.
type Store struct {
	pool *sqlitex.Pool
}

var (
	_ quorum.MemberStore      = (*Store)(nil)
	_ quorum.NonceStore       = (*Store)(nil)
	_ quorumcrypto.ShardStore = (*Store)(nil)
)

// Open creates (if needed) and returns a Store at dbPath.
func Open(ctx context.Context, dbPath string) (*Store, error) {
	pool, err := sqlitex.Open(dbPath, 0, 10)
	if err != nil {
		return nil, fmt.Errorf("quorum/sqlstore: opening pool: %w", err)
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
		return nil, fmt.Errorf("quorum/sqlstore: applying schema: %w", err)
	}
	pool.Put(conn)

	return &Store{pool: pool}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.pool.Close()
}

func (s *Store) Members(ctx context.Context) ([]quorum.Member, error) {
	conn := s.pool.Get(ctx)
	if conn == nil {
		return nil, ctx.Err()
	}
	defer s.pool.Put(conn)

	var members []quorum.Member
	err := sqlitex.Exec(conn, `SELECT node_id, public_key, contact_info FROM members ORDER BY node_id`,
		func(stmt *sqlite.Stmt) error {
			m := quorum.Member{
				NodeID:      uint64(stmt.ColumnInt64(0)),
				ContactInfo: stmt.ColumnText(2),
			}
			key := make([]byte, stmt.ColumnLen(1))
			stmt.ColumnBytes(1, key)
			copy(m.PublicKey[:], key)
			members = append(members, m)
			return nil
		})
	if err != nil {
		return nil, fmt.Errorf("quorum/sqlstore: members: %w", err)
	}
	return members, nil
}

func (s *Store) AddMember(ctx context.Context, m quorum.Member) error {
	conn := s.pool.Get(ctx)
	if conn == nil {
		return ctx.Err()
	}
	defer s.pool.Put(conn)

	err := sqlitex.Exec(conn, `
		INSERT INTO members (node_id, public_key, contact_info) VALUES (?, ?, ?)
		ON CONFLICT (node_id) DO UPDATE SET public_key = excluded.public_key, contact_info = excluded.contact_info`,
		nil, int64(m.NodeID), m.PublicKey[:], m.ContactInfo)
	if err != nil {
		return fmt.Errorf("quorum/sqlstore: add_member: %w", err)
	}
	return nil
}

func (s *Store) RemoveMember(ctx context.Context, nodeID uint64) error {
	conn := s.pool.Get(ctx)
	if conn == nil {
		return ctx.Err()
	}
	defer s.pool.Put(conn)

	err := sqlitex.Exec(conn, `DELETE FROM members WHERE node_id = ?`, nil, int64(nodeID))
	if err != nil {
		return fmt.Errorf("quorum/sqlstore: remove_member: %w", err)
	}
	return nil
}

func (s *Store) LatestCommitment(ctx context.Context) (quorum.Commitment, error) {
	conn := s.pool.Get(ctx)
	if conn == nil {
		return quorum.Commitment{}, ctx.Err()
	}
	defer s.pool.Put(conn)

	found := false
	var c quorum.Commitment
	err := sqlitex.Exec(conn, `
		SELECT epoch, prev_root, new_root, signature FROM commitments
		ORDER BY epoch DESC LIMIT 1`,
		func(stmt *sqlite.Stmt) error {
			found = true
			c.Epoch = uint64(stmt.ColumnInt64(0))
			prev := make([]byte, 32)
			stmt.ColumnBytes(1, prev)
			copy(c.PrevRoot[:], prev)
			next := make([]byte, 32)
			stmt.ColumnBytes(2, next)
			copy(c.NewRoot[:], next)
			sig := make([]byte, stmt.ColumnLen(3))
			stmt.ColumnBytes(3, sig)
			c.Signature = sig
			return nil
		})
	if err != nil {
		return quorum.Commitment{}, fmt.Errorf("quorum/sqlstore: latest_commitment: %w", err)
	}
	if !found {
		return quorum.Commitment{}, quorum.ErrStorageNotFound
	}
	return c, nil
}

func (s *Store) SaveCommitment(ctx context.Context, c quorum.Commitment) error {
	conn := s.pool.Get(ctx)
	if conn == nil {
		return ctx.Err()
	}
	defer s.pool.Put(conn)

	err := sqlitex.Exec(conn, `
		INSERT INTO commitments (epoch, prev_root, new_root, signature) VALUES (?, ?, ?, ?)
		ON CONFLICT (epoch) DO UPDATE SET prev_root = excluded.prev_root, new_root = excluded.new_root, signature = excluded.signature`,
		nil, int64(c.Epoch), c.PrevRoot[:], c.NewRoot[:], c.Signature)
	if err != nil {
		return fmt.Errorf("quorum/sqlstore: save_commitment: %w", err)
	}
	return nil
}

func (s *Store) Accept(ctx context.Context, peer uint64, nonce uint64) error {
	conn := s.pool.Get(ctx)
	if conn == nil {
		return ctx.Err()
	}
	defer s.pool.Put(conn)

	current, err := highWater(conn, peer, "inbound")
	if err != nil {
		return err
	}
	if nonce <= current {
		return &quorum.NonceError{Expected: current, Got: nonce, Msg: "inbound replay or reorder"}
	}
	if err := setHighWater(conn, peer, "inbound", nonce); err != nil {
		return err
	}
	return nil
}

func (s *Store) Next(ctx context.Context, peer uint64) (uint64, error) {
	conn := s.pool.Get(ctx)
	if conn == nil {
		return 0, ctx.Err()
	}
	defer s.pool.Put(conn)

	current, err := highWater(conn, peer, "outbound")
	if err != nil {
		return 0, err
	}
	next := current + 1
	if err := setHighWater(conn, peer, "outbound", next); err != nil {
		return 0, err
	}
	return next, nil
}

// Load returns this node's own at-rest quorum-key shard, the single row
// of own_shard.
func (s *Store) Load(ctx context.Context) (quorumcrypto.EncryptedShard, error) {
	conn := s.pool.Get(ctx)
	if conn == nil {
		return quorumcrypto.EncryptedShard{}, ctx.Err()
	}
	defer s.pool.Put(conn)

	found := false
	var shard quorumcrypto.EncryptedShard
	err := sqlitex.Exec(conn, `SELECT owner_id, ciphertext FROM own_shard WHERE id = 0`,
		func(stmt *sqlite.Stmt) error {
			found = true
			shard.OwnerID = uint64(stmt.ColumnInt64(0))
			ct := make([]byte, stmt.ColumnLen(1))
			stmt.ColumnBytes(1, ct)
			shard.Ciphertext = ct
			return nil
		})
	if err != nil {
		return quorumcrypto.EncryptedShard{}, fmt.Errorf("quorum/sqlstore: load_shard: %w", err)
	}
	if !found {
		return quorumcrypto.EncryptedShard{}, quorumcrypto.ErrNoShard
	}
	return shard, nil
}

// Save overwrites this node's own at-rest quorum-key shard.
func (s *Store) Save(ctx context.Context, shard quorumcrypto.EncryptedShard) error {
	conn := s.pool.Get(ctx)
	if conn == nil {
		return ctx.Err()
	}
	defer s.pool.Put(conn)

	err := sqlitex.Exec(conn, `
		INSERT INTO own_shard (id, owner_id, ciphertext) VALUES (0, ?, ?)
		ON CONFLICT (id) DO UPDATE SET owner_id = excluded.owner_id, ciphertext = excluded.ciphertext`,
		nil, int64(shard.OwnerID), shard.Ciphertext)
	if err != nil {
		return fmt.Errorf("quorum/sqlstore: save_shard: %w", err)
	}
	return nil
}

func highWater(conn *sqlite.Conn, peer uint64, direction string) (uint64, error) {
	var value uint64
	err := sqlitex.Exec(conn, `SELECT high_water FROM nonces WHERE peer_id = ? AND direction = ?`,
		func(stmt *sqlite.Stmt) error {
			value = uint64(stmt.ColumnInt64(0))
			return nil
		}, int64(peer), direction)
	if err != nil {
		return 0, fmt.Errorf("quorum/sqlstore: high_water: %w", err)
	}
	return value, nil
}

func setHighWater(conn *sqlite.Conn, peer uint64, direction string, value uint64) error {
	err := sqlitex.Exec(conn, `
		INSERT INTO nonces (peer_id, direction, high_water) VALUES (?, ?, ?)
		ON CONFLICT (peer_id, direction) DO UPDATE SET high_water = excluded.high_water`,
		nil, int64(peer), direction, int64(value))
	if err != nil {
		return fmt.Errorf("quorum/sqlstore: set_high_water: %w", err)
	}
	return nil
}
