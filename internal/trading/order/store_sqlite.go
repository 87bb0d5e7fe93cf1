package order

import (
	"bytes"
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"execution_core/internal/core"

	_ "github.com/mattn/go-sqlite3"
)

const schema = `CREATE TABLE IF NOT EXISTS orders (
	id         TEXT PRIMARY KEY,
	status     TEXT NOT NULL,
	account_id TEXT NOT NULL,
	data       TEXT NOT NULL,
	checksum   BLOB NOT NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
)`

// SQLiteStore keeps an audit copy of every order, FAILED ones included
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Enable WAL mode for crash recovery
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) SaveOrder(ctx context.Context, order *core.Order) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	data, err := json.Marshal(order)
	if err != nil {
		return fmt.Errorf("failed to marshal order: %w", err)
	}

	checksum := sha256.Sum256(data)
	query := `INSERT OR REPLACE INTO orders (id, status, account_id, data, checksum, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`
	_, err = tx.ExecContext(ctx, query,
		order.ID, string(order.Status), order.AccountID, string(data), checksum[:],
		order.CreatedAt.UnixNano(), time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("failed to write order %s: %w", order.ID, err)
	}

	return tx.Commit()
}

func (s *SQLiteStore) GetOrder(ctx context.Context, id string) (*core.Order, error) {
	var data string
	var checksum []byte
	err := s.db.QueryRowContext(ctx, `SELECT data, checksum FROM orders WHERE id = ?`, id).Scan(&data, &checksum)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("order %s not found", id)
		}
		return nil, fmt.Errorf("failed to read order %s: %w", id, err)
	}
	return decodeRow(data, checksum)
}

func (s *SQLiteStore) ListOrders(ctx context.Context) ([]*core.Order, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT data, checksum FROM orders ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list orders: %w", err)
	}
	defer rows.Close()

	var out []*core.Order
	for rows.Next() {
		var data string
		var checksum []byte
		if err := rows.Scan(&data, &checksum); err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		o, err := decodeRow(data, checksum)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func decodeRow(data string, storedChecksum []byte) (*core.Order, error) {
	computed := sha256.Sum256([]byte(data))
	if !bytes.Equal(storedChecksum, computed[:]) {
		return nil, fmt.Errorf("checksum verification failed: data corruption detected")
	}

	var o core.Order
	if err := json.Unmarshal([]byte(data), &o); err != nil {
		return nil, fmt.Errorf("failed to unmarshal order: %w", err)
	}
	return &o, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
