package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"time"

	"perp-ledger/internal/ledger"

	"github.com/ethereum/go-ethereum/common"
	_ "modernc.org/sqlite"
)

type Store struct {
	db *sql.DB
}

func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func initSchema(db *sql.DB) error {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS kv (key TEXT PRIMARY KEY, value TEXT NOT NULL)`); err != nil {
		return err
	}
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS closed_positions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		owner TEXT NOT NULL,
		collateral TEXT NOT NULL,
		direction TEXT NOT NULL,
		entry_price TEXT NOT NULL,
		close_price TEXT NOT NULL,
		notional TEXT NOT NULL,
		opened_at_ms INTEGER NOT NULL,
		closed_at_ms INTEGER NOT NULL,
		settled_value TEXT NOT NULL,
		closer TEXT NOT NULL,
		reason TEXT NOT NULL
	)`)
	return err
}

func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, err
	}
	return value, true, nil
}

func (s *Store) Set(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO kv (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	return err
}

func (s *Store) Delete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key)
	return err
}

func (s *Store) AppendClosed(ctx context.Context, record ledger.ClosedPosition) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO closed_positions (
		owner, collateral, direction, entry_price, close_price, notional,
		opened_at_ms, closed_at_ms, settled_value, closer, reason
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.Owner.Hex(),
		record.Collateral.String(),
		record.Direction.String(),
		record.EntryPrice.String(),
		record.ClosePrice.String(),
		record.Notional.String(),
		record.OpenedAt.UnixMilli(),
		record.ClosedAt.UnixMilli(),
		record.SettledValue.String(),
		record.Closer.Hex(),
		string(record.Reason),
	)
	return err
}

func (s *Store) ListClosed(ctx context.Context, limit int) ([]ledger.ClosedPosition, error) {
	query := `SELECT owner, collateral, direction, entry_price, close_price, notional,
		opened_at_ms, closed_at_ms, settled_value, closer, reason
		FROM closed_positions ORDER BY id DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ledger.ClosedPosition
	for rows.Next() {
		var (
			owner, collateral, direction, entryPrice, closePrice string
			notional, settledValue, closer, reason               string
			openedAtMS, closedAtMS                               int64
		)
		if err := rows.Scan(&owner, &collateral, &direction, &entryPrice, &closePrice,
			&notional, &openedAtMS, &closedAtMS, &settledValue, &closer, &reason); err != nil {
			return nil, err
		}
		record := ledger.ClosedPosition{
			Owner:    common.HexToAddress(owner),
			OpenedAt: time.UnixMilli(openedAtMS),
			ClosedAt: time.UnixMilli(closedAtMS),
			Closer:   common.HexToAddress(closer),
			Reason:   ledger.CloseReason(reason),
		}
		if direction == ledger.Short.String() {
			record.Direction = ledger.Short
		}
		var convErr error
		if record.Collateral, convErr = parseAmount(collateral); convErr != nil {
			return nil, convErr
		}
		if record.EntryPrice, convErr = parseAmount(entryPrice); convErr != nil {
			return nil, convErr
		}
		if record.ClosePrice, convErr = parseAmount(closePrice); convErr != nil {
			return nil, convErr
		}
		if record.Notional, convErr = parseAmount(notional); convErr != nil {
			return nil, convErr
		}
		if record.SettledValue, convErr = parseAmount(settledValue); convErr != nil {
			return nil, convErr
		}
		out = append(out, record)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// Rows come back newest first; callers expect oldest first.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func parseAmount(raw string) (*big.Int, error) {
	value, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return nil, fmt.Errorf("malformed stored amount %q", raw)
	}
	return value, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}
