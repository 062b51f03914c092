package sqlite

import (
	"context"
	"database/sql"
	"errors"

	_ "modernc.org/sqlite"

	"option-range-bot/internal/state"
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
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS positions (market TEXT PRIMARY KEY, payload BLOB NOT NULL)`)
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

func (s *Store) LoadPositions(ctx context.Context, market string) ([]state.RangeOrderPosition, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM positions WHERE market = ?`, market).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return state.DecodePositions(payload)
}

func (s *Store) SavePositions(ctx context.Context, market string, positions []state.RangeOrderPosition) error {
	payload, err := state.EncodePositions(positions)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO positions (market, payload) VALUES (?, ?) ON CONFLICT(market) DO UPDATE SET payload = excluded.payload`, market, payload)
	return err
}

func (s *Store) Close() error {
	return s.db.Close()
}
