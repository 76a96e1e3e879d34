package postgres

import (
	"context"
	"errors"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hamlet/api/internal/config"
	"github.com/hamlet/api/internal/store"
)

// Store implements store.Store on a pgx connection pool.
type Store struct {
	config      *config.DatabaseConfig
	conn        *pgxpool.Pool
	exportStore store.ExportStore
	mediaStore  store.MediaStore
}

func New(cfg *config.DatabaseConfig) *Store {
	return &Store{config: cfg}
}

func (s *Store) Exports() store.ExportStore {
	if s.exportStore == nil {
		s.exportStore = &ExportJobStore{storage: s}
	}
	return s.exportStore
}

func (s *Store) Media() store.MediaStore {
	if s.mediaStore == nil {
		s.mediaStore = &MediaMetadataStore{storage: s}
	}
	return s.mediaStore
}

// Database returns the pool or an error if the connection is not opened.
func (s *Store) Database() (*pgxpool.Pool, error) {
	if s.conn == nil {
		return nil, errors.New("database connection is not opened")
	}
	return s.conn, nil
}

func (s *Store) Open() error {
	cfg, err := pgxpool.ParseConfig(s.config.URL)
	if err != nil {
		return err
	}
	conn, err := pgxpool.NewWithConfig(context.Background(), cfg)
	if err != nil {
		return err
	}
	s.conn = conn
	slog.Debug("store: postgres connection opened")
	return nil
}

func (s *Store) Close() error {
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
		slog.Debug("store: postgres connection closed")
	}
	return nil
}

// Ping verifies connectivity, used by the health endpoint.
func (s *Store) Ping(ctx context.Context) error {
	db, err := s.Database()
	if err != nil {
		return err
	}
	return db.Ping(ctx)
}
