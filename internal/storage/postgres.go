package storage

import (
	"context"
	"database/sql"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
)

type postgresStore struct {
	baseStore
	dsn         string
	skipMigrate bool
}

func NewPostgres(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "postgres://localhost:5432/examguard?sslmode=disable"
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return &postgresStore{baseStore: baseStore{db: db, rebind: dollarRebind}, dsn: dsn}, nil
}

// Init applies the embedded migrations unless they are run out of band with the
// migrate subcommand.
func (s *postgresStore) Init(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	if err := s.db.PingContext(ctx); err != nil {
		return err
	}
	if s.skipMigrate {
		return nil
	}
	return Migrate(s.dsn, "up")
}
