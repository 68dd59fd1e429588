package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/codefionn/umleitung/umleitung-srv/logger"
	"github.com/codefionn/umleitung/umleitung-srv/rules"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

const createRulesTable = `
CREATE TABLE IF NOT EXISTS rules (
	id         VARCHAR(64) PRIMARY KEY,
	seq        BIGINT NOT NULL,
	name       TEXT NOT NULL,
	grp        TEXT NOT NULL DEFAULT '',
	data       TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
)`

const createRulesSeqIndex = `CREATE INDEX IF NOT EXISTS idx_rules_seq ON rules(seq)`

// The full rule document lives in data; the other columns are kept for
// inspection with SQL tooling.
const upsertRule = `
INSERT INTO rules (id, seq, name, grp, data, created_at, updated_at)
VALUES (:id, :seq, :name, :grp, :data, :created_at, :updated_at)
ON CONFLICT (id) DO UPDATE SET
	seq = excluded.seq,
	name = excluded.name,
	grp = excluded.grp,
	data = excluded.data,
	updated_at = excluded.updated_at`

type ruleRow struct {
	ID        string    `db:"id"`
	Seq       int64     `db:"seq"`
	Name      string    `db:"name"`
	Group     string    `db:"grp"`
	Data      string    `db:"data"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

// SQLPersister stores rules in SQLite or PostgreSQL through sqlx.
type SQLPersister struct {
	db *sqlx.DB
}

// NewSQLitePersister opens the SQLite database at path.
func NewSQLitePersister(ctx context.Context, path string) (*SQLPersister, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite storage requires a path")
	}
	db, err := sqlx.ConnectContext(ctx, "sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}

	if path != ":memory:" {
		if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to set WAL mode: %w", err)
		}
	} else {
		// every connection of an in-memory database sees its own database
		db.SetMaxOpenConns(1)
	}

	p := &SQLPersister{db: db}
	if err := p.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	logger.Debug("Initialized rule store sqlite (%s)", path)
	return p, nil
}

// NewPostgresPersister connects to the PostgreSQL database described by dsn.
func NewPostgresPersister(ctx context.Context, dsn string) (*SQLPersister, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres storage requires a dsn")
	}
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	p := &SQLPersister{db: db}
	if err := p.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	logger.Debug("Initialized rule store postgresql")
	return p, nil
}

func (p *SQLPersister) initSchema(ctx context.Context) error {
	for _, stmt := range []string{createRulesTable, createRulesSeqIndex} {
		if _, err := p.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to initialize rule schema: %w", err)
		}
	}
	return nil
}

func (p *SQLPersister) Load(ctx context.Context) ([]*rules.Rule, error) {
	var rows []ruleRow
	if err := p.db.SelectContext(ctx, &rows, `SELECT id, seq, name, grp, data, created_at, updated_at FROM rules ORDER BY seq`); err != nil {
		return nil, fmt.Errorf("failed to load rules: %w", err)
	}

	out := make([]*rules.Rule, 0, len(rows))
	for _, row := range rows {
		var r rules.Rule
		if err := json.Unmarshal([]byte(row.Data), &r); err != nil {
			logger.Error("Skipping unreadable rule %s: %v", row.ID, err)
			continue
		}
		r.ID, r.Seq = row.ID, row.Seq
		out = append(out, &r)
	}
	return out, nil
}

func (p *SQLPersister) Save(ctx context.Context, list ...*rules.Rule) error {
	if len(list) == 0 {
		return nil
	}

	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, r := range list {
		data, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("failed to encode rule %s: %w", r.ID, err)
		}
		row := ruleRow{
			ID:        r.ID,
			Seq:       r.Seq,
			Name:      r.Name,
			Group:     r.Group,
			Data:      string(data),
			CreatedAt: r.CreatedAt.UTC(),
			UpdatedAt: r.UpdatedAt.UTC(),
		}
		if _, err := tx.NamedExecContext(ctx, upsertRule, row); err != nil {
			return fmt.Errorf("failed to save rule %s: %w", r.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit rules: %w", err)
	}
	return nil
}

func (p *SQLPersister) Delete(ctx context.Context, id string) error {
	if _, err := p.db.ExecContext(ctx, p.db.Rebind(`DELETE FROM rules WHERE id = ?`), id); err != nil {
		return fmt.Errorf("failed to delete rule %s: %w", id, err)
	}
	return nil
}

func (p *SQLPersister) Close() error {
	return p.db.Close()
}
