package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "orderbot/pkg/logx"
)

//go:embed migrations.sql
var migrations string

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One connection: SQLite serializes writers anyway, and ":memory:"
	// databases are per connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	for _, pragma := range []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()),
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			log.Debug("sqlite pragma failed", logx.String("pragma", pragma), logx.Err(err))
		}
	}

	if _, err := db.ExecContext(context.Background(), migrations); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	log.Debug("sqlite store opened", logx.String("path", path))
	return &sqliteStore{db: db, log: log}, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) AppendOrder(ctx context.Context, r OrderRecord) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO orders(order_id, class, source, bot_id, created_at, completed_at, turnaround_ms, instance)
		 VALUES(?,?,?,?,?,?,?,?)`,
		r.OrderID, r.Class, nullStr(r.Source), r.BotID,
		r.CreatedAt.UTC().Format(time.RFC3339Nano), r.CompletedAt.UTC().Format(time.RFC3339Nano),
		r.Turnaround().Milliseconds(), nullStr(r.Instance),
	)
	return s.wrap(err)
}

func (s *sqliteStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit(at, actor, action, bot_id, order_id, bots, detail, instance)
		 VALUES(?,?,?,?,?,?,?,?)`,
		e.At.UTC().Format(time.RFC3339Nano), nullStr(e.Actor), e.Action, e.BotID, e.OrderID, e.Bots,
		nullStr(e.Detail), nullStr(e.Instance),
	)
	return s.wrap(err)
}

func (s *sqliteStore) RecentOrders(ctx context.Context, limit int) ([]OrderRecord, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT order_id, class, source, bot_id, created_at, completed_at, instance
		 FROM orders ORDER BY rowid DESC LIMIT ?`, clampLimit(limit))
	if err != nil {
		return nil, s.wrap(err)
	}
	defer rows.Close()

	var out []OrderRecord
	for rows.Next() {
		var (
			r                  OrderRecord
			source, instance   sql.NullString
			created, completed string
		)
		if err := rows.Scan(&r.OrderID, &r.Class, &source, &r.BotID, &created, &completed, &instance); err != nil {
			return nil, err
		}
		r.Source, r.Instance = source.String, instance.String
		r.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		r.CompletedAt, _ = time.Parse(time.RFC3339Nano, completed)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) RecentAudit(ctx context.Context, limit int) ([]AuditEntry, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT at, actor, action, bot_id, order_id, bots, detail, instance
		 FROM audit ORDER BY id DESC LIMIT ?`, clampLimit(limit))
	if err != nil {
		return nil, s.wrap(err)
	}
	defer rows.Close()

	var out []AuditEntry
	for rows.Next() {
		var (
			e                       AuditEntry
			at                      string
			actor, detail, instance sql.NullString
			botID, orderID          sql.NullInt64
		)
		if err := rows.Scan(&at, &actor, &e.Action, &botID, &orderID, &e.Bots, &detail, &instance); err != nil {
			return nil, err
		}
		e.At, _ = time.Parse(time.RFC3339Nano, at)
		e.Actor, e.Detail, e.Instance = actor.String, detail.String, instance.String
		e.BotID, e.OrderID = int(botID.Int64), orderID.Int64
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *sqliteStore) wrap(err error) error {
	if errors.Is(err, sql.ErrConnDone) || (err != nil && strings.Contains(err.Error(), "database is closed")) {
		return ErrClosed
	}
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
