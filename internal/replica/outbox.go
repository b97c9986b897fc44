package replica

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"
)

// ErrOutboxFull is returned when the outbox holds MaxPending mutations.
var ErrOutboxFull = errors.New("outbox is full")

// Pending is a mutation applied locally and not yet confirmed by the server.
type Pending struct {
	ID        int64           `json:"id"`
	Name      string          `json:"name"`
	Args      json.RawMessage `json:"args"`
	CreatedAt time.Time       `json:"created_at"`
}

// Outbox persists pending mutations across restarts. Mutation ids
// increase by one without gaps, also across acknowledgements.
type Outbox interface {
	// LastID returns the highest mutation id ever appended.
	LastID(ctx context.Context) (int64, error)
	// Append stores a mutation whose id is LastID()+1.
	Append(ctx context.Context, p *Pending) error
	// List returns pending mutations in id order.
	List(ctx context.Context) ([]*Pending, error)
	// Ack removes every mutation with id <= upTo.
	Ack(ctx context.Context, upTo int64) error
	Count(ctx context.Context) (int, error)
	Close() error
}

// SQLiteOutbox implements Outbox using SQLite for local persistence.
type SQLiteOutbox struct {
	db         *sql.DB
	maxPending int
	logger     zerolog.Logger
}

// NewSQLiteOutbox opens or creates the outbox database at path.
func NewSQLiteOutbox(path string, maxPending int, logger zerolog.Logger) (*SQLiteOutbox, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create outbox directory: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// Id allocation reads and writes the counter in one transaction.
	db.SetMaxOpenConns(1)

	o := &SQLiteOutbox{
		db:         db,
		maxPending: maxPending,
		logger:     logger.With().Str("component", "outbox").Logger(),
	}

	if err := o.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	o.logger.Debug().Str("path", path).Msg("outbox database initialized")

	return o, nil
}

func (o *SQLiteOutbox) migrate() error {
	schema := `
		CREATE TABLE IF NOT EXISTS pending_mutations (
			id INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			args TEXT NOT NULL,
			created_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS outbox_metadata (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);
	`

	_, err := o.db.Exec(schema)
	return err
}

const lastIDKey = "last_mutation_id"

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func lastID(ctx context.Context, q queryRower) (int64, error) {
	var value string
	err := q.QueryRowContext(ctx, "SELECT value FROM outbox_metadata WHERE key = ?", lastIDKey).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read last mutation id: %w", err)
	}
	id, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse last mutation id %q: %w", value, err)
	}
	return id, nil
}

// LastID implements Outbox.
func (o *SQLiteOutbox) LastID(ctx context.Context) (int64, error) {
	return lastID(ctx, o.db)
}

// Append implements Outbox.
func (o *SQLiteOutbox) Append(ctx context.Context, p *Pending) error {
	tx, err := o.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if o.maxPending > 0 {
		var count int
		if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM pending_mutations").Scan(&count); err != nil {
			return fmt.Errorf("count pending mutations: %w", err)
		}
		if count >= o.maxPending {
			return ErrOutboxFull
		}
	}

	last, err := lastID(ctx, tx)
	if err != nil {
		return err
	}
	if p.ID != last+1 {
		return fmt.Errorf("mutation id %d does not follow %d", p.ID, last)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO outbox_metadata (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, lastIDKey, strconv.FormatInt(p.ID, 10)); err != nil {
		return fmt.Errorf("store last mutation id: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		"INSERT INTO pending_mutations (id, name, args, created_at) VALUES (?, ?, ?, ?)",
		p.ID, p.Name, string(p.Args), p.CreatedAt.UTC().Format(time.RFC3339Nano),
	); err != nil {
		return fmt.Errorf("insert pending mutation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// List implements Outbox.
func (o *SQLiteOutbox) List(ctx context.Context) ([]*Pending, error) {
	rows, err := o.db.QueryContext(ctx, "SELECT id, name, args, created_at FROM pending_mutations ORDER BY id ASC")
	if err != nil {
		return nil, fmt.Errorf("list pending mutations: %w", err)
	}
	defer rows.Close()

	var pending []*Pending
	for rows.Next() {
		var (
			p         Pending
			args      string
			createdAt string
		)
		if err := rows.Scan(&p.ID, &p.Name, &args, &createdAt); err != nil {
			return nil, fmt.Errorf("scan pending mutation: %w", err)
		}
		p.Args = json.RawMessage(args)
		if p.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
			return nil, fmt.Errorf("parse created_at of mutation %d: %w", p.ID, err)
		}
		pending = append(pending, &p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pending mutations: %w", err)
	}
	return pending, nil
}

// Ack implements Outbox.
func (o *SQLiteOutbox) Ack(ctx context.Context, upTo int64) error {
	result, err := o.db.ExecContext(ctx, "DELETE FROM pending_mutations WHERE id <= ?", upTo)
	if err != nil {
		return fmt.Errorf("ack pending mutations: %w", err)
	}
	if n, err := result.RowsAffected(); err == nil && n > 0 {
		o.logger.Debug().Int64("up_to", upTo).Int64("removed", n).Msg("pending mutations acknowledged")
	}
	return nil
}

// Count implements Outbox.
func (o *SQLiteOutbox) Count(ctx context.Context) (int, error) {
	var count int
	if err := o.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM pending_mutations").Scan(&count); err != nil {
		return 0, fmt.Errorf("count pending mutations: %w", err)
	}
	return count, nil
}

// Close closes the database connection.
func (o *SQLiteOutbox) Close() error {
	return o.db.Close()
}
