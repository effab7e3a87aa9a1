package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS records (
	collection TEXT NOT NULL,
	id         TEXT NOT NULL,
	content    BLOB NOT NULL,
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (collection, id)
);
CREATE INDEX IF NOT EXISTS records_id ON records (id);
`

// sqlitePage bounds how many ids List fetches per query. Rows are closed
// before yielding so callers may use the store inside the loop.
const sqlitePage = 100

// SQLite keeps every record in one table; Move is a single-row UPDATE of the
// collection column, so it is atomic by construction.
type SQLite struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLite opens (creating if needed) a SQLite-backed store at path.
func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	// SQLite has a single writer; one connection avoids SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = FULL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("execute %q: %w", p, err)
		}
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &SQLite{db: db, now: time.Now}, nil
}

func (s *SQLite) Create(ctx context.Context, collection, id string, content []byte) error {
	if err := validate(collection, id); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO records (collection, id, content, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (collection, id) DO NOTHING`,
		collection, id, content, s.now().UnixNano())
	if err != nil {
		return fmt.Errorf("insert %s/%s: %w", collection, id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%s/%s: %w", collection, id, ErrAlreadyExists)
	}
	return nil
}

func (s *SQLite) Replace(ctx context.Context, collection, id string, content []byte) error {
	if err := validate(collection, id); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE records SET content = ?, updated_at = ? WHERE collection = ? AND id = ?`,
		content, s.now().UnixNano(), collection, id)
	if err != nil {
		return fmt.Errorf("update %s/%s: %w", collection, id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%s/%s: %w", collection, id, ErrNotFound)
	}
	return nil
}

func (s *SQLite) Read(ctx context.Context, collection, id string) ([]byte, error) {
	if err := validate(collection, id); err != nil {
		return nil, err
	}
	var content []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT content FROM records WHERE collection = ? AND id = ?`, collection, id).Scan(&content)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s/%s: %w", collection, id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read %s/%s: %w", collection, id, err)
	}
	return content, nil
}

func (s *SQLite) Move(ctx context.Context, id, from, to string) error {
	if err := validate(from, id); err != nil {
		return err
	}
	if err := validate(to, id); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin move: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var one int
	err = tx.QueryRowContext(ctx,
		`SELECT 1 FROM records WHERE collection = ? AND id = ?`, to, id).Scan(&one)
	if err == nil {
		return fmt.Errorf("%s/%s: %w", to, id, ErrAlreadyExists)
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("check move target: %w", err)
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE records SET collection = ?, updated_at = ? WHERE collection = ? AND id = ?`,
		to, s.now().UnixNano(), from, id)
	if err != nil {
		return fmt.Errorf("move %s %s→%s: %w", id, from, to, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%s/%s: %w", from, id, ErrNotFound)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit move: %w", err)
	}
	return nil
}

func (s *SQLite) List(ctx context.Context, collection string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		if !collectionRegex.MatchString(collection) {
			yield("", fmt.Errorf("invalid collection %q", collection))
			return
		}
		after := ""
		for {
			page, err := s.page(ctx, collection, after)
			if err != nil {
				yield("", err)
				return
			}
			for _, id := range page {
				if !yield(id, nil) {
					return
				}
			}
			if len(page) < sqlitePage {
				return
			}
			after = page[len(page)-1]
		}
	}
}

func (s *SQLite) page(ctx context.Context, collection, after string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM records WHERE collection = ? AND id > ? ORDER BY id LIMIT ?`,
		collection, after, sqlitePage)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", collection, err)
	}
	defer func() { _ = rows.Close() }()

	ids := make([]string, 0, sqlitePage)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan %s: %w", collection, err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *SQLite) Delete(ctx context.Context, collection, id string) error {
	if err := validate(collection, id); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM records WHERE collection = ? AND id = ?`, collection, id)
	if err != nil {
		return fmt.Errorf("delete %s/%s: %w", collection, id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%s/%s: %w", collection, id, ErrNotFound)
	}
	return nil
}

// Recover runs SQLite's own consistency check; transactions already make
// every write all-or-nothing.
func (s *SQLite) Recover(ctx context.Context) (RecoveryReport, error) {
	var result string
	if err := s.db.QueryRowContext(ctx, "PRAGMA quick_check").Scan(&result); err != nil {
		return RecoveryReport{}, fmt.Errorf("quick_check: %w", err)
	}
	if result != "ok" {
		return RecoveryReport{}, fmt.Errorf("quick_check: %s", result)
	}
	return RecoveryReport{}, nil
}

func (s *SQLite) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}
