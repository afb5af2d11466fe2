package prefs

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/pressly/goose/v3"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store is the SQLite backed preferences table.
type Store struct {
	db       *sql.DB
	defaults Defaults
	log      *slog.Logger
}

// Open opens (creating if needed) the database at path and migrates it.
func Open(ctx context.Context, path string, defaults Defaults, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// one writer; the prefs api and the brain share the file
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if err := migrate(ctx, db, logger); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db, defaults: defaults, log: logger.With(slog.String("component", "prefs"))}, nil
}

func migrate(ctx context.Context, db *sql.DB, logger *slog.Logger) error {
	fsys, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return err
	}
	provider, err := goose.NewProvider(goose.DialectSQLite3, db, fsys)
	if err != nil {
		return fmt.Errorf("migrations: %w", err)
	}
	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	for _, r := range results {
		logger.Debug("migration applied", slog.String("source", r.Source.Path), slog.Duration("took", r.Duration))
	}
	return nil
}

func (s *Store) Close() error { return s.db.Close() }

// DB exposes the handle for the ledger sharing this file.
func (s *Store) DB() *sql.DB { return s.db }

// Get returns the user's preferences with unset keys filled from defaults.
func (s *Store) Get(ctx context.Context, userID string) (Preferences, error) {
	if userID == "" {
		return Preferences{}, errors.New("user id is required")
	}
	var cols [6]sql.NullString
	row := s.db.QueryRowContext(ctx, `SELECT `+columnList()+` FROM user_preferences WHERE user_id = ?`, userID)
	err := row.Scan(&cols[0], &cols[1], &cols[2], &cols[3], &cols[4], &cols[5])
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return Preferences{}, fmt.Errorf("get preferences: %w", err)
	}

	p := Preferences{UserID: userID}
	for i, k := range Keys {
		v := strings.TrimSpace(cols[i].String)
		if !cols[i].Valid || v == "" {
			def, err := s.defaults.Get(k)
			if err != nil {
				return Preferences{}, err
			}
			v = def
		}
		*p.field(k) = v
	}
	return p, nil
}

// Prompt returns one resolved preference.
func (s *Store) Prompt(ctx context.Context, userID string, k Key) (string, error) {
	p, err := s.Get(ctx, userID)
	if err != nil {
		return "", err
	}
	return p.Get(k), nil
}

// Update upserts the non-nil fields of u.
func (s *Store) Update(ctx context.Context, userID string, u Update) error {
	if userID == "" {
		return errors.New("user id is required")
	}
	if u.Empty() {
		return nil
	}
	var (
		sets []string
		args = []any{userID}
	)
	for i, v := range u.values() {
		if v == nil {
			continue
		}
		col := string(Keys[i])
		sets = append(sets, col+" = excluded."+col)
		args = append(args, *v)
	}
	insertCols := []string{"user_id"}
	for i, v := range u.values() {
		if v != nil {
			insertCols = append(insertCols, string(Keys[i]))
		}
	}
	q := `INSERT INTO user_preferences (` + strings.Join(insertCols, ", ") + `)
VALUES (?` + strings.Repeat(", ?", len(insertCols)-1) + `)
ON CONFLICT(user_id) DO UPDATE SET ` + strings.Join(sets, ", ") + `, updated_at = unixepoch()`
	if _, err := s.db.ExecContext(ctx, q, args...); err != nil {
		return fmt.Errorf("update preferences: %w", err)
	}
	s.log.Info("preferences updated", slog.String("user_id", userID), slog.Int("fields", len(sets)))
	return nil
}

// Clear drops every stored value for the user.
func (s *Store) Clear(ctx context.Context, userID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM user_preferences WHERE user_id = ?`, userID); err != nil {
		return fmt.Errorf("clear preferences: %w", err)
	}
	s.log.Info("preferences cleared", slog.String("user_id", userID))
	return nil
}

func columnList() string {
	cols := make([]string, len(Keys))
	for i, k := range Keys {
		cols[i] = string(k)
	}
	return strings.Join(cols, ", ")
}
