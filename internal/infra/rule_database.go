package infra

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	sqlcipher "github.com/mutecomm/go-sqlcipher/v4"

	"github.com/eliteGoblin/winmend/internal/domain"
	"github.com/eliteGoblin/winmend/internal/rules"
)

const (
	keyFileSuffix = ".key"
	keySize       = 32 // 256-bit SQLCipher key
)

// RuleDatabase implements domain.RuleRepository on SQLite through the
// SQLCipher driver. With a key the file is encrypted; without one it is a
// plain SQLite database.
type RuleDatabase struct {
	db     *sql.DB
	dbPath string
}

// OpenRuleDatabase opens (or creates) the rule database at dbPath.
// A nil key opens it unencrypted.
func OpenRuleDatabase(dbPath string, key []byte) (*RuleDatabase, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dsn := dbPath
	if len(key) > 0 {
		dsn = fmt.Sprintf("%s?_pragma_key=x'%s'&_pragma_cipher_page_size=4096", dbPath, hex.EncodeToString(key))
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open rule database: %w", err)
	}
	// One writer at a time keeps SQLite from returning SQLITE_BUSY
	db.SetMaxOpenConns(1)

	// A wrong key only surfaces on first access
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to rule database: %w", err)
	}

	rdb := &RuleDatabase{db: db, dbPath: dbPath}
	if err := rdb.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return rdb, nil
}

// OpenEncryptedRuleDatabase opens the database with the key kept at
// KeyPath(dbPath), generating the key on first use.
func OpenEncryptedRuleDatabase(dbPath string) (*RuleDatabase, error) {
	key, err := loadOrCreateKey(KeyPath(dbPath))
	if err != nil {
		return nil, fmt.Errorf("failed to load rule database key: %w", err)
	}
	return OpenRuleDatabase(dbPath, key)
}

// KeyPath returns the key file of the database at dbPath.
func KeyPath(dbPath string) string {
	return dbPath + keyFileSuffix
}

// loadOrCreateKey reads the hex key at path. A missing file gets a fresh
// random key, written owner-only.
func loadOrCreateKey(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		key, decodeErr := hex.DecodeString(strings.TrimSpace(string(data)))
		if decodeErr != nil || len(key) != keySize {
			return nil, fmt.Errorf("malformed key file %s", path)
		}
		return key, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}

	key := make([]byte, keySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create key directory: %w", err)
	}

	// O_EXCL: a concurrent first open must not write a second key
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if errors.Is(err, os.ErrExist) {
		return loadOrCreateKey(path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create key file: %w", err)
	}
	defer f.Close()

	if _, err := f.WriteString(hex.EncodeToString(key) + "\n"); err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("failed to write key file: %w", err)
	}
	return key, nil
}

func (r *RuleDatabase) createTables() error {
	schema := `
	CREATE TABLE IF NOT EXISTS rules (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		signature TEXT NOT NULL UNIQUE,
		tool TEXT NOT NULL,
		argument TEXT NOT NULL,
		confidence REAL NOT NULL,
		created_at INTEGER NOT NULL
	);
	`
	_, err := r.db.Exec(schema)
	return err
}

// Path returns the database file path.
func (r *RuleDatabase) Path() string {
	return r.dbPath
}

// List returns all rules ordered by insertion.
func (r *RuleDatabase) List(ctx context.Context) ([]domain.Rule, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT signature, tool, argument, confidence FROM rules ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Rule
	for rows.Next() {
		var rule domain.Rule
		var tool string
		if err := rows.Scan(&rule.Signature, &tool, &rule.Argument, &rule.Confidence); err != nil {
			return nil, err
		}
		rule.Kind = domain.ToolKind(tool)
		out = append(out, rule)
	}
	return out, rows.Err()
}

// Count returns the number of stored rules.
func (r *RuleDatabase) Count(ctx context.Context) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM rules`).Scan(&n)
	return n, err
}

// Insert appends one rule.
func (r *RuleDatabase) Insert(ctx context.Context, rule domain.Rule) error {
	rule, err := rules.Normalize(rule)
	if err != nil {
		return err
	}
	return insertRule(ctx, r.db, rule)
}

// Import appends rules in order inside one transaction. Signatures that
// already exist are skipped. Any invalid rule rolls back the whole import.
func (r *RuleDatabase) Import(ctx context.Context, rs []domain.Rule) (int, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	inserted := 0
	for _, rule := range rs {
		rule, err := rules.Normalize(rule)
		if err != nil {
			return 0, err
		}
		err = insertRule(ctx, tx, rule)
		if errors.Is(err, domain.ErrDuplicateSignature) {
			continue
		}
		if err != nil {
			return 0, err
		}
		inserted++
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return inserted, nil
}

// Seed imports the built-in rules. Existing signatures are left untouched.
func (r *RuleDatabase) Seed(ctx context.Context) (int, error) {
	return r.Import(ctx, rules.Seed())
}

// Table loads the stored rules into an in-memory table for matching.
func (r *RuleDatabase) Table(ctx context.Context) (*rules.Table, error) {
	rs, err := r.List(ctx)
	if err != nil {
		return nil, err
	}
	return rules.NewTable(rs...)
}

// Close releases the database connection.
func (r *RuleDatabase) Close() error {
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertRule(ctx context.Context, ex execer, rule domain.Rule) error {
	_, err := ex.ExecContext(ctx,
		`INSERT INTO rules (signature, tool, argument, confidence, created_at) VALUES (?, ?, ?, ?, ?)`,
		rule.Signature, string(rule.Kind), rule.Argument, rule.Confidence, time.Now().Unix(),
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %q", domain.ErrDuplicateSignature, rule.Signature)
	}
	return err
}

func isUniqueViolation(err error) bool {
	var sqlErr sqlcipher.Error
	if errors.As(err, &sqlErr) {
		return sqlErr.ExtendedCode == sqlcipher.ErrConstraintUnique
	}
	return false
}

// Ensure RuleDatabase implements domain.RuleRepository.
var _ domain.RuleRepository = (*RuleDatabase)(nil)
