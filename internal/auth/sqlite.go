package auth

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	log "github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

// migrations are append-only; the schema_version table records how many have
// been applied. Never edit a released entry, always append a new one.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS tokens (
		provider          TEXT NOT NULL,
		account_id        TEXT NOT NULL,
		credential_blob   TEXT NOT NULL,
		label             TEXT NOT NULL DEFAULT '',
		is_active         INTEGER NOT NULL DEFAULT 0,
		created_at        INTEGER NOT NULL,
		last_refreshed_at INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (provider, account_id)
	)`,
	`ALTER TABLE tokens ADD COLUMN last_used INTEGER NOT NULL DEFAULT 0`,
}

// SQLiteStore is the file-backed TokenStore at ~/.byokey/tokens.db.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (and creates if needed) the token database at path and
// applies any pending migrations.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create token db dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open token db: %w", err)
	}
	// modernc sqlite serializes writes per connection; one writer avoids
	// SQLITE_BUSY under concurrent refreshes.
	db.SetMaxOpenConns(1)
	store := &SQLiteStore{db: db}
	if err = store.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`); err != nil {
		return fmt.Errorf("create schema_version: %w", err)
	}
	var version int
	row := s.db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_version`)
	if err := row.Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	for i := version; i < len(migrations); i++ {
		tx, err := s.db.Begin()
		if err != nil {
			return err
		}
		if _, err = tx.Exec(migrations[i]); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migration %d: %w", i+1, err)
		}
		if _, err = tx.Exec(`INSERT INTO schema_version (version) VALUES (?)`, i+1); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %d: %w", i+1, err)
		}
		if err = tx.Commit(); err != nil {
			return err
		}
		log.Debugf("token db migrated to version %d", i+1)
	}
	return nil
}

const recordColumns = `provider, account_id, credential_blob, label, is_active, created_at, last_refreshed_at, last_used`

func scanRecord(row interface{ Scan(...any) error }) (*Record, error) {
	var (
		rec                              Record
		blob                             string
		isActive                         int
		createdAt, refreshedAt, lastUsed int64
	)
	if err := row.Scan(&rec.Provider, &rec.AccountID, &blob, &rec.Label, &isActive, &createdAt, &refreshedAt, &lastUsed); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	cred, err := DecodeCredential([]byte(blob))
	if err != nil {
		return nil, fmt.Errorf("decode credential blob for %s/%s: %w", rec.Provider, rec.AccountID, err)
	}
	rec.Credential = cred
	rec.IsActive = isActive != 0
	rec.CreatedAt = time.Unix(createdAt, 0)
	if refreshedAt > 0 {
		rec.LastRefreshedAt = time.Unix(refreshedAt, 0)
	}
	if lastUsed > 0 {
		rec.LastUsed = time.Unix(lastUsed, 0)
	}
	return &rec, nil
}

// Get implements TokenStore.
func (s *SQLiteStore) Get(ctx context.Context, provider, accountID string) (*Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM tokens WHERE provider = ? AND account_id = ?`, provider, accountID)
	return scanRecord(row)
}

// GetActive implements TokenStore.
func (s *SQLiteStore) GetActive(ctx context.Context, provider string) (*Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM tokens WHERE provider = ? AND is_active = 1`, provider)
	return scanRecord(row)
}

// Put implements TokenStore.
func (s *SQLiteStore) Put(ctx context.Context, record *Record) error {
	blob, err := record.Credential.Encode()
	if err != nil {
		return fmt.Errorf("encode credential: %w", err)
	}
	createdAt := record.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	var refreshedAt, lastUsed int64
	if !record.LastRefreshedAt.IsZero() {
		refreshedAt = record.LastRefreshedAt.Unix()
	}
	if !record.LastUsed.IsZero() {
		lastUsed = record.LastUsed.Unix()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var count int
	if err = tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM tokens WHERE provider = ?`, record.Provider).Scan(&count); err != nil {
		return err
	}
	isActive := record.IsActive
	if count == 0 {
		isActive = true
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO tokens (provider, account_id, credential_blob, label, is_active, created_at, last_refreshed_at, last_used)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (provider, account_id) DO UPDATE SET
			credential_blob = excluded.credential_blob,
			label = excluded.label,
			last_refreshed_at = excluded.last_refreshed_at,
			last_used = excluded.last_used`,
		record.Provider, record.AccountID, string(blob), record.Label,
		boolToInt(isActive), createdAt.Unix(), refreshedAt, lastUsed)
	if err != nil {
		return err
	}
	return tx.Commit()
}

// Delete implements TokenStore.
func (s *SQLiteStore) Delete(ctx context.Context, provider, accountID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var wasActive int
	err = tx.QueryRowContext(ctx,
		`SELECT is_active FROM tokens WHERE provider = ? AND account_id = ?`, provider, accountID).Scan(&wasActive)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if _, err = tx.ExecContext(ctx,
		`DELETE FROM tokens WHERE provider = ? AND account_id = ?`, provider, accountID); err != nil {
		return err
	}
	if wasActive != 0 {
		_, err = tx.ExecContext(ctx, `
			UPDATE tokens SET is_active = 1 WHERE provider = ? AND account_id =
				(SELECT MIN(account_id) FROM tokens WHERE provider = ?)`, provider, provider)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

// ListAccounts implements TokenStore.
func (s *SQLiteStore) ListAccounts(ctx context.Context, provider string) ([]*Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM tokens WHERE provider = ? ORDER BY account_id`, provider)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []*Record
	for rows.Next() {
		rec, errScan := scanRecord(rows)
		if errScan != nil {
			return nil, errScan
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// SetActive implements TokenStore.
func (s *SQLiteStore) SetActive(ctx context.Context, provider, accountID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`UPDATE tokens SET is_active = 1 WHERE provider = ? AND account_id = ?`, provider, accountID)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	if _, err = tx.ExecContext(ctx,
		`UPDATE tokens SET is_active = 0 WHERE provider = ? AND account_id != ?`, provider, accountID); err != nil {
		return err
	}
	return tx.Commit()
}

// Touch implements TokenStore.
func (s *SQLiteStore) Touch(ctx context.Context, provider, accountID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tokens SET last_used = ? WHERE provider = ? AND account_id = ?`, at.Unix(), provider, accountID)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// Close implements TokenStore.
func (s *SQLiteStore) Close() error { return s.db.Close() }

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
