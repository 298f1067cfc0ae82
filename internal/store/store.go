// Package store persists registered addresses and encrypted messages in
// SQLite. It implements both the registry lookup and the archive write used
// by the relay pipeline, plus the provisioning queries behind the CLI.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"

	"github.com/shineum/mailvault/internal/email"
)

// Driver names accepted by Open.
const (
	DriverPure = "sqlite"  // modernc.org/sqlite, no cgo
	DriverCgo  = "sqlite3" // github.com/mattn/go-sqlite3
)

var (
	// ErrExists is returned when adding an address that is already registered.
	ErrExists = errors.New("address already registered")
	// ErrNotFound is returned when removing an address that is not registered.
	ErrNotFound = errors.New("address not registered")
)

// Store is safe for concurrent use. The pool is limited to one connection
// so in-memory databases are shared and writes are serialized.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path with the named
// driver and applies the schema. An empty driver selects DriverPure.
func Open(driver, path string) (*Store, error) {
	switch driver {
	case "":
		driver = DriverPure
	case DriverPure, DriverCgo:
	default:
		return nil, fmt.Errorf("unknown sqlite driver %q", driver)
	}

	db, err := sql.Open(driver, path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS email_addresses (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		address    TEXT NOT NULL UNIQUE,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS email_messages (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		email_id   INTEGER NOT NULL REFERENCES email_addresses(id),
		from_addr  TEXT NOT NULL,
		subject    TEXT NOT NULL,
		body       TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_email_messages_owner
		ON email_messages(email_id, id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Lookup returns the registered address equal to address, or nil and a nil
// error when there is none. The comparison is exact.
func (s *Store) Lookup(ctx context.Context, address string) (*email.RegisteredAddress, error) {
	var (
		a       email.RegisteredAddress
		created string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, address, created_at FROM email_addresses WHERE address = ?`,
		address,
	).Scan(&a.ID, &a.Address, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup %s: %w", address, err)
	}
	a.CreatedAt = parseTime(created)
	return &a, nil
}

// Insert archives msg and fills in its ID and CreatedAt.
func (s *Store) Insert(ctx context.Context, msg *email.StoredMessage) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO email_messages (email_id, from_addr, subject, body, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		msg.OwnerID, msg.From, msg.Subject, msg.EncryptedBody, now.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert message for %d: %w", msg.OwnerID, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("insert message for %d: %w", msg.OwnerID, err)
	}
	msg.ID = id
	msg.CreatedAt = now
	return nil
}

// AddAddress registers address (lower-cased) and returns the new row.
func (s *Store) AddAddress(ctx context.Context, address string) (*email.RegisteredAddress, error) {
	address = strings.ToLower(strings.TrimSpace(address))
	if address == "" {
		return nil, fmt.Errorf("empty address")
	}

	existing, err := s.Lookup(ctx, address)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, fmt.Errorf("%s: %w", address, ErrExists)
	}

	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO email_addresses (address, created_at) VALUES (?, ?)`,
		address, now.Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, fmt.Errorf("add %s: %w", address, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("add %s: %w", address, err)
	}
	return &email.RegisteredAddress{ID: id, Address: address, CreatedAt: now}, nil
}

// RemoveAddress unregisters address and deletes its archived messages.
func (s *Store) RemoveAddress(ctx context.Context, address string) error {
	address = strings.ToLower(strings.TrimSpace(address))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("remove %s: %w", address, err)
	}
	defer tx.Rollback()

	var id int64
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM email_addresses WHERE address = ?`, address,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", address, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("remove %s: %w", address, err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM email_messages WHERE email_id = ?`, id); err != nil {
		return fmt.Errorf("remove messages of %s: %w", address, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM email_addresses WHERE id = ?`, id); err != nil {
		return fmt.Errorf("remove %s: %w", address, err)
	}
	return tx.Commit()
}

// ListAddresses returns every registered address ordered by address.
func (s *Store) ListAddresses(ctx context.Context) ([]email.RegisteredAddress, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, address, created_at FROM email_addresses ORDER BY address`)
	if err != nil {
		return nil, fmt.Errorf("list addresses: %w", err)
	}
	defer rows.Close()

	var out []email.RegisteredAddress
	for rows.Next() {
		var (
			a       email.RegisteredAddress
			created string
		)
		if err := rows.Scan(&a.ID, &a.Address, &created); err != nil {
			return nil, fmt.Errorf("scan address: %w", err)
		}
		a.CreatedAt = parseTime(created)
		out = append(out, a)
	}
	return out, rows.Err()
}

// ListMessages returns up to limit messages owned by ownerID, newest
// first. A non-positive limit returns all of them.
func (s *Store) ListMessages(ctx context.Context, ownerID int64, limit int) ([]email.StoredMessage, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, email_id, from_addr, subject, body, created_at
		 FROM email_messages WHERE email_id = ?
		 ORDER BY id DESC LIMIT ?`,
		ownerID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list messages for %d: %w", ownerID, err)
	}
	defer rows.Close()

	var out []email.StoredMessage
	for rows.Next() {
		var (
			m       email.StoredMessage
			created string
		)
		if err := rows.Scan(&m.ID, &m.OwnerID, &m.From, &m.Subject, &m.EncryptedBody, &created); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.CreatedAt = parseTime(created)
		out = append(out, m)
	}
	return out, rows.Err()
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
