package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/fwhy/mailhits/internal/sse"
)

// ErrNotFound is returned when the requested email or attachment does not
// exist, including after a Clear.
var ErrNotFound = errors.New("not found")

// Store keeps every captured email for the lifetime of the process and
// publishes each insert to live subscribers. The default path is the
// in-memory database; nothing survives a restart unless the operator
// points the path at a file.
type Store struct {
	db  *sql.DB
	hub *sse.Hub

	// mu serializes Insert so subscribers observe events in the exact
	// order emails become visible to reads.
	mu sync.Mutex
}

func Open(ctx context.Context, path string) (*Store, error) {
	trimmed := strings.TrimSpace(path)
	inMemory := false
	if trimmed == "" {
		trimmed = ":memory:"
		inMemory = true
	}
	if strings.Contains(trimmed, "mode=memory") || trimmed == ":memory:" || trimmed == "file::memory:" {
		inMemory = true
	}
	db, err := sql.Open("sqlite", trimmed)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON;"); err != nil {
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	if !inMemory {
		if _, err := db.ExecContext(ctx, "PRAGMA journal_mode = WAL;"); err != nil {
			return nil, fmt.Errorf("enable WAL: %w", err)
		}
	}
	return &Store{db: db, hub: sse.NewHub()}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	statements := []string{
		// seq orders emails by insertion; AUTOINCREMENT keeps attachment
		// ids from ever being reused after a delete or clear.
		`CREATE TABLE IF NOT EXISTS emails (
            seq INTEGER PRIMARY KEY AUTOINCREMENT,
            id TEXT NOT NULL UNIQUE,
            from_addr TEXT NOT NULL,
            subject TEXT NOT NULL,
            text_body TEXT,
            html_body TEXT,
            raw BLOB NOT NULL,
            raw_size INTEGER NOT NULL,
            received_at INTEGER NOT NULL
        );`,
		`CREATE TABLE IF NOT EXISTS recipients (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            email_id TEXT NOT NULL,
            position INTEGER NOT NULL,
            address TEXT NOT NULL,
            FOREIGN KEY(email_id) REFERENCES emails(id) ON DELETE CASCADE
        );`,
		`CREATE TABLE IF NOT EXISTS headers (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            email_id TEXT NOT NULL,
            position INTEGER NOT NULL,
            name TEXT NOT NULL,
            value TEXT NOT NULL,
            FOREIGN KEY(email_id) REFERENCES emails(id) ON DELETE CASCADE
        );`,
		`CREATE TABLE IF NOT EXISTS attachments (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            email_id TEXT NOT NULL,
            filename TEXT NOT NULL,
            content_type TEXT NOT NULL,
            data BLOB NOT NULL,
            size INTEGER NOT NULL,
            FOREIGN KEY(email_id) REFERENCES emails(id) ON DELETE CASCADE
        );`,
		`CREATE INDEX IF NOT EXISTS idx_recipients_email ON recipients(email_id);`,
		`CREATE INDEX IF NOT EXISTS idx_headers_email ON headers(email_id);`,
		`CREATE INDEX IF NOT EXISTS idx_attachments_email ON attachments(email_id);`,
	}

	for _, statement := range statements {
		if _, err := s.db.ExecContext(ctx, statement); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

// Insert stores the email, assigns its attachment ids and received
// timestamp, and publishes the event to every subscriber. Emails become
// visible to reads and to subscribers in the same system-wide order.
func (s *Store) Insert(ctx context.Context, email *Email) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Stamping under the lock keeps received_at non-decreasing in
	// insertion order.
	email.ReceivedAt = time.Now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `INSERT INTO emails
        (id, from_addr, subject, text_body, html_body, raw, raw_size, received_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?);`,
		email.ID,
		email.From,
		email.Subject,
		email.TextBody,
		email.HTMLBody,
		email.Raw,
		email.RawSize,
		email.ReceivedAt.UnixNano(),
	)
	if err != nil {
		return "", fmt.Errorf("insert email: %w", err)
	}

	for i, address := range email.To {
		_, err = tx.ExecContext(ctx, `INSERT INTO recipients (email_id, position, address)
            VALUES (?, ?, ?);`, email.ID, i, address)
		if err != nil {
			return "", fmt.Errorf("insert recipient: %w", err)
		}
	}

	for i, header := range email.Headers {
		_, err = tx.ExecContext(ctx, `INSERT INTO headers (email_id, position, name, value)
            VALUES (?, ?, ?, ?);`, email.ID, i, header.Name, header.Value)
		if err != nil {
			return "", fmt.Errorf("insert header: %w", err)
		}
	}

	for i := range email.Attachments {
		attachment := &email.Attachments[i]
		result, err := tx.ExecContext(ctx, `INSERT INTO attachments
            (email_id, filename, content_type, data, size)
            VALUES (?, ?, ?, ?, ?);`,
			email.ID,
			attachment.Filename,
			attachment.ContentType,
			attachment.Content,
			attachment.Size,
		)
		if err != nil {
			return "", fmt.Errorf("insert attachment: %w", err)
		}
		id, err := result.LastInsertId()
		if err != nil {
			return "", fmt.Errorf("insert attachment: %w", err)
		}
		attachment.ID = id
		attachment.EmailID = email.ID
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit email: %w", err)
	}

	s.hub.Broadcast(buildEvent(email))
	return email.ID, nil
}

// Subscribe registers a live viewer. The channel yields one JSON event per
// subsequently inserted email; the caller must invoke the returned cancel
// function when done.
func (s *Store) Subscribe() (<-chan []byte, func()) {
	return s.hub.Subscribe()
}

// Get returns the email with the given id. Attachment content is not
// loaded; use GetAttachment for the bytes.
func (s *Store) Get(ctx context.Context, id string) (*Email, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, from_addr, subject, text_body, html_body, raw, raw_size, received_at
        FROM emails WHERE id = ?;`, id)
	email, err := scanEmail(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get email: %w", err)
	}
	if err := s.loadDetails(ctx, []*Email{email}); err != nil {
		return nil, err
	}
	return email, nil
}

// List returns a snapshot of every stored email in insertion order.
func (s *Store) List(ctx context.Context) ([]*Email, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, from_addr, subject, text_body, html_body, raw, raw_size, received_at
        FROM emails ORDER BY seq;`)
	if err != nil {
		return nil, fmt.Errorf("list emails: %w", err)
	}
	defer rows.Close()

	var emails []*Email
	for rows.Next() {
		email, err := scanEmail(rows)
		if err != nil {
			return nil, fmt.Errorf("list emails: %w", err)
		}
		emails = append(emails, email)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list emails: %w", err)
	}
	if err := s.loadDetails(ctx, emails); err != nil {
		return nil, err
	}
	return emails, nil
}

// Delete removes a single email. It reports whether anything was deleted.
func (s *Store) Delete(ctx context.Context, id string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM emails WHERE id = ?;`, id)
	if err != nil {
		return false, fmt.Errorf("delete email: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete email: %w", err)
	}
	return rows > 0, nil
}

// Clear removes every stored email. Ids issued before the clear are never
// reassigned.
func (s *Store) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM emails;`); err != nil {
		return fmt.Errorf("clear emails: %w", err)
	}
	return nil
}

// GetAttachment returns one attachment of the given email with its content.
func (s *Store) GetAttachment(ctx context.Context, emailID string, attachmentID int64) (Attachment, error) {
	var attachment Attachment
	row := s.db.QueryRowContext(ctx, `SELECT id, email_id, filename, content_type, data, size
        FROM attachments WHERE id = ? AND email_id = ?;`, attachmentID, emailID)
	if err := row.Scan(
		&attachment.ID,
		&attachment.EmailID,
		&attachment.Filename,
		&attachment.ContentType,
		&attachment.Content,
		&attachment.Size,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Attachment{}, ErrNotFound
		}
		return Attachment{}, fmt.Errorf("get attachment: %w", err)
	}
	return attachment, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEmail(row rowScanner) (*Email, error) {
	var email Email
	var receivedAt int64
	if err := row.Scan(
		&email.ID,
		&email.From,
		&email.Subject,
		&email.TextBody,
		&email.HTMLBody,
		&email.Raw,
		&email.RawSize,
		&receivedAt,
	); err != nil {
		return nil, err
	}
	email.ReceivedAt = time.Unix(0, receivedAt)
	email.To = []string{}
	email.Headers = []Header{}
	email.Attachments = []Attachment{}
	return &email, nil
}

// loadDetails fills recipients, headers, and attachment metadata for the
// given emails with one query per table.
func (s *Store) loadDetails(ctx context.Context, emails []*Email) error {
	if len(emails) == 0 {
		return nil
	}
	byID := make(map[string]*Email, len(emails))
	args := make([]any, 0, len(emails))
	for _, email := range emails {
		byID[email.ID] = email
		args = append(args, email.ID)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(emails)), ",")

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`SELECT email_id, address FROM recipients
        WHERE email_id IN (%s) ORDER BY email_id, position;`, placeholders), args...)
	if err != nil {
		return fmt.Errorf("load recipients: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var emailID, address string
		if err := rows.Scan(&emailID, &address); err != nil {
			return fmt.Errorf("load recipients: %w", err)
		}
		if email, ok := byID[emailID]; ok {
			email.To = append(email.To, address)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("load recipients: %w", err)
	}

	headerRows, err := s.db.QueryContext(ctx, fmt.Sprintf(`SELECT email_id, name, value FROM headers
        WHERE email_id IN (%s) ORDER BY email_id, position;`, placeholders), args...)
	if err != nil {
		return fmt.Errorf("load headers: %w", err)
	}
	defer headerRows.Close()
	for headerRows.Next() {
		var emailID string
		var header Header
		if err := headerRows.Scan(&emailID, &header.Name, &header.Value); err != nil {
			return fmt.Errorf("load headers: %w", err)
		}
		if email, ok := byID[emailID]; ok {
			email.Headers = append(email.Headers, header)
		}
	}
	if err := headerRows.Err(); err != nil {
		return fmt.Errorf("load headers: %w", err)
	}

	attachmentRows, err := s.db.QueryContext(ctx, fmt.Sprintf(`SELECT id, email_id, filename, content_type, size
        FROM attachments WHERE email_id IN (%s) ORDER BY email_id, id;`, placeholders), args...)
	if err != nil {
		return fmt.Errorf("load attachments: %w", err)
	}
	defer attachmentRows.Close()
	for attachmentRows.Next() {
		var attachment Attachment
		if err := attachmentRows.Scan(
			&attachment.ID,
			&attachment.EmailID,
			&attachment.Filename,
			&attachment.ContentType,
			&attachment.Size,
		); err != nil {
			return fmt.Errorf("load attachments: %w", err)
		}
		if email, ok := byID[attachment.EmailID]; ok {
			email.Attachments = append(email.Attachments, attachment)
		}
	}
	if err := attachmentRows.Err(); err != nil {
		return fmt.Errorf("load attachments: %w", err)
	}
	return nil
}

// buildEvent serializes the email for live viewers. Raw bytes and
// attachment content are excluded by the model's JSON tags.
func buildEvent(email *Email) []byte {
	data, _ := json.Marshal(email)
	return data
}
