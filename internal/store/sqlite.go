package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLite keeps users and messages in a SQLite database. The pool holds a
// single connection, so transactions serialise all writers.
type SQLite struct {
	db      *sql.DB
	timeout time.Duration
}

func OpenSQLite(ctx context.Context, path string, timeout time.Duration) (*SQLite, error) {
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
	// An in-memory database lives as long as its connection.
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(0)
	if !inMemory {
		if _, err := db.ExecContext(ctx, "PRAGMA journal_mode = WAL;"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enable WAL: %w", err)
		}
	}
	s := &SQLite{db: db, timeout: timeout}
	if err := s.ensureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) Ping(ctx context.Context) error {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()
	return classify("ping", s.db.PingContext(ctx))
}

func (s *SQLite) ensureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS users (
            email TEXT PRIMARY KEY,
            password_hash TEXT NOT NULL,
            created_at INTEGER NOT NULL,
            last_login INTEGER
        );`,
		`CREATE TABLE IF NOT EXISTS messages (
            seq INTEGER PRIMARY KEY AUTOINCREMENT,
            id TEXT NOT NULL UNIQUE,
            from_email TEXT NOT NULL,
            to_email TEXT NOT NULL,
            subject TEXT NOT NULL,
            body TEXT NOT NULL,
            date INTEGER NOT NULL,
            folder TEXT NOT NULL
        );`,
		`CREATE INDEX IF NOT EXISTS idx_messages_from ON messages(from_email);`,
		`CREATE INDEX IF NOT EXISTS idx_messages_to ON messages(to_email);`,
		`CREATE INDEX IF NOT EXISTS idx_messages_folder_date ON messages(folder, date);`,
	}

	for _, statement := range statements {
		if _, err := s.db.ExecContext(ctx, statement); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (User, error) {
	var user User
	var createdAt int64
	var lastLogin sql.NullInt64
	if err := row.Scan(&user.Email, &user.PasswordHash, &createdAt, &lastLogin); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, ErrNotFound
		}
		return User{}, err
	}
	user.CreatedAt = time.Unix(0, createdAt)
	if lastLogin.Valid {
		user.LastLogin = time.Unix(0, lastLogin.Int64)
	}
	return user, nil
}

func scanMessage(row rowScanner) (Message, error) {
	var message Message
	var date int64
	if err := row.Scan(
		&message.ID,
		&message.From,
		&message.To,
		&message.Subject,
		&message.Body,
		&date,
		&message.Folder,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Message{}, ErrNotFound
		}
		return Message{}, err
	}
	message.Date = time.Unix(0, date)
	return message, nil
}

func nullTime(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

const userColumns = `email, password_hash, created_at, last_login`
const messageColumns = `id, from_email, to_email, subject, body, date, folder`

func (s *SQLite) GetUser(ctx context.Context, email string) (User, error) {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE email = ?;`, email)
	user, err := scanUser(row)
	return user, classify("get user", err)
}

func (s *SQLite) InsertUser(ctx context.Context, user User) error {
	return s.write(ctx, "insert user", func(ctx context.Context, tx *sql.Tx) error {
		var exists bool
		if err := tx.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM users WHERE email = ?);`, user.Email).Scan(&exists); err != nil {
			return err
		}
		if exists {
			return ErrDuplicate
		}
		_, err := tx.ExecContext(ctx, `INSERT INTO users (`+userColumns+`) VALUES (?, ?, ?, ?);`,
			user.Email, user.PasswordHash, user.CreatedAt.UnixNano(), nullTime(user.LastLogin))
		return err
	})
}

func (s *SQLite) UpdateUser(ctx context.Context, email string, fn func(*User) error) (User, error) {
	var user User
	err := s.write(ctx, "update user", func(ctx context.Context, tx *sql.Tx) error {
		var err error
		user, err = scanUser(tx.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE email = ?;`, email))
		if err != nil {
			return err
		}
		if err := fn(&user); err != nil {
			return callbackError{err}
		}
		user.Email = email
		_, err = tx.ExecContext(ctx, `UPDATE users SET password_hash = ?, created_at = ?, last_login = ? WHERE email = ?;`,
			user.PasswordHash, user.CreatedAt.UnixNano(), nullTime(user.LastLogin), email)
		return err
	})
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *SQLite) InsertMessage(ctx context.Context, message Message) error {
	return s.write(ctx, "insert message", func(ctx context.Context, tx *sql.Tx) error {
		var exists bool
		if err := tx.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM messages WHERE id = ?);`, message.ID).Scan(&exists); err != nil {
			return err
		}
		if exists {
			return ErrDuplicate
		}
		_, err := tx.ExecContext(ctx, `INSERT INTO messages (`+messageColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?);`,
			message.ID,
			message.From,
			message.To,
			message.Subject,
			message.Body,
			message.Date.UnixNano(),
			message.Folder,
		)
		return err
	})
}

func (s *SQLite) GetMessage(ctx context.Context, id string) (Message, error) {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()
	row := s.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?;`, id)
	message, err := scanMessage(row)
	return message, classify("get message", err)
}

func (s *SQLite) ListMessages(ctx context.Context, filter MessageFilter) ([]Message, error) {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()
	messages, err := listMessages(ctx, s.db, filter)
	return messages, classify("list messages", err)
}

func (s *SQLite) UpdateMessage(ctx context.Context, id string, fn func(*Message) error) (Message, error) {
	var message Message
	err := s.write(ctx, "update message", func(ctx context.Context, tx *sql.Tx) error {
		var err error
		message, err = scanMessage(tx.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?;`, id))
		if err != nil {
			return err
		}
		if err := fn(&message); err != nil {
			return callbackError{err}
		}
		message.ID = id
		_, err = tx.ExecContext(ctx, `UPDATE messages SET from_email = ?, to_email = ?, subject = ?, body = ?, date = ?, folder = ? WHERE id = ?;`,
			message.From, message.To, message.Subject, message.Body, message.Date.UnixNano(), message.Folder, id)
		return err
	})
	if err != nil {
		return Message{}, err
	}
	return message, nil
}

func (s *SQLite) RemoveMessages(ctx context.Context, filter MessageFilter) ([]Message, error) {
	var removed []Message
	err := s.write(ctx, "remove messages", func(ctx context.Context, tx *sql.Tx) error {
		var err error
		removed, err = listMessages(ctx, tx, filter)
		if err != nil {
			return err
		}
		for _, message := range removed {
			if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE id = ?;`, message.ID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return removed, nil
}

// write runs fn in a transaction bounded by the store timeout.
func (s *SQLite) write(ctx context.Context, op string, fn func(ctx context.Context, tx *sql.Tx) error) error {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(op, fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback()

	if err := fn(ctx, tx); err != nil {
		return classify(op, err)
	}
	if err := tx.Commit(); err != nil {
		return classify(op, fmt.Errorf("commit: %w", err))
	}
	return nil
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func listMessages(ctx context.Context, q queryer, filter MessageFilter) ([]Message, error) {
	var where []string
	var args []any
	if filter.ID != "" {
		where = append(where, "id = ?")
		args = append(args, filter.ID)
	}
	if filter.Address != "" {
		where = append(where, "(to_email = ? OR from_email = ?)")
		args = append(args, filter.Address, filter.Address)
	}
	if filter.Folder != "" {
		where = append(where, "folder = ?")
		args = append(args, filter.Folder)
	}
	if !filter.Before.IsZero() {
		where = append(where, "date < ?")
		args = append(args, filter.Before.UnixNano())
	}

	query := `SELECT ` + messageColumns + ` FROM messages`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY seq ASC;"

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	messages := []Message{}
	for rows.Next() {
		message, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, message)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return messages, nil
}
