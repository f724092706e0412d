package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/mjl-/bstore"
)

// Types stored in a bstore database.
var bstoreTypes = []any{User{}, messageRecord{}}

// messageRecord is the stored form of a Message. Seq is assigned on insert,
// so listing by Seq gives insertion order.
type messageRecord struct {
	Seq     int64
	ID      string `bstore:"nonzero,unique"`
	From    string `bstore:"index"`
	To      string `bstore:"index"`
	Subject string
	Body    string
	Date    time.Time
	Folder  string `bstore:"index"`
}

func newMessageRecord(m Message) messageRecord {
	return messageRecord{
		ID:      m.ID,
		From:    m.From,
		To:      m.To,
		Subject: m.Subject,
		Body:    m.Body,
		Date:    m.Date,
		Folder:  m.Folder,
	}
}

func (r messageRecord) message() Message {
	return Message{
		ID:      r.ID,
		From:    r.From,
		To:      r.To,
		Subject: r.Subject,
		Body:    r.Body,
		Date:    r.Date,
		Folder:  r.Folder,
	}
}

func toMessages(records []messageRecord) []Message {
	l := make([]Message, 0, len(records))
	for _, r := range records {
		l = append(l, r.message())
	}
	return l
}

// Bstore keeps users and messages as documents in a bstore (bbolt)
// database. bbolt allows one writer at a time, which serialises all
// read-modify-write sequences.
type Bstore struct {
	db      *bstore.DB
	timeout time.Duration
}

func OpenBstore(ctx context.Context, path string, timeout time.Duration) (*Bstore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		path = "backende.db"
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o770); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	db, err := bstore.Open(ctx, path, &bstore.Options{Timeout: timeout, Perm: 0o660}, bstoreTypes...)
	if err != nil {
		return nil, fmt.Errorf("open bstore: %w", err)
	}
	return &Bstore{db: db, timeout: timeout}, nil
}

func (s *Bstore) Close() error {
	return s.db.Close()
}

func (s *Bstore) Ping(ctx context.Context) error {
	return s.read(ctx, "ping", func(tx *bstore.Tx) error { return nil })
}

func (s *Bstore) GetUser(ctx context.Context, email string) (User, error) {
	// bstore rejects zero primary keys.
	if email == "" {
		return User{}, ErrNotFound
	}
	user := User{Email: email}
	err := s.read(ctx, "get user", func(tx *bstore.Tx) error {
		return tx.Get(&user)
	})
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *Bstore) InsertUser(ctx context.Context, user User) error {
	return s.write(ctx, "insert user", func(tx *bstore.Tx) error {
		return tx.Insert(&user)
	})
}

func (s *Bstore) UpdateUser(ctx context.Context, email string, fn func(*User) error) (User, error) {
	if email == "" {
		return User{}, ErrNotFound
	}
	user := User{Email: email}
	err := s.write(ctx, "update user", func(tx *bstore.Tx) error {
		if err := tx.Get(&user); err != nil {
			return err
		}
		if err := fn(&user); err != nil {
			return callbackError{err}
		}
		user.Email = email
		return tx.Update(&user)
	})
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *Bstore) InsertMessage(ctx context.Context, message Message) error {
	record := newMessageRecord(message)
	return s.write(ctx, "insert message", func(tx *bstore.Tx) error {
		return tx.Insert(&record)
	})
}

func (s *Bstore) GetMessage(ctx context.Context, id string) (Message, error) {
	if id == "" {
		return Message{}, ErrNotFound
	}
	var record messageRecord
	err := s.read(ctx, "get message", func(tx *bstore.Tx) error {
		var err error
		record, err = messageByID(tx, id)
		return err
	})
	if err != nil {
		return Message{}, err
	}
	return record.message(), nil
}

func (s *Bstore) ListMessages(ctx context.Context, filter MessageFilter) ([]Message, error) {
	var records []messageRecord
	err := s.read(ctx, "list messages", func(tx *bstore.Tx) error {
		var err error
		records, err = queryMessages(tx, filter).List()
		return err
	})
	if err != nil {
		return nil, err
	}
	return toMessages(records), nil
}

func (s *Bstore) UpdateMessage(ctx context.Context, id string, fn func(*Message) error) (Message, error) {
	if id == "" {
		return Message{}, ErrNotFound
	}
	var message Message
	err := s.write(ctx, "update message", func(tx *bstore.Tx) error {
		record, err := messageByID(tx, id)
		if err != nil {
			return err
		}
		message = record.message()
		if err := fn(&message); err != nil {
			return callbackError{err}
		}
		message.ID = id
		updated := newMessageRecord(message)
		updated.Seq = record.Seq
		return tx.Update(&updated)
	})
	if err != nil {
		return Message{}, err
	}
	return message, nil
}

func (s *Bstore) RemoveMessages(ctx context.Context, filter MessageFilter) ([]Message, error) {
	var removed []messageRecord
	err := s.write(ctx, "remove messages", func(tx *bstore.Tx) error {
		var err error
		removed, err = queryMessages(tx, filter).List()
		if err != nil {
			return err
		}
		for i := range removed {
			if err := tx.Delete(&removed[i]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return toMessages(removed), nil
}

func messageByID(tx *bstore.Tx, id string) (messageRecord, error) {
	return bstore.QueryTx[messageRecord](tx).FilterNonzero(messageRecord{ID: id}).Get()
}

// queryMessages returns messages in insertion order.
func queryMessages(tx *bstore.Tx, filter MessageFilter) *bstore.Query[messageRecord] {
	q := bstore.QueryTx[messageRecord](tx)
	if filter.ID != "" || filter.Folder != "" {
		q.FilterNonzero(messageRecord{ID: filter.ID, Folder: filter.Folder})
	}
	if filter.Address != "" || !filter.Before.IsZero() {
		q.FilterFn(func(r messageRecord) bool { return filter.match(r.message()) })
	}
	return q.SortAsc("Seq")
}

func (s *Bstore) read(ctx context.Context, op string, fn func(tx *bstore.Tx) error) error {
	return s.bounded(ctx, op, func(ctx context.Context, commit func() bool) error {
		return s.db.Read(ctx, fn)
	})
}

// write runs fn in a write transaction. The transaction only commits if the
// caller is still waiting for it; once the timeout has been reported, it is
// rolled back.
func (s *Bstore) write(ctx context.Context, op string, fn func(tx *bstore.Tx) error) error {
	return s.bounded(ctx, op, func(ctx context.Context, commit func() bool) error {
		return s.db.Write(ctx, func(tx *bstore.Tx) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := fn(tx); err != nil {
				return err
			}
			if !commit() {
				return fmt.Errorf("abandoned: %w", ctx.Err())
			}
			return nil
		})
	})
}

const (
	opRunning int32 = iota
	opCommitting
	opAbandoned
)

// bounded runs fn but returns once the store timeout expires, since bbolt
// does not observe contexts while waiting for its locks. fn calls commit
// before committing a write; if that reports false, the caller has already
// been told the store is unavailable and fn must roll back. After a
// successful commit call, bounded waits for fn's result even past the
// timeout, so a reported timeout never hides a committed write.
func (s *Bstore) bounded(ctx context.Context, op string, fn func(ctx context.Context, commit func() bool) error) error {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()

	var state atomic.Int32
	commit := func() bool {
		return state.CompareAndSwap(opRunning, opCommitting)
	}

	done := make(chan error, 1)
	go func() {
		done <- fn(ctx, commit)
	}()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		if state.CompareAndSwap(opRunning, opAbandoned) {
			err = ctx.Err()
		} else {
			err = <-done
		}
	}
	switch {
	case err == nil:
		return nil
	case errors.Is(err, bstore.ErrAbsent):
		return ErrNotFound
	case errors.Is(err, bstore.ErrUnique):
		return ErrDuplicate
	}
	return classify(op, err)
}
