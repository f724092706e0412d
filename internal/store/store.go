// Package store persists users and messages.
//
// Every method is atomic with respect to concurrent callers. The update
// methods run their callback inside the backend's write transaction, so a
// read-modify-write can not lose a concurrent update. Each call is bounded by
// the timeout given at Open; backend and timeout failures wrap ErrUnavailable.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrNotFound    = errors.New("store: not found")
	ErrDuplicate   = errors.New("store: duplicate key")
	ErrUnavailable = errors.New("store: unavailable")
)

// DefaultTimeout bounds a single store operation when Open is given zero.
const DefaultTimeout = 5 * time.Second

type Store interface {
	GetUser(ctx context.Context, email string) (User, error)
	InsertUser(ctx context.Context, user User) error
	UpdateUser(ctx context.Context, email string, fn func(*User) error) (User, error)

	InsertMessage(ctx context.Context, message Message) error
	GetMessage(ctx context.Context, id string) (Message, error)
	ListMessages(ctx context.Context, filter MessageFilter) ([]Message, error)
	UpdateMessage(ctx context.Context, id string, fn func(*Message) error) (Message, error)
	RemoveMessages(ctx context.Context, filter MessageFilter) ([]Message, error)

	Ping(ctx context.Context) error
	Close() error
}

// Open opens the backend named by driver: "sqlite" or "bstore".
func Open(ctx context.Context, driver, path string, timeout time.Duration) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", "sqlite":
		return OpenSQLite(ctx, path, timeout)
	case "bstore":
		return OpenBstore(ctx, path, timeout)
	default:
		return nil, fmt.Errorf("unknown store driver %q", driver)
	}
}

// callbackError marks errors returned by update callbacks, so they reach
// the caller unwrapped instead of being reported as unavailability.
type callbackError struct{ err error }

func (e callbackError) Error() string { return e.err.Error() }
func (e callbackError) Unwrap() error { return e.err }

// classify maps a backend error to the store's error taxonomy.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var cb callbackError
	if errors.As(err, &cb) {
		return cb.err
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrDuplicate) || errors.Is(err, ErrUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", ErrUnavailable, op, err)
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		d = DefaultTimeout
	}
	return context.WithTimeout(ctx, d)
}
