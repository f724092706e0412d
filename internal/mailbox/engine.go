// Package mailbox implements the mail rules on top of a store: account
// registration and login, sending, listing, moving between folders,
// deleting, and purging expired trash.
//
// Every successful mutation is recorded in the activity journal. Journal
// failures are logged and counted but never returned.
package mailbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"

	"github.com/dom-kom12/backende/internal/activity"
	"github.com/dom-kom12/backende/internal/auth"
	"github.com/dom-kom12/backende/internal/metrics"
	"github.com/dom-kom12/backende/internal/sse"
	"github.com/dom-kom12/backende/internal/store"
)

var (
	ErrValidation         = errors.New("validation failed")
	ErrDuplicateUser      = errors.New("user already exists")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrMessageNotFound    = errors.New("message not found")
	ErrUnavailable        = store.ErrUnavailable
)

// SystemUser is the journal partition for entries not caused by a user.
const SystemUser = "system"

// bcrypt only looks at the first 72 bytes.
const maxPasswordBytes = auth.MaxPasswordBytes

// Folders a message can be moved to.
var Folders = []string{store.FolderInbox, store.FolderSent, store.FolderArchive, store.FolderTrash}

// ValidFolder reports whether name is one of Folders.
func ValidFolder(name string) bool {
	for _, f := range Folders {
		if f == name {
			return true
		}
	}
	return false
}

// Notifier is told about message changes, e.g. to push them to clients.
type Notifier interface {
	Publish(ev sse.Event)
}

type Engine struct {
	store    store.Store
	journal  activity.Journal
	log      *slog.Logger
	notifier Notifier
	now      func() time.Time
	newID    func() (string, error)
	cost     int
}

type Option func(*Engine)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithBcryptCost sets the cost for new password hashes.
func WithBcryptCost(cost int) Option {
	return func(e *Engine) { e.cost = cost }
}

func WithNotifier(n Notifier) Option {
	return func(e *Engine) { e.notifier = n }
}

// WithIDGenerator replaces the message id generator.
func WithIDGenerator(fn func() (string, error)) Option {
	return func(e *Engine) { e.newID = fn }
}

// New returns an engine operating on st. A nil journal discards entries.
func New(st store.Store, journal activity.Journal, logger *slog.Logger, opts ...Option) *Engine {
	if journal == nil {
		journal = activity.Discard
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	e := &Engine{
		store:   st,
		journal: journal,
		log:     logger,
		now:     time.Now,
		newID:   newMessageID,
		cost:    auth.DefaultCost,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// newMessageID returns a random UUID whose leading bits are the current
// time, so ids sort in creation order.
func newMessageID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate message id: %w", err)
	}
	return id.String(), nil
}

// Address derives the mailbox address from a user name and a domain part,
// e.g. "Alice" and "@example.com".
func Address(username, domain string) string {
	joined := strings.TrimSpace(username) + strings.TrimSpace(domain)
	return strings.ToLower(norm.NFC.String(joined))
}

// NormalizeAddress brings a full address into the form mailboxes are
// stored under.
func NormalizeAddress(email string) string {
	return strings.ToLower(norm.NFC.String(strings.TrimSpace(email)))
}

func required(fields ...[2]string) error {
	for _, f := range fields {
		if strings.TrimSpace(f[1]) == "" {
			return fmt.Errorf("%w: %s is required", ErrValidation, f[0])
		}
	}
	return nil
}

func (e *Engine) Register(ctx context.Context, username, domain, password string) (store.User, error) {
	user, err := e.register(ctx, username, domain, password)
	e.observe("register", err)
	return user, err
}

func (e *Engine) register(ctx context.Context, username, domain, password string) (store.User, error) {
	if err := required([2]string{"username", username}, [2]string{"domain", domain}, [2]string{"password", password}); err != nil {
		return store.User{}, err
	}
	if len(password) > maxPasswordBytes {
		return store.User{}, fmt.Errorf("%w: password longer than %d bytes", ErrValidation, maxPasswordBytes)
	}
	email := Address(username, domain)
	hash, err := auth.HashPassword(password, e.cost)
	if err != nil {
		return store.User{}, err
	}
	user := store.User{Email: email, PasswordHash: hash, CreatedAt: e.now()}
	if err := e.store.InsertUser(ctx, user); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return store.User{}, fmt.Errorf("%w: %s", ErrDuplicateUser, email)
		}
		return store.User{}, fmt.Errorf("register: %w", err)
	}
	e.record(ctx, email, "registered")
	return user, nil
}

func (e *Engine) Login(ctx context.Context, username, domain, password string) (store.User, error) {
	user, err := e.login(ctx, username, domain, password)
	e.observe("login", err)
	return user, err
}

func (e *Engine) login(ctx context.Context, username, domain, password string) (store.User, error) {
	email := Address(username, domain)
	// bcrypt ignores bytes past the limit, so longer passwords never match.
	if email == "" || len(password) > maxPasswordBytes {
		auth.CheckAbsent(password)
		return store.User{}, ErrInvalidCredentials
	}
	user, err := e.store.GetUser(ctx, email)
	if errors.Is(err, store.ErrNotFound) {
		auth.CheckAbsent(password)
		return store.User{}, ErrInvalidCredentials
	} else if err != nil {
		return store.User{}, fmt.Errorf("login: %w", err)
	}
	if !auth.CheckPassword(user.PasswordHash, password) {
		return store.User{}, ErrInvalidCredentials
	}

	now := e.now()
	user, err = e.store.UpdateUser(ctx, email, func(u *store.User) error {
		u.LastLogin = now
		return nil
	})
	if err != nil {
		return store.User{}, fmt.Errorf("login: %w", err)
	}
	e.record(ctx, email, "logged in")
	return user, nil
}

func (e *Engine) Send(ctx context.Context, from, to, subject, body string) (store.Message, error) {
	message, err := e.send(ctx, from, to, subject, body)
	e.observe("send", err)
	return message, err
}

func (e *Engine) send(ctx context.Context, from, to, subject, body string) (store.Message, error) {
	if err := required([2]string{"from", from}, [2]string{"to", to}, [2]string{"subject", subject}, [2]string{"body", body}); err != nil {
		return store.Message{}, err
	}
	id, err := e.newID()
	if err != nil {
		return store.Message{}, err
	}
	message := store.Message{
		ID:      id,
		From:    NormalizeAddress(from),
		To:      NormalizeAddress(to),
		Subject: subject,
		Body:    body,
		Date:    e.now(),
		Folder:  store.FolderInbox,
	}
	if err := e.store.InsertMessage(ctx, message); err != nil {
		return store.Message{}, fmt.Errorf("send: %w", err)
	}
	e.record(ctx, message.From, "sent message to "+message.To)
	e.notify("sent", message)
	return message, nil
}

// ListMessages returns the messages sent by or to email, in the order they
// were stored.
func (e *Engine) ListMessages(ctx context.Context, email string) ([]store.Message, error) {
	email = NormalizeAddress(email)
	if email == "" {
		return []store.Message{}, nil
	}
	messages, err := e.store.ListMessages(ctx, store.MessageFilter{Address: email})
	if err != nil {
		err = fmt.Errorf("list messages: %w", err)
	}
	e.observe("list", err)
	return messages, err
}

// Message returns a single message.
func (e *Engine) Message(ctx context.Context, id string) (store.Message, error) {
	if id == "" {
		return store.Message{}, ErrMessageNotFound
	}
	message, err := e.store.GetMessage(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return store.Message{}, ErrMessageNotFound
	} else if err != nil {
		return store.Message{}, fmt.Errorf("get message: %w", err)
	}
	return message, nil
}

func (e *Engine) MoveMessage(ctx context.Context, id, folder string) error {
	err := e.moveMessage(ctx, id, folder)
	e.observe("move", err)
	return err
}

func (e *Engine) moveMessage(ctx context.Context, id, folder string) error {
	folder = strings.ToLower(strings.TrimSpace(folder))
	if !ValidFolder(folder) {
		return fmt.Errorf("%w: unknown folder %q", ErrValidation, folder)
	}
	if id == "" {
		return ErrMessageNotFound
	}
	message, err := e.store.UpdateMessage(ctx, id, func(m *store.Message) error {
		m.Folder = folder
		return nil
	})
	if errors.Is(err, store.ErrNotFound) {
		return ErrMessageNotFound
	} else if err != nil {
		return fmt.Errorf("move message: %w", err)
	}
	e.record(ctx, message.From, fmt.Sprintf("moved message %s to %s", id, folder))
	e.notify("moved", message)
	return nil
}

func (e *Engine) DeleteMessage(ctx context.Context, id string) error {
	err := e.deleteMessage(ctx, id)
	e.observe("delete", err)
	return err
}

func (e *Engine) deleteMessage(ctx context.Context, id string) error {
	// An empty id would be an empty filter, matching every message.
	if id == "" {
		return ErrMessageNotFound
	}
	removed, err := e.store.RemoveMessages(ctx, store.MessageFilter{ID: id})
	if err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	if len(removed) == 0 {
		return ErrMessageNotFound
	}
	message := removed[0]
	e.record(ctx, message.From, "deleted message "+id)
	e.notify("deleted", message)
	return nil
}

// SweepTrash permanently removes trashed messages older than window and
// returns how many were removed. A negative window is treated as zero.
func (e *Engine) SweepTrash(ctx context.Context, window time.Duration) (int, error) {
	n, err := e.sweepTrash(ctx, window)
	e.observe("sweep", err)
	return n, err
}

func (e *Engine) sweepTrash(ctx context.Context, window time.Duration) (int, error) {
	if window < 0 {
		window = 0
	}
	cutoff := e.now().Add(-window)
	removed, err := e.store.RemoveMessages(ctx, store.MessageFilter{Folder: store.FolderTrash, Before: cutoff})
	if err != nil {
		return 0, fmt.Errorf("sweep trash: %w", err)
	}
	if len(removed) == 0 {
		return 0, nil
	}
	metrics.SweepPurgedAdd(len(removed))
	e.record(ctx, SystemUser, fmt.Sprintf("purged %d messages from trash older than %s", len(removed), window))
	for _, m := range removed {
		e.notify("deleted", m)
	}
	return len(removed), nil
}

func (e *Engine) record(ctx context.Context, user, action string) {
	entry := activity.Entry{User: user, Action: action, Source: Source(ctx), Time: e.now()}
	if err := e.journal.Append(entry); err != nil {
		metrics.ActivityFailureInc()
		e.log.Warn("append activity log", "user", user, "action", action, "error", err)
	}
}

func (e *Engine) notify(kind string, m store.Message) {
	if e.notifier == nil {
		return
	}
	e.notifier.Publish(sse.Event{Kind: kind, ID: m.ID, From: m.From, To: m.To, Folder: m.Folder})
}

func (e *Engine) observe(op string, err error) {
	result := Result(err)
	metrics.OperationInc(op, result)
	if result == "unavailable" || result == "error" {
		e.log.Error("mailbox operation failed", "op", op, "error", err)
	}
}

// Result names the outcome of an operation, for metrics.
func Result(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrValidation):
		return "invalid"
	case errors.Is(err, ErrDuplicateUser):
		return "duplicate"
	case errors.Is(err, ErrInvalidCredentials):
		return "badcreds"
	case errors.Is(err, ErrMessageNotFound):
		return "notfound"
	case errors.Is(err, ErrUnavailable):
		return "unavailable"
	}
	return "error"
}
