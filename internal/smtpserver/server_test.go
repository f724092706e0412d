package smtpserver

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/dom-kom12/backende/internal/mailbox"
	"github.com/dom-kom12/backende/internal/store"
)

var ctxbg = context.Background()

func newBackend(t *testing.T, authEnabled bool) *backend {
	st, err := store.OpenSQLite(ctxbg, "", 10*time.Second)
	require.NoError(t, err)
	return newBackendWith(t, st, authEnabled)
}

func newBackendWith(t *testing.T, st store.Store, authEnabled bool) *backend {
	t.Cleanup(func() { st.Close() })
	engine := mailbox.New(st, nil, nil, mailbox.WithBcryptCost(bcrypt.MinCost))
	return &backend{engine: engine, logger: slog.New(slog.DiscardHandler), authEnabled: authEnabled}
}

func newSession(t *testing.T, b *backend) *session {
	s, err := b.NewSession(nil)
	require.NoError(t, err)
	return s.(*session)
}

const plainMessage = "From: alice@example.com\r\n" +
	"To: bob@example.com\r\n" +
	"Subject: Hi there\r\n" +
	"Content-Type: text/plain; charset=utf-8\r\n" +
	"\r\n" +
	"Hello Bob\r\n"

const multipartMessage = "From: alice@example.com\r\n" +
	"Subject: Report\r\n" +
	"MIME-Version: 1.0\r\n" +
	"Content-Type: multipart/alternative; boundary=b1\r\n" +
	"\r\n" +
	"--b1\r\n" +
	"Content-Type: text/html; charset=utf-8\r\n" +
	"\r\n" +
	"<p>html</p>\r\n" +
	"--b1\r\n" +
	"Content-Type: text/plain; charset=utf-8\r\n" +
	"\r\n" +
	"plain text\r\n" +
	"--b1--\r\n"

func TestDeliver(t *testing.T) {
	b := newBackend(t, false)
	s := newSession(t, b)

	assert.Nil(t, s.AuthMechanisms())
	require.NoError(t, s.Mail("Alice@Example.com", nil))
	require.NoError(t, s.Rcpt("bob@example.com", nil))
	require.NoError(t, s.Rcpt("carol@example.com", nil))
	require.NoError(t, s.Data(strings.NewReader(plainMessage)))

	for _, rcpt := range []string{"bob@example.com", "carol@example.com"} {
		l, err := b.engine.ListMessages(ctxbg, rcpt)
		require.NoError(t, err)
		require.Len(t, l, 1)
		assert.Equal(t, "alice@example.com", l[0].From)
		assert.Equal(t, "Hi there", l[0].Subject)
		assert.Equal(t, "Hello Bob", l[0].Body)
		assert.Equal(t, store.FolderInbox, l[0].Folder)
	}

	l, err := b.engine.ListMessages(ctxbg, "alice@example.com")
	require.NoError(t, err)
	assert.Len(t, l, 2)
}

func TestParseMessage(t *testing.T) {
	subject, body, err := parseMessage([]byte(multipartMessage))
	require.NoError(t, err)
	assert.Equal(t, "Report", subject)
	assert.Equal(t, "plain text", body)

	subject, body, err = parseMessage([]byte(plainMessage))
	require.NoError(t, err)
	assert.Equal(t, "Hi there", subject)
	assert.Equal(t, "Hello Bob", body)
}

func TestDeliverWithoutSubject(t *testing.T) {
	b := newBackend(t, false)
	s := newSession(t, b)

	require.NoError(t, s.Mail("alice@example.com", nil))
	require.NoError(t, s.Rcpt("bob@example.com", nil))
	require.NoError(t, s.Data(strings.NewReader("From: alice@example.com\r\n\r\nbody\r\n")))

	l, err := b.engine.ListMessages(ctxbg, "bob@example.com")
	require.NoError(t, err)
	require.Len(t, l, 1)
	assert.Equal(t, noSubject, l[0].Subject)

	s.Reset()
	require.NoError(t, s.Mail("alice@example.com", nil))
	require.NoError(t, s.Rcpt("bob@example.com", nil))
	err = s.Data(strings.NewReader("Subject: empty\r\n\r\n"))
	assert.Equal(t, errEmptyBody, err)
}

func TestAuth(t *testing.T) {
	b := newBackend(t, true)
	_, err := b.engine.Register(ctxbg, "alice", "@example.com", "pw")
	require.NoError(t, err)

	s := newSession(t, b)
	assert.Equal(t, []string{sasl.Plain}, s.AuthMechanisms())
	assert.Equal(t, smtp.ErrAuthRequired, s.Mail("alice@example.com", nil))
	assert.Equal(t, smtp.ErrAuthRequired, s.Rcpt("bob@example.com", nil))

	_, err = s.Auth("LOGIN")
	assert.Error(t, err)

	server, err := s.Auth(sasl.Plain)
	require.NoError(t, err)
	_, _, err = server.Next([]byte("\x00alice@example.com\x00wrong"))
	assert.Error(t, err)
	assert.Empty(t, s.user)

	server, err = s.Auth(sasl.Plain)
	require.NoError(t, err)
	_, done, err := server.Next([]byte("\x00Alice@example.com\x00pw"))
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, "alice@example.com", s.user)

	assert.Equal(t, errSenderMismatch, s.Mail("mallory@example.com", nil))
	require.NoError(t, s.Mail("alice@example.com", nil))
	require.NoError(t, s.Rcpt("bob@example.com", nil))
	require.NoError(t, s.Data(strings.NewReader(plainMessage)))

	l, err := b.engine.ListMessages(ctxbg, "bob@example.com")
	require.NoError(t, err)
	assert.Len(t, l, 1)
}

// flakyStore fails the insert with the given ordinal.
type flakyStore struct {
	store.Store
	mu      sync.Mutex
	inserts int
	failAt  int
}

func (s *flakyStore) InsertMessage(ctx context.Context, m store.Message) error {
	s.mu.Lock()
	s.inserts++
	n := s.inserts
	s.mu.Unlock()
	if n == s.failAt {
		return store.ErrUnavailable
	}
	return s.Store.InsertMessage(ctx, m)
}

func TestDeliverPartial(t *testing.T) {
	st, err := store.OpenSQLite(ctxbg, "", 10*time.Second)
	require.NoError(t, err)
	b := newBackendWith(t, &flakyStore{Store: st, failAt: 2}, false)
	s := newSession(t, b)

	require.NoError(t, s.Mail("alice@example.com", nil))
	for _, rcpt := range []string{"bob@example.com", "carol@example.com", "dave@example.com"} {
		require.NoError(t, s.Rcpt(rcpt, nil))
	}
	require.NoError(t, s.Data(strings.NewReader(plainMessage)), "stored copies must not be retried")

	for rcpt, n := range map[string]int{"bob@example.com": 1, "carol@example.com": 0, "dave@example.com": 1} {
		l, err := b.engine.ListMessages(ctxbg, rcpt)
		require.NoError(t, err)
		assert.Len(t, l, n, rcpt)
	}
}

func TestDeliverFailed(t *testing.T) {
	st, err := store.OpenSQLite(ctxbg, "", 10*time.Second)
	require.NoError(t, err)
	b := newBackendWith(t, &flakyStore{Store: st, failAt: 1}, false)
	s := newSession(t, b)

	require.NoError(t, s.Mail("alice@example.com", nil))
	require.NoError(t, s.Rcpt("bob@example.com", nil))
	assert.Equal(t, errTemporary, s.Data(strings.NewReader(plainMessage)))

	assert.Equal(t, errBadRecipient, s.Rcpt("  ", nil))
}

func TestAuthNormalizesSender(t *testing.T) {
	b := newBackend(t, true)
	_, err := b.engine.Register(ctxbg, "jos\u00e9", "@example.com", "pw")
	require.NoError(t, err)

	s := newSession(t, b)
	server, err := s.Auth(sasl.Plain)
	require.NoError(t, err)
	_, _, err = server.Next([]byte("\x00jose\u0301@example.com\x00pw"))
	require.NoError(t, err)
	assert.Equal(t, "jos\u00e9@example.com", s.user)

	require.NoError(t, s.Mail("JOSE\u0301@Example.com", nil))
	require.NoError(t, s.Rcpt("bob@example.com", nil))
	require.NoError(t, s.Data(strings.NewReader(plainMessage)))

	l, err := b.engine.ListMessages(ctxbg, "bob@example.com")
	require.NoError(t, err)
	require.Len(t, l, 1)
	assert.Equal(t, "jos\u00e9@example.com", l[0].From)
}
