package mailbox

import (
	"bytes"
	"io"
	"testing"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dom-kom12/backende/internal/store"
)

func TestWriteRFC822(t *testing.T) {
	m := store.Message{
		ID:      "0190a1b2-c3d4-7e5f-8a9b-0c1d2e3f4a5b",
		From:    "alice@example.com",
		To:      "bob@example.com",
		Subject: "Zażółć gęślą jaźń",
		Body:    "Hello\nworld",
		Date:    time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC),
		Folder:  store.FolderArchive,
	}

	var buf bytes.Buffer
	require.NoError(t, WriteRFC822(&buf, m))

	r, err := mail.CreateReader(&buf)
	require.NoError(t, err)
	defer r.Close()

	subject, err := r.Header.Subject()
	require.NoError(t, err)
	assert.Equal(t, m.Subject, subject)

	from, err := r.Header.AddressList("From")
	require.NoError(t, err)
	require.Len(t, from, 1)
	assert.Equal(t, m.From, from[0].Address)

	to, err := r.Header.AddressList("To")
	require.NoError(t, err)
	require.Len(t, to, 1)
	assert.Equal(t, m.To, to[0].Address)

	date, err := r.Header.Date()
	require.NoError(t, err)
	assert.True(t, date.Equal(m.Date))

	id, err := r.Header.MessageID()
	require.NoError(t, err)
	assert.Equal(t, m.ID+"@backende", id)
	assert.Equal(t, "archive", r.Header.Get("X-Folder"))

	p, err := r.NextPart()
	require.NoError(t, err)
	body, err := io.ReadAll(p.Body)
	require.NoError(t, err)
	body = bytes.ReplaceAll(body, []byte("\r\n"), []byte("\n"))
	assert.Equal(t, "Hello\nworld", string(bytes.TrimRight(body, "\n")))
}
