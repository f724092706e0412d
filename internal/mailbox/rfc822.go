package mailbox

import (
	"fmt"
	"io"

	"github.com/emersion/go-message/mail"

	"github.com/dom-kom12/backende/internal/store"
)

// WriteRFC822 writes m as a single-part text/plain internet message.
func WriteRFC822(w io.Writer, m store.Message) error {
	var h mail.Header
	h.SetDate(m.Date)
	h.SetSubject(m.Subject)
	h.SetAddressList("From", []*mail.Address{{Address: m.From}})
	h.SetAddressList("To", []*mail.Address{{Address: m.To}})
	h.SetMessageID(m.ID + "@backende")
	h.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
	h.Set("X-Folder", m.Folder)

	mw, err := mail.CreateSingleInlineWriter(w, h)
	if err != nil {
		return fmt.Errorf("create message writer: %w", err)
	}
	if _, err := io.WriteString(mw, m.Body); err != nil {
		mw.Close()
		return fmt.Errorf("write message body: %w", err)
	}
	if err := mw.Close(); err != nil {
		return fmt.Errorf("close message writer: %w", err)
	}
	return nil
}
