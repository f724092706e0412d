// Package smtpserver accepts mail over SMTP and delivers each envelope
// recipient's copy through the mailbox engine.
package smtpserver

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/dom-kom12/backende/internal/mailbox"
)

const noSubject = "(no subject)"

type Server struct {
	smtp   *smtp.Server
	logger *slog.Logger
}

// New returns a server for addr. With authEnabled, clients must AUTH PLAIN
// as a registered user and may only send as that user.
func New(engine *mailbox.Engine, logger *slog.Logger, addr, domain string, authEnabled bool) *Server {
	backend := &backend{
		engine:      engine,
		logger:      logger,
		authEnabled: authEnabled,
	}
	server := smtp.NewServer(backend)
	server.Addr = addr
	server.Domain = domain
	server.AllowInsecureAuth = true
	server.ReadTimeout = 15 * time.Second
	server.WriteTimeout = 15 * time.Second
	server.MaxRecipients = 100
	server.MaxMessageBytes = 25 << 20

	return &Server{smtp: server, logger: logger}
}

func (s *Server) ListenAndServe() error {
	s.logger.Info("smtp server listening", "addr", s.smtp.Addr)
	return s.smtp.ListenAndServe()
}

func (s *Server) Close() error {
	return s.smtp.Close()
}

type backend struct {
	engine      *mailbox.Engine
	logger      *slog.Logger
	authEnabled bool
}

func (b *backend) NewSession(c *smtp.Conn) (smtp.Session, error) {
	remote := ""
	if c != nil && c.Conn() != nil {
		remote = c.Conn().RemoteAddr().String()
		if host, _, err := net.SplitHostPort(remote); err == nil {
			remote = host
		}
	}
	return &session{backend: b, remote: remote}, nil
}

type session struct {
	backend *backend
	remote  string
	user    string // Authenticated address.
	from    string
	to      []string
}

func (s *session) sourceContext() context.Context {
	return mailbox.WithSource(context.Background(), s.remote)
}

func (s *session) AuthMechanisms() []string {
	if s.backend.authEnabled {
		return []string{sasl.Plain}
	}
	return nil
}

func (s *session) Auth(mech string) (sasl.Server, error) {
	if !s.backend.authEnabled {
		return nil, errors.New("authentication not enabled")
	}
	if mech != sasl.Plain {
		return nil, errors.New("unsupported authentication mechanism")
	}
	return sasl.NewPlainServer(func(identity, username, password string) error {
		if identity != "" && !strings.EqualFold(identity, username) {
			return errors.New("identity differs from username")
		}
		user, err := s.backend.engine.Login(s.sourceContext(), username, "", password)
		if err != nil {
			if errors.Is(err, mailbox.ErrUnavailable) {
				return errTemporary
			}
			return smtp.ErrAuthFailed
		}
		s.user = user.Email
		return nil
	}), nil
}

var (
	errTemporary = &smtp.SMTPError{
		Code:         451,
		EnhancedCode: smtp.EnhancedCode{4, 3, 0},
		Message:      "Mailbox storage unavailable, try again later",
	}
	errSenderMismatch = &smtp.SMTPError{
		Code:         553,
		EnhancedCode: smtp.EnhancedCode{5, 7, 1},
		Message:      "Sender address does not match authenticated user",
	}
	errEmptyBody = &smtp.SMTPError{
		Code:         554,
		EnhancedCode: smtp.EnhancedCode{5, 6, 0},
		Message:      "Message has no text body",
	}
	errBadRecipient = &smtp.SMTPError{
		Code:         501,
		EnhancedCode: smtp.EnhancedCode{5, 1, 3},
		Message:      "Recipient address required",
	}
)

func (s *session) Mail(from string, _ *smtp.MailOptions) error {
	if s.backend.authEnabled && s.user == "" {
		return smtp.ErrAuthRequired
	}
	from = mailbox.NormalizeAddress(from)
	if s.user != "" && from != s.user {
		return errSenderMismatch
	}
	s.from = from
	return nil
}

func (s *session) Rcpt(to string, _ *smtp.RcptOptions) error {
	if s.backend.authEnabled && s.user == "" {
		return smtp.ErrAuthRequired
	}
	to = mailbox.NormalizeAddress(to)
	if to == "" {
		return errBadRecipient
	}
	s.to = append(s.to, to)
	return nil
}

func (s *session) Data(r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}

	subject, body, err := parseMessage(data)
	if err != nil {
		s.backend.logger.Warn("parse smtp message", "error", err)
	}
	if strings.TrimSpace(body) == "" {
		return errEmptyBody
	}
	if strings.TrimSpace(subject) == "" {
		subject = noSubject
	}

	// Once one copy is stored the transaction is accepted, since a client
	// retry would store that copy again.
	ctx := s.sourceContext()
	var failed []string
	var firstErr error
	for _, to := range s.to {
		if _, err := s.backend.engine.Send(ctx, s.from, to, subject, body); err != nil {
			s.backend.logger.Error("deliver smtp message", "from", s.from, "to", to, "error", err)
			failed = append(failed, to)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	switch {
	case firstErr == nil:
		return nil
	case len(failed) < len(s.to):
		s.backend.logger.Warn("partial smtp delivery", "from", s.from, "delivered", len(s.to)-len(failed), "failed", failed)
		return nil
	case errors.Is(firstErr, mailbox.ErrUnavailable):
		return errTemporary
	}
	return &smtp.SMTPError{
		Code:         554,
		EnhancedCode: smtp.EnhancedCode{5, 6, 0},
		Message:      firstErr.Error(),
	}
}

func (s *session) Reset() {
	s.from = ""
	s.to = nil
}

func (s *session) Logout() error {
	return nil
}

// parseMessage returns the subject and the first text/plain part. A body
// that can not be parsed as MIME is used as plain text.
func parseMessage(raw []byte) (subject, body string, err error) {
	reader, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		if _, rest, ok := bytes.Cut(raw, []byte("\r\n\r\n")); ok {
			return "", string(rest), err
		}
		return "", "", err
	}
	defer reader.Close()

	if s, err := reader.Header.Subject(); err == nil {
		subject = s
	}

	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return subject, body, err
		}

		header, ok := part.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		mediaType, _, _ := header.ContentType()
		if mediaType != "" && !strings.HasPrefix(mediaType, "text/plain") {
			continue
		}
		data, err := io.ReadAll(part.Body)
		if err != nil {
			continue
		}
		return subject, strings.TrimRight(string(data), "\r\n"), nil
	}
	return subject, body, nil
}
