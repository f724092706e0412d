package store

import "time"

// Folder names known to the mailbox.
const (
	FolderInbox   = "inbox"
	FolderSent    = "sent"
	FolderArchive = "archive"
	FolderTrash   = "trash"
)

// User is keyed by its lowercase email. A zero LastLogin means the user never
// logged in.
type User struct {
	Email        string
	PasswordHash string
	CreatedAt    time.Time
	LastLogin    time.Time
}

// Message is keyed by ID. Backends list messages in insertion order, which
// need not match ID order.
type Message struct {
	ID      string
	From    string
	To      string
	Subject string
	Body    string
	Date    time.Time
	Folder  string
}

// MessageFilter selects messages. Zero fields match everything.
type MessageFilter struct {
	ID      string
	Address string    // Matches either From or To.
	Folder  string
	Before  time.Time // Matches Date strictly before.
}

func (f MessageFilter) match(m Message) bool {
	if f.ID != "" && m.ID != f.ID {
		return false
	}
	if f.Address != "" && m.To != f.Address && m.From != f.Address {
		return false
	}
	if f.Folder != "" && m.Folder != f.Folder {
		return false
	}
	if !f.Before.IsZero() && !m.Date.Before(f.Before) {
		return false
	}
	return true
}
