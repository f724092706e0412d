// Package activity keeps an append-only journal of user actions.
//
// The journal is a side channel: writers report failures to their caller,
// but the mailbox never fails an operation because an entry could not be
// written.
package activity

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Entry is one journal line.
type Entry struct {
	User   string
	Action string
	Source string // Best-effort client address.
	Time   time.Time
}

type Journal interface {
	Append(e Entry) error
}

// Discard drops all entries.
var Discard Journal = discard{}

type discard struct{}

func (discard) Append(Entry) error { return nil }

// TimestampLayout renders times the way the journal always has: Polish
// locale, day first.
const TimestampLayout = "02.01.2006, 15:04:05"

// Format returns the journal line for e, without trailing newline.
func Format(e Entry, loc *time.Location) string {
	if loc == nil {
		loc = time.Local
	}
	source := e.Source
	if source == "" {
		source = "localhost"
	}
	action := strings.NewReplacer("\r", " ", "\n", " ").Replace(e.Action)
	return fmt.Sprintf("[%s] (IP: %s) %s", e.Time.In(loc).Format(TimestampLayout), source, action)
}

// FileJournal writes one text file per user, named "<user>-log.txt", in a
// directory. Each file is a lumberjack logger: once it would grow beyond
// the size limit it is renamed with a timestamp, "<user>-log-<time>.txt",
// and only the newest such backup is kept.
type FileJournal struct {
	dir       string
	loc       *time.Location
	maxSizeMB int

	mu   sync.Mutex
	logs map[string]*lumberjack.Logger
}

// NewFileJournal creates dir if needed. maxSizeMB is the rotation size in
// megabytes; zero uses lumberjack's default of 100.
func NewFileJournal(dir string, loc *time.Location, maxSizeMB int) (*FileJournal, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	if loc == nil {
		loc = time.Local
	}
	if maxSizeMB < 0 {
		maxSizeMB = 0
	}
	return &FileJournal{dir: dir, loc: loc, maxSizeMB: maxSizeMB, logs: map[string]*lumberjack.Logger{}}, nil
}

// Path returns the file entries for user are appended to.
func (j *FileJournal) Path(user string) string {
	return filepath.Join(j.dir, fileName(user)+"-log.txt")
}

func (j *FileJournal) Append(e Entry) error {
	if _, err := io.WriteString(j.logger(j.Path(e.User)), Format(e, j.loc)+"\n"); err != nil {
		return fmt.Errorf("append activity log: %w", err)
	}
	return nil
}

// Close closes all open log files. Later appends reopen them.
func (j *FileJournal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	var errs []error
	for _, l := range j.logs {
		errs = append(errs, l.Close())
	}
	return errors.Join(errs...)
}

// logger returns the logger for path. lumberjack serialises writes to one
// file, so entries of one user never interleave.
func (j *FileJournal) logger(path string) *lumberjack.Logger {
	j.mu.Lock()
	defer j.mu.Unlock()
	l, ok := j.logs[path]
	if !ok {
		l = &lumberjack.Logger{
			Filename:   path,
			MaxSize:    j.maxSizeMB,
			MaxBackups: 1,
			LocalTime:  true,
		}
		j.logs[path] = l
	}
	return l
}

// fileName turns a user into a single path element.
func fileName(user string) string {
	name := strings.Map(func(r rune) rune {
		switch {
		case r == '/' || r == '\\' || r == 0 || r < ' ':
			return '_'
		}
		return r
	}, user)
	name = strings.TrimLeft(name, ".")
	if name == "" {
		name = "_"
	}
	return name
}
