// Package ledger implements the persistent seen-ID set that gates every
// candidate before it is processed. The on-disk format is one
// space-tagged identifier per line ("sra:12345"), UTF-8, append-only, so the
// file grows without rewrites even at tens of millions of entries.
package ledger

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"
	"unicode/utf8"
)

// ErrCorrupt means the ledger file exists but cannot be trusted. Ingesting
// against a corrupt ledger would either re-emit records or silently lose
// dedup state, so the run must abort.
var ErrCorrupt = errors.New("ledger: corrupt")

// Ledger is the durable seen-ID set. One logical writer per run; the engine
// never opens the same ledger from two processes.
type Ledger struct {
	path string
	f    *os.File
	w    *bufio.Writer
	seen map[string]struct{}
}

// Open loads the ledger at path fully into memory and keeps the file open
// for appends. A missing file is a fresh start, not an error. A file with
// malformed entries fails with ErrCorrupt.
func Open(path string) (*Ledger, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening ledger %s: %w", path, err)
	}

	l := &Ledger{
		path: path,
		f:    f,
		w:    bufio.NewWriter(f),
		seen: make(map[string]struct{}),
	}

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if !utf8.ValidString(line) || !strings.Contains(line, ":") {
			f.Close()
			return nil, fmt.Errorf("%w: %s line %d: %q", ErrCorrupt, path, lineNo, line)
		}
		l.seen[line] = struct{}{}
	}
	if err := scanner.Err(); err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: reading %s: %v", ErrCorrupt, path, err)
	}

	// Position at end for appends.
	if _, err := f.Seek(0, 2); err != nil {
		f.Close()
		return nil, fmt.Errorf("seeking ledger %s: %w", path, err)
	}

	return l, nil
}

// Contains reports whether the (space, id) pair has been ingested before.
func (l *Ledger) Contains(space, id string) bool {
	_, ok := l.seen[key(space, id)]
	return ok
}

// MarkSeen records the pair durably. Marking an already-seen pair is a
// no-op, not an error. The line is flushed to the OS before return so that
// the ledger never runs ahead of what the catalog has durably appended.
func (l *Ledger) MarkSeen(space, id string) error {
	k := key(space, id)
	if _, ok := l.seen[k]; ok {
		return nil
	}
	if _, err := l.w.WriteString(k + "\n"); err != nil {
		return fmt.Errorf("appending to ledger %s: %w", l.path, err)
	}
	if err := l.w.Flush(); err != nil {
		return fmt.Errorf("flushing ledger %s: %w", l.path, err)
	}
	l.seen[k] = struct{}{}
	return nil
}

// Len returns the number of distinct entries.
func (l *Ledger) Len() int {
	return len(l.seen)
}

// Close flushes and fsyncs the ledger file.
func (l *Ledger) Close() error {
	if err := l.w.Flush(); err != nil {
		return fmt.Errorf("flushing ledger %s: %w", l.path, err)
	}
	if err := l.f.Sync(); err != nil {
		return fmt.Errorf("syncing ledger %s: %w", l.path, err)
	}
	return l.f.Close()
}

func key(space, id string) string {
	return space + ":" + id
}
