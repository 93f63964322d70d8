// Package mbox splits an mbox archive into one file per message and
// enumerates the files left to import.
//
// The working directory is the importer's only durable state: a file named
// after a message's mailbox key exists exactly as long as that message has
// not been imported successfully.
package mbox

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/mail"
	"os"
	"path/filepath"
	"strconv"
)

// ErrWorkdirNotEmpty is returned by Unpack when the working directory already
// holds files from an earlier run.
var ErrWorkdirNotEmpty = errors.New("mbox: working directory is not empty")

// Item is one message waiting to be imported.
type Item struct {
	// Key is the mailbox-internal key and the file name inside the workdir.
	Key  string
	Path string
	Size int64
}

var fromPrefix = []byte("From ")

// Split reads an mbox archive from r and calls fn once per message with its
// zero-based key and raw bytes. The "From " separator line is not part of a
// message, and neither is the single blank line that precedes the next
// separator. Everything else, including line endings and ">From " quoting,
// is passed through untouched. fn must not retain raw.
func Split(r io.Reader, fn func(key int, raw []byte) error) error {
	br := bufio.NewReaderSize(r, 64<<10)

	var (
		buf          bytes.Buffer
		key          = -1
		lastWasEmpty bool
	)
	emit := func() error {
		if key < 0 {
			return nil
		}
		raw := buf.Bytes()
		if lastWasEmpty {
			raw = raw[:len(raw)-1]
		}
		return fn(key, raw)
	}

	for {
		line, err := br.ReadBytes('\n')
		if len(line) > 0 {
			if bytes.HasPrefix(line, fromPrefix) {
				if emitErr := emit(); emitErr != nil {
					return emitErr
				}
				key++
				buf.Reset()
				lastWasEmpty = false
			} else if key >= 0 {
				buf.Write(line)
				lastWasEmpty = len(line) == 1 && line[0] == '\n'
			}
		}
		if err == io.EOF {
			return emit()
		}
		if err != nil {
			return fmt.Errorf("mbox: read: %w", err)
		}
	}
}

// Unpack writes every message of the archive at src to its own file in
// workdir and returns the number of messages written. It refuses to touch a
// workdir that already contains anything.
func Unpack(src, workdir string) (int, error) {
	entries, err := os.ReadDir(workdir)
	switch {
	case err == nil && len(entries) > 0:
		return 0, fmt.Errorf("%w: %s", ErrWorkdirNotEmpty, workdir)
	case err != nil && !errors.Is(err, os.ErrNotExist):
		return 0, fmt.Errorf("mbox: inspect workdir: %w", err)
	}

	f, err := os.Open(src)
	if err != nil {
		return 0, fmt.Errorf("mbox: open source: %w", err)
	}
	defer f.Close()

	if err := os.MkdirAll(workdir, 0o750); err != nil {
		return 0, fmt.Errorf("mbox: create workdir: %w", err)
	}

	n := 0
	err = Split(f, func(key int, raw []byte) error {
		name := strconv.Itoa(key)
		if !hasMessageID(raw) {
			slog.Warn("message has no Message-ID, re-importing it may create a duplicate", "key", name)
		}
		if err := os.WriteFile(filepath.Join(workdir, name), raw, 0o640); err != nil {
			return fmt.Errorf("mbox: write message %s: %w", name, err)
		}
		n++
		return nil
	})
	if err != nil {
		return n, err
	}
	slog.Debug("mailbox unpacked", "src", src, "workdir", workdir, "messages", n)
	return n, nil
}

// Pending lists the message files still present in workdir, in directory
// iteration order. Subdirectories are ignored.
func Pending(workdir string) ([]Item, error) {
	entries, err := os.ReadDir(workdir)
	if err != nil {
		return nil, fmt.Errorf("mbox: list workdir: %w", err)
	}
	items := make([]Item, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			slog.Warn("ignoring directory in workdir", "name", e.Name())
			continue
		}
		info, err := e.Info()
		if err != nil {
			return nil, fmt.Errorf("mbox: stat %s: %w", e.Name(), err)
		}
		items = append(items, Item{
			Key:  e.Name(),
			Path: filepath.Join(workdir, e.Name()),
			Size: info.Size(),
		})
	}
	return items, nil
}

func hasMessageID(raw []byte) bool {
	msg, err := mail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		return false
	}
	return msg.Header.Get("Message-Id") != ""
}
