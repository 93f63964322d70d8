// Package runid hands out identities for import runs.
// Every invocation of the importer gets a fresh ULID that tags its log lines
// and journal entries, so outcomes from a resumed run can be told apart from
// the run that was interrupted.
package runid

import (
	"crypto/rand"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// ID is a ULID string identifying one import run.
type ID string

func (id ID) String() string { return string(id) }

// IsZero reports whether the ID is the zero value.
func (id ID) IsZero() bool { return id == "" }

// Time returns the moment the run was started, as encoded in the ULID.
// It returns the zero time for a malformed ID.
func (id ID) Time() time.Time {
	u, err := ulid.ParseStrict(string(id))
	if err != nil {
		return time.Time{}
	}
	return ulid.Time(u.Time())
}

// monoEntropy is shared so that IDs created within the same millisecond still
// sort in creation order.
var (
	monoMu      sync.Mutex
	monoEntropy io.Reader = ulid.Monotonic(rand.Reader, 0)
)

// New generates a fresh, time-ordered run ID.
func New() (ID, error) {
	monoMu.Lock()
	defer monoMu.Unlock()
	id, err := ulid.New(ulid.Timestamp(time.Now()), monoEntropy)
	if err != nil {
		return "", fmt.Errorf("runid: generate: %w", err)
	}
	return ID(id.String()), nil
}

// MustNew is like New but panics on error. Use only in tests or init code.
func MustNew() ID {
	id, err := New()
	if err != nil {
		panic(fmt.Sprintf("runid.MustNew: %v", err))
	}
	return id
}

// Parse validates s and returns it as an ID.
func Parse(s string) (ID, error) {
	if _, err := ulid.ParseStrict(s); err != nil {
		return "", fmt.Errorf("runid: invalid id %q: %w", s, err)
	}
	return ID(s), nil
}
