// Package importer drives unpacked mbox messages through the migration API.
//
// A fixed pool of workers each hold their own API client. One coordinator
// owns the pending list and talks to the workers over four channels:
//
//	work     coordinator → worker   one message at a time; closed means "stop"
//	results  worker → coordinator   (success, item) reports
//	ready    worker → coordinator   "I am idle and waiting for work"
//	backoff  worker → coordinator   true on an item's first retry, false when it settles
//
// The coordinator dispatches only while some worker is idle, the work
// channel is empty and nobody is backing off, and every dispatch passes the
// rate limiter first. Successful messages are deleted from the working
// directory; failed ones stay there for the operator.
package importer

import (
	"context"
	"errors"
	"time"

	"github.com/snehjoshi/listmigrate/internal/journal"
	"github.com/snehjoshi/listmigrate/internal/mbox"
)

// ResponseSuccess is the only response code that counts as an import.
const ResponseSuccess = "SUCCESS"

var (
	// ErrTooLarge is returned when building a request for a message that
	// exceeds the upload limit. It is never retried.
	ErrTooLarge = errors.New("importer: message exceeds maximum upload size")
	// ErrUnavailable marks a transient "service unavailable" failure that is
	// worth retrying.
	ErrUnavailable = errors.New("importer: service unavailable")
)

// Archive builds insert requests against one destination group.
type Archive interface {
	// NewInsert prepares the upload of item. Errors here are submission-time
	// failures and are not retried.
	NewInsert(item mbox.Item) (InsertCall, error)
}

// InsertCall is a prepared insert that may be executed more than once.
type InsertCall interface {
	// Do executes the insert and returns the API's response code.
	Do(ctx context.Context) (string, error)
}

// ArchiveFactory creates the Archive for worker id. Each worker gets its own
// client and credentials.
type ArchiveFactory func(ctx context.Context, id int) (Archive, error)

// Limiter gates dispatches.
type Limiter interface {
	Wait(ctx context.Context) error
	Register()
}

// Recorder persists per-message outcomes.
type Recorder interface {
	Record(e journal.Entry) error
}

// ProgressSink receives a snapshot after every change in the run's counts.
type ProgressSink interface {
	Publish(p Progress)
}

// Result is a worker's report on one message.
type Result struct {
	Item     mbox.Item
	Success  bool
	Attempts int
	Reason   string
}

// Progress is a point-in-time view of a run.
type Progress struct {
	RunID      string    `json:"run_id"`
	Group      string    `json:"group"`
	Total      int       `json:"total"`
	Processed  int       `json:"processed"`
	Imported   int       `json:"imported"`
	Failed     int       `json:"failed"`
	InFlight   int       `json:"in_flight"`
	BackingOff int       `json:"backing_off"`
	Rate       float64   `json:"rate"`
	StartedAt  time.Time `json:"started_at"`
	Done       bool      `json:"done"`
}

// Summary is what Run returns once every worker has exited.
type Summary struct {
	RunID    string
	Total    int
	Imported int
	Failed   int
	Elapsed  time.Duration
}

// backoffDelay is the wait before attempt n (zero-based): 0s, 1s, 3s, 7s, 15s, ...
func backoffDelay(n int) time.Duration {
	return time.Duration(1<<uint(n)-1) * time.Second
}
