package importer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/snehjoshi/listmigrate/internal/journal"
	"github.com/snehjoshi/listmigrate/internal/mbox"
	"github.com/snehjoshi/listmigrate/internal/metrics"
	"github.com/snehjoshi/listmigrate/internal/ratelimit"
	"github.com/snehjoshi/listmigrate/internal/runid"
)

// Options configures an Importer. NewArchive and Limiter are required.
type Options struct {
	RunID       runid.ID
	Group       string
	Workers     int
	MaxAttempts int
	NewArchive  ArchiveFactory
	Limiter     Limiter

	// PollInterval bounds how long the coordinator sleeps when no channel
	// event arrives. Defaults to 10ms.
	PollInterval time.Duration
	// Sleep is used for retry backoff. Defaults to the wall clock.
	Sleep func(ctx context.Context, d time.Duration) error
	// Remove deletes an imported message file. Defaults to os.Remove.
	Remove func(path string) error

	Journal  Recorder
	Metrics  *metrics.Registry
	Progress ProgressSink
	Logger   *slog.Logger
}

// Importer runs one import over a fixed set of work items.
type Importer struct {
	opts Options
	log  *slog.Logger
}

// New validates opts and fills in defaults.
func New(opts Options) (*Importer, error) {
	if opts.NewArchive == nil {
		return nil, errors.New("importer: NewArchive is required")
	}
	if opts.Limiter == nil {
		return nil, errors.New("importer: Limiter is required")
	}
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 5
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 10 * time.Millisecond
	}
	if opts.Sleep == nil {
		opts.Sleep = ratelimit.SystemClock.Sleep
	}
	if opts.Remove == nil {
		opts.Remove = os.Remove
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Importer{
		opts: opts,
		log:  opts.Logger.With("run", opts.RunID.String()),
	}, nil
}

// Run imports items and returns once every item has been reported and every
// worker has exited. Per-message failures never make Run fail; it returns an
// error only when a worker's client cannot be built or ctx is cancelled. In
// the latter case messages already in flight are still accounted for and the
// working directory reflects exactly what is left.
func (im *Importer) Run(ctx context.Context, items []mbox.Item) (Summary, error) {
	start := time.Now()
	c := &coordinator{
		im:      im,
		pending: items,
		total:   len(items),
		started: start,
	}
	c.publish()
	if c.total == 0 {
		im.log.Info("nothing to import")
		return c.summary(), nil
	}

	n := im.opts.Workers
	archives := make([]Archive, n)
	for i := range archives {
		a, err := im.opts.NewArchive(ctx, i)
		if err != nil {
			return c.summary(), fmt.Errorf("importer: create client for worker %d: %w", i, err)
		}
		archives[i] = a
	}

	// Buffers are sized so a worker never blocks on a report: it has at most
	// one readiness signal, one result and two backoff signals outstanding
	// before the coordinator drains them ahead of its next dispatch.
	c.work = make(chan mbox.Item, 1)
	c.results = make(chan Result, n)
	c.ready = make(chan int, n)
	c.backoff = make(chan bool, 2*n)

	var wg sync.WaitGroup
	for i, a := range archives {
		w := &worker{
			id:          i,
			archive:     a,
			maxAttempts: im.opts.MaxAttempts,
			sleep:       im.opts.Sleep,
			log:         im.log.With("worker", i),
			work:        c.work,
			results:     c.results,
			ready:       c.ready,
			backoff:     c.backoff,
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.run(ctx)
		}()
	}

	im.log.Info("import started", "group", im.opts.Group, "messages", c.total, "workers", n)
	err := c.loop(ctx)
	close(c.work)
	c.waitForWorkers(&wg)

	s := c.summary()
	im.log.Info("import finished",
		"imported", s.Imported,
		"failed", s.Failed,
		"unprocessed", s.Total-s.Imported-s.Failed,
		"elapsed", s.Elapsed.Round(time.Millisecond),
	)
	return s, err
}

type coordinator struct {
	im *Importer

	work    chan mbox.Item
	results chan Result
	ready   chan int
	backoff chan bool

	pending    []mbox.Item
	total      int
	processed  int
	imported   int
	failed     int
	idle       int
	backingOff int
	inFlight   int
	started    time.Time
}

func (c *coordinator) loop(ctx context.Context) error {
	ticker := time.NewTicker(c.im.opts.PollInterval)
	defer ticker.Stop()

	for c.processed < c.total {
		if err := ctx.Err(); err != nil {
			return err
		}
		c.drain()
		if c.processed == c.total {
			break
		}

		if c.canDispatch() {
			if err := c.im.opts.Limiter.Wait(ctx); err != nil {
				return err
			}
			// A worker may have started backing off while we waited.
			c.drain()
			if c.canDispatch() {
				c.im.opts.Limiter.Register()
				c.dispatch()
			}
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case r := <-c.results:
			c.handle(r)
		case <-c.ready:
			c.idle++
		case on := <-c.backoff:
			c.setBackoff(on)
		case <-ticker.C:
		}
	}
	return nil
}

// canDispatch holds when items remain, a worker is idle, the work channel is
// empty and no worker is backing off.
func (c *coordinator) canDispatch() bool {
	return len(c.pending) > 0 && c.idle > 0 && len(c.work) == 0 && c.backingOff == 0
}

func (c *coordinator) dispatch() {
	item := c.pending[0]
	c.pending = c.pending[1:]
	c.idle--
	c.inFlight++
	c.work <- item

	if m := c.im.opts.Metrics; m != nil {
		m.Dispatched.Inc(c.im.opts.Group)
		m.Pending.Set(c.im.opts.Group, int64(len(c.pending)))
		m.InFlight.Set(c.im.opts.Group, int64(c.inFlight))
	}
	c.im.log.Debug("dispatched", "key", item.Key, "remaining", len(c.pending))
	c.publish()
}

// drain consumes every signal and result that is already waiting.
func (c *coordinator) drain() {
	for {
		select {
		case on := <-c.backoff:
			c.setBackoff(on)
		case <-c.ready:
			c.idle++
		case r := <-c.results:
			c.handle(r)
		default:
			return
		}
	}
}

func (c *coordinator) setBackoff(on bool) {
	if on {
		c.backingOff++
	} else {
		c.backingOff--
	}
	if m := c.im.opts.Metrics; m != nil {
		m.BackingOff.Set(c.im.opts.Group, int64(c.backingOff))
	}
	c.publish()
}

func (c *coordinator) handle(r Result) {
	c.processed++
	c.inFlight--

	status := journal.StatusFailed
	if r.Success {
		status = journal.StatusImported
		c.imported++
		if err := c.im.opts.Remove(r.Item.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
			c.im.log.Error("could not delete imported message", "key", r.Item.Key, "err", err)
		}
	} else {
		c.failed++
		c.im.log.Warn("message left in working directory", "key", r.Item.Key, "reason", r.Reason)
	}

	if m := c.im.opts.Metrics; m != nil {
		g := c.im.opts.Group
		if r.Success {
			m.Imported.Inc(g)
		} else {
			m.Failed.Inc(g)
		}
		if r.Attempts > 1 {
			m.Retried.Add(g, int64(r.Attempts-1))
		}
		m.InFlight.Set(g, int64(c.inFlight))
	}
	if j := c.im.opts.Journal; j != nil {
		err := j.Record(journal.Entry{
			Key:      r.Item.Key,
			RunID:    c.im.opts.RunID,
			Group:    c.im.opts.Group,
			Status:   status,
			Attempts: r.Attempts,
			Reason:   r.Reason,
		})
		if err != nil {
			c.im.log.Error("could not record outcome", "key", r.Item.Key, "err", err)
		}
	}
	if c.processed%100 == 0 || c.processed == c.total {
		c.im.log.Info("progress", "processed", c.processed, "total", c.total)
	}
	c.publish()
}

// waitForWorkers keeps serving the report channels until every worker has
// returned, so that results of messages still in flight are not lost.
func (c *coordinator) waitForWorkers(wg *sync.WaitGroup) {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	for {
		select {
		case <-done:
			c.drain()
			return
		case r := <-c.results:
			c.handle(r)
		case <-c.ready:
		case on := <-c.backoff:
			c.setBackoff(on)
		}
	}
}

func (c *coordinator) publish() {
	p := c.im.opts.Progress
	if p == nil {
		return
	}
	var rate float64
	if r, ok := c.im.opts.Limiter.(interface{ Rate() float64 }); ok {
		rate = r.Rate()
	}
	p.Publish(Progress{
		RunID:      c.im.opts.RunID.String(),
		Group:      c.im.opts.Group,
		Total:      c.total,
		Processed:  c.processed,
		Imported:   c.imported,
		Failed:     c.failed,
		InFlight:   c.inFlight,
		BackingOff: c.backingOff,
		Rate:       rate,
		StartedAt:  c.started,
		Done:       c.processed == c.total,
	})
}

func (c *coordinator) summary() Summary {
	return Summary{
		RunID:    c.im.opts.RunID.String(),
		Total:    c.total,
		Imported: c.imported,
		Failed:   c.failed,
		Elapsed:  time.Since(c.started),
	}
}
