package importer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/snehjoshi/listmigrate/internal/mbox"
)

type worker struct {
	id          int
	archive     Archive
	maxAttempts int
	sleep       func(ctx context.Context, d time.Duration) error
	log         *slog.Logger

	work    <-chan mbox.Item
	results chan<- Result
	ready   chan<- int
	backoff chan<- bool
}

// run announces readiness, takes one item, reports on it and repeats until
// the work channel is closed.
func (w *worker) run(ctx context.Context) {
	for {
		w.ready <- w.id
		item, ok := <-w.work
		if !ok {
			w.log.Debug("worker exiting")
			return
		}
		w.results <- w.process(ctx, item)
	}
}

func (w *worker) process(ctx context.Context, item mbox.Item) Result {
	log := w.log.With("key", item.Key)

	call, err := w.archive.NewInsert(item)
	if err != nil {
		if errors.Is(err, ErrTooLarge) {
			log.Info("message is bigger than maximum allowed size", "size", item.Size)
		} else {
			log.Info("could not create insert request", "err", err)
		}
		return Result{Item: item, Reason: err.Error()}
	}

	retries := 0
	for {
		if d := backoffDelay(retries); d > 0 {
			if err := w.sleep(ctx, d); err != nil {
				w.backoff <- false
				return Result{Item: item, Attempts: retries, Reason: err.Error()}
			}
		}

		log.Debug("submitting", "attempt", retries+1)
		start := time.Now()
		code, err := call.Do(ctx)

		var retry, success bool
		var reason string
		switch {
		case errors.Is(err, ErrUnavailable):
			retry = true
			reason = err.Error()
			log.Info("insert failed, service unavailable", "err", err)
		case err != nil:
			reason = err.Error()
			log.Info("insert failed", "err", err)
		case code != ResponseSuccess:
			retry = true
			reason = fmt.Sprintf("response code %s", code)
			log.Info("insert not accepted", "response_code", code)
		default:
			success = true
			log.Debug("inserted", "elapsed", time.Since(start).Round(time.Millisecond), "retries", retries)
		}

		attempts := retries + 1
		if retry {
			retries++
			if retries == 1 {
				w.backoff <- true
			}
			if retries < w.maxAttempts {
				log.Info("retrying", "attempt", retries+1, "delay", backoffDelay(retries))
				continue
			}
			log.Warn("giving up", "attempts", attempts)
			w.backoff <- false
			return Result{Item: item, Attempts: attempts, Reason: reason}
		}

		if retries > 0 {
			w.backoff <- false
		}
		return Result{Item: item, Success: success, Attempts: attempts, Reason: reason}
	}
}
