package status

import (
	"sync"

	"github.com/snehjoshi/listmigrate/internal/importer"
)

// Hub holds the latest progress snapshot of a run. The importer publishes
// into it and the HTTP handlers read from it.
type Hub struct {
	mu      sync.RWMutex
	latest  importer.Progress
	version uint64
}

// NewHub returns an empty Hub.
func NewHub() *Hub { return &Hub{} }

// Publish implements importer.ProgressSink.
func (h *Hub) Publish(p importer.Progress) {
	h.mu.Lock()
	h.latest = p
	h.version++
	h.mu.Unlock()
}

// Snapshot returns the latest progress and a version that increases on every
// Publish. Version 0 means nothing has been published yet.
func (h *Hub) Snapshot() (importer.Progress, uint64) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.latest, h.version
}
