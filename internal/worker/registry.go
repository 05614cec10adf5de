package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/pviana/lead-dispatcher/internal/gateway"
	"github.com/pviana/lead-dispatcher/internal/metrics"
)

// ErrAlreadyRunning is returned by Start when the campaign already has a
// live dispatch loop.
var ErrAlreadyRunning = errors.New("campaign worker already running")

// Registry tracks at most one live dispatch loop per campaign. The handle
// table is the only shared mutable structure in the dispatch core and every
// access goes through the mutex.
type Registry struct {
	worker   *Worker
	stopWait time.Duration

	mu      sync.Mutex
	handles map[int64]*handle
}

type handle struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func NewRegistry(w *Worker) *Registry {
	return &Registry{
		worker:   w,
		stopWait: 5 * time.Second,
		handles:  make(map[int64]*handle),
	}
}

// Start spawns a dispatch loop for the campaign. Check-and-insert happens
// under one lock so two concurrent Start calls cannot both spawn; a handle
// whose loop has already finished (crash without cleanup) is treated as
// stale and replaced.
func (r *Registry) Start(campaignID int64, gw gateway.Client) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if h, ok := r.handles[campaignID]; ok {
		select {
		case <-h.done:
			delete(r.handles, campaignID)
		default:
			return ErrAlreadyRunning
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := &handle{cancel: cancel, done: make(chan struct{})}
	r.handles[campaignID] = h

	metrics.ActiveWorkers.Inc()
	go func() {
		defer metrics.ActiveWorkers.Dec()
		defer r.remove(campaignID, h)
		defer close(h.done)
		r.worker.Run(ctx, campaignID, gw)
	}()

	return nil
}

// Stop cancels the campaign's loop and awaits its cooperative shutdown,
// bounded. Returns false when no live loop exists. Stop never touches the
// campaign status; that transition belongs to the caller.
func (r *Registry) Stop(campaignID int64) bool {
	r.mu.Lock()
	h, ok := r.handles[campaignID]
	if !ok {
		r.mu.Unlock()
		return false
	}
	select {
	case <-h.done:
		// Already finished; just clean up.
		delete(r.handles, campaignID)
		r.mu.Unlock()
		return false
	default:
	}
	delete(r.handles, campaignID)
	r.mu.Unlock()

	h.cancel()
	select {
	case <-h.done:
	case <-time.After(r.stopWait):
		slog.Warn("campaign worker did not stop in time", "campaign_id", campaignID)
	}
	return true
}

// IsRunning is a non-blocking read: a finished loop reports false even
// before its cleanup completes.
func (r *Registry) IsRunning(campaignID int64) bool {
	r.mu.Lock()
	h, ok := r.handles[campaignID]
	r.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

// StopAll stops every live loop; used during process shutdown.
func (r *Registry) StopAll() {
	r.mu.Lock()
	ids := make([]int64, 0, len(r.handles))
	for id := range r.handles {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	for _, id := range ids {
		r.Stop(id)
	}
}

// remove deletes the handle only if it is still the current one, so a
// fresh Start racing with an old loop's cleanup is not clobbered.
func (r *Registry) remove(campaignID int64, h *handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.handles[campaignID]; ok && cur == h {
		delete(r.handles, campaignID)
	}
}
