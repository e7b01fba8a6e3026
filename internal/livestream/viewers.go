package livestream

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"stream-orchestrator/internal/platform/metrics"
)

// CountObserver is told about every change of the viewer count.
type CountObserver interface {
	ViewerCountChanged(n int)
}

// ViewerRegistry tracks the open viewer signaling connections.
// It is safe for concurrent use.
type ViewerRegistry struct {
	mu       sync.RWMutex
	viewers  map[string]ViewerConnection
	pub      Publisher
	observer CountObserver
	log      *slog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
}

// NewViewerRegistry returns an empty registry. pub and m may be nil.
func NewViewerRegistry(pub Publisher, log *slog.Logger, m *metrics.Metrics) *ViewerRegistry {
	return &ViewerRegistry{
		viewers: make(map[string]ViewerConnection),
		pub:     pub,
		log:     log,
		metrics: m,
		now:     time.Now,
	}
}

// SetObserver installs the observer notified after each count change.
// It must be called before the registry is shared.
func (r *ViewerRegistry) SetObserver(o CountObserver) {
	r.observer = o
}

// Connect adds a viewer and announces it with viewer-joined. A duplicate id
// is ignored and reported as false.
func (r *ViewerRegistry) Connect(id, name string) bool {
	r.mu.Lock()
	if _, exists := r.viewers[id]; exists {
		r.mu.Unlock()
		return false
	}
	r.viewers[id] = ViewerConnection{ID: id, Name: name, JoinedAt: r.now().UTC()}
	n := len(r.viewers)
	r.mu.Unlock()

	r.log.Info("viewer connected", slog.String("viewer_id", id), slog.Int("viewers", n))
	r.metrics.SetViewers(n)
	if r.pub != nil {
		r.pub.Publish(NewEvent(EventViewerJoined, viewerData{ID: id, Name: name}))
	}
	r.notify(n)
	return true
}

// Disconnect removes a viewer, announces viewer-left and reports the new
// count to the observer. Unknown ids are ignored and reported as false.
func (r *ViewerRegistry) Disconnect(id string) bool {
	r.mu.Lock()
	v, exists := r.viewers[id]
	if !exists {
		r.mu.Unlock()
		return false
	}
	delete(r.viewers, id)
	n := len(r.viewers)
	r.mu.Unlock()

	r.log.Info("viewer disconnected",
		slog.String("viewer_id", id),
		slog.Int("viewers", n),
		slog.Duration("watched", r.now().Sub(v.JoinedAt)))
	r.metrics.SetViewers(n)
	if r.pub != nil {
		r.pub.Publish(NewEvent(EventViewerLeft, viewerData{ID: id, Name: v.Name}))
	}
	r.notify(n)
	return true
}

// Count returns the number of open viewer connections.
func (r *ViewerRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.viewers)
}

// List returns the viewers ordered by join time.
func (r *ViewerRegistry) List() []ViewerConnection {
	r.mu.RLock()
	out := make([]ViewerConnection, 0, len(r.viewers))
	for _, v := range r.viewers {
		out = append(out, v)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].JoinedAt.Before(out[j].JoinedAt)
	})
	return out
}

func (r *ViewerRegistry) notify(n int) {
	if r.observer != nil {
		r.observer.ViewerCountChanged(n)
	}
}
