package channel

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sfucore/sfu/internal/config"
	"github.com/sfucore/sfu/internal/mediarouter"
	"github.com/sfucore/sfu/internal/session"
	"github.com/sfucore/sfu/internal/workerpool"
)

// Registry is the channels-by-uuid / channels-by-issuer half of the
// process-wide state spec.md §3 and §9 call for as "an explicit
// process-scope object" rather than hidden globals.
type Registry struct {
	cfg     *config.Config
	workers *workerpool.Pool

	mu       sync.RWMutex
	byUUID   map[string]*Channel
	byIssuer map[string]*Channel
}

// NewRegistry constructs an empty channel registry bound to a config and
// worker pool.
func NewRegistry(cfg *config.Config, workers *workerpool.Pool) *Registry {
	return &Registry{
		cfg:      cfg,
		workers:  workers,
		byUUID:   make(map[string]*Channel),
		byIssuer: make(map[string]*Channel),
	}
}

// Create is idempotent by (remoteAddress, issuer): a second call with the
// same pair returns the channel the first call built (spec.md §4.4,
// testable property 6).
func (r *Registry) Create(ctx context.Context, remoteAddress, issuer string, opts CreateOptions) (*Channel, error) {
	issuerKey := safeIssuer(remoteAddress, issuer)

	r.mu.RLock()
	if existing, ok := r.byIssuer[issuerKey]; ok {
		r.mu.RUnlock()
		return existing, nil
	}
	r.mu.RUnlock()

	var router mediarouter.Router
	var worker mediarouter.Worker
	if opts.UseWebRtc {
		w, err := r.workers.GetWorker(ctx)
		if err != nil {
			return nil, err
		}
		worker = w
		rt, err := w.CreateRouter(mediarouter.RouterCodecOptions{
			AudioCodecs: r.cfg.AudioCodecs,
			VideoCodecs: r.cfg.VideoCodecs,
		})
		if err != nil {
			return nil, err
		}
		router = rt
	}

	id := uuid.NewString()
	c := &Channel{
		uuid:          id,
		remoteAddress: remoteAddress,
		issuer:        issuerKey,
		key:           opts.Key,
		router:        router,
		createdAt:     time.Now(),
		cfg:           r.cfg,
		logger:        newLogger(id),
		sessions:      make(map[string]*session.Session),
	}
	c.onClose = func(closed *Channel) { r.remove(closed) }

	r.mu.Lock()
	if existing, ok := r.byIssuer[issuerKey]; ok {
		// Lost a create race: discard the channel we just built.
		r.mu.Unlock()
		if router != nil {
			_ = router.Close()
		}
		return existing, nil
	}
	r.byUUID[id] = c
	r.byIssuer[issuerKey] = c
	r.mu.Unlock()

	if worker != nil {
		worker.OnDied(func(error) { c.Close() })
	}
	c.armIdle()

	return c, nil
}

func (r *Registry) remove(c *Channel) {
	r.mu.Lock()
	if cur, ok := r.byUUID[c.uuid]; ok && cur == c {
		delete(r.byUUID, c.uuid)
	}
	if cur, ok := r.byIssuer[c.issuer]; ok && cur == c {
		delete(r.byIssuer, c.issuer)
	}
	r.mu.Unlock()
}

// Lookup finds a channel by its UUID.
func (r *Registry) Lookup(uuid string) (*Channel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byUUID[uuid]
	return c, ok
}

// Join resolves uuid to a channel and installs a new session under
// sessionID, enforcing capacity per spec.md §4.4.
func (r *Registry) Join(uuid, sessionID string) (*Channel, *session.Session, error) {
	c, ok := r.Lookup(uuid)
	if !ok {
		return nil, nil, ErrNotFound
	}
	s, err := c.Join(sessionID, r.cfg.ChannelSize)
	if err != nil {
		return nil, nil, err
	}
	return c, s, nil
}

// All returns a snapshot of every live channel, used by stats endpoints
// and the supervisor's soft-reset signal.
func (r *Registry) All() []*Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Channel, 0, len(r.byUUID))
	for _, c := range r.byUUID {
		out = append(out, c)
	}
	return out
}

// CloseAll closes every live channel, used by the supervisor's soft
// reset (spec.md §4.8): services stay up, calls are dropped.
func (r *Registry) CloseAll() {
	for _, c := range r.All() {
		c.Close()
	}
}
