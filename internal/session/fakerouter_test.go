package session

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sfucore/sfu/internal/mediarouter"
)

// fakeRouter is a minimal in-memory mediarouter.Router used to drive
// Session's state machine without a real media engine.
type fakeRouter struct {
	mu    sync.Mutex
	seq   atomic.Uint64
	prods map[string]*fakeProducer
}

func newFakeRouter() *fakeRouter {
	return &fakeRouter{prods: make(map[string]*fakeProducer)}
}

func (r *fakeRouter) RTPCapabilities() mediarouter.RTPCapabilities {
	return mediarouter.RTPCapabilities(`{"codecs":[]}`)
}

func (r *fakeRouter) CreateWebRtcTransport(opts mediarouter.TransportOptions) (mediarouter.Transport, error) {
	id := fmt.Sprintf("t_%d", r.seq.Add(1))
	return &fakeTransport{id: id, router: r}, nil
}

func (r *fakeRouter) CanConsume(producerID string, caps mediarouter.RTPCapabilities) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.prods[producerID]
	return ok
}

func (r *fakeRouter) Close() error { return nil }

func (r *fakeRouter) registerProducer(p *fakeProducer) {
	r.mu.Lock()
	r.prods[p.id] = p
	r.mu.Unlock()
}

func (r *fakeRouter) lookupProducer(id string) (*fakeProducer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.prods[id]
	return p, ok
}

type fakeTransport struct {
	id     string
	router *fakeRouter
}

func (t *fakeTransport) ID() string                                { return t.id }
func (t *fakeTransport) IceParameters() mediarouter.IceParameters  { return mediarouter.IceParameters(`{}`) }
func (t *fakeTransport) IceCandidates() []mediarouter.IceCandidate { return nil }
func (t *fakeTransport) DtlsParameters() mediarouter.DTLSParameters {
	return mediarouter.DTLSParameters(`{}`)
}
func (t *fakeTransport) SctpParameters() mediarouter.SCTPParameters {
	return mediarouter.SCTPParameters(`{}`)
}
func (t *fakeTransport) Connect(mediarouter.DTLSParameters) error { return nil }

func (t *fakeTransport) Produce(kind mediarouter.Kind, params mediarouter.RTPParameters) (mediarouter.Producer, error) {
	id := fmt.Sprintf("%s_p_%d", t.id, t.router.seq.Add(1))
	p := &fakeProducer{id: id, kind: kind, params: params}
	t.router.registerProducer(p)
	return p, nil
}

func (t *fakeTransport) Consume(producerID string, caps mediarouter.RTPCapabilities, paused bool) (mediarouter.Consumer, error) {
	p, ok := t.router.lookupProducer(producerID)
	if !ok {
		return nil, fmt.Errorf("unknown producer %s", producerID)
	}
	c := &fakeConsumer{id: fmt.Sprintf("%s_c_%d", t.id, t.router.seq.Add(1)), kind: p.kind, params: p.params}
	c.paused.Store(paused)
	return c, nil
}

func (t *fakeTransport) SetMaxIncomingBitrate(int) error       { return nil }
func (t *fakeTransport) SetMaxOutgoingBitrate(int) error       { return nil }
func (t *fakeTransport) GetStats() (mediarouter.Stats, error)  { return mediarouter.Stats{}, nil }
func (t *fakeTransport) Close() error                          { return nil }

type fakeProducer struct {
	id     string
	kind   mediarouter.Kind
	params mediarouter.RTPParameters
	paused atomic.Bool
	closed atomic.Bool
}

func (p *fakeProducer) ID() string                             { return p.id }
func (p *fakeProducer) Kind() mediarouter.Kind                 { return p.kind }
func (p *fakeProducer) Paused() bool                           { return p.paused.Load() }
func (p *fakeProducer) Pause() error                           { p.paused.Store(true); return nil }
func (p *fakeProducer) Resume() error                          { p.paused.Store(false); return nil }
func (p *fakeProducer) Close() error                           { p.closed.Store(true); return nil }
func (p *fakeProducer) GetStats() (mediarouter.Stats, error)   { return mediarouter.Stats{BitrateBps: 1000}, nil }
func (p *fakeProducer) RTPParameters() mediarouter.RTPParameters { return p.params }

type fakeConsumer struct {
	id     string
	kind   mediarouter.Kind
	params mediarouter.RTPParameters
	paused atomic.Bool
	closed atomic.Bool
}

func (c *fakeConsumer) ID() string                             { return c.id }
func (c *fakeConsumer) Kind() mediarouter.Kind                 { return c.kind }
func (c *fakeConsumer) Paused() bool                           { return c.paused.Load() }
func (c *fakeConsumer) Pause() error                           { c.paused.Store(true); return nil }
func (c *fakeConsumer) Resume() error                          { c.paused.Store(false); return nil }
func (c *fakeConsumer) Close() error                           { c.closed.Store(true); return nil }
func (c *fakeConsumer) RTPParameters() mediarouter.RTPParameters { return c.params }
