// Package bus implements the correlated request/response + fire-and-forget
// message layer over a link.Link, with trailing-edge batching (spec.md
// §4.2). One network frame is a JSON array of Payloads; the receiving Bus
// dispatches each independently.
package bus

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sfucore/sfu/internal/apperr"
	"github.com/sfucore/sfu/internal/link"
)

// Message is the application-level envelope carried inside a Payload.
type Message struct {
	Name    string          `json:"name"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Payload is one entry of the JSON array a Link frame carries.
type Payload struct {
	Message      Message `json:"message"`
	NeedResponse string  `json:"needResponse,omitempty"`
	ResponseTo   string  `json:"responseTo,omitempty"`
}

// RequestOptions configures a single Request call.
type RequestOptions struct {
	Timeout time.Duration
	Batch   bool
}

// SendOptions configures a single Send call.
type SendOptions struct {
	Batch bool
}

const defaultBatchDelay = 300 * time.Millisecond
const defaultRequestTimeout = 5 * time.Second

type pendingRequest struct {
	resolve chan Message
	reject  chan error
	timer   *time.Timer
}

// Bus is the request/response + broadcast layer over one Link. The zero
// value is not usable; construct with New.
type Bus struct {
	id         string
	serverSide bool
	link       link.Link
	batchDelay time.Duration

	seq uint64

	mu       sync.Mutex
	pending  map[string]*pendingRequest
	queue    []Payload
	batching bool
	closed   bool

	onMessage func(Message)
	onRequest func(Message) (Message, error)
}

// Option configures a Bus at construction time.
type Option func(*Bus)

// WithBatchDelay overrides the trailing-edge batch delay (default 300ms,
// tests typically pass 10ms per spec.md §4.2).
func WithBatchDelay(d time.Duration) Option {
	return func(b *Bus) { b.batchDelay = d }
}

// New wraps l in a Bus. serverSide selects the correlation-id prefix
// ("s" vs "c") so ids minted independently by either peer never collide.
func New(id string, l link.Link, serverSide bool, opts ...Option) *Bus {
	b := &Bus{
		id:         id,
		serverSide: serverSide,
		link:       l,
		batchDelay: defaultBatchDelay,
		pending:    make(map[string]*pendingRequest),
	}
	for _, opt := range opts {
		opt(b)
	}
	l.OnFrame(b.handleFrame)
	l.OnClose(b.handleLinkClosed)
	return b
}

func (b *Bus) nextID() string {
	n := atomic.AddUint64(&b.seq, 1)
	prefix := "c"
	if b.serverSide {
		prefix = "s"
	}
	return fmt.Sprintf("%s_%s_%d", prefix, b.id, n)
}

// OnMessage registers the callback for inbound fire-and-forget messages
// (payloads with neither NeedResponse nor ResponseTo, and responses are
// routed separately).
func (b *Bus) OnMessage(fn func(Message)) {
	b.mu.Lock()
	b.onMessage = fn
	b.mu.Unlock()
}

// OnRequest registers the callback for inbound requests; its return value
// is sent back as the responseTo payload.
func (b *Bus) OnRequest(fn func(Message) (Message, error)) {
	b.mu.Lock()
	b.onRequest = fn
	b.mu.Unlock()
}

// Send is a fire-and-forget send.
func (b *Bus) Send(msg Message, opts ...SendOptions) error {
	var o SendOptions
	if len(opts) > 0 {
		o = opts[0]
	}
	return b.enqueue(Payload{Message: msg}, o.Batch)
}

// Request sends msg and waits for a correlated response, honoring the
// timeout in opts (default 5s) and the batch flag.
func (b *Bus) Request(msg Message, opts ...RequestOptions) (Message, error) {
	var o RequestOptions
	if len(opts) > 0 {
		o = opts[0]
	}
	timeout := o.Timeout
	if timeout == 0 {
		timeout = defaultRequestTimeout
	}

	id := b.nextID()
	p := Payload{Message: msg, NeedResponse: id}

	pr := &pendingRequest{
		resolve: make(chan Message, 1),
		reject:  make(chan error, 1),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return Message{}, apperr.BusClosed
	}
	b.pending[id] = pr
	b.mu.Unlock()

	pr.timer = time.AfterFunc(timeout, func() {
		b.completeRequest(id, Message{}, apperr.Wrap(apperr.CodeTimeout, "request timed out", nil))
	})

	if err := b.enqueue(p, o.Batch); err != nil {
		b.completeRequest(id, Message{}, err)
	}

	select {
	case m := <-pr.resolve:
		return m, nil
	case err := <-pr.reject:
		return Message{}, err
	}
}

// completeRequest resolves or rejects a pending request exactly once.
func (b *Bus) completeRequest(id string, m Message, err error) {
	b.mu.Lock()
	pr, ok := b.pending[id]
	if ok {
		delete(b.pending, id)
	}
	b.mu.Unlock()
	if !ok {
		return
	}
	if pr.timer != nil {
		pr.timer.Stop()
	}
	if err != nil {
		pr.reject <- err
	} else {
		pr.resolve <- m
	}
}

// enqueue implements the trailing-edge-with-immediate-first batching
// discipline of spec.md §4.2.
func (b *Bus) enqueue(p Payload, batch bool) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return apperr.BusClosed
	}
	if !batch {
		b.mu.Unlock()
		return b.flushOne(p)
	}

	if !b.batching {
		// No timer armed: flush this payload (and anything already
		// queued) immediately, then arm the trailing timer.
		toFlush := append(b.queue, p)
		b.queue = nil
		b.batching = true
		b.mu.Unlock()

		err := b.flushMany(toFlush)
		time.AfterFunc(b.batchDelay, b.onBatchTimer)
		return err
	}

	b.queue = append(b.queue, p)
	b.mu.Unlock()
	return nil
}

func (b *Bus) onBatchTimer() {
	b.mu.Lock()
	toFlush := b.queue
	b.queue = nil
	if len(toFlush) == 0 {
		b.batching = false
		b.mu.Unlock()
		return
	}
	b.mu.Unlock()

	if err := b.flushMany(toFlush); err != nil {
		log.Error().Err(err).Str("module", "bus").Msg("batch flush failed")
	}
	// Re-arm after every non-empty flush; the next tick clears batching
	// if nothing new was queued by then.
	time.AfterFunc(b.batchDelay, b.onBatchTimer)
}

func (b *Bus) flushOne(p Payload) error {
	return b.flushMany([]Payload{p})
}

func (b *Bus) flushMany(payloads []Payload) error {
	if len(payloads) == 0 {
		return nil
	}
	frame, err := json.Marshal(payloads)
	if err != nil {
		return err
	}
	return b.link.Send(frame)
}

func (b *Bus) handleFrame(frame []byte) {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return
	}

	var payloads []Payload
	if err := json.Unmarshal(frame, &payloads); err != nil {
		log.Error().Err(err).Str("module", "bus").Msg("malformed frame")
		return
	}
	for _, p := range payloads {
		b.dispatch(p)
	}
}

func (b *Bus) dispatch(p Payload) {
	if p.ResponseTo != "" {
		b.completeRequest(p.ResponseTo, p.Message, nil)
		return
	}

	if p.NeedResponse != "" {
		b.mu.Lock()
		onRequest := b.onRequest
		b.mu.Unlock()
		if onRequest == nil {
			return
		}
		go func() {
			resp, err := onRequest(p.Message)
			if err != nil {
				log.Error().Err(err).Str("module", "bus").Str("name", p.Message.Name).Msg("request handler failed")
				return
			}
			_ = b.flushOne(Payload{Message: resp, ResponseTo: p.NeedResponse})
		}()
		return
	}

	b.mu.Lock()
	onMessage := b.onMessage
	b.mu.Unlock()
	if onMessage != nil {
		onMessage(p.Message)
	}
}

func (b *Bus) handleLinkClosed() {
	b.Close()
}

// Close rejects all pending requests with BusClosed and detaches from the
// link. Idempotent.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	pending := b.pending
	b.pending = make(map[string]*pendingRequest)
	b.mu.Unlock()

	for _, pr := range pending {
		if pr.timer != nil {
			pr.timer.Stop()
		}
		pr.reject <- apperr.BusClosed
	}
}
