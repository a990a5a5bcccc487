package session

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/sfucore/sfu/internal/bus"
	"github.com/sfucore/sfu/internal/config"
	"github.com/sfucore/sfu/internal/mediarouter"
)

const maxSessionErrors = 6

// Config are the fixed parameters a Session is constructed with. Peers and
// OnClose let session stay ignorant of the Channel type that owns it,
// mirroring the corpus's habit of injecting collaborators rather than
// reaching into a parent (grounded on the teacher's
// internal/core/room_impl.go member-callback wiring).
type Config struct {
	ID            string
	ChannelID     string
	Router        mediarouter.Router // nil when the channel is data-only (useWebRtc=false)
	Timeouts      config.Timeouts
	MaxBitrateIn  int
	MaxBitrateOut int

	// Peers returns every other CONNECTED session sharing this one's
	// channel, at call time.
	Peers func() []*Session
	// OnClose is invoked exactly once when this session reaches CLOSED.
	OnClose func(*Session, CloseReason)
}

// Session is one participant's state machine (spec.md §4.3).
type Session struct {
	cfg    Config
	logger zerolog.Logger

	stateMu sync.RWMutex
	state   State

	mu           sync.Mutex
	bus          *bus.Bus
	producers    map[StreamType]mediarouter.Producer
	consumers    map[string]map[StreamType]mediarouter.Consumer
	consumerInit map[string]bool // peer id -> cleanup hook installed
	capabilities mediarouter.RTPCapabilities
	ctsTransport mediarouter.Transport
	stcTransport mediarouter.Transport
	info         Info
	errs         []string

	fanoutLimiter *slidingWindowLimiter

	recoveryTimers    map[string]*time.Timer
	connDeadlineTimer *time.Timer
	pingTimer         *time.Timer

	closeListeners []func(CloseReason)
	closeOnce      sync.Once
}

// OnCloseHook registers fn to run once, when this session closes, after
// its own resources are released. Used by peers to tear down the
// consumer slots they hold against this session (spec.md §4.3 Consume).
func (s *Session) OnCloseHook(fn func(CloseReason)) {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		fn(ReasonClean)
		return
	}
	s.closeListeners = append(s.closeListeners, fn)
	s.mu.Unlock()
}

// New constructs a session in state NEW; Connect drives it forward.
func New(cfg Config) *Session {
	return &Session{
		cfg:          cfg,
		logger:       log.With().Str("module", "session").Str("session", cfg.ID).Str("channel", cfg.ChannelID).Logger(),
		producers:    make(map[StreamType]mediarouter.Producer),
		consumers:    make(map[string]map[StreamType]mediarouter.Consumer),
		consumerInit:  make(map[string]bool),
		recoveryTimers: make(map[string]*time.Timer),
		fanoutLimiter: newSlidingWindowLimiter(fanoutRateLimit, fanoutRateInterval),
	}
}

func (s *Session) ID() string { return s.cfg.ID }

func (s *Session) State() State {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.stateMu.Lock()
	if s.state != StateClosed {
		s.state = st
	}
	s.stateMu.Unlock()
}

// ProducerSnapshot lets a peer inspect this session's producer for a
// stream type without taking part in its internal locking scheme.
func (s *Session) ProducerSnapshot(t StreamType) (ProducerSnapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.producers[t]
	if !ok {
		return ProducerSnapshot{}, false
	}
	return ProducerSnapshot{ID: p.ID(), Paused: p.Paused()}, true
}

// Capabilities returns the client-supplied RTP capabilities this session
// negotiated at connect time.
func (s *Session) Capabilities() mediarouter.RTPCapabilities {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.capabilities
}

// InfoSnapshot returns a copy of the current info record.
func (s *Session) InfoSnapshot() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info
}

// Connect drives NEW -> CONNECTING and starts transport setup (spec.md
// §4.3). It is fire-and-forget from the Gateway's perspective.
func (s *Session) Connect(b *bus.Bus) {
	s.mu.Lock()
	if s.State() == StateClosed {
		s.mu.Unlock()
		return
	}
	s.bus = b
	s.mu.Unlock()

	s.setState(StateConnecting)
	b.OnMessage(s.handleMessage)
	b.OnRequest(s.handleRequest)

	s.armConnectionDeadline()
	s.armPing()

	go s.completeConnect()
}

func (s *Session) armConnectionDeadline() {
	s.mu.Lock()
	s.connDeadlineTimer = time.AfterFunc(s.cfg.Timeouts.Session, func() {
		if s.State() != StateConnected {
			s.Close(ReasonCTimeout, fmt.Errorf("connection deadline exceeded"))
		}
	})
	s.mu.Unlock()
}

func (s *Session) armPing() {
	s.mu.Lock()
	s.pingTimer = time.AfterFunc(s.cfg.Timeouts.Ping, s.onPingTick)
	s.mu.Unlock()
}

func (s *Session) onPingTick() {
	if s.State() == StateClosed {
		return
	}
	b := s.currentBus()
	if b == nil {
		return
	}
	_, err := b.Request(bus.Message{Name: reqPing}, bus.RequestOptions{Timeout: s.cfg.Timeouts.Session})
	if err != nil {
		s.Close(ReasonPTimeout, err)
		return
	}
	s.mu.Lock()
	if s.state != StateClosed {
		s.pingTimer = time.AfterFunc(s.cfg.Timeouts.Ping, s.onPingTick)
	}
	s.mu.Unlock()
}

func (s *Session) currentBus() *bus.Bus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bus
}

// completeConnect finishes the transport-setup half of Connect and, on
// success, builds the initial mesh against every existing peer.
func (s *Session) completeConnect() {
	if s.cfg.Router != nil {
		if err := s.setupTransports(); err != nil {
			s.Close(ReasonError, err)
			return
		}
		if s.State() == StateClosed {
			// Closed concurrently during setup; release what we built.
			s.mu.Lock()
			cts, stc := s.ctsTransport, s.stcTransport
			s.ctsTransport, s.stcTransport = nil, nil
			s.mu.Unlock()
			if cts != nil {
				_ = cts.Close()
			}
			if stc != nil {
				_ = stc.Close()
			}
			return
		}
	}

	s.setState(StateConnected)

	if s.cfg.Peers == nil {
		return
	}
	for _, peer := range s.cfg.Peers() {
		if peer.ID() == s.ID() {
			continue
		}
		s.Consume(peer)
		peer.Consume(s)
	}
}

// setupTransports creates the cts/stc pair in parallel, exchanges
// capabilities with the peer via one INIT_TRANSPORTS request, and applies
// the configured bitrate caps.
func (s *Session) setupTransports() error {
	router := s.cfg.Router

	type result struct {
		t   mediarouter.Transport
		err error
	}
	ctsCh := make(chan result, 1)
	stcCh := make(chan result, 1)
	go func() {
		t, err := router.CreateWebRtcTransport(mediarouter.TransportOptions{EnableSctp: true, MaxIncomingBps: s.cfg.MaxBitrateIn})
		ctsCh <- result{t, err}
	}()
	go func() {
		t, err := router.CreateWebRtcTransport(mediarouter.TransportOptions{EnableSctp: true, MaxOutgoingBps: s.cfg.MaxBitrateOut})
		stcCh <- result{t, err}
	}()
	cts, stc := <-ctsCh, <-stcCh
	if cts.err != nil {
		return fmt.Errorf("create cts transport: %w", cts.err)
	}
	if stc.err != nil {
		return fmt.Errorf("create stc transport: %w", stc.err)
	}

	payload := initTransportsPayload{
		Capabilities: json.RawMessage(router.RTPCapabilities()),
		CtsConfig:    transportConfigOf(cts.t),
		StcConfig:    transportConfigOf(stc.t),
	}
	b := s.currentBus()
	if b == nil {
		_ = cts.t.Close()
		_ = stc.t.Close()
		return fmt.Errorf("session closed before bus attached")
	}
	msgPayload, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	resp, err := b.Request(bus.Message{Name: reqInitTransports, Payload: msgPayload}, bus.RequestOptions{Timeout: s.cfg.Timeouts.Request})
	if err != nil {
		_ = cts.t.Close()
		_ = stc.t.Close()
		return fmt.Errorf("init transports: %w", err)
	}

	if err := cts.t.SetMaxIncomingBitrate(s.cfg.MaxBitrateIn); err != nil {
		s.logger.Warn().Err(err).Msg("set max incoming bitrate failed")
	}
	if err := stc.t.SetMaxOutgoingBitrate(s.cfg.MaxBitrateOut); err != nil {
		s.logger.Warn().Err(err).Msg("set max outgoing bitrate failed")
	}

	s.mu.Lock()
	s.ctsTransport = cts.t
	s.stcTransport = stc.t
	s.capabilities = mediarouter.RTPCapabilities(resp.Payload)
	s.mu.Unlock()
	return nil
}

func transportConfigOf(t mediarouter.Transport) transportConfig {
	return transportConfig{
		ID:             t.ID(),
		IceParameters:  json.RawMessage(t.IceParameters()),
		DtlsParameters: json.RawMessage(t.DtlsParameters()),
		SctpParameters: json.RawMessage(t.SctpParameters()),
	}
}

// recordError appends err to the session's error list and closes with
// ERROR once the per-session budget (6) is exceeded (spec.md §4.3).
func (s *Session) recordError(err error) {
	s.mu.Lock()
	s.errs = append(s.errs, err.Error())
	overBudget := len(s.errs) > maxSessionErrors
	errs := append([]string(nil), s.errs...)
	s.mu.Unlock()

	s.logger.Error().Err(err).Msg("session error recorded")
	if overBudget {
		s.Close(ReasonError, fmt.Errorf("error budget exceeded: %v", errs))
	}
}

// Close is idempotent; see spec.md §4.3 for the exact teardown sequence.
func (s *Session) Close(reason CloseReason, cause error) {
	s.closeOnce.Do(func() {
		s.doClose(reason, cause)
	})
}

func (s *Session) doClose(reason CloseReason, cause error) {
	prevState := s.State()
	s.setState(StateClosed)

	s.mu.Lock()
	if s.connDeadlineTimer != nil {
		s.connDeadlineTimer.Stop()
	}
	if s.pingTimer != nil {
		s.pingTimer.Stop()
	}
	for _, t := range s.recoveryTimers {
		t.Stop()
	}
	s.recoveryTimers = nil

	consumerSlots := s.consumers
	s.consumers = make(map[string]map[StreamType]mediarouter.Consumer)
	producers := s.producers
	s.producers = make(map[StreamType]mediarouter.Producer)
	cts, stc := s.ctsTransport, s.stcTransport
	s.ctsTransport, s.stcTransport = nil, nil
	listeners := s.closeListeners
	s.closeListeners = nil
	s.mu.Unlock()

	for _, slots := range consumerSlots {
		for _, c := range slots {
			_ = c.Close()
		}
	}
	for _, p := range producers {
		_ = p.Close()
	}
	if cts != nil {
		_ = cts.Close()
	}
	if stc != nil {
		_ = stc.Close()
	}

	s.logger.Info().Str("prev_state", prevState.String()).Str("reason", string(reason)).Err(cause).Msg("session closed")

	// SESSION_LEAVE tells every peer's client to clean this session's
	// tiles up; suppressed on CHANNEL_CLOSED, where the channel itself is
	// tearing down every session at once (spec.md §4.3). This must reach
	// peers before their consumer-reaping close listeners run below
	// (spec.md §5's ordering guarantee).
	if reason != ReasonChannelClosed && s.cfg.Peers != nil {
		payload, _ := json.Marshal(sessionLeavePayload{SessionID: s.ID()})
		for _, peer := range s.cfg.Peers() {
			if peer.ID() == s.ID() {
				continue
			}
			if pb := peer.currentBus(); pb != nil {
				_ = pb.Send(bus.Message{Name: msgSessionLeave, Payload: payload}, bus.SendOptions{Batch: true})
			}
		}
	}

	for _, fn := range listeners {
		fn(reason)
	}

	if s.cfg.OnClose != nil {
		s.cfg.OnClose(s, reason)
	}
}
