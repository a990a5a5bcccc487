package session

import (
	"encoding/json"
	"fmt"

	"github.com/sfucore/sfu/internal/bus"
	"github.com/sfucore/sfu/internal/mediarouter"
)

// handleMessage dispatches inbound fire-and-forget bus messages by tag
// (spec.md §6.2's client->server message set).
func (s *Session) handleMessage(msg bus.Message) {
	switch msg.Name {
	case msgBroadcast, msgInfoChange, msgProductionChange:
		if !s.fanoutLimiter.allow(msg.Name) {
			s.recordError(fmt.Errorf("rate limit exceeded for %s", msg.Name))
			return
		}
	}

	switch msg.Name {
	case msgBroadcast:
		var p broadcastInPayload
		if err := json.Unmarshal(msg.Payload, &p); err == nil {
			s.broadcast(p.Payload)
		}
	case msgConsumptionChange:
		var p consumptionChangePayload
		if err := json.Unmarshal(msg.Payload, &p); err == nil {
			s.applyConsumptionChange(p.SessionID, p.States)
		}
	case msgInfoChange:
		var p infoChangePayload
		if err := json.Unmarshal(msg.Payload, &p); err == nil {
			s.applyInfoChange(p)
		}
	case msgProductionChange:
		var p productionChangePayload
		if err := json.Unmarshal(msg.Payload, &p); err == nil {
			s.applyProductionChange(p)
		}
	}
}

func (s *Session) handleRequest(msg bus.Message) (bus.Message, error) {
	switch msg.Name {
	case reqConnectCtsTransport:
		return s.handleConnectTransport(msg, s.ctsTransportRef())
	case reqConnectStcTransport:
		return s.handleConnectTransport(msg, s.stcTransportRef())
	case reqInitProducer:
		return s.handleInitProducer(msg)
	default:
		return bus.Message{}, fmt.Errorf("session: unhandled request %q", msg.Name)
	}
}

func (s *Session) ctsTransportRef() mediarouter.Transport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctsTransport
}

func (s *Session) stcTransportRef() mediarouter.Transport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stcTransport
}

func (s *Session) handleConnectTransport(msg bus.Message, t mediarouter.Transport) (bus.Message, error) {
	if t == nil {
		return bus.Message{}, fmt.Errorf("session: transport not ready")
	}
	var p connectTransportPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		return bus.Message{}, err
	}
	if err := t.Connect(mediarouter.DTLSParameters(p.DtlsParameters)); err != nil {
		s.recordError(fmt.Errorf("connect transport: %w", err))
		return bus.Message{}, err
	}
	return bus.Message{Name: msg.Name}, nil
}

// handleInitProducer implements spec.md §4.3's produce-handling
// algorithm: replace any prior producer of the same type, slot the new
// one, update info flags, and rebuild the remote consumer mesh.
func (s *Session) handleInitProducer(msg bus.Message) (bus.Message, error) {
	var p initProducerPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		return bus.Message{}, err
	}
	streamType, err := parseStreamType(p.Type)
	if err != nil {
		return bus.Message{}, err
	}

	cts := s.ctsTransportRef()
	if cts == nil {
		return bus.Message{}, fmt.Errorf("session: cts transport not ready")
	}

	s.mu.Lock()
	prior, hadPrior := s.producers[streamType]
	s.mu.Unlock()
	if hadPrior {
		_ = prior.Close()
	}

	producer, err := cts.Produce(mediarouter.Kind(p.Kind), mediarouter.RTPParameters(p.RtpParameters))
	if err != nil {
		s.recordError(fmt.Errorf("produce %s: %w", streamType, err))
		return bus.Message{}, err
	}

	s.mu.Lock()
	s.producers[streamType] = producer
	switch streamType {
	case mediarouter.StreamCamera:
		s.info.IsCameraOn = boolPtr(true)
	case mediarouter.StreamScreen:
		s.info.IsScreenSharingOn = boolPtr(true)
	}
	info := s.info
	s.mu.Unlock()

	s.updateRemoteConsumers()
	s.broadcastInfo(map[string]Info{s.ID(): info})

	resp, _ := json.Marshal(initProducerResponse{ID: producer.ID()})
	return bus.Message{Name: msg.Name, Payload: resp}, nil
}

// updateRemoteConsumers schedules Consume(self) on every other CONNECTED
// peer so their consumer mesh picks up this session's new/changed
// producers.
func (s *Session) updateRemoteConsumers() {
	if s.cfg.Peers == nil {
		return
	}
	for _, peer := range s.cfg.Peers() {
		if peer.ID() == s.ID() {
			continue
		}
		go peer.Consume(s)
	}
}

// applyProductionChange implements the fire-and-forget PRODUCTION_CHANGE
// message: pause/resume the named producer and reconcile the mesh.
func (s *Session) applyProductionChange(p productionChangePayload) {
	streamType, err := parseStreamType(p.Type)
	if err != nil {
		return
	}
	s.mu.Lock()
	switch streamType {
	case mediarouter.StreamCamera:
		s.info.IsCameraOn = boolPtr(p.Active)
	case mediarouter.StreamScreen:
		s.info.IsScreenSharingOn = boolPtr(p.Active)
	case mediarouter.StreamAudio:
		s.info.IsSelfMuted = boolPtr(!p.Active)
	}
	producer, ok := s.producers[streamType]
	info := s.info
	s.mu.Unlock()
	if !ok {
		return
	}
	if p.Active {
		_ = producer.Resume()
	} else {
		_ = producer.Pause()
	}
	s.updateRemoteConsumers()
	s.broadcastInfo(map[string]Info{s.ID(): info})
}

// applyInfoChange implements INFO_CHANGE: merge recognized keys, reply
// with a channel-wide snapshot when requested, then broadcast the delta.
func (s *Session) applyInfoChange(p infoChangePayload) {
	s.mu.Lock()
	s.info.applyPatch(p.Info)
	info := s.info
	s.mu.Unlock()

	if p.NeedRefresh {
		if b := s.currentBus(); b != nil {
			payload, err := json.Marshal(s.infoSnapshotAll())
			if err == nil {
				_ = b.Send(bus.Message{Name: msgSInfoChange, Payload: payload})
			}
		}
	}

	s.broadcastInfo(map[string]Info{s.ID(): info})
}

// infoSnapshotAll builds the channel-wide info map sent as the reply to
// INFO_CHANGE's needRefresh; peer broadcasts carry only the sender's delta.
func (s *Session) infoSnapshotAll() map[string]Info {
	out := map[string]Info{s.ID(): s.InfoSnapshot()}
	if s.cfg.Peers == nil {
		return out
	}
	for _, peer := range s.cfg.Peers() {
		if peer.ID() == s.ID() {
			continue
		}
		out[peer.ID()] = peer.InfoSnapshot()
	}
	return out
}

func (s *Session) broadcastInfo(delta map[string]Info) {
	if s.cfg.Peers == nil {
		return
	}
	payload, err := json.Marshal(delta)
	if err != nil {
		return
	}
	for _, peer := range s.cfg.Peers() {
		if peer.ID() == s.ID() {
			continue
		}
		if pb := peer.currentBus(); pb != nil {
			_ = pb.Send(bus.Message{Name: msgSInfoChange, Payload: payload}, bus.SendOptions{Batch: true})
		}
	}
}

// Broadcast forwards payload to every other channel member's bus, tagged
// with this session's id, without echoing back to self (spec.md §4.3).
func (s *Session) broadcast(payload json.RawMessage) {
	if s.cfg.Peers == nil {
		return
	}
	out, err := json.Marshal(broadcastOutPayload{SenderID: s.ID(), Message: payload})
	if err != nil {
		return
	}
	for _, peer := range s.cfg.Peers() {
		if peer.ID() == s.ID() {
			continue
		}
		if pb := peer.currentBus(); pb != nil {
			_ = pb.Send(bus.Message{Name: msgBroadcast, Payload: out}, bus.SendOptions{Batch: true})
		}
	}
}
