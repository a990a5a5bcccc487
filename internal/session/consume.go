package session

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/sfucore/sfu/internal/bus"
	"github.com/sfucore/sfu/internal/mediarouter"
)

// Consume lazily mounts consumers for every producing stream of peer,
// reconciling pause state on repeat calls. Idempotent and safe under
// concurrent invocation on the same (self, peer) pair (spec.md §4.3,
// §5's reentrancy-safety guarantee).
func (s *Session) Consume(peer *Session) {
	if peer == nil || peer.ID() == s.ID() {
		return
	}
	if peer.State() != StateConnected || s.cfg.Router == nil {
		return
	}

	s.mu.Lock()
	if !s.consumerInit[peer.ID()] {
		s.consumerInit[peer.ID()] = true
		s.consumers[peer.ID()] = make(map[StreamType]mediarouter.Consumer)
		s.mu.Unlock()
		peer.OnCloseHook(func(CloseReason) { s.releasePeerConsumers(peer.ID()) })
	} else {
		s.mu.Unlock()
	}

	for _, t := range streamTypes {
		s.consumeOne(peer, t)
	}
}

func (s *Session) consumeOne(peer *Session, t StreamType) {
	snap, ok := peer.ProducerSnapshot(t)
	if !ok {
		return
	}
	if !s.cfg.Router.CanConsume(snap.ID, s.Capabilities()) {
		return
	}

	s.mu.Lock()
	slots := s.consumers[peer.ID()]
	existing, hasExisting := slots[t]
	stc := s.stcTransport
	s.mu.Unlock()

	if stc == nil {
		return
	}

	if !hasExisting {
		consumer, err := stc.Consume(snap.ID, s.Capabilities(), true)
		if err != nil {
			s.recordError(fmt.Errorf("consume %s/%s: %w", peer.ID(), t, err))
			s.armRecovery(peer)
			return
		}
		if err := s.sendInitConsumer(peer, t, consumer, snap); err != nil {
			_ = consumer.Close()
			s.recordError(fmt.Errorf("init consumer %s/%s: %w", peer.ID(), t, err))
			s.armRecovery(peer)
			return
		}

		s.mu.Lock()
		slots = s.consumers[peer.ID()]
		if slots == nil {
			// Peer's consumer map was torn down (session closing) while
			// we were setting this consumer up; the loser closes it.
			s.mu.Unlock()
			_ = consumer.Close()
			return
		}
		if _, ok := slots[t]; ok {
			// Lost a race to a concurrent Consume(peer) call: close the
			// consumer we just built, keep the winner's.
			s.mu.Unlock()
			_ = consumer.Close()
			return
		}
		slots[t] = consumer
		existing = consumer
		s.mu.Unlock()
	}

	if existing.Paused() != snap.Paused {
		var err error
		if snap.Paused {
			err = existing.Pause()
		} else {
			err = existing.Resume()
		}
		if err != nil {
			s.recordError(fmt.Errorf("reconcile consumer %s/%s: %w", peer.ID(), t, err))
			s.mu.Lock()
			delete(s.consumers[peer.ID()], t)
			s.mu.Unlock()
			_ = existing.Close()
			s.armRecovery(peer)
		}
	}
}

func (s *Session) sendInitConsumer(peer *Session, t StreamType, consumer mediarouter.Consumer, snap ProducerSnapshot) error {
	b := s.currentBus()
	if b == nil {
		return fmt.Errorf("no bus attached")
	}
	payload, err := json.Marshal(initConsumerPayload{
		ID:            consumer.ID(),
		Kind:          string(streamKind(t)),
		ProducerID:    snap.ID,
		RtpParameters: json.RawMessage(consumer.RTPParameters()),
		SessionID:     peer.ID(),
		Active:        !snap.Paused,
		Type:          string(t),
	})
	if err != nil {
		return err
	}
	_, err = b.Request(bus.Message{Name: reqInitConsumer, Payload: payload}, bus.RequestOptions{Batch: true, Timeout: s.cfg.Timeouts.Request})
	return err
}

// armRecovery schedules a single-shot re-attempt of Consume(peer), per
// spec.md §4.3's per-peer recovery timer, cancelling any prior one for
// the same peer first.
func (s *Session) armRecovery(peer *Session) {
	if peer.State() != StateConnected {
		return
	}
	s.mu.Lock()
	if prior, ok := s.recoveryTimers[peer.ID()]; ok {
		prior.Stop()
	}
	if s.recoveryTimers == nil {
		s.mu.Unlock()
		return
	}
	s.recoveryTimers[peer.ID()] = time.AfterFunc(s.cfg.Timeouts.Recovery, func() {
		s.Consume(peer)
	})
	s.mu.Unlock()
}

// releasePeerConsumers closes and forgets every consumer slot held
// against peerID, invoked once when that peer closes.
func (s *Session) releasePeerConsumers(peerID string) {
	s.mu.Lock()
	slots := s.consumers[peerID]
	delete(s.consumers, peerID)
	if t, ok := s.recoveryTimers[peerID]; ok {
		t.Stop()
		delete(s.recoveryTimers, peerID)
	}
	s.mu.Unlock()

	for _, c := range slots {
		_ = c.Close()
	}
}

// applyConsumptionChange pauses/resumes local consumers per an explicit client
// request (spec.md §4.3's CONSUMPTION_CHANGE handler).
func (s *Session) applyConsumptionChange(sessionID string, states map[string]bool) {
	s.mu.Lock()
	slots := s.consumers[sessionID]
	s.mu.Unlock()
	if slots == nil {
		return
	}
	for name, active := range states {
		t, err := parseStreamType(name)
		if err != nil {
			continue
		}
		s.mu.Lock()
		c, ok := slots[t]
		s.mu.Unlock()
		if !ok {
			continue
		}
		if active {
			_ = c.Resume()
		} else {
			_ = c.Pause()
		}
	}
}
