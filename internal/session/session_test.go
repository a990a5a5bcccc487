package session

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/sfucore/sfu/internal/bus"
	"github.com/sfucore/sfu/internal/config"
	"github.com/sfucore/sfu/internal/link/linktest"
)

func testTimeouts() config.Timeouts {
	return config.Timeouts{
		Session:        time.Second,
		Ping:           time.Hour,
		Recovery:       50 * time.Millisecond,
		Channel:        time.Hour,
		Authentication: time.Second,
		Request:        time.Second,
	}
}

func waitForState(t *testing.T, s *Session, want State, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if s.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("session %s: state = %v, want %v", s.ID(), s.State(), want)
}

func fakeClientHandler(m bus.Message) (bus.Message, error) {
	switch m.Name {
	case reqInitTransports:
		return bus.Message{Name: m.Name, Payload: json.RawMessage(`{"codecs":[]}`)}, nil
	case reqInitConsumer:
		return bus.Message{Name: m.Name, Payload: json.RawMessage(`{}`)}, nil
	default:
		return bus.Message{Name: m.Name}, nil
	}
}

func newConnectedSession(t *testing.T, id string, router *fakeRouter, peers func() []*Session, onClose func(*Session, CloseReason)) *Session {
	t.Helper()
	a, b := linktest.NewPipe()

	cfg := Config{
		ID:        id,
		ChannelID: "chan-1",
		Timeouts:  testTimeouts(),
		Peers:     peers,
		OnClose:   onClose,
	}
	if router != nil {
		cfg.Router = router
	}
	s := New(cfg)

	clientBus := bus.New(id+"-client", b, false)
	clientBus.OnRequest(fakeClientHandler)

	serverBus := bus.New(id, a, true)
	s.Connect(serverBus)
	waitForState(t, s, StateConnected, time.Second)
	return s
}

func TestSessionReachesConnectedWithoutRouter(t *testing.T) {
	t.Parallel()
	newConnectedSession(t, "s1", nil, nil, nil)
}

func TestSessionReachesConnectedWithRouter(t *testing.T) {
	t.Parallel()
	router := newFakeRouter()
	newConnectedSession(t, "s1", router, nil, nil)
}

func TestSessionCloseIsIdempotentAndNotifiesOnClose(t *testing.T) {
	t.Parallel()

	closes := make(chan CloseReason, 4)
	s := newConnectedSession(t, "s1", nil, nil, func(sess *Session, reason CloseReason) {
		closes <- reason
	})

	s.Close(ReasonClean, nil)
	s.Close(ReasonKicked, nil) // second call must be a no-op

	select {
	case reason := <-closes:
		if reason != ReasonClean {
			t.Errorf("close reason = %v, want CLEAN", reason)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for OnClose")
	}

	select {
	case reason := <-closes:
		t.Fatalf("OnClose invoked a second time with reason %v", reason)
	case <-time.After(50 * time.Millisecond):
	}

	if s.State() != StateClosed {
		t.Errorf("state = %v, want CLOSED", s.State())
	}
}

func TestMeshBuildingConsumesEveryPeerStream(t *testing.T) {
	t.Parallel()

	router := newFakeRouter()

	// Two sessions sharing one router, each producing an audio stream and
	// consuming the other's, exercising Consume's mesh-building path
	// (spec.md §4.3).
	var s1, s2 *Session
	peersOfS1 := func() []*Session {
		if s2 == nil {
			return nil
		}
		return []*Session{s2}
	}
	peersOfS2 := func() []*Session {
		if s1 == nil {
			return nil
		}
		return []*Session{s1}
	}

	s1 = newConnectedSession(t, "s1", router, peersOfS1, nil)
	s2 = newConnectedSession(t, "s2", router, peersOfS2, nil)

	// Each session produces an audio track after connecting, then the
	// other consumes it lazily via handleInitProducer -> Consume.
	_, err := s1.handleInitProducer(bus.Message{Payload: json.RawMessage(`{"type":"audio","kind":"audio","rtpParameters":{}}`)})
	if err != nil {
		t.Fatalf("s1 produce: %v", err)
	}
	_, err = s2.handleInitProducer(bus.Message{Payload: json.RawMessage(`{"type":"audio","kind":"audio","rtpParameters":{}}`)})
	if err != nil {
		t.Fatalf("s2 produce: %v", err)
	}

	// updateRemoteConsumers dispatches Consume asynchronously.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		s2.mu.Lock()
		slots, ok := s2.consumers[s1.ID()]
		n := len(slots)
		s2.mu.Unlock()
		if ok && n > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	s2.mu.Lock()
	slots := s2.consumers[s1.ID()]
	s2.mu.Unlock()
	if len(slots) == 0 {
		t.Fatal("s2 never mounted a consumer against s1's producer")
	}

	deadline = time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		s1.mu.Lock()
		n := len(s1.consumers[s2.ID()])
		s1.mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	s1.mu.Lock()
	slots = s1.consumers[s2.ID()]
	s1.mu.Unlock()
	if len(slots) == 0 {
		t.Fatal("s1 never mounted a consumer against s2's producer")
	}
}
