package bus

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/sfucore/sfu/internal/link/linktest"
)

func TestSendDeliversFireAndForget(t *testing.T) {
	t.Parallel()

	a, b := linktest.NewPipe()
	busA := New("a", a, true)
	busB := New("b", b, false)

	received := make(chan Message, 1)
	busB.OnMessage(func(m Message) { received <- m })

	if err := busA.Send(Message{Name: "PING"}); err != nil {
		t.Fatalf("send: %v", err)
	}

	select {
	case m := <-received:
		if m.Name != "PING" {
			t.Errorf("got name %q, want PING", m.Name)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
	}
}

func TestRequestResponseRoundTrip(t *testing.T) {
	t.Parallel()

	a, b := linktest.NewPipe()
	busA := New("a", a, true)
	busB := New("b", b, false)

	busB.OnRequest(func(m Message) (Message, error) {
		return Message{Name: "PONG", Payload: m.Payload}, nil
	})

	resp, err := busA.Request(Message{Name: "PING", Payload: json.RawMessage(`{"x":1}`)})
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if resp.Name != "PONG" {
		t.Errorf("got name %q, want PONG", resp.Name)
	}
}

func TestRequestTimesOut(t *testing.T) {
	t.Parallel()

	a, b := linktest.NewPipe()
	busA := New("a", a, true)
	_ = New("b", b, false) // never installs OnRequest

	_, err := busA.Request(Message{Name: "PING"}, RequestOptions{Timeout: 10 * time.Millisecond})
	if err == nil {
		t.Fatal("expected timeout error, got nil")
	}
}

func TestBatchingPreservesOrder(t *testing.T) {
	t.Parallel()

	a, b := linktest.NewPipe()
	busA := New("a", a, true, WithBatchDelay(5*time.Millisecond))
	busB := New("b", b, false)

	var got []string
	done := make(chan struct{})
	busB.OnMessage(func(m Message) {
		got = append(got, m.Name)
		if len(got) == 3 {
			close(done)
		}
	})

	if err := busA.Send(Message{Name: "one"}, SendOptions{Batch: true}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := busA.Send(Message{Name: "two"}, SendOptions{Batch: true}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := busA.Send(Message{Name: "three"}, SendOptions{Batch: true}); err != nil {
		t.Fatalf("send: %v", err)
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for batched messages")
	}

	want := []string{"one", "two", "three"}
	for i, name := range want {
		if got[i] != name {
			t.Errorf("got[%d] = %q, want %q", i, got[i], name)
		}
	}
}

func TestCloseRejectsPendingRequests(t *testing.T) {
	t.Parallel()

	a, b := linktest.NewPipe()
	busA := New("a", a, true)
	_ = New("b", b, false)

	errCh := make(chan error, 1)
	go func() {
		_, err := busA.Request(Message{Name: "PING"}, RequestOptions{Timeout: time.Minute})
		errCh <- err
	}()

	// Give the request time to register before closing.
	time.Sleep(10 * time.Millisecond)
	busA.Close()

	select {
	case err := <-errCh:
		if err == nil {
			t.Fatal("expected error after close, got nil")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for rejected request")
	}
}
